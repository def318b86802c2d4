// Package preview downloads track preview audio and maps its declared content
// type to a file extension.
package preview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
)

// DefaultMaxBytes caps a single preview download.
const DefaultMaxBytes = 8 * 1024 * 1024

// ErrTooLarge is returned when a preview body exceeds the fetcher's cap.
var ErrTooLarge = errors.New("preview body exceeds size cap")

// extensions lists the content types we can attach.
var extensions = map[string]string{
	"audio/mpeg": "mp3",
}

// Asset is a downloaded preview ready to attach.
type Asset struct {
	Data        []byte
	Ext         string
	ContentType string
}

// StatusError reports a non-2xx response from the preview host.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("failed to fetch preview %s: status %d", e.URL, e.Status)
}

// UnsupportedContentTypeError reports a response whose content type has no
// known extension. ContentType is empty when the header was missing.
type UnsupportedContentTypeError struct {
	URL         string
	ContentType string
}

func (e *UnsupportedContentTypeError) Error() string {
	return fmt.Sprintf("failed to identify extension for %q from %s", e.ContentType, e.URL)
}

// ExtensionFor returns the file extension for a declared content type.
// Media type parameters are ignored.
func ExtensionFor(contentType string) (string, bool) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", false
	}
	ext, ok := extensions[mt]
	return ext, ok
}

// Fetcher downloads previews.
type Fetcher struct {
	HTTPClient *http.Client
	MaxBytes   int64
}

func (f *Fetcher) http() *http.Client {
	if f.HTTPClient != nil {
		return f.HTTPClient
	}
	return http.DefaultClient
}

func (f *Fetcher) maxBytes() int64 {
	if f.MaxBytes > 0 {
		return f.MaxBytes
	}
	return DefaultMaxBytes
}

// Fetch downloads url and returns the buffered body. The content type is
// checked before the body is read.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Asset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: url, Status: resp.StatusCode}
	}
	ct := resp.Header.Get("Content-Type")
	ext, ok := ExtensionFor(ct)
	if !ok {
		return nil, &UnsupportedContentTypeError{URL: url, ContentType: ct}
	}
	limit := f.maxBytes()
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read preview %s: %w", url, err)
	}
	if int64(len(data)) > limit {
		return nil, ErrTooLarge
	}
	return &Asset{Data: data, Ext: ext, ContentType: ct}, nil
}
