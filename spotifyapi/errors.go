package spotifyapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

// ErrUnauthorized is returned by Client.Track when the catalog rejects the
// bearer token. Callers invalidate their token and retry once.
var ErrUnauthorized = errors.New("spotify: token rejected (401)")

// ErrUnauthorizedAfterRefresh is returned when a freshly exchanged token is
// rejected as well.
var ErrUnauthorizedAfterRefresh = &AuthExchangeError{Status: http.StatusUnauthorized, Body: "token rejected after refresh"}

// AuthExchangeError reports a failed client-credentials exchange.
type AuthExchangeError struct {
	Status int
	Body   string
}

func (e *AuthExchangeError) Error() string {
	return fmt.Sprintf("spotify token exchange failed: %d: %s", e.Status, e.Body)
}

// TrackFetchError reports a non-401 failure from the track lookup endpoint.
type TrackFetchError struct {
	TrackID string
	Status  int
	Body    string
}

func (e *TrackFetchError) Error() string {
	return fmt.Sprintf("failed to fetch track %s: %d\n%s", e.TrackID, e.Status, e.Body)
}

// describeBody renders an error response body for logs: indented JSON when the
// response declares JSON, the raw text otherwise.
func describeBody(contentType string, body []byte) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err == nil && mt == "application/json" {
		var buf bytes.Buffer
		if err := json.Indent(&buf, body, "", "  "); err == nil {
			return buf.String()
		}
	}
	return strings.TrimSpace(string(body))
}

func readErrorBody(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return describeBody(resp.Header.Get("Content-Type"), b)
}
