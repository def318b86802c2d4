// Package spotifyapi contains the minimal Spotify Web API surface the bot
// needs: a client-credentials token exchange and a single-track lookup, plus a
// TokenManager that holds the current app token in memory.
package spotifyapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	DefaultAPIURL = "https://api.spotify.com/v1"
	DefaultMarket = "us"
)

// Token is an app access token and its advertised lifetime.
type Token struct {
	AccessToken string
	ExpiresIn   time.Duration
}

// TrackMetadata is the subset of a track object used to build a preview.
// An empty PreviewURL means the track has no preview in the queried market.
type TrackMetadata struct {
	ID               string
	Title            string
	PreviewURL       string
	AvailableMarkets []string
}

// HasPreview reports whether the catalog returned a preview URL.
func (m TrackMetadata) HasPreview() bool { return m.PreviewURL != "" }

// Client talks to the accounts and API hosts. Zero values for the URL fields
// fall back to the public Spotify endpoints.
type Client struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client

	TokenURL string
	APIURL   string
	Market   string
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) tokenURL() string {
	if c.TokenURL != "" {
		return c.TokenURL
	}
	return spotifyauth.TokenURL
}

func (c *Client) apiURL() string {
	if c.APIURL != "" {
		return strings.TrimRight(c.APIURL, "/")
	}
	return DefaultAPIURL
}

func (c *Client) market() string {
	if c.Market != "" {
		return c.Market
	}
	return DefaultMarket
}

// ExchangeToken performs a client-credentials grant using HTTP Basic auth.
// A non-2xx response yields *AuthExchangeError with the decoded body.
func (c *Client) ExchangeToken(ctx context.Context) (Token, error) {
	if c.ClientID == "" || c.ClientSecret == "" {
		return Token{}, errors.New("missing client id/secret for spotify app token")
	}
	cfg := &clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.tokenURL(),
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tok, err := cfg.Token(context.WithValue(ctx, oauth2.HTTPClient, c.http()))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			ae := &AuthExchangeError{Body: describeBody("", re.Body)}
			if re.Response != nil {
				ae.Status = re.Response.StatusCode
				ae.Body = describeBody(re.Response.Header.Get("Content-Type"), re.Body)
			}
			return Token{}, ae
		}
		return Token{}, fmt.Errorf("spotify token request: %w", err)
	}
	secs := tok.ExpiresIn
	if secs <= 0 && !tok.Expiry.IsZero() {
		secs = int64(time.Until(tok.Expiry).Round(time.Second) / time.Second)
	}
	slog.Info("obtained new spotify access token", slog.Int64("expires_in_seconds", secs))
	return Token{AccessToken: tok.AccessToken, ExpiresIn: time.Duration(secs) * time.Second}, nil
}

// Track looks up a single track in the configured market. A 401 returns
// ErrUnauthorized; any other non-2xx returns *TrackFetchError.
func (c *Client) Track(ctx context.Context, token string, id spotify.ID) (TrackMetadata, error) {
	if id == "" {
		return TrackMetadata{}, fmt.Errorf("track id empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL()+"/tracks/"+url.PathEscape(string(id)), nil)
	if err != nil {
		return TrackMetadata{}, err
	}
	q := req.URL.Query()
	q.Set("market", c.market())
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.http().Do(req)
	if err != nil {
		return TrackMetadata{}, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusUnauthorized {
		return TrackMetadata{}, ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return TrackMetadata{}, &TrackFetchError{TrackID: string(id), Status: resp.StatusCode, Body: readErrorBody(resp)}
	}
	var track spotify.FullTrack
	if err := json.NewDecoder(resp.Body).Decode(&track); err != nil {
		return TrackMetadata{}, fmt.Errorf("decode track %s: %w", id, err)
	}
	md := TrackMetadata{
		ID:               string(id),
		Title:            track.Name,
		PreviewURL:       track.PreviewURL,
		AvailableMarkets: track.AvailableMarkets,
	}
	if !md.HasPreview() {
		slog.Debug("null preview_url", slog.String("track_id", string(id)), slog.Any("available_markets", md.AvailableMarkets))
	}
	return md, nil
}
