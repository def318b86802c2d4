package spotifyapi

import (
	"context"
	"sync"
	"time"

	"github.com/onnwee/preview-tender/telemetry"
)

// Exchanger obtains a fresh app token.
type Exchanger interface {
	ExchangeToken(ctx context.Context) (Token, error)
}

// TokenManager holds the current app access token. It exchanges lazily on
// first use and drops the token when its advertised lifetime elapses or when
// Invalidate is called after a 401.
//
// The exchange itself is not serialized: two callers that both observe an
// empty token may each exchange, and the later result wins.
type TokenManager struct {
	Exchanger Exchanger

	mu    sync.Mutex
	token string
	gen   uint64
	timer *time.Timer
}

// NewTokenManager returns a manager that exchanges through ex.
func NewTokenManager(ex Exchanger) *TokenManager {
	return &TokenManager{Exchanger: ex}
}

// Token returns the held token, exchanging for a new one when none is held.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	tok := m.token
	m.mu.Unlock()
	if tok != "" {
		return tok, nil
	}
	t, err := m.Exchanger.ExchangeToken(ctx)
	telemetry.RecordTokenExchange(err)
	if err != nil {
		return "", err
	}
	m.store(t)
	return t.AccessToken, nil
}

// Invalidate clears the held token immediately.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLocked()
}

// Held reports whether a token is currently held.
func (m *TokenManager) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token != ""
}

func (m *TokenManager) store(t Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLocked()
	m.token = t.AccessToken
	gen := m.gen
	if t.ExpiresIn > 0 {
		m.timer = time.AfterFunc(t.ExpiresIn, func() { m.expire(gen) })
	}
}

// expire clears the token only if it is still the one the timer was armed for.
func (m *TokenManager) expire(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen == gen {
		m.clearLocked()
	}
}

func (m *TokenManager) clearLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.token = ""
	m.gen++
}
