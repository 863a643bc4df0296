package executor

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marionette/backend/internal/browser"
)

// SessionTTL bounds how long a captured login session stays reusable.
const SessionTTL = 24 * time.Hour

// SessionStore persists authenticated browser sessions in Redis so repeat
// jobs against the same account skip the login flow. Keyed by domain plus a
// digest of the credentials, never the credentials themselves.
type SessionStore struct {
	rdb *redis.Client
}

func NewSessionStore(rdb *redis.Client) *SessionStore {
	return &SessionStore{rdb: rdb}
}

type storedSession struct {
	Cookies  []browser.Cookie `json:"cookies"`
	SavedAt  time.Time        `json:"saved_at"`
	PageURL  string           `json:"page_url,omitempty"`
}

// sessionKey digests the full credential material so accounts sharing a
// username, or a rotated password, never land on the same cookie jar.
func sessionKey(domain, creds string) string {
	sum := md5.Sum([]byte(creds))
	return fmt.Sprintf("session:%s:%s", domain, hex.EncodeToString(sum[:]))
}

// Save captures the page's cookies under the session key.
func (s *SessionStore) Save(ctx context.Context, domain, creds string, page browser.Page) error {
	cookies, err := page.Cookies(ctx)
	if err != nil {
		return fmt.Errorf("read cookies: %w", err)
	}
	url, _ := page.CurrentURL(ctx)
	data, err := json.Marshal(storedSession{Cookies: cookies, SavedAt: time.Now().UTC(), PageURL: url})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.rdb.Set(ctx, sessionKey(domain, creds), data, SessionTTL).Err()
}

// Restore injects a stored session's cookies into the page. Returns false
// when no session exists or it cannot be decoded.
func (s *SessionStore) Restore(ctx context.Context, domain, creds string, page browser.Page) (bool, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(domain, creds)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load session: %w", err)
	}
	var sess storedSession
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		// Corrupt entry; drop it and fall through to a fresh login.
		s.rdb.Del(ctx, sessionKey(domain, creds))
		return false, nil
	}
	if err := page.SetCookies(ctx, sess.Cookies); err != nil {
		return false, fmt.Errorf("inject cookies: %w", err)
	}
	return true, nil
}

// Drop removes a stored session, used after a restore that failed to pass
// the success indicator.
func (s *SessionStore) Drop(ctx context.Context, domain, creds string) error {
	return s.rdb.Del(ctx, sessionKey(domain, creds)).Err()
}
