package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pulseiq/portal/internal/platform/kvstore"
	"github.com/pulseiq/portal/pkg/portalmodels"
)

const sessionKey = "session"

// Session is the logged-in user as remembered between CLI invocations.
type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	Role      string    `json:"role"`
	Status    string    `json:"status,omitempty"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the token's expiry has passed. Sessions without a
// known expiry never expire locally.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// SessionFromLogin builds a Session from the login response, filling gaps
// from the token claims.
func SessionFromLogin(resp *portalmodels.LoginResponse, signingKey []byte) (*Session, error) {
	id, err := ParseToken(resp.Token, signingKey)
	if err != nil {
		return nil, err
	}
	s := &Session{
		Token:     resp.Token,
		UserID:    resp.UserID,
		Role:      normalizeRole(resp.Role),
		Status:    resp.Status,
		Email:     resp.Email,
		Name:      resp.Name,
		ExpiresAt: id.ExpiresAt,
	}
	if s.Name == "" {
		s.Name = strings.TrimSpace(resp.FirstName + " " + resp.LastName)
	}
	if s.UserID == "" {
		s.UserID = id.UserID
	}
	if s.Role == "" {
		s.Role = id.Role
	}
	return s, nil
}

// SessionStore persists the current Session in the local key/value store.
type SessionStore struct {
	kv  kvstore.Store
	now func() time.Time
}

func NewSessionStore(kv kvstore.Store) *SessionStore {
	return &SessionStore{kv: kv, now: time.Now}
}

func (s *SessionStore) Save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.kv.Put(ctx, sessionKey, data); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Load returns the stored session, ErrNotAuthenticated when there is none
// and ErrTokenExpired when its token has lapsed.
func (s *SessionStore) Load(ctx context.Context) (*Session, error) {
	data, err := s.kv.Get(ctx, sessionKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrNotAuthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if sess.Token == "" {
		return nil, ErrNotAuthenticated
	}
	if sess.Expired(s.now()) {
		return nil, ErrTokenExpired
	}
	return &sess, nil
}

func (s *SessionStore) Clear(ctx context.Context) error {
	return s.kv.Delete(ctx, sessionKey)
}

// Token satisfies apiclient.TokenFunc. A missing session yields an empty
// token so unauthenticated calls such as login still go out.
func (s *SessionStore) Token(ctx context.Context) (string, error) {
	sess, err := s.Load(ctx)
	if errors.Is(err, ErrNotAuthenticated) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return sess.Token, nil
}
