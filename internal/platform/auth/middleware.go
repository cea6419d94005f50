package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey   contextKey = "user_id"
	UserRoleKey contextKey = "user_role"
)

var (
	ErrNotAuthenticated = errors.New("not logged in")
	ErrTokenExpired     = errors.New("session token has expired")
)

// RoleClaim accepts the shapes the backend has used for the "role" claim: a
// bare string, a list of strings, or a list of {"authority": "ROLE_X"}
// objects. The first entry wins, lowercased with any ROLE_ prefix removed.
type RoleClaim string

func (r *RoleClaim) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = RoleClaim(normalizeRole(s))
		return nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("role claim: %w", err)
	}
	*r = ""
	if len(list) == 0 {
		return nil
	}
	if err := json.Unmarshal(list[0], &s); err == nil {
		*r = RoleClaim(normalizeRole(s))
		return nil
	}
	var granted struct {
		Authority string `json:"authority"`
	}
	if err := json.Unmarshal(list[0], &granted); err != nil {
		return fmt.Errorf("role claim: %w", err)
	}
	*r = RoleClaim(normalizeRole(granted.Authority))
	return nil
}

func normalizeRole(s string) string {
	s = strings.TrimPrefix(strings.TrimSpace(s), "ROLE_")
	return strings.ToLower(s)
}

type Claims struct {
	jwt.RegisteredClaims
	UserID string    `json:"userId,omitempty"`
	Role   RoleClaim `json:"role,omitempty"`
}

// Identity is who a bearer token says the caller is.
type Identity struct {
	UserID    string
	Subject   string
	Role      string
	ExpiresAt time.Time
}

// ParseToken reads the identity out of a backend token. With a signing key
// the HMAC signature is verified; without one the token is decoded
// unverified, which is only acceptable on the client side where the backend
// remains the authority. Expiry is enforced either way.
func ParseToken(tokenStr string, signingKey []byte) (*Identity, error) {
	claims := &Claims{}
	if len(signingKey) > 0 {
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
			return signingKey, nil
		}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
		if err != nil || !token.Valid {
			if errors.Is(err, jwt.ErrTokenExpired) {
				return nil, ErrTokenExpired
			}
			return nil, fmt.Errorf("invalid token: %w", err)
		}
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
			return nil, fmt.Errorf("invalid token: %w", err)
		}
		if claims.ExpiresAt != nil && time.Now().After(claims.ExpiresAt.Time) {
			return nil, ErrTokenExpired
		}
	}

	id := &Identity{
		UserID:  claims.UserID,
		Subject: claims.Subject,
		Role:    string(claims.Role),
	}
	if id.UserID == "" {
		id.UserID = claims.Subject
	}
	if id.UserID == "" {
		return nil, fmt.Errorf("invalid token: no subject")
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

type JWTConfig struct {
	// SigningKey enables HMAC verification. Empty means decode unverified,
	// for development against a backend whose secret the daemon lacks.
	SigningKey []byte
	Skipper    func(echo.Context) bool
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			id, err := ParseToken(strings.TrimSpace(parts[1]), cfg.SigningKey)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.Set("user_id", id.UserID)
			ctx := WithIdentity(c.Request().Context(), id.UserID, id.Role)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

// WithIdentity stores the caller on ctx.
func WithIdentity(ctx context.Context, userID, role string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	return context.WithValue(ctx, UserRoleKey, role)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RoleFromContext(ctx context.Context) string {
	role, _ := ctx.Value(UserRoleKey).(string)
	return role
}
