// Package session issues and verifies signed session tokens and exposes the
// authenticated user to echo handlers.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/user"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const (
	// CookieName is the cookie carrying the session token.
	CookieName = "session"
	// DefaultLifetime is how long an issued session stays valid.
	DefaultLifetime = 30 * 24 * time.Hour

	contextKey = "openui.session"
)

var (
	// ErrNoSession is returned when the request carries no usable session.
	ErrNoSession = errors.New("no session found")
	// ErrTokenExpired is returned when the token has expired.
	ErrTokenExpired = errors.New("session token expired")
	// ErrInvalidToken is returned when the token is invalid for any other reason.
	ErrInvalidToken = errors.New("invalid session token")
)

// Claims is the signed token payload.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
}

// Session is a verified caller identity.
type Session struct {
	ID        string
	UserID    string
	Username  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Manager signs and verifies HS256 session tokens.
type Manager struct {
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

// NewManager builds a manager signing with secret.
func NewManager(secret string, lifetime time.Duration) (*Manager, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("session secret must not be empty")
	}
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	return &Manager{secret: []byte(secret), lifetime: lifetime, now: time.Now}, nil
}

// Issue signs a token for userID.
func (m *Manager) Issue(userID, username string) (string, Session, error) {
	if userID == "" {
		return "", Session{}, errors.New("user id must not be empty")
	}
	now := m.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.lifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
			Subject:   userID,
		},
		UserID:   userID,
		Username: username,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", Session{}, fmt.Errorf("sign session token: %w", err)
	}
	return token, sessionFromClaims(&claims), nil
}

// Provision creates a fresh user id and issues a session for it. It backs
// automatic sessions in the local environment.
func (m *Manager) Provision() (string, Session, error) {
	return m.Issue(uuid.NewString(), localUsername())
}

// Parse validates tokenString and returns the session it carries.
func (m *Manager) Parse(tokenString string) (Session, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Session{}, ErrTokenExpired
		}
		return Session{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return Session{}, ErrInvalidToken
	}
	return sessionFromClaims(claims), nil
}

// Cookie wraps token in the session cookie.
func (m *Manager) Cookie(token string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(m.lifetime.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearCookie expires the session cookie.
func ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

// Middleware attaches the session carried by the session cookie or a bearer
// token. Requests without a valid token pass through anonymously.
func (m *Manager) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := tokenFromRequest(c.Request())
			if token == "" {
				return next(c)
			}
			s, err := m.Parse(token)
			if err != nil {
				slog.Debug("ignoring session token", "err", err)
				return next(c)
			}
			c.Set(contextKey, s)
			return next(c)
		}
	}
}

// FromContext returns the session attached by Middleware.
func FromContext(c echo.Context) (Session, bool) {
	s, ok := c.Get(contextKey).(Session)
	return s, ok
}

// Attach stores s on the request context, as Middleware does.
func Attach(c echo.Context, s Session) {
	c.Set(contextKey, s)
}

func tokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get(echo.HeaderAuthorization); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(CookieName); err == nil {
		return cookie.Value
	}
	return ""
}

func sessionFromClaims(claims *Claims) Session {
	s := Session{
		ID:       claims.ID,
		UserID:   claims.UserID,
		Username: claims.Username,
	}
	if claims.IssuedAt != nil {
		s.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s
}

func localUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "local"
}
