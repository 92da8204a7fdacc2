package session

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewManager error = %v", err)
	}
	return m
}

func TestIssueAndParse(t *testing.T) {
	m := newTestManager(t)

	token, issued, err := m.Issue("user-1", "ada")
	if err != nil {
		t.Fatalf("Issue error = %v", err)
	}
	if issued.ID == "" || issued.ExpiresAt.Sub(issued.IssuedAt) != time.Hour {
		t.Errorf("issued = %+v", issued)
	}

	parsed, err := m.Parse(token)
	if err != nil {
		t.Fatalf("Parse error = %v", err)
	}
	if parsed.UserID != "user-1" || parsed.Username != "ada" || parsed.ID != issued.ID {
		t.Errorf("parsed = %+v, want %+v", parsed, issued)
	}
}

func TestParseRejects(t *testing.T) {
	m := newTestManager(t)

	expired := newTestManager(t)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expiredToken, _, err := expired.Issue("user-1", "")
	if err != nil {
		t.Fatal(err)
	}

	other, err := NewManager("another-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	foreignToken, _, err := other.Issue("user-1", "")
	if err != nil {
		t.Fatal(err)
	}

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "user-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}

	anonymous, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"expired", expiredToken, ErrTokenExpired},
		{"wrong secret", foreignToken, ErrInvalidToken},
		{"unsigned", noneToken, ErrInvalidToken},
		{"missing user", anonymous, ErrInvalidToken},
		{"garbage", "not-a-token", ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Parse(tt.token); !errors.Is(err, tt.want) {
				t.Errorf("Parse error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNewManagerValidates(t *testing.T) {
	if _, err := NewManager("  ", time.Hour); err == nil {
		t.Error("NewManager should reject an empty secret")
	}
	m, err := NewManager("s", 0)
	if err != nil {
		t.Fatal(err)
	}
	if m.lifetime != DefaultLifetime {
		t.Errorf("lifetime = %s, want %s", m.lifetime, DefaultLifetime)
	}
	if _, _, err := m.Issue("", ""); err == nil {
		t.Error("Issue should reject an empty user id")
	}
}

func TestProvision(t *testing.T) {
	m := newTestManager(t)
	_, a, err := m.Provision()
	if err != nil {
		t.Fatalf("Provision error = %v", err)
	}
	_, b, err := m.Provision()
	if err != nil {
		t.Fatalf("Provision error = %v", err)
	}
	if a.UserID == "" || a.UserID == b.UserID {
		t.Errorf("provisioned users = %q, %q, want distinct ids", a.UserID, b.UserID)
	}
	if a.Username == "" {
		t.Error("provisioned session should carry a username")
	}
}

func TestCookies(t *testing.T) {
	m := newTestManager(t)
	c := m.Cookie("tok", true)
	if c.Name != CookieName || c.Value != "tok" || !c.HttpOnly || !c.Secure || c.MaxAge != 3600 {
		t.Errorf("Cookie = %+v", c)
	}
	if cleared := ClearCookie(); cleared.MaxAge >= 0 || cleared.Value != "" {
		t.Errorf("ClearCookie = %+v", cleared)
	}
}

func TestMiddleware(t *testing.T) {
	m := newTestManager(t)
	token, _, err := m.Issue("user-1", "")
	if err != nil {
		t.Fatal(err)
	}

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/whoami", func(c echo.Context) error {
		s, ok := FromContext(c)
		if !ok {
			return c.String(http.StatusOK, "anonymous")
		}
		return c.String(http.StatusOK, s.UserID)
	})

	tests := []struct {
		name   string
		header string
		cookie string
		want   string
	}{
		{"bearer", "Bearer " + token, "", "user-1"},
		{"cookie", "", token, "user-1"},
		{"none", "", "", "anonymous"},
		{"invalid bearer", "Bearer nope", "", "anonymous"},
		{"basic auth falls back to cookie", "Basic abc", token, "user-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tt.header != "" {
				req.Header.Set(echo.HeaderAuthorization, tt.header)
			}
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: CookieName, Value: tt.cookie})
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != tt.want {
				t.Errorf("body = %q, want %q", got, tt.want)
			}
		})
	}
}
