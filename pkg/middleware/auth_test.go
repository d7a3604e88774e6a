package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/hewjoe/storied-life/internal/autherr"
	"github.com/hewjoe/storied-life/internal/models"
	"github.com/hewjoe/storied-life/internal/sessions"
	"github.com/stretchr/testify/require"
)

// fakeAuthenticator accepts "goodtoken" as a bearer and "cookie-token" as a session.
type fakeAuthenticator struct {
	seen []string
}

func (f *fakeAuthenticator) Validate(ctx context.Context, raw string) (*sessions.Principal, error) {
	f.seen = append(f.seen, raw)
	switch raw {
	case "":
		return nil, autherr.ErrUnauthenticated
	case "goodtoken":
		return &sessions.Principal{User: &models.User{ID: "user1", Role: models.RoleUser}, Method: sessions.MethodBearer}, nil
	case "cookie-token":
		return &sessions.Principal{User: &models.User{ID: "user2", Role: models.RoleAdmin}, Method: sessions.MethodSession}, nil
	case "expired":
		return nil, autherr.ErrTokenExpired
	case "deactivated":
		return nil, autherr.ErrUserDeactivated
	}
	return nil, autherr.ErrInvalidToken
}

func newAuthRouter(a Authenticator, extra ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	g := gin.New()
	handlers := append([]gin.HandlerFunc{AuthMiddleware(a, "storied_session")}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": p.User.ID, "method": p.Method})
	})
	g.GET("/", handlers...)
	return g
}

func TestAuthMiddleware_NoCredential(t *testing.T) {
	g := newAuthRouter(&fakeAuthenticator{})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rw := httptest.NewRecorder()
	g.ServeHTTP(rw, req)

	require.Equal(t, http.StatusUnauthorized, rw.Code)
	require.NotEmpty(t, rw.Header().Get("WWW-Authenticate"))
	var body autherr.ResponseBody
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &body))
	require.Equal(t, autherr.KindUnauthenticated, body.Error)
}

func TestAuthMiddleware_InvalidHeader(t *testing.T) {
	a := &fakeAuthenticator{}
	g := newAuthRouter(a)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "BadHeader")
	rw := httptest.NewRecorder()
	g.ServeHTTP(rw, req)

	require.Equal(t, http.StatusUnauthorized, rw.Code)
	require.Equal(t, []string{""}, a.seen)
}

func TestAuthMiddleware_ValidBearer(t *testing.T) {
	g := newAuthRouter(&fakeAuthenticator{})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer goodtoken")
	rw := httptest.NewRecorder()
	g.ServeHTTP(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	var got map[string]string
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &got))
	require.Equal(t, "user1", got["id"])
	require.Equal(t, "bearer", got["method"])
}

func TestAuthMiddleware_CookieWinsOverHeader(t *testing.T) {
	a := &fakeAuthenticator{}
	g := newAuthRouter(a)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer goodtoken")
	req.AddCookie(&http.Cookie{Name: "storied_session", Value: "cookie-token"})
	rw := httptest.NewRecorder()
	g.ServeHTTP(rw, req)

	require.Equal(t, http.StatusOK, rw.Code)
	require.Equal(t, []string{"cookie-token"}, a.seen)
}

func TestAuthMiddleware_ErrorStatuses(t *testing.T) {
	cases := map[string]int{
		"expired":     http.StatusUnauthorized,
		"deactivated": http.StatusForbidden,
		"forged":      http.StatusUnauthorized,
	}
	g := newAuthRouter(&fakeAuthenticator{})
	for token, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rw := httptest.NewRecorder()
		g.ServeHTTP(rw, req)
		require.Equal(t, want, rw.Code, token)
	}
}

func TestRequireRole(t *testing.T) {
	g := newAuthRouter(&fakeAuthenticator{}, RequireRole(models.RoleModerator))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer goodtoken")
	rw := httptest.NewRecorder()
	g.ServeHTTP(rw, req)
	require.Equal(t, http.StatusForbidden, rw.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "storied_session", Value: "cookie-token"})
	rw = httptest.NewRecorder()
	g.ServeHTTP(rw, req)
	require.Equal(t, http.StatusOK, rw.Code)
}

func TestRequireRole_WithoutPrincipal(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g := gin.New()
	g.GET("/", RequireRole(models.RoleUser), func(c *gin.Context) { c.Status(http.StatusOK) })
	rw := httptest.NewRecorder()
	g.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rw.Code)
}

func TestOptionalAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g := gin.New()
	g.GET("/", OptionalAuth(&fakeAuthenticator{}, "storied_session"), func(c *gin.Context) {
		_, ok := PrincipalFrom(c)
		c.JSON(http.StatusOK, gin.H{"authenticated": ok})
	})

	for token, want := range map[string]string{"": `{"authenticated":false}`, "forged": `{"authenticated":false}`, "goodtoken": `{"authenticated":true}`} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rw := httptest.NewRecorder()
		g.ServeHTTP(rw, req)
		require.Equal(t, http.StatusOK, rw.Code)
		require.JSONEq(t, want, rw.Body.String())
	}
}
