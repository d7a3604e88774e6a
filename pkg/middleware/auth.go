package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/hewjoe/storied-life/internal/autherr"
	"github.com/hewjoe/storied-life/internal/models"
	"github.com/hewjoe/storied-life/internal/sessions"
)

const principalKey = "principal"

// Authenticator is the minimal interface the middleware depends on
type Authenticator interface {
	Validate(ctx context.Context, raw string) (*sessions.Principal, error)
}

// Credential extracts the raw credential: the session cookie wins over an
// Authorization: Bearer header.
func Credential(c *gin.Context, cookieName string) string {
	if cookieName != "" {
		if v, err := c.Cookie(cookieName); err == nil && v != "" {
			return v
		}
	}
	auth := c.GetHeader("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// AuthMiddleware rejects requests without a valid session cookie or bearer
// token and stores the resolved principal on the context.
func AuthMiddleware(a Authenticator, cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := a.Validate(c.Request.Context(), Credential(c, cookieName))
		if err != nil {
			Abort(c, err)
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

// OptionalAuth attaches a principal when the credential is valid and lets
// every request through.
func OptionalAuth(a Authenticator, cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := Credential(c, cookieName); raw != "" {
			if p, err := a.Validate(c.Request.Context(), raw); err == nil {
				c.Set(principalKey, p)
			}
		}
		c.Next()
	}
}

func PrincipalFrom(c *gin.Context) (*sessions.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*sessions.Principal)
	return p, ok && p != nil
}

// RequireRole admits principals whose role is at least min. It must run
// after AuthMiddleware.
func RequireRole(min models.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		if !ok {
			Abort(c, autherr.ErrUnauthenticated)
			return
		}
		if !p.User.HasRole(min) {
			Abort(c, autherr.Newf(autherr.ErrForbidden, "%s role required", min))
			return
		}
		c.Next()
	}
}

// Abort writes the error envelope for err and stops the chain.
func Abort(c *gin.Context, err error) {
	status := autherr.HTTPStatus(err)
	if status == http.StatusUnauthorized {
		c.Header("WWW-Authenticate", `Bearer realm="storied-life"`)
	}
	c.AbortWithStatusJSON(status, autherr.Body(err))
}
