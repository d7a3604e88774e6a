package handlers

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hewjoe/storied-life/internal/autherr"
	"github.com/hewjoe/storied-life/internal/config"
	"github.com/hewjoe/storied-life/internal/exchange"
	"github.com/hewjoe/storied-life/internal/oidc"
	"github.com/hewjoe/storied-life/internal/sessions"
	"github.com/hewjoe/storied-life/pkg/logger"
	"github.com/hewjoe/storied-life/pkg/middleware"
)

// LoginCoordinator runs the authorization-code flow.
type LoginCoordinator interface {
	Begin(ctx context.Context, returnTo string) (*exchange.Authorization, error)
	Complete(ctx context.Context, p exchange.CallbackParams) (*exchange.Result, error)
}

// SessionManager validates and revokes credentials.
type SessionManager interface {
	Validate(ctx context.Context, raw string) (*sessions.Principal, error)
	Revoke(ctx context.Context, raw string) (*sessions.Session, error)
	TTL() time.Duration
}

// ProviderInfo exposes read-only provider details to the frontend.
type ProviderInfo interface {
	Discovery() oidc.Discovery
	LogoutURL(ctx context.Context, idTokenHint string) string
}

// AuthHandler holds dependencies
type AuthHandler struct {
	session  config.SessionConfig
	frontend string
	coord    LoginCoordinator
	sessions SessionManager
	provider ProviderInfo
}

func NewAuthHandler(cfg *config.Config, coord LoginCoordinator, mgr SessionManager, provider ProviderInfo) *AuthHandler {
	return &AuthHandler{
		session:  cfg.Session,
		frontend: cfg.Server.FrontendURL,
		coord:    coord,
		sessions: mgr,
		provider: provider,
	}
}

// Register routes under /auth
func (h *AuthHandler) Register(rg *gin.RouterGroup) {
	a := rg.Group("/auth")
	a.GET("/config", h.Config)
	a.GET("/login", h.LoginRedirect)
	a.POST("/login", h.Login)
	a.GET("/callback", h.CallbackRedirect)
	a.POST("/callback", h.Callback)
	a.GET("/status", h.Status)
	a.POST("/logout", h.Logout)
}

// Config serves the provider discovery document.
func (h *AuthHandler) Config(c *gin.Context) {
	c.JSON(http.StatusOK, h.provider.Discovery())
}

type loginRequest struct {
	ReturnTo string `json:"returnTo" form:"return_to"`
}

// LoginRedirect sends the browser straight to the provider.
func (h *AuthHandler) LoginRedirect(c *gin.Context) {
	auth, err := h.coord.Begin(c.Request.Context(), c.Query("return_to"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.Redirect(http.StatusFound, auth.URL)
}

// Login returns the authorization URL for a frontend that navigates itself.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBind(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
			return
		}
	}
	auth, err := h.coord.Begin(c.Request.Context(), req.ReturnTo)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, auth)
}

// Callback completes a login forwarded by the frontend and answers with JSON.
func (h *AuthHandler) Callback(c *gin.Context) {
	var p exchange.CallbackParams
	if err := c.ShouldBind(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
		return
	}
	res, err := h.coord.Complete(c.Request.Context(), p)
	if err != nil {
		renderError(c, err)
		return
	}
	h.setSessionCookie(c, res.Session.Token, res.Session.Session.ExpiresAt)
	c.JSON(http.StatusOK, gin.H{
		"user":       res.User,
		"token":      res.Session.Token,
		"expiresAt":  res.Session.Session.ExpiresAt,
		"returnTo":   res.ReturnTo,
		"provider":   res.Provider,
		"authMethod": sessions.MethodSession,
	})
}

// CallbackRedirect completes a login when the provider redirects to the
// backend directly, then sends the browser back to the frontend. Failures
// land on the frontend login page with the error kind.
func (h *AuthHandler) CallbackRedirect(c *gin.Context) {
	var p exchange.CallbackParams
	if err := c.ShouldBindQuery(&p); err != nil {
		logger.Debugf("callback redirect: bad query: %v", err)
		h.redirectToLogin(c, "bad_request", "callback parameters are malformed")
		return
	}
	res, err := h.coord.Complete(c.Request.Context(), p)
	if err != nil {
		body := autherr.Body(err)
		h.redirectToLogin(c, string(body.Error), body.Message)
		return
	}
	h.setSessionCookie(c, res.Session.Token, res.Session.Session.ExpiresAt)
	c.Redirect(http.StatusFound, h.frontend+res.ReturnTo)
}

func (h *AuthHandler) redirectToLogin(c *gin.Context, kind, message string) {
	q := url.Values{}
	q.Set("error", kind)
	q.Set("message", message)
	c.Redirect(http.StatusFound, h.frontend+"/login?"+q.Encode())
}

// Status reports whether the request carries a valid credential.
func (h *AuthHandler) Status(c *gin.Context) {
	raw := middleware.Credential(c, h.session.CookieName)
	if raw == "" {
		c.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}
	p, err := h.sessions.Validate(c.Request.Context(), raw)
	if err != nil {
		if autherr.HTTPStatus(err) >= http.StatusInternalServerError {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"authenticated": false, "error": autherr.KindOf(err)})
		return
	}
	resp := gin.H{
		"authenticated": true,
		"user":          p.User,
		"authMethod":    p.Method,
		"provider":      p.Provider,
	}
	if !p.ExpiresAt.IsZero() {
		resp["expiresAt"] = p.ExpiresAt
	}
	c.JSON(http.StatusOK, resp)
}

// Logout revokes the presented credential, clears the cookie and returns the
// provider logout URL for front-channel logout.
func (h *AuthHandler) Logout(c *gin.Context) {
	raw := middleware.Credential(c, h.session.CookieName)
	h.clearSessionCookie(c)

	var hint string
	if raw != "" {
		s, err := h.sessions.Revoke(c.Request.Context(), raw)
		if err != nil {
			renderError(c, err)
			return
		}
		if s != nil {
			hint = s.IDToken
			logger.Infof("logout: session %s revoked for user %s", s.ID, s.UserID)
		}
	}
	resp := gin.H{"success": true}
	if u := h.provider.LogoutURL(c.Request.Context(), hint); u != "" {
		resp["logoutUrl"] = u
	}
	c.JSON(http.StatusOK, resp)
}

func (h *AuthHandler) setSessionCookie(c *gin.Context, token string, expiresAt time.Time) {
	maxAge := int(time.Until(expiresAt).Seconds())
	if maxAge <= 0 {
		maxAge = int(h.sessions.TTL().Seconds())
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.session.CookieName, token, maxAge, "/", h.session.CookieDomain, h.session.CookieSecure, true)
}

func (h *AuthHandler) clearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.session.CookieName, "", -1, "/", h.session.CookieDomain, h.session.CookieSecure, true)
}

func renderError(c *gin.Context, err error) {
	status := autherr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, autherr.Body(err))
}
