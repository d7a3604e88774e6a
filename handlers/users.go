package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hewjoe/storied-life/internal/autherr"
	"github.com/hewjoe/storied-life/internal/models"
	"github.com/hewjoe/storied-life/pkg/middleware"
)

type UserLookup interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// UsersHandler serves the authenticated user and admin lookups.
type UsersHandler struct {
	users UserLookup
}

func NewUsersHandler(u UserLookup) *UsersHandler { return &UsersHandler{users: u} }

// Register mounts the routes behind auth, which must be an AuthMiddleware.
func (h *UsersHandler) Register(rg *gin.RouterGroup, auth gin.HandlerFunc) {
	rg.GET("/users/me", auth, h.Me)
	rg.GET("/users/:id", auth, middleware.RequireRole(models.RoleAdmin), h.Get)
}

func (h *UsersHandler) Me(c *gin.Context) {
	p, ok := middleware.PrincipalFrom(c)
	if !ok {
		renderError(c, autherr.ErrUnauthenticated)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": p.User, "authMethod": p.Method, "provider": p.Provider})
}

func (h *UsersHandler) Get(c *gin.Context) {
	u, err := h.users.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	if u == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "user not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}
