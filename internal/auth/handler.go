package auth

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"carbon-scribe/mrv-registry/internal/store"
)

// RoleChecker answers role membership questions.
type RoleChecker interface {
	HasRole(ctx context.Context, role store.Role, who store.Identity) (bool, error)
}

type Handler struct {
	roles RoleChecker
}

func NewHandler(roles RoleChecker) *Handler {
	return &Handler{roles: roles}
}

// Ping endpoint
func (h *Handler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "auth service alive!"})
}

// Me returns the resolved caller identity and the roles it holds.
func (h *Handler) Me(c *gin.Context) {
	caller := Caller(c)
	held := []store.Role{}
	for _, role := range store.Roles {
		ok, err := h.roles.HasRole(c.Request.Context(), role, caller)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if ok {
			held = append(held, role)
		}
	}
	c.JSON(http.StatusOK, gin.H{"identity": caller, "roles": held})
}
