package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/auth"
)

const principalKey = "principal"

// APIKeyHeader carries the caller's API key. "Authorization: Bearer <key>"
// is accepted as well.
const APIKeyHeader = "X-API-Key"

// authenticate resolves the API key of the request into a principal. Any
// failure answers 401 without detail.
func (h *Handler) authenticate(c *gin.Context) {
	key := apiKey(c.Request)
	p, err := h.authn.Authenticate(c.Request.Context(), key)
	if err != nil {
		zctx.From(c.Request.Context()).Debug("Authentication failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "invalid or missing api key"})
		return
	}
	c.Set(principalKey, p)

	ctx := zctx.With(c.Request.Context(), zap.String("user_id", p.UserID))
	c.Request = c.Request.WithContext(ctx)
	c.Next()
}

// require rejects principals lacking perm with 403.
func require(perm auth.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !auth.HasPermission(principal(c), perm) {
			abort(c, http.StatusForbidden, "forbidden", "not authorized")
			return
		}
		c.Next()
	}
}

func apiKey(r *http.Request) string {
	if k := r.Header.Get(APIKeyHeader); k != "" {
		return k
	}
	if k := r.Header.Get("api_key"); k != "" {
		return k
	}
	if v := r.Header.Get("Authorization"); len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return ""
}

func principal(c *gin.Context) auth.Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(auth.Principal); ok {
			return p
		}
	}
	return auth.Principal{}
}
