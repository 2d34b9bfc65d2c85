// Package middleware implements the API surface's two auth schemes: opaque
// bearer credentials for agents (issued once at registration, §4.4) and
// signed JWTs for admin operators (§6 admin endpoints).
package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/nodepool/marketplace/internal/pkg/apperr"
	"github.com/nodepool/marketplace/internal/registry"
)

const AgentIDKey = "agent_id"

func bearerToken(c *gin.Context) (string, bool) {
	h := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(h, prefix)), true
}

// AgentAuth authenticates the opaque credential issued at agent
// registration and stashes the resolved agent_id in the request context.
func AgentAuth(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			RespondUnauthorized(c)
			return
		}
		agentID, err := reg.Authenticate(c.Request.Context(), token)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.Set(AgentIDKey, agentID)
		c.Next()
	}
}

type adminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminAuth is a stock HS256 JWT guard: the operator obtains a token from
// POST /admin/login and presents it as a bearer token on every other admin
// endpoint.
func AdminAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			RespondUnauthorized(c)
			return
		}
		claims := &adminClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, apperr.New(apperr.Unauthorized, "unexpected signing method")
			}
			return secret, nil
		})
		if err != nil || !parsed.Valid || claims.Role != "admin" {
			RespondUnauthorized(c)
			return
		}
		c.Next()
	}
}

// IssueAdminToken mints a short-lived admin JWT for POST /admin/login.
func IssueAdminToken(secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := adminClaims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func RespondUnauthorized(c *gin.Context) {
	AbortWithError(c, apperr.New(apperr.Unauthorized, "missing or invalid credentials"))
}

// AbortWithError is declared here (rather than imported from package
// server) to keep middleware free of a dependency on the handler package;
// it duplicates only the minimal status-mapping needed for the 401/err path.
func AbortWithError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := 401
	switch kind {
	case apperr.BadRequest:
		status = 400
	case apperr.NotFound:
		status = 404
	case apperr.Conflict:
		status = 409
	case apperr.Unavailable:
		status = 503
	case apperr.Internal:
		status = 500
	}
	msg := "internal error"
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr != nil {
		msg = appErr.Message
	}
	c.AbortWithStatusJSON(status, gin.H{"code": string(kind), "message": msg})
}
