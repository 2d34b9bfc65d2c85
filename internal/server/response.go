package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nodepool/marketplace/internal/pkg/apperr"
)

// errorResponse is the {code, message} envelope every handler returns on
// failure (§7). Cause is never serialized.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.BadRequest:
		return http.StatusBadRequest
	case apperr.Unauthorized:
		return http.StatusUnauthorized
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RespondError maps err onto the §7 error taxonomy and writes the
// {code, message} envelope. Unrecognized errors are folded into Internal
// without leaking their text to the client.
func RespondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	msg := "internal error"
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr != nil {
		msg = appErr.Message
	}
	c.AbortWithStatusJSON(statusFor(kind), errorResponse{Code: string(kind), Message: msg})
}

func RespondOK(c *gin.Context, body any) {
	c.JSON(http.StatusOK, body)
}

func RespondCreated(c *gin.Context, body any) {
	c.JSON(http.StatusCreated, body)
}
