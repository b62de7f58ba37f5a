package httpx

import (
	"errors"
	"net/http"

	"github.com/ageniuscoder/mmchat/realtime/internal/apperr"
	"github.com/ageniuscoder/mmchat/realtime/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

func OK(c *gin.Context, v any) {
	c.JSON(http.StatusOK, v)
}

func Created(c *gin.Context, v any) {
	c.JSON(http.StatusCreated, v)
}

func Err(c *gin.Context, code int, msg any) {
	c.JSON(code, gin.H{"error": msg})
}

var statusByCode = map[apperr.Code]int{
	apperr.CodeValidation:         http.StatusBadRequest,
	apperr.CodeNotParticipant:     http.StatusForbidden,
	apperr.CodeForbidden:          http.StatusForbidden,
	apperr.CodeNotFound:           http.StatusNotFound,
	apperr.CodeAlreadyExists:      http.StatusConflict,
	apperr.CodeUnauthenticated:    http.StatusUnauthorized,
	apperr.CodePersistenceFailure: http.StatusServiceUnavailable,
	apperr.CodeTransportDropped:   http.StatusServiceUnavailable,
	apperr.CodeRateLimited:        http.StatusTooManyRequests,
}

func StatusOf(code apperr.Code) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Fail renders err as {"error": {"code", "message"}} with a matching status.
func Fail(c *gin.Context, err error) {
	pub := apperr.Public(err)
	if pub.Code == apperr.CodeInternal || pub.Code.Retryable() {
		_ = c.Error(err)
	}
	c.JSON(StatusOf(pub.Code), gin.H{"error": pub})
}

// BindFailed renders a request binding error, listing field errors when the
// validator produced them.
func BindFailed(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"code":    apperr.CodeValidation,
			"message": "invalid request",
			"fields":  utils.ValidationErr(verrs),
		}})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": apperr.CodeValidation, "message": err.Error()}})
}
