package httpx

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ageniuscoder/mmchat/realtime/internal/apperr"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func render(fn func(c *gin.Context)) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	fn(c)
	return w
}

func TestFail(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{apperr.Validation("content: required"), http.StatusBadRequest, "VALIDATION"},
		{apperr.NotParticipant(), http.StatusForbidden, "NOT_PARTICIPANT"},
		{apperr.NotFound("message not found"), http.StatusNotFound, "NOT_FOUND"},
		{apperr.Persistence(errors.New("locked")), http.StatusServiceUnavailable, "PERSISTENCE_FAILURE"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			w := render(func(c *gin.Context) { Fail(c, tc.err) })
			assert.Equal(t, tc.status, w.Code)
			assert.Contains(t, w.Body.String(), `"code":"`+tc.code+`"`)
			assert.NotContains(t, w.Body.String(), "locked")
		})
	}
}

func TestBindFailed(t *testing.T) {
	type req struct {
		Name string `json:"name" binding:"required"`
	}
	w := render(func(c *gin.Context) {
		c.Request = httptest.NewRequest(http.MethodPost, "/", nil)
		var r req
		err := c.ShouldBindJSON(&r)
		BindFailed(c, err)
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "VALIDATION")
}
