package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fox-gonic/fox"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newRouter(token string) *fox.Engine {
	gin.SetMode(gin.TestMode)
	router := fox.New()
	router.Use(Recovery)
	router.Use(RequestLogger)
	router.Use(Authentication(token))
	router.GET("/healthz", func(c *fox.Context) { c.String(http.StatusOK, "ok") })
	router.GET("/alerts/active", func(c *fox.Context) { c.String(http.StatusOK, "[]") })
	router.GET("/boom", func(c *fox.Context) { panic("boom") })
	return router
}

func serve(router *fox.Engine, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAuthentication(t *testing.T) {
	open := newRouter("")
	assert.Equal(t, http.StatusOK, serve(open, "/alerts/active", "").Code)

	guarded := newRouter("s3cret")
	assert.Equal(t, http.StatusUnauthorized, serve(guarded, "/alerts/active", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(guarded, "/alerts/active", "Bearer wrong").Code)
	assert.Equal(t, http.StatusOK, serve(guarded, "/alerts/active", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusOK, serve(guarded, "/healthz", "").Code)
}

func TestRecovery(t *testing.T) {
	w := serve(newRouter(""), "/boom", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}
