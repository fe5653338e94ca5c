package logging

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, handler gin.HandlerFunc, path string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(AccessLogger(), Recovery())
	engine.GET("/*any", handler)

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestAccessLoggerFieldsAndLevels(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()
	prev := log.GetLevel()
	log.SetLevel(log.DebugLevel)
	defer log.SetLevel(prev)

	serve(t, func(c *gin.Context) { c.Status(http.StatusOK) }, "/v1/models?limit=2")

	require.Len(t, hook.Entries, 1)
	entry := hook.LastEntry()
	assert.Equal(t, log.InfoLevel, entry.Level)
	assert.Equal(t, http.StatusOK, entry.Data["status"])
	assert.Equal(t, http.MethodGet, entry.Data["method"])
	assert.Equal(t, "/v1/models?limit=2", entry.Data["path"])

	hook.Reset()
	serve(t, func(c *gin.Context) { c.Status(http.StatusBadGateway) }, "/v1/models")
	assert.Equal(t, log.ErrorLevel, hook.LastEntry().Level)

	hook.Reset()
	serve(t, func(c *gin.Context) { c.Status(http.StatusNotFound) }, "/v1/models")
	assert.Equal(t, log.WarnLevel, hook.LastEntry().Level)

	hook.Reset()
	serve(t, func(c *gin.Context) { c.Status(http.StatusOK) }, "/health")
	assert.Equal(t, log.DebugLevel, hook.LastEntry().Level)
}

func TestRecoveryConvertsPanicTo500(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	rec := serve(t, func(c *gin.Context) { panic("boom") }, "/v1/chat/completions")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var logged bool
	for _, e := range hook.Entries {
		if e.Message == "handler panicked" {
			logged = true
			assert.Equal(t, "boom", e.Data["panic"])
		}
	}
	assert.True(t, logged)
}
