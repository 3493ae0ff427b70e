package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdash/internal/auth"
	"agentdash/internal/logging"
)

func TestExtractBearerToken(t *testing.T) {
	cases := map[string]string{
		"":                 "",
		"Bearer":           "",
		"Basic abc":        "",
		"Bearer abc":       "abc",
		"bearer  abc ":     "abc",
		"  BEARER xyz.123": "xyz.123",
	}
	for header, want := range cases {
		assert.Equal(t, want, extractBearerToken(header), "header %q", header)
	}
}

func TestRequestTokenPrefersHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?token=query", nil)
	assert.Equal(t, "query", requestToken(req))

	req.Header.Set("Authorization", "Bearer header")
	assert.Equal(t, "header", requestToken(req))
}

func TestRequireAuthStoresClaims(t *testing.T) {
	gin.SetMode(gin.TestMode)
	authenticator, err := auth.NewJWTAuthenticator("middleware-secret", "agentdash")
	require.NoError(t, err)
	token, _, err := authenticator.Issue("observer", time.Hour)
	require.NoError(t, err)

	router := gin.New()
	router.Use(RequireAuth(authenticator))
	router.GET("/me", func(c *gin.Context) {
		claims, ok := c.Get(claimsContextKey)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"subject": claims.(auth.Claims).Subject})
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"subject":"observer"`)

	preflight := httptest.NewRequest(http.MethodOptions, "/me", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, preflight)
	assert.NotEqual(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimitDisabledWithoutRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimit(RateLimitConfig{}))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusNoContent, rec.Code)
	}
}

func TestRateLimiterPerClientAndCleanup(t *testing.T) {
	limiter := newRateLimiter(RateLimitConfig{
		Requests:        2,
		Window:          time.Hour,
		EntryTTL:        time.Minute,
		CleanupInterval: time.Minute,
	})

	assert.True(t, limiter.allow("ip:a"))
	assert.True(t, limiter.allow("ip:a"))
	assert.False(t, limiter.allow("ip:a"))
	assert.True(t, limiter.allow("ip:b"))
	assert.True(t, limiter.allow(""))

	stale := time.Now().Add(-time.Hour)
	limiter.mu.Lock()
	limiter.lastCleanup = stale
	limiter.entries["ip:a"].lastSeen = stale
	limiter.mu.Unlock()

	// Stale entries are evicted, so a returning client starts fresh.
	assert.True(t, limiter.allow("ip:a"))
	limiter.mu.Lock()
	_, kept := limiter.entries["ip:b"]
	limiter.mu.Unlock()
	assert.True(t, kept)
}

func TestRequestLoggerReportsServerErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := &logging.Recorder{}
	router := gin.New()
	router.Use(RequestLogger(recorder))
	router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/boom", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	for _, path := range []string{"/ok", "/boom"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.True(t, recorder.Contains("debug", "GET /ok -> 200"))
	assert.True(t, recorder.Contains("error", "GET /boom -> 502"))
}
