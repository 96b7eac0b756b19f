package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcemu-project/gcemu/internal/config"
	"github.com/gcemu-project/gcemu/internal/login"
	"github.com/gcemu-project/gcemu/internal/network"
	"github.com/gcemu-project/gcemu/internal/security"
)

type idleHandler struct{}

func (idleHandler) Open(*network.Connection) error { return nil }
func (idleHandler) ProcessIncomingData(c *network.Connection) error {
	c.Inbound().Reset()
	return nil
}
func (idleHandler) Closed(*network.Connection) {}

type testAPI struct {
	srv      *Server
	listener *network.Listener
	registry *security.Registry
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	l, err := network.NewListener(ctx, network.ListenerConfig{Address: "127.0.0.1", Groups: 2},
		func() network.Handler { return idleHandler{} })
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	cfg := config.DefaultConfig()
	cfg.Logging.Directory = t.TempDir()
	registry := security.NewRegistry()
	loginSrv := login.NewServer(ctx, registry, nil, nil, login.Options{})

	return &testAPI{
		srv:      NewServer(cfg, l, registry, loginSrv),
		listener: l,
		registry: registry,
	}
}

func (a *testAPI) get(t *testing.T, path string) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	a.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec.Code, body
}

func TestPing(t *testing.T) {
	a := newTestAPI(t)
	code, body := a.get(t, "/api/public/ping")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "loginserver", body["service"])
}

func TestWorkersAndConnections(t *testing.T) {
	a := newTestAPI(t)

	conn, err := net.Dial("tcp", a.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return a.listener.ConnectionCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	code, body := a.get(t, "/api/monitor/workers")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["total"])
	assert.EqualValues(t, 1, body["connections"])

	code, body = a.get(t, "/api/monitor/connections")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["total"])
	conns := body["connections"].([]interface{})
	first := conns[0].(map[string]interface{})
	assert.Equal(t, conn.LocalAddr().String(), first["remote_addr"])
}

func TestAssociations(t *testing.T) {
	a := newTestAPI(t)
	_, err := a.registry.Create(7, make([]byte, 8), make([]byte, 8))
	require.NoError(t, err)

	code, body := a.get(t, "/api/monitor/associations")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["total"])

	states := body["associations"].([]interface{})
	assert.EqualValues(t, 0, states[0].(map[string]interface{})["spi"])
	assert.EqualValues(t, 7, states[1].(map[string]interface{})["spi"])
	assert.NotContains(t, states[1], "auth_key")
}

func TestStats(t *testing.T) {
	a := newTestAPI(t)
	code, body := a.get(t, "/api/monitor/stats")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["associations"])
	assert.Contains(t, body["login"], "frames_in")
}

func TestUnknownAPIRoute(t *testing.T) {
	a := newTestAPI(t)
	code, body := a.get(t, "/api/monitor/nope")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "endpoint not found", body["error"])
}

func TestRateLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	now := time.Unix(1700000000, 0)
	rl := NewRateLimiter(1)
	rl.now = func() time.Time { return now }

	router := gin.New()
	router.Use(rl.Middleware())
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	hit := func() int {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, hit())
	assert.Equal(t, http.StatusOK, hit())
	assert.Equal(t, http.StatusTooManyRequests, hit())

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusOK, hit())
}

func TestRateLimiterSweepsIdleBuckets(t *testing.T) {
	gin.SetMode(gin.TestMode)
	now := time.Unix(1700000000, 0)
	rl := NewRateLimiter(10)
	rl.now = func() time.Time { return now }

	router := gin.New()
	router.Use(rl.Middleware())
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	hit := func(remote string) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		router.ServeHTTP(httptest.NewRecorder(), req)
	}

	hit("10.0.0.1:5000")
	hit("10.0.0.2:5000")
	assert.Equal(t, 2, rl.Tracked())

	now = now.Add(bucketIdleTTL + time.Second)
	hit("10.0.0.3:5000")
	assert.Equal(t, 1, rl.Tracked())
}

func TestNetworkAllowList(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name    string
		entries []string
		want    int
	}{
		{"empty allows all", nil, http.StatusOK},
		{"matching cidr", []string{"192.0.2.0/24"}, http.StatusOK},
		{"matching ip", []string{"10.1.1.1", "192.0.2.1"}, http.StatusOK},
		{"outside", []string{"10.0.0.0/8"}, http.StatusForbidden},
		{"only invalid entries", []string{"bogus"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(NetworkAllowList(tt.entries))
			router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

			// httptest requests come from 192.0.2.1.
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestMonitorRoutesHonorAllowList(t *testing.T) {
	a := newTestAPI(t)
	a.srv.cfg.API.MonitorNetworks = []string{"127.0.0.1"}
	a.srv.router = a.srv.buildRouter()

	code, _ := a.get(t, "/api/monitor/stats")
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = a.get(t, "/api/public/ping")
	assert.Equal(t, http.StatusOK, code)
}

func TestReadRecentLogEntries(t *testing.T) {
	dir := t.TempDir()
	lines := `{"level":"info","time":"2026-01-01T00:00:00Z","message":"one","conn":1}
not json
{"level":"warn","time":"2026-01-01T00:00:01Z","message":"two"}
`
	require.NoError(t, writeFile(dir, "loginserver_2026-01-01.log", lines))
	require.NoError(t, writeFile(dir, "other.log", `{"message":"ignored"}`))

	entries, err := readRecentLogEntries(dir, 3)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "not json", entries[0].Message)
	assert.Equal(t, "warn", entries[1].Level)
	assert.Equal(t, "two", entries[1].Message)
}

func writeFile(dir, name, content string) error {
	return os.WriteFile(filepath.Join(dir, name), []byte(content), 0644)
}
