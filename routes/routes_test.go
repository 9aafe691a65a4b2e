package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/authz-gateway/app"
	"github.com/upb/authz-gateway/authz/authztest"
	"github.com/upb/authz-gateway/config"
	"github.com/upb/authz-gateway/directory/directorytest"
	"github.com/upb/authz-gateway/jwks/jwkstest"
	"github.com/upb/authz-gateway/models"
	"go.uber.org/zap/zaptest"
)

const (
	testAudience = "https://gateway.example.com"
	testIssuer   = "https://issuer.example.com/"
)

type gateway struct {
	server    *httptest.Server
	key       *jwkstest.Key
	keys      *jwkstest.Server
	directory *directorytest.Server
	pdp       *authztest.Server
	deps      *app.Dependencies
}

func newGateway(t *testing.T, mutate func(cfg *config.Config)) *gateway {
	t.Helper()
	g := &gateway{key: jwkstest.NewKey(t, "key-1")}
	g.keys = jwkstest.NewServer(t, g.key)
	g.directory = directorytest.NewServer(t,
		models.NewUser("u-1", "alice@example.com", map[string]any{"plan": "free"}),
		models.NewUser("u-2", "bob@example.com", nil),
	)
	g.pdp = authztest.NewServer(t, "peoplefinder.GET.api.projects.red")

	cfg := &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			Host:           "localhost",
			Port:           8080,
			RequestTimeout: 5 * time.Second,
		},
		Auth: config.AuthConfig{
			JWKSURI:           g.keys.URL,
			Audience:          testAudience,
			Issuer:            testIssuer,
			RequestsPerMinute: 5,
			CacheTTL:          time.Minute,
			CacheMaxKeys:      5,
			Timeout:           time.Second,
		},
		Authorizer: config.AuthorizerConfig{
			ServiceURL: g.pdp.URL,
			PolicyID:   "policy-123",
			PolicyRoot: "peoplefinder",
			Timeout:    time.Second,
		},
		Directory: config.DirectoryConfig{
			Backend:    config.DirectoryBackendHTTP,
			ServiceURL: g.directory.URL,
			Timeout:    time.Second,
		},
		CORS: config.CORSConfig{AllowedOrigins: []string{"*"}},
		Observability: config.ObservabilityConfig{
			LogLevel:       "error",
			LogFormat:      "json",
			MetricsEnabled: true,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	deps, err := app.NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	g.deps = deps

	handler, err := SetupRoutes(deps)
	require.NoError(t, err)
	g.server = httptest.NewServer(handler)
	t.Cleanup(g.server.Close)
	return g
}

func (g *gateway) token(t *testing.T, email string) string {
	t.Helper()
	return g.key.Sign(t, jwt.MapClaims{
		"sub":   "auth0|" + email,
		"email": email,
		"aud":   testAudience,
		"iss":   testIssuer,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
}

func (g *gateway) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, g.server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

func TestUpdateThenRead(t *testing.T) {
	g := newGateway(t, nil)
	token := g.token(t, "alice@example.com")

	resp, data := g.do(t, http.MethodPost, "/api/update/user", token, map[string]any{
		"email": "alice@example.com",
		"key":   "plan",
		"value": "pro",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	body := decode(t, data)
	assert.Equal(t, true, body["success"])
	user := body["user"].(map[string]any)
	assert.Equal(t, "u-1", user["id"])
	assert.Equal(t, "pro", user["attributes"].(map[string]any)["plan"])

	// The next read sees the write without another full load
	resp, data = g.do(t, http.MethodGet, "/api/user?email=alice@example.com", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pro", decode(t, data)["attributes"].(map[string]any)["plan"])

	assert.Equal(t, int64(1), g.directory.ListRequests())
	assert.Equal(t, "pro", g.directory.User("u-1").Attributes["plan"])
}

func TestUpdateUser_Failures(t *testing.T) {
	g := newGateway(t, nil)
	token := g.token(t, "alice@example.com")

	tests := []struct {
		name           string
		token          string
		body           any
		expectedStatus int
	}{
		{"missing token", "", map[string]any{"email": "alice@example.com", "key": "plan", "value": 1}, http.StatusUnauthorized},
		{"invalid email", token, map[string]any{"email": "not-an-email", "key": "plan"}, http.StatusBadRequest},
		{"missing key", token, map[string]any{"email": "alice@example.com"}, http.StatusBadRequest},
		{"unknown user", token, map[string]any{"email": "carol@example.com", "key": "plan", "value": 1}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := g.do(t, http.MethodPost, "/api/update/user", tt.token, tt.body)
			assert.Equal(t, tt.expectedStatus, resp.StatusCode, string(data))
		})
	}

	assert.Equal(t, int64(0), g.directory.UpdateRequests())
}

func TestProjects(t *testing.T) {
	g := newGateway(t, nil)
	token := g.token(t, "alice@example.com")

	t.Run("allowed project returns its secret", func(t *testing.T) {
		resp, data := g.do(t, http.MethodGet, "/api/projects/red", token, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "Here is a secret about Project Red!", decode(t, data)["secretMessage"])
	})

	t.Run("denied project returns no payload", func(t *testing.T) {
		resp, data := g.do(t, http.MethodGet, "/api/projects/blue", token, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.NotContains(t, string(data), "secret")
	})

	t.Run("missing token never reaches the decision point", func(t *testing.T) {
		before := g.pdp.Calls()
		resp, _ := g.do(t, http.MethodGet, "/api/projects/red", "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, before, g.pdp.Calls())
	})

	t.Run("token from an unknown key", func(t *testing.T) {
		other := jwkstest.NewKey(t, "key-2")
		forged := other.Sign(t, jwt.MapClaims{
			"sub": "mallory", "aud": testAudience, "iss": testIssuer,
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		resp, _ := g.do(t, http.MethodGet, "/api/projects/red", forged, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("decision point down", func(t *testing.T) {
		g.pdp.SetStatus(http.StatusInternalServerError)
		defer g.pdp.SetStatus(http.StatusOK)

		resp, data := g.do(t, http.MethodGet, "/api/projects/red", token, nil)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.NotContains(t, string(data), "secret")
	})

	assert.Contains(t, g.pdp.Paths(), "peoplefinder.GET.api.projects.blue")
}

func TestGetUser(t *testing.T) {
	g := newGateway(t, nil)

	t.Run("served without a token", func(t *testing.T) {
		resp, data := g.do(t, http.MethodGet, "/api/user", "", map[string]any{"email": "bob@example.com"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "u-2", decode(t, data)["id"])
	})

	t.Run("failures are a generic forbidden", func(t *testing.T) {
		for _, path := range []string{"/api/user", "/api/user?email=nobody@example.com"} {
			resp, data := g.do(t, http.MethodGet, path, "", nil)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode, path)
			body := decode(t, data)
			assert.Equal(t, "forbidden", body["error"])
			assert.Equal(t, "something went wrong", body["message"])
		}
	})
}

func TestDirectory_ConcurrentFirstRequestsShareOneLoad(t *testing.T) {
	g := newGateway(t, func(cfg *config.Config) { cfg.Directory.WarmOnStart = false })
	g.directory.SetDelay(50 * time.Millisecond)

	const callers = 10
	var wg sync.WaitGroup
	statuses := make([]int, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := http.Get(g.server.URL + "/api/user?email=alice@example.com")
			if err != nil {
				return
			}
			_ = resp.Body.Close()
			statuses[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	for _, status := range statuses {
		assert.Equal(t, http.StatusOK, status)
	}
	assert.Equal(t, int64(1), g.directory.ListRequests())
}

func TestDirectory_LoadFailureIsRetried(t *testing.T) {
	g := newGateway(t, func(cfg *config.Config) { cfg.Directory.WarmOnStart = false })
	token := g.token(t, "alice@example.com")
	update := map[string]any{"email": "alice@example.com", "key": "plan", "value": "pro"}

	g.directory.SetStatus(http.StatusServiceUnavailable)
	resp, _ := g.do(t, http.MethodPost, "/api/update/user", token, update)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	g.directory.SetStatus(http.StatusOK)
	resp, _ = g.do(t, http.MethodPost, "/api/update/user", token, update)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(2), g.directory.ListRequests())
}

func TestDisplayStateMap(t *testing.T) {
	g := newGateway(t, nil)

	resp, _ := g.do(t, http.MethodGet, "/__displaystatemap", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, data := g.do(t, http.MethodGet, "/__displaystatemap", g.token(t, "alice@example.com"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := decode(t, data)["peoplefinder.GET.api.projects.red"].(map[string]any)
	assert.Equal(t, true, state["visible"])
}

func TestBasePath(t *testing.T) {
	g := newGateway(t, func(cfg *config.Config) { cfg.Server.BasePath = "/dev" })
	token := g.token(t, "alice@example.com")

	resp, _ := g.do(t, http.MethodGet, "/dev/api/projects/red", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = g.do(t, http.MethodGet, "/api/projects/red", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Policy paths do not include the base path
	assert.Equal(t, []string{"peoplefinder.GET.api.projects.red"}, g.pdp.Paths())
}

func TestInfraRoutes(t *testing.T) {
	g := newGateway(t, nil)

	t.Run("health", func(t *testing.T) {
		resp, data := g.do(t, http.MethodGet, "/healthz", "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "healthy", decode(t, data)["status"])
		assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	})

	t.Run("readiness reports the directory", func(t *testing.T) {
		resp, data := g.do(t, http.MethodGet, "/readyz", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode(t, data)
		assert.Equal(t, "loaded", body["checks"].(map[string]any)["directory"])
		assert.Equal(t, float64(2), body["directory"].(map[string]any)["users"])
	})

	t.Run("metrics", func(t *testing.T) {
		g.do(t, http.MethodGet, "/api/projects/red", "", nil)
		resp, data := g.do(t, http.MethodGet, "/metrics", "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, strings.Contains(string(data), "pipeline_rejections_total"))
	})

	t.Run("not found", func(t *testing.T) {
		resp, data := g.do(t, http.MethodGet, "/api/nonexistent", "", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "not_found", decode(t, data)["error"])
	})

	t.Run("method not allowed", func(t *testing.T) {
		resp, data := g.do(t, http.MethodGet, "/api/update/user", "", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
		assert.Equal(t, "method_not_allowed", decode(t, data)["error"])
	})

	t.Run("cors preflight", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodOptions, g.server.URL+"/api/projects/red", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", "http://localhost:3000")
		req.Header.Set("Access-Control-Request-Method", "GET")
		req.Header.Set("Access-Control-Request-Headers", "Authorization")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	})
}

func TestSetupRoutes_MetricsDisabled(t *testing.T) {
	g := newGateway(t, func(cfg *config.Config) { cfg.Observability.MetricsEnabled = false })

	resp, _ := g.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
