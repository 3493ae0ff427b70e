package bootstrap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdash/internal/config"
	"agentdash/internal/domain"
	"agentdash/internal/store"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	workspace := filepath.Join(root, "workspace")
	logs := filepath.Join(root, "logs")
	require.NoError(t, os.MkdirAll(workspace, 0o755))
	require.NoError(t, os.MkdirAll(logs, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "scripts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "scripts", "orchestrator.sh"), []byte("#!/bin/sh\nexit 0\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "agent-registry.json"), []byte(`{
  // comments are allowed
  "agents": {"backend-expert": {"capabilities": ["api"]}}
}`), 0o644))

	cfg, err := config.Load(config.WithoutEnv(), config.WithFile(writeYAML(t, root, workspace)))
	require.NoError(t, err)
	return cfg
}

func writeYAML(t *testing.T, root, workspace string) string {
	t.Helper()
	path := filepath.Join(root, "agentdash.yaml")
	body := strings.Join([]string{
		"paths:",
		"  project_root: " + root,
		"  workspace_dir: " + workspace,
		"store:",
		"  driver: memory",
		"orchestrator:",
		"  interpreter: /bin/sh",
		"reconciler:",
		"  interval: 50ms",
		"",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestBuildWiresServices(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig(t)
	reg, metrics := InitMetrics()
	ctx := context.Background()

	svc, err := Build(ctx, cfg, reg, metrics)
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	assert.Equal(t, 1, svc.Registry.Len())
	assert.True(t, svc.Degraded.IsEmpty(), "%v", svc.Degraded.Map())

	rec := httptest.NewRecorder()
	svc.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/agents", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var agents []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agents))
	require.Len(t, agents, 1)
	assert.Equal(t, "backend-expert", agents[0]["name"])
	assert.Equal(t, "offline", agents[0]["status"])

	require.NoError(t, svc.Store.PutProject(ctx, domain.Project{ID: "p1", Name: "Demo"}))
	rec = httptest.NewRecorder()
	svc.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/projects/p1/execute", nil))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		execs, err := svc.Store.ListExecutions(ctx, store.ExecutionFilter{ProjectID: "p1"})
		return err == nil && len(execs) == 1 && execs[0].Status == domain.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	rec = httptest.NewRecorder()
	svc.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "agentdash_supervisor_launches_total")
}

func TestBuildDegradesWithoutRegistry(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig(t)
	cfg.Paths.AgentRegistry = filepath.Join(t.TempDir(), "missing.json")
	reg, metrics := InitMetrics()

	svc, err := Build(context.Background(), cfg, reg, metrics)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	assert.Equal(t, 0, svc.Registry.Len())
	assert.Contains(t, svc.Degraded.Map(), "agent-registry")
}

func TestBuildFailsOnBadStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "mongo"
	reg, metrics := InitMetrics()

	_, err := Build(context.Background(), cfg, reg, metrics)
	require.Error(t, err)
}
