package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand/stagehand/internal/engine"
	"github.com/stagehand/stagehand/pkg/api"
	"github.com/stagehand/stagehand/pkg/logger"
	"github.com/stagehand/stagehand/pkg/mocks"
	"github.com/stagehand/stagehand/pkg/types"
)

type fixture struct {
	server *httptest.Server
	engine *engine.Engine
	runner *mocks.MockRunner
}

func newFixture(t *testing.T, mutate func(*types.StagehandConfig)) *fixture {
	t.Helper()
	cfg := &types.StagehandConfig{Engine: types.EngineConfig{Workers: 2, CancelTimeout: 100}}
	if mutate != nil {
		mutate(cfg)
	}

	runner := mocks.NewMockRunner()
	e, err := engine.New(cfg, logger.NewNopLogger(), engine.Dependencies{Runner: runner})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	srv := httptest.NewServer(api.NewServer(e, logger.NewNopLogger()))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return &fixture{server: srv, engine: e, runner: runner}
}

func (f *fixture) do(t *testing.T, method, path, actor string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	if actor != "" {
		req.Header.Set(api.ActorHeader, actor)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func deployBody(id, stage string, production bool) types.DeployRequest {
	return types.DeployRequest{
		Deploy:   types.DeployContext{ID: id, ProjectID: "shop", StageID: stage, Production: production},
		Pipeline: types.Pipeline{Steps: []string{"./deploy.sh"}},
	}
}

func TestAPI_Ping(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/ping", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestAPI_SubmitAndCancelDeploy(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/deploys", "alice", deployBody("d1", "prod", false))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var job types.Job
	decodeBody(t, resp, &job)
	assert.Equal(t, "alice", job.Creator)

	require.Eventually(t, func() bool {
		_, ok := f.runner.Process(job.ID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	resp = f.do(t, http.MethodGet, "/api/deploys/active_count", "", nil)
	var count map[string]int
	decodeBody(t, resp, &count)
	assert.Equal(t, 1, count["count"])

	resp = f.do(t, http.MethodDelete, "/api/jobs/"+job.ID, "alice", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		j, err := f.engine.Job(job.ID)
		return err == nil && j.Status == types.JobStatusCancelled
	}, 2*time.Second, 5*time.Millisecond)

	resp = f.do(t, http.MethodDelete, "/api/jobs/"+job.ID, "alice", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_ErrorMapping(t *testing.T) {
	f := newFixture(t, func(cfg *types.StagehandConfig) {
		cfg.BuddyCheck.Enabled = true
		cfg.Builds.DisabledProjects = []string{"legacy"}
	})

	resp := f.do(t, http.MethodPost, "/api/deploys", "alice", deployBody("d1", "prod", true))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	tests := []struct {
		name   string
		method string
		path   string
		actor  string
		body   interface{}
		status int
	}{
		{"unknown job", http.MethodGet, "/api/jobs/nope", "", nil, http.StatusNotFound},
		{"cancel unknown job", http.MethodDelete, "/api/jobs/nope", "", nil, http.StatusNotFound},
		{"malformed deploy", http.MethodPost, "/api/deploys", "", map[string]string{"bogus": "x"}, http.StatusBadRequest},
		{"deploy without steps", http.MethodPost, "/api/deploys", "", types.DeployRequest{Deploy: types.DeployContext{ID: "d9", ProjectID: "shop"}}, http.StatusBadRequest},
		{"deploy already active", http.MethodPost, "/api/deploys", "carol", deployBody("d1", "prod", true), http.StatusConflict},
		{"self approval", http.MethodPost, "/api/deploys/d1/buddy_check", "alice", nil, http.StatusUnprocessableEntity},
		{"approve unknown deploy", http.MethodPost, "/api/deploys/zzz/buddy_check", "bob", nil, http.StatusNotFound},
		{"builds disabled", http.MethodPost, "/api/projects/legacy/builds", "", types.BuildRequest{Revision: "r1", Steps: []string{"make"}}, http.StatusUnprocessableEntity},
		{"unknown lock", http.MethodDelete, "/api/locks/nope", "", nil, http.StatusNotFound},
		{"bad lock resource", http.MethodDelete, "/api/locks?resource_type=planet&resource_id=x", "", nil, http.StatusBadRequest},
		{"unknown build", http.MethodGet, "/api/builds/nope", "", nil, http.StatusNotFound},
		{"unknown stream", http.MethodGet, "/streaming/jobs/nope", "", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, tt.method, tt.path, tt.actor, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestAPI_BuddyCheck(t *testing.T) {
	f := newFixture(t, func(cfg *types.StagehandConfig) {
		cfg.BuddyCheck.Enabled = true
	})

	resp := f.do(t, http.MethodPost, "/api/deploys", "alice", deployBody("d1", "prod", true))
	var job types.Job
	decodeBody(t, resp, &job)

	resp = f.do(t, http.MethodPost, "/api/deploys/d1/buddy_check", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var check types.BuddyCheck
	decodeBody(t, resp, &check)
	assert.Equal(t, "bob", check.Approver)

	require.Eventually(t, func() bool {
		_, ok := f.runner.Process(job.ID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAPI_Locks(t *testing.T) {
	f := newFixture(t, nil)

	lockReq := types.LockRequest{
		Resource: types.Resource{Type: types.ResourceTypeStage, ID: "prod"},
		Kind:     types.LockKindHard,
	}
	resp := f.do(t, http.MethodPost, "/api/locks", "ops", lockReq)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var lock types.Lock
	decodeBody(t, resp, &lock)
	assert.Equal(t, "ops", lock.Holder)

	resp = f.do(t, http.MethodPost, "/api/locks", "dev", lockReq)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/locks", "", nil)
	var locks []types.Lock
	decodeBody(t, resp, &locks)
	require.Len(t, locks, 1)

	resp = f.do(t, http.MethodDelete, "/api/locks?resource_type=stage&resource_id=prod", "dev", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/api/locks?resource_type=stage&resource_id=prod&holder=ops", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/locks", "ops", lockReq)
	decodeBody(t, resp, &lock)
	resp = f.do(t, http.MethodDelete, "/api/locks/"+lock.ID, "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestAPI_EnabledToggle(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/jobs/enabled", "", nil)
	var state map[string]bool
	decodeBody(t, resp, &state)
	assert.True(t, state["enabled"])

	resp = f.do(t, http.MethodPut, "/jobs/enabled", "admin", map[string]bool{"enabled": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/deploys", "alice", deployBody("d1", "prod", false))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/jobs/enabled", "admin", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_TriggerBuild(t *testing.T) {
	f := newFixture(t, func(cfg *types.StagehandConfig) {
		cfg.Builds.Command = "make image"
	})

	resp := f.do(t, http.MethodPost, "/api/projects/shop/builds", "carol", types.BuildRequest{Revision: "abc"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out struct {
		Build types.Build `json:"build"`
		Job   types.Job   `json:"job"`
	}
	decodeBody(t, resp, &out)
	assert.Equal(t, "shop", out.Build.ProjectID)
	assert.Equal(t, "carol", out.Build.Creator)
	assert.Equal(t, types.JobKindBuild, out.Job.Kind)

	resp = f.do(t, http.MethodGet, "/api/projects/shop/builds", "", nil)
	var list []types.Build
	decodeBody(t, resp, &list)
	assert.Len(t, list, 1)

	resp = f.do(t, http.MethodGet, "/api/builds/"+out.Build.ID, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_StreamOutput(t *testing.T) {
	f := newFixture(t, nil)
	f.runner.Script = func(_ *types.Job, p *mocks.MockProcess) {
		p.Emit("A", "B", "C")
		p.Exit(0)
	}

	resp := f.do(t, http.MethodPost, "/api/deploys", "alice", deployBody("d1", "prod", false))
	var job types.Job
	decodeBody(t, resp, &job)

	require.Eventually(t, func() bool {
		j, err := f.engine.Job(job.ID)
		return err == nil && j.Status == types.JobStatusSucceeded
	}, 2*time.Second, 5*time.Millisecond)

	resp = f.do(t, http.MethodGet, "/streaming/jobs/"+job.ID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events, data []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			events = append(events, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
	}
	require.NoError(t, scanner.Err())

	assert.Equal(t, []string{"output", "output", "output", "finished"}, events)
	assert.Equal(t, []string{"A", "B", "C"}, data[:3])

	var finished types.Job
	require.NoError(t, json.Unmarshal([]byte(data[3]), &finished))
	assert.Equal(t, types.JobStatusSucceeded, finished.Status)
}

func TestAPI_Metrics(t *testing.T) {
	f := newFixture(t, nil)

	f.do(t, http.MethodPost, "/api/deploys", "alice", deployBody("d1", "prod", false))
	resp := f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "stagehand_jobs_enqueued_total")
}
