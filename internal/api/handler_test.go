package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"juttled/internal/apperrors"
	"juttled/internal/bundle"
	"juttled/internal/endpoint"
	"juttled/internal/engine"
	"juttled/internal/health"
	"juttled/internal/job"
	"juttled/internal/observer"
	"juttled/internal/topic"
	"juttled/internal/worker"
)

type testServer struct {
	*httptest.Server
	jobs *job.Manager
	root string
}

func newTestServer(t *testing.T, jobCfg job.Config, opts ...func(*RouterConfig)) *testServer {
	t.Helper()
	launcher := worker.NewInProcessLauncher(engine.Options{})
	jobs := job.NewManager(launcher, jobCfg, nil)
	observers := observer.NewManager(nil)
	jobs.AddListener(observers)

	root := t.TempDir()
	cfg := RouterConfig{
		Jobs:          jobs,
		Observers:     observers,
		Topics:        topic.NewNotifier(nil),
		Bundler:       bundle.New(root),
		HealthChecker: health.NewChecker(launcher),
		Endpoint:      endpoint.Config{PingInterval: time.Hour, MissedPongLimit: 6, WriteTimeout: time.Second},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	srv := httptest.NewServer(NewRouter(cfg))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = jobs.Shutdown(ctx)
	})
	return &testServer{Server: srv, jobs: jobs, root: root}
}

func (s *testServer) writeFile(t *testing.T, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(s.root, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// do sends a request with an optional JSON body and decodes the JSON reply
// into out when out is not nil.
func (s *testServer) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestHandler_Livez(t *testing.T) {
	t.Parallel()
	handler := &Handler{health: health.NewChecker(nil)}

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	w := httptest.NewRecorder()
	handler.Livez(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var response health.Response
	json.NewDecoder(w.Body).Decode(&response)
	if response.Status != health.StatusHealthy {
		t.Errorf("Expected status healthy, got %s", response.Status)
	}
}

func TestHandler_Readyz(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		checker *health.Checker
		want    int
	}{
		{"no launcher", health.NewChecker(nil), http.StatusServiceUnavailable},
		{"in-process launcher", health.NewChecker(worker.NewInProcessLauncher(engine.Options{})), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			handler := &Handler{health: tt.checker}
			w := httptest.NewRecorder()
			handler.Readyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestHandler_CreateJob_BadRequests(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		body   string
		reason string
	}{
		{"invalid json", "invalid json", "invalid json"},
		{"no bundle", `{}`, "Bundle does not contain program property"},
		{"bundle without program", `{"bundle":{"modules":{}}}`, "Bundle does not contain program property"},
		{"bundle not an object", `{"bundle":"emit"}`, "Bundle does not contain program property"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			handler := &Handler{}
			req := httptest.NewRequest(http.MethodPost, "/api/v0/jobs", bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()

			handler.CreateJob(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
			}
			var body apperrors.Body
			json.NewDecoder(w.Body).Decode(&body)
			if body.Code != apperrors.CodeBundle || body.Info["reason"] != tt.reason {
				t.Errorf("body = %+v", body)
			}
		})
	}
}

func TestAPI_CreateDescribeDelete(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, job.Config{DelayedJobCleanup: time.Minute})

	var created map[string]any
	status := srv.do(t, http.MethodPost, "/api/v0/jobs",
		`{"bundle":{"program":"emit -limit 1 | view table","modules":{}},"return_pid":true}`, &created)
	if status != http.StatusOK {
		t.Fatalf("create status = %d, body %v", status, created)
	}
	id, _ := created["job_id"].(string)
	if id == "" || created["pid"] == nil {
		t.Fatalf("create = %v, want job_id and pid", created)
	}

	var desc job.Description
	if status := srv.do(t, http.MethodGet, "/api/v0/jobs/"+id, "", &desc); status != http.StatusOK {
		t.Fatalf("describe status = %d", status)
	}
	if desc.JobID != id || desc.Bundle.Program != "emit -limit 1 | view table" || desc.Endpoints == nil || len(desc.Endpoints) != 0 {
		t.Errorf("describe = %+v", desc)
	}

	var list []map[string]any
	srv.do(t, http.MethodGet, "/api/v0/jobs", "", &list)
	if len(list) != 1 || list[0]["job_id"] != id {
		t.Errorf("list = %v", list)
	}

	var deleted map[string]any
	if status := srv.do(t, http.MethodDelete, "/api/v0/jobs/"+id, "", &deleted); status != http.StatusOK || len(deleted) != 0 {
		t.Errorf("delete = %d %v, want 200 {}", status, deleted)
	}

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		var body apperrors.Body
		if status := srv.do(t, method, "/api/v0/jobs/"+id, "", &body); status != http.StatusNotFound {
			t.Errorf("%s after delete = %d, want 404", method, status)
		}
		if body.Code != apperrors.CodeJobNotFound || body.Message != "No such job: "+id || body.Info["job_id"] != id {
			t.Errorf("%s after delete body = %+v", method, body)
		}
	}
}

func TestAPI_CreateWithoutReturnPid(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, job.Config{})

	var created map[string]any
	srv.do(t, http.MethodPost, "/api/v0/jobs", `{"bundle":{"program":"emit -limit 1"}}`, &created)
	if _, ok := created["pid"]; ok {
		t.Errorf("create = %v, want no pid", created)
	}
	if created["job_id"] == nil {
		t.Errorf("create = %v, want job_id", created)
	}
}

func TestAPI_SyntaxError(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, job.Config{})

	program := "emit -limit 1\n  | puty foo=\"bar\""
	reqBody, _ := json.Marshal(map[string]any{"bundle": map[string]any{"program": program, "modules": map[string]string{}}})

	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Info    struct {
			Bundle struct {
				Program string            `json:"program"`
				Modules map[string]string `json:"modules"`
			} `json:"bundle"`
			Err struct {
				Code string `json:"code"`
				Info struct {
					Location engine.Location `json:"location"`
				} `json:"info"`
			} `json:"err"`
		} `json:"info"`
	}
	if status := srv.do(t, http.MethodPost, "/api/v0/jobs", string(reqBody), &body); status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
	if body.Code != apperrors.CodeJuttle || body.Message != "Error from juttle compiler or runtime" {
		t.Errorf("body = %+v", body)
	}
	if body.Info.Bundle.Program != program || body.Info.Bundle.Modules == nil {
		t.Errorf("bundle = %+v", body.Info.Bundle)
	}
	loc := body.Info.Err.Info.Location
	if body.Info.Err.Code != engine.CodeSyntax || loc.Start.Line != 2 || loc.Start.Column != 5 {
		t.Errorf("err = %+v", body.Info.Err)
	}
}

func TestAPI_Wait(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, job.Config{})

	var out job.WaitResult
	status := srv.do(t, http.MethodPost, "/api/v0/jobs",
		`{"bundle":{"program":"emit -limit 2 | view table"},"wait":true}`, &out)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	sink := out.Output["sink0"]
	if sink == nil || sink.Type != "table" || len(sink.Data) != 2 {
		t.Fatalf("output = %+v", out.Output)
	}
	if out.Errors == nil || out.Warnings == nil {
		t.Errorf("errors/warnings must be lists: %+v", out)
	}
	if jobs := srv.jobs.GetAllJobs(); len(jobs) != 0 {
		t.Errorf("%d jobs left after wait", len(jobs))
	}
}

func TestAPI_WaitTimeout(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, job.Config{})

	var body apperrors.Body
	status := srv.do(t, http.MethodPost, "/api/v0/jobs",
		`{"bundle":{"program":"emit -every :10ms: | view table"},"wait":true,"timeout":200}`, &body)
	if status != http.StatusRequestTimeout {
		t.Fatalf("status = %d, want 408", status)
	}
	if body.Code != apperrors.CodeTimeout || body.Info["timeout"] != float64(200) {
		t.Errorf("body = %+v", body)
	}
	if jobs := srv.jobs.GetAllJobs(); len(jobs) != 0 {
		t.Errorf("%d jobs left after timeout", len(jobs))
	}
}

func TestAPI_Paths(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, job.Config{DelayedJobCleanup: time.Minute})
	srv.writeFile(t, "forever.juttle", "emit -every :1s: | view table\n")
	srv.writeFile(t, "modules.juttle", "import \"lib.juttle\" as lib;\nemit -limit 1\n")
	srv.writeFile(t, "lib.juttle", "")

	var got bundle.Result
	if status := srv.do(t, http.MethodGet, "/api/v0/paths/forever.juttle", "", &got); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if got.Bundle.Program != "emit -every :1s: | view table\n" || got.Bundle.Modules == nil || len(got.Bundle.Modules) != 0 {
		t.Errorf("bundle = %+v", got.Bundle)
	}

	srv.do(t, http.MethodGet, "/api/v0/paths/modules.juttle", "", &got)
	if _, ok := got.Bundle.Modules["lib.juttle"]; !ok {
		t.Errorf("modules = %v", got.Bundle.Modules)
	}

	var body apperrors.Body
	if status := srv.do(t, http.MethodGet, "/api/v0/paths/no-such-path.juttle", "", &body); status != http.StatusNotFound {
		t.Errorf("missing path status = %d", status)
	}
	if body.Code != apperrors.CodeFileNotFound || body.Message != "No such file: no-such-path.juttle" {
		t.Errorf("missing path body = %+v", body)
	}

	var created map[string]any
	if status := srv.do(t, http.MethodPost, "/api/v0/jobs", `{"path":"modules.juttle"}`, &created); status != http.StatusOK {
		t.Fatalf("create from path = %d %v", status, created)
	}
	var desc job.Description
	srv.do(t, http.MethodGet, "/api/v0/jobs/"+created["job_id"].(string), "", &desc)
	if _, ok := desc.Bundle.Modules["lib.juttle"]; !ok {
		t.Errorf("job bundle = %+v", desc.Bundle)
	}
}

func TestAPI_Prepare(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, job.Config{})

	var inputs []engine.InputDesc
	status := srv.do(t, http.MethodPost, "/api/v0/prepare",
		`{"bundle":{"program":"input n: number -default 3;\nemit -limit $n"},"inputs":{"n":5}}`, &inputs)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if len(inputs) != 1 || inputs[0].ID != "n" || inputs[0].Type != "number" || inputs[0].Value != float64(5) {
		t.Errorf("inputs = %+v", inputs)
	}

	var none []engine.InputDesc
	srv.do(t, http.MethodPost, "/api/v0/prepare", `{"bundle":{"program":"emit"}}`, &none)
	if none == nil || len(none) != 0 {
		t.Errorf("inputs = %v, want []", none)
	}

	var body apperrors.Body
	if status := srv.do(t, http.MethodPost, "/api/v0/prepare", `{"bundle":{"program":"emit |"}}`, &body); status != http.StatusBadRequest {
		t.Errorf("syntax error status = %d", status)
	}
	if body.Code != apperrors.CodeJuttle {
		t.Errorf("body = %+v", body)
	}
}

func TestAPI_Auth(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, job.Config{}, func(cfg *RouterConfig) { cfg.APIKey = "secret" })

	if status := srv.do(t, http.MethodGet, "/livez", "", nil); status != http.StatusOK {
		t.Errorf("livez = %d, want 200 without auth", status)
	}
	if status := srv.do(t, http.MethodGet, "/api/v0/jobs", "", nil); status != http.StatusUnauthorized {
		t.Errorf("jobs without key = %d, want 401", status)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v0/jobs", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("jobs with key = %d, want 200", resp.StatusCode)
	}
}

func TestAPI_RateLimit(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, job.Config{}, func(cfg *RouterConfig) {
		cfg.RateLimit = 0.001
		cfg.RateBurst = 1
	})

	if status := srv.do(t, http.MethodPost, "/api/v0/jobs", `{"bundle":{"program":"emit"}}`, nil); status != http.StatusOK {
		t.Fatalf("first submission = %d", status)
	}
	var body apperrors.Body
	if status := srv.do(t, http.MethodPost, "/api/v0/jobs", `{"bundle":{"program":"emit"}}`, &body); status != http.StatusTooManyRequests {
		t.Fatalf("second submission = %d, want 429", status)
	}
	if body.Code != apperrors.CodeRateLimit {
		t.Errorf("body = %+v", body)
	}
	if status := srv.do(t, http.MethodGet, "/api/v0/jobs", "", nil); status != http.StatusOK {
		t.Errorf("listing is not limited, got %d", status)
	}
}
