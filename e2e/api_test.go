//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"juttled/internal/api"
	"juttled/internal/bundle"
	"juttled/internal/dispatcher"
	"juttled/internal/endpoint"
	"juttled/internal/health"
	"juttled/internal/job"
	"juttled/internal/observability"
	"juttled/internal/observer"
	"juttled/internal/testutil"
	"juttled/internal/topic"
	"juttled/internal/worker"
)

// getTestURL returns the base URL for e2e tests.
// If E2E_API_URL is set, tests run against that instance.
// Otherwise, a test server is created with the launcher described by the
// WORKER_* environment, so juttle-worker must be installed or WORKER_PATH set.
func getTestURL(t testing.TB) (string, func()) {
	if url := os.Getenv("E2E_API_URL"); url != "" {
		t.Logf("Using external API: %s", url)
		return url, func() {}
	}

	server, cleanup := createTestServer(t, "")
	return server.URL, cleanup
}

// sharedMetrics registers the exporter once per test binary.
var sharedMetrics = sync.OnceValues(func() (*observability.Metrics, error) {
	m, _, err := observability.NewMetrics(context.Background())
	return m, err
})

func createTestServer(t testing.TB, webhookURL string) (*httptest.Server, func()) {
	launcher, err := worker.NewLauncher(worker.LoadConfigFromEnv())
	if err != nil {
		t.Fatalf("Failed to create worker launcher: %v", err)
	}
	if err := launcher.Ready(context.Background()); err != nil {
		t.Skipf("Worker launcher not ready: %v", err)
	}

	metrics, err := sharedMetrics()
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	jobs := job.NewManager(launcher, job.Config{DelayedJobCleanup: time.Second}, metrics)
	observers := observer.NewManager(metrics)
	jobs.AddListener(observers)

	var eventDispatcher *dispatcher.MemoryDispatcher
	if webhookURL != "" {
		eventDispatcher = dispatcher.NewMemory(dispatcher.MemoryConfig{BufferSize: 100, Workers: 1}, metrics)
		jobs.AddListener(job.NewWebhookNotifier(eventDispatcher, webhookURL, ""))
	}

	router := api.NewRouter(api.RouterConfig{
		Jobs:          jobs,
		Observers:     observers,
		Topics:        topic.NewNotifier(metrics),
		Bundler:       bundle.New(t.TempDir()),
		HealthChecker: health.NewChecker(launcher),
		Metrics:       metrics,
		Endpoint:      endpoint.LoadConfigFromEnv(),
	})
	server := httptest.NewServer(router)

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Close()
		jobs.Shutdown(ctx)
		// Drain dispatcher last so the end events of stopped jobs are delivered
		if eventDispatcher != nil {
			eventDispatcher.Close(ctx)
		}
	}
	return server, cleanup
}

func postJob(t testing.TB, baseURL, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(baseURL+"/api/v0/jobs", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("Create job failed: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	data, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Decode %q: %v", data, err)
	}
	return resp.StatusCode, out
}

func dial(t testing.TB, baseURL, path string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(baseURL, "http")+path, nil)
	if err != nil {
		t.Fatalf("Dial %s failed: %v", path, err)
	}
	resp.Body.Close()
	return conn
}

func TestAPI_Readyz(t *testing.T) {
	baseURL, cleanup := getTestURL(t)
	defer cleanup()

	resp, err := http.Get(baseURL + "/readyz")
	if err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var result health.Response
	json.NewDecoder(resp.Body).Decode(&result)

	if result.Status != health.StatusHealthy {
		t.Errorf("Expected healthy status, got %s", result.Status)
	}
}

func TestAPI_Livez(t *testing.T) {
	baseURL, cleanup := getTestURL(t)
	defer cleanup()

	resp, err := http.Get(baseURL + "/livez")
	if err != nil {
		t.Fatalf("Liveness check failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestAPI_StreamJob(t *testing.T) {
	baseURL, cleanup := getTestURL(t)
	defer cleanup()

	status, created := postJob(t, baseURL, `{"bundle":{"program":"emit -every :50ms: -limit 4 | put n=1 | view table"},"return_pid":true}`)
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %v", status, created)
	}
	jobID, _ := created["job_id"].(string)
	if pid, _ := created["pid"].(float64); pid <= 0 {
		t.Errorf("Expected a worker pid, got %v", created["pid"])
	}

	conn := dial(t, baseURL, "/api/v0/jobs/"+jobID)
	defer conn.Close()

	var types []string
	points := 0
	for {
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("Read failed: %v", err)
			}
			break
		}
		typ, _ := msg["type"].(string)
		types = append(types, typ)
		if typ == "points" {
			points += len(msg["points"].([]any))
		}
	}

	if len(types) < 2 || types[0] != "job_start" || types[len(types)-1] != "job_end" {
		t.Errorf("Unexpected message sequence %v", types)
	}
	if points != 4 {
		t.Errorf("Expected 4 points, got %d", points)
	}
}

func TestAPI_CreateAndDeleteJob(t *testing.T) {
	baseURL, cleanup := getTestURL(t)
	defer cleanup()

	_, created := postJob(t, baseURL, `{"bundle":{"program":"emit -every :100ms: | view table"}}`)
	jobID, _ := created["job_id"].(string)

	// Keep a subscriber attached so the job is not stopped for lack of one
	conn := dial(t, baseURL, "/api/v0/jobs/"+jobID)
	defer conn.Close()

	resp, err := http.Get(baseURL + "/api/v0/jobs/" + jobID)
	if err != nil {
		t.Fatalf("Get job failed: %v", err)
	}
	var desc map[string]any
	json.NewDecoder(resp.Body).Decode(&desc)
	resp.Body.Close()
	if desc["job_id"] != jobID {
		t.Errorf("Expected job %s, got %v", jobID, desc)
	}

	req, _ := http.NewRequest(http.MethodDelete, baseURL+"/api/v0/jobs/"+jobID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Delete job failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	testutil.MustWaitFor(t, func() bool {
		resp, err := http.Get(baseURL + "/api/v0/jobs/" + jobID)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusNotFound
	}, testutil.WithTimeout(10*time.Second), testutil.WithInterval(100*time.Millisecond))
}

func TestAPI_WaitMode(t *testing.T) {
	baseURL, cleanup := getTestURL(t)
	defer cleanup()

	status, out := postJob(t, baseURL, `{"bundle":{"program":"emit -limit 3 | view table -title \"t\""},"wait":true}`)
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %v", status, out)
	}

	output, _ := out["output"].(map[string]any)
	sink, _ := output["sink0"].(map[string]any)
	if sink["type"] != "table" {
		t.Fatalf("Unexpected output %v", out)
	}
	if data, _ := sink["data"].([]any); len(data) != 3 {
		t.Errorf("Expected 3 data entries, got %d", len(data))
	}
}

func TestAPI_InvalidJobRequest(t *testing.T) {
	baseURL, cleanup := getTestURL(t)
	defer cleanup()

	tests := []struct {
		name string
		body string
		code string
	}{
		{"no bundle", `{"inputs":{}}`, "JS-BUNDLE-ERROR"},
		{"syntax error", `{"bundle":{"program":"emit -limit 1 | puty"}}`, "JS-JUTTLE-ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, out := postJob(t, baseURL, tt.body)
			if status != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", status)
			}
			if out["code"] != tt.code {
				t.Errorf("Expected code %s, got %v", tt.code, out["code"])
			}
		})
	}
}

func TestAPI_JobWithWebhook(t *testing.T) {
	var eventCount atomic.Int64
	var mu sync.Mutex
	var receivedEvents []string

	callbackServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event map[string]any
		json.NewDecoder(r.Body).Decode(&event)
		if eventType, ok := event["type"].(string); ok {
			mu.Lock()
			receivedEvents = append(receivedEvents, eventType)
			mu.Unlock()
			eventCount.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer callbackServer.Close()

	server, cleanup := createTestServer(t, callbackServer.URL)
	defer cleanup()

	status, _ := postJob(t, server.URL, `{"bundle":{"program":"emit -limit 1"},"wait":true,"observer":"e2e"}`)
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", status)
	}

	testutil.MustWaitForCount(t, &eventCount, 2, testutil.WithTimeout(10*time.Second))

	mu.Lock()
	defer mu.Unlock()
	if len(receivedEvents) < 2 || receivedEvents[0] != "juttled.job.start" || receivedEvents[1] != "juttled.job.end" {
		t.Errorf("Unexpected events %v", receivedEvents)
	}
}

func TestAPI_ConcurrentJobs(t *testing.T) {
	baseURL, cleanup := getTestURL(t)
	defer cleanup()

	numJobs := 5
	var wg sync.WaitGroup
	errs := make(chan string, numJobs)

	for range numJobs {
		wg.Go(func() {
			resp, err := http.Post(baseURL+"/api/v0/jobs", "application/json",
				bytes.NewReader([]byte(`{"bundle":{"program":"emit -limit 10"},"wait":true}`)))
			if err != nil {
				errs <- err.Error()
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				errs <- resp.Status
			}
		})
	}

	wg.Wait()
	close(errs)
	for e := range errs {
		t.Errorf("Concurrent job failed: %s", e)
	}
}
