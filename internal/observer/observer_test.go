package observer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/goleak"

	"juttled/internal/endpoint"
	"juttled/internal/engine"
	"juttled/internal/job"
	"juttled/internal/protocol"
	"juttled/internal/testutil"
	"juttled/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newEndpoint(t *testing.T, addr string) (*endpoint.Endpoint, *testutil.FakeConn) {
	t.Helper()
	conn := testutil.NewFakeConn(addr)
	ep := endpoint.New(conn, endpoint.Config{PingInterval: time.Hour, MissedPongLimit: 6, WriteTimeout: time.Second})
	t.Cleanup(func() { ep.Close(true) })
	return ep, conn
}

func lifecycles(t *testing.T, conn *testutil.FakeConn) []protocol.Lifecycle {
	t.Helper()
	var out []protocol.Lifecycle
	for _, raw := range conn.Written() {
		var l protocol.Lifecycle
		if err := json.Unmarshal(raw, &l); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		out = append(out, l)
	}
	return out
}

func TestManager_ObserverIsolation(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	a, connA := newEndpoint(t, "a:1")
	b, connB := newEndpoint(t, "b:1")
	m.AddEndpointToObserver(a, "A")
	m.AddEndpointToObserver(b, "B")

	m.JobStarted("job-1", "A")
	m.JobStarted("job-2", "B")
	m.JobEnded("job-1", "A")
	m.JobStarted("job-3", "")

	testutil.MustWaitFor(t, func() bool {
		return len(connA.Written()) == 2 && len(connB.Written()) == 1
	}, testutil.WithTimeout(5*time.Second))

	wantA := []protocol.Lifecycle{{Type: "job_start", JobID: "job-1"}, {Type: "job_end", JobID: "job-1"}}
	if got := lifecycles(t, connA); len(got) != 2 || got[0] != wantA[0] || got[1] != wantA[1] {
		t.Errorf("observer A got %+v, want %+v", got, wantA)
	}
	if got := lifecycles(t, connB); got[0] != (protocol.Lifecycle{Type: "job_start", JobID: "job-2"}) {
		t.Errorf("observer B got %+v", got)
	}
}

func TestManager_ListAndDeregister(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	b1, _ := newEndpoint(t, "b:1")
	b2, _ := newEndpoint(t, "b:2")
	a, _ := newEndpoint(t, "a:1")
	m.AddEndpointToObserver(b1, "beta")
	m.AddEndpointToObserver(b2, "beta")
	m.AddEndpointToObserver(a, "alpha")

	want := []Info{{ObserverID: "alpha"}, {ObserverID: "beta"}}
	if got := m.ListObservers(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("ListObservers() = %v, want %v", got, want)
	}

	b1.Close(false)
	a.Close(false)
	testutil.MustWaitFor(t, func() bool {
		return len(m.ListObservers()) == 1
	}, testutil.WithTimeout(5*time.Second))
	if got := m.ListObservers(); got[0].ObserverID != "beta" {
		t.Errorf("ListObservers() = %v, want only beta", got)
	}

	b2.Close(false)
	testutil.MustWaitFor(t, func() bool {
		return len(m.ListObservers()) == 0
	}, testutil.WithTimeout(5*time.Second))
}

func TestManager_ClosedEndpointNotNotified(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	ep, conn := newEndpoint(t, "a:1")
	m.AddEndpointToObserver(ep, "A")
	ep.Close(false)
	testutil.MustWaitFor(t, func() bool {
		return len(m.ListObservers()) == 0
	}, testutil.WithTimeout(5*time.Second))

	m.JobStarted("job-1", "A")
	if n := len(conn.Written()); n != 0 {
		t.Errorf("closed endpoint got %d messages", n)
	}
}

func TestManager_FollowsJobLifecycle(t *testing.T) {
	t.Parallel()
	jobs := job.NewManager(worker.NewInProcessLauncher(engine.Options{}), job.Config{}, nil)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = jobs.Shutdown(ctx)
	}()

	m := NewManager(nil)
	jobs.AddListener(m)
	ep, conn := newEndpoint(t, "a:1")
	m.AddEndpointToObserver(ep, "watcher")

	res, err := jobs.RunProgram(context.Background(), job.RunRequest{
		Bundle:     protocol.Bundle{Program: "emit -limit 1 | view table"},
		ObserverID: "watcher",
	})
	if err != nil {
		t.Fatalf("RunProgram failed: %v", err)
	}

	testutil.MustWaitFor(t, func() bool {
		return len(conn.Written()) == 2
	}, testutil.WithTimeout(5*time.Second))
	got := lifecycles(t, conn)
	if got[0] != (protocol.Lifecycle{Type: "job_start", JobID: res.JobID}) ||
		got[1] != (protocol.Lifecycle{Type: "job_end", JobID: res.JobID}) {
		t.Errorf("observer got %+v", got)
	}
}

func TestManager_CloseAll(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	a, connA := newEndpoint(t, "a:1")
	b, connB := newEndpoint(t, "b:1")
	m.AddEndpointToObserver(a, "A")
	m.AddEndpointToObserver(b, "B")
	m.JobEnded("job-1", "A")

	m.CloseAll()
	testutil.MustWaitFor(t, func() bool {
		return connA.IsClosed() && connB.IsClosed() && len(m.ListObservers()) == 0
	}, testutil.WithTimeout(5*time.Second))

	// Queued messages are flushed before the connection closes.
	if got := lifecycles(t, connA); len(got) != 1 || got[0] != (protocol.Lifecycle{Type: "job_end", JobID: "job-1"}) {
		t.Errorf("observer A got %+v, want the job_end written before close", got)
	}
}
