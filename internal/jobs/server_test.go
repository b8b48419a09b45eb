package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/ralph/internal/bus"
)

func newTestServer(t *testing.T, startRun RunStarter) (*Server, bus.Bus, string) {
	t.Helper()
	prefix := t.TempDir()
	b := bus.NewMemoryBus(nil)
	t.Cleanup(b.Close)

	store, err := NewStore(prefix)
	require.NoError(t, err)
	persister := NewPersister(prefix, store, nil)
	persister.Subscribe(b)

	if startRun == nil {
		startRun = func(ctx context.Context, runID, jobID, prompt string) {}
	}
	s := NewServer(prefix, b, store, persister, startRun, nil)
	return s, b, prefix
}

func doRequest(s *Server, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestServer_CorrelationID_GeneratedAndEchoed(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rec := doRequest(s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(correlationIDHeader))
}

func TestServer_CorrelationID_ReusesCallerSupplied(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(correlationIDHeader, "caller-supplied-id")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, "caller-supplied-id", rec.Header().Get(correlationIDHeader))
}

func TestServer_HealthOK(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rec := doRequest(s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_JobCRUD(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	rec := doRequest(s, http.MethodPost, "/jobs", map[string]string{"prompt": "do X"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var job Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, StatusDraft, job.Status)

	rec = doRequest(s, http.MethodGet, "/jobs/"+job.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodGet, "/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	newPrompt := "do Y"
	rec = doRequest(s, http.MethodPut, "/jobs/"+job.ID, map[string]any{"prompt": newPrompt})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, newPrompt, updated.Prompt)

	rec = doRequest(s, http.MethodDelete, "/jobs/"+job.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(s, http.MethodGet, "/jobs/"+job.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_DeleteJob_RejectsWhileRunning(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	rec := doRequest(s, http.MethodPost, "/jobs", map[string]string{"prompt": "do X"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var job Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))

	running := StatusRunning
	rec = doRequest(s, http.MethodPut, "/jobs/"+job.ID, map[string]any{"status": running})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodDelete, "/jobs/"+job.ID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(s, http.MethodGet, "/jobs/"+job.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Prompt_RunsAndPersistsAndUpdatesJob(t *testing.T) {
	var b bus.Bus
	started := make(chan string, 1)

	// Constructed in two steps: the RunStarter closure needs to publish on
	// the same bus the server subscribes its persister to, which only
	// exists once newTestServer runs. Capture it via the returned bus.
	s, bb, prefix := newTestServer(t, func(ctx context.Context, runID, jobID, prompt string) {
		pub := bus.NewTaggedPublisher(b, runID)
		pub.Publish(ctx, bus.TagRalphStarted, map[string]any{"workspace": runID})
		pub.Publish(ctx, bus.TagRalphCompleted, map[string]any{"iterations": 1, "done": true})
		started <- runID
	})
	b = bb
	_ = prefix

	rec := doRequest(s, http.MethodPost, "/jobs", map[string]string{"prompt": "do X"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var job Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))

	rec = doRequest(s, http.MethodPost, "/prompt", map[string]string{"prompt": "do X", "jobId": job.ID})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)

	select {
	case runID := <-started:
		assert.Equal(t, resp.ID, runID)
	case <-time.After(2 * time.Second):
		t.Fatal("startRun was never invoked")
	}

	// The persister runs synchronously on MemoryBus.Publish, but the
	// RunStarter itself runs in its own goroutine; poll briefly for the
	// job's status to flip.
	require.Eventually(t, func() bool {
		rec := doRequest(s, http.MethodGet, "/jobs/"+job.ID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var got Job
		_ = json.Unmarshal(rec.Body.Bytes(), &got)
		return got.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	rec = doRequest(s, http.MethodGet, "/runs/"+resp.ID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []bus.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 2)
	assert.Equal(t, bus.TagRalphStarted, events[0].Type)
	assert.Equal(t, bus.TagRalphCompleted, events[1].Type)
}

func TestServer_RunsStatus_UnknownAndRunning(t *testing.T) {
	s, b, prefix := newTestServer(t, nil)

	rec := doRequest(s, http.MethodPost, "/runs/status", map[string][]string{"runIds": {"nope"}})
	require.Equal(t, http.StatusOK, rec.Code)
	var result map[string]Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, RunStatusUnknown, result["nope"])

	bus.NewTaggedPublisher(b, "r1").Publish(context.Background(), bus.TagLoopIterationStart, map[string]any{"iteration": 1})
	_ = prefix

	rec = doRequest(s, http.MethodPost, "/runs/status", map[string][]string{"runIds": {"r1"}})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, RunStatusRunning, result["r1"])
}

func TestServer_Interrupt_RejectsBadReason(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rec := doRequest(s, http.MethodPost, "/runs/r1/interrupt", map[string]string{"reason": "nonsense"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Caffinate_FiresOnceWhenDrained(t *testing.T) {
	s, b, _ := newTestServer(t, nil)

	exitCount := 0
	s.SetExitHook(func() { exitCount++ })

	s.mu.Lock()
	s.activeRuns["r1"] = true
	s.mu.Unlock()

	rec := doRequest(s, http.MethodPost, "/caffinate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, exitCount)

	bus.NewTaggedPublisher(b, "r1").Publish(context.Background(), bus.TagRalphCompleted, map[string]any{"iterations": 1, "done": true})
	assert.Equal(t, 1, exitCount)

	// A second terminal event for an already-inactive run must not re-fire.
	bus.NewTaggedPublisher(b, "r1").Publish(context.Background(), bus.TagRalphCompleted, map[string]any{"iterations": 1, "done": true})
	assert.Equal(t, 1, exitCount)
}

func TestServer_Caffinate_FiresImmediatelyWhenNothingRunning(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	exitCount := 0
	s.SetExitHook(func() { exitCount++ })

	rec := doRequest(s, http.MethodPost, "/caffinate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, exitCount)
}

func TestServer_StartupRepair_RewritesRunningJobs(t *testing.T) {
	prefix := t.TempDir()
	store, err := NewStore(prefix)
	require.NoError(t, err)

	running := StatusRunning
	job := &Job{ID: "j1", Prompt: "x", Status: running, RunIDs: []string{}}
	require.NoError(t, store.Create(job))

	n, err := store.RepairRunningOnStartup()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Get("j1")
	require.NoError(t, err)
	assert.Equal(t, StatusInterrupted, got.Status)
}
