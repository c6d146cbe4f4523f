package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"server/internal/apperr"
	"server/internal/gen"
	"server/internal/gwconfig"
	"server/internal/infra"
	"server/internal/payload"
	"server/internal/poll"
	"server/internal/quota"
	"server/internal/storage"
	"server/internal/task"
	"server/internal/upload"
)

type stubLedger struct{ allowed bool }

func (l *stubLedger) Check(sessionID string, service quota.ServiceType) (quota.CheckResult, error) {
	return quota.CheckResult{Allowed: l.allowed, Limit: 10}, nil
}
func (l *stubLedger) Increment(sessionID string, service quota.ServiceType) error { return nil }
func (l *stubLedger) DailyAggregate(date string) (quota.DailyAggregate, error) {
	return quota.DailyAggregate{Date: date, Rows: 1}, nil
}
func (l *stubLedger) RangeAggregate(from, to string) ([]quota.DailyAggregate, error) { return nil, nil }
func (l *stubLedger) History(sessionID string, days int) ([]quota.SessionDailyUsage, error) {
	return []quota.SessionDailyUsage{{SessionID: sessionID}}, nil
}
func (l *stubLedger) Cleanup(retentionDays int) (int, error) { return 0, nil }

type stubUpstream struct{}

func (stubUpstream) Submit(ctx context.Context, mwebBase, credential string, env payload.Envelope) (string, error) {
	return "history-1", nil
}
func (stubUpstream) FetchHistory(ctx context.Context, mwebBase, credential, historyID string) (poll.FetchResult, error) {
	return poll.FetchResult{
		Status: poll.Status{FinishTime: 1, ItemCount: 4, State: "completed"},
		Data: []gen.HistoryItem{
			{ImageURL: "https://img/1"}, {ImageURL: "https://img/2"},
			{ImageURL: "https://img/3"}, {ImageURL: "https://img/4"},
		},
	}, nil
}

func testApp(t *testing.T, allowed bool) *App {
	t.Helper()
	logger := infra.NewLogger("test")
	models := gen.ModelTable{
		Available: map[upload.Region]map[string]bool{upload.RegionCN: {"jimeng-4.5": true}},
		Default:   map[upload.Region]string{upload.RegionCN: "jimeng-4.5"},
	}
	pipeline := upload.New(nil, logger)
	ctrl := gen.New(&stubLedger{allowed: allowed}, pipeline, stubUpstream{}, models, func(upload.Region) string { return "https://upstream.example" }, logger)
	store := task.NewStore(time.Hour)
	t.Cleanup(store.Close)
	scheduler := task.NewScheduler(store, &task.Worker{Controller: ctrl}, 2, 5*time.Millisecond, 0, 0, logger)
	go scheduler.Start()
	t.Cleanup(scheduler.Stop)
	uploads, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("build upload store: %v", err)
	}
	return NewApp(ctrl, store, scheduler, &stubLedger{allowed: allowed}, &gwconfig.Config{}, logger, nil, uploads)
}

func doJSON(t *testing.T, handler http.HandlerFunc, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

func TestPingReturnsOK(t *testing.T) {
	app := testApp(t, true)
	rr := doJSON(t, app.Ping, http.MethodGet, "/ping", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestImagesGenerateRejectsMissingModel(t *testing.T) {
	app := testApp(t, true)
	rr := doJSON(t, app.ImagesGenerate, http.MethodPost, "/v1/images/generations", map[string]string{"prompt": "a cat"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a missing model, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestImagesGenerateHappyPath(t *testing.T) {
	app := testApp(t, true)
	rr := doJSON(t, app.ImagesGenerate, http.MethodPost, "/v1/images/generations", map[string]any{
		"model": "jimeng-4.5", "prompt": "a cat",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp generateResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.URLs) != 4 || resp.URLs[0] != "https://img/1" {
		t.Fatalf("unexpected urls: %v", resp.URLs)
	}
}

func TestImagesGenerateMapsQuotaExceededTo429(t *testing.T) {
	app := testApp(t, false)
	rr := doJSON(t, app.ImagesGenerate, http.MethodPost, "/v1/images/generations", map[string]any{
		"model": "jimeng-4.5", "prompt": "a cat",
	})
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on quota exhaustion, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestAsyncImagesGenerateEnqueuesPendingTask(t *testing.T) {
	app := testApp(t, true)
	rr := doJSON(t, app.AsyncImagesGenerate, http.MethodPost, "/v1/async/images/generations", map[string]any{
		"model": "jimeng-4.5", "prompt": "a cat",
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp asyncTaskResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(task.StatusPending) {
		t.Fatalf("expected a pending task, got status %q", resp.Status)
	}
}

func TestTaskListScopesToOwnerCredential(t *testing.T) {
	app := testApp(t, true)

	submit := func(bearer string) {
		req := httptest.NewRequest(http.MethodPost, "/v1/async/images/generations", bytes.NewReader(mustJSON(t, map[string]any{
			"model": "jimeng-4.5", "prompt": "a cat",
		})))
		req.Header.Set("Authorization", "Bearer "+bearer)
		rr := httptest.NewRecorder()
		app.AsyncImagesGenerate(rr, req)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
		}
	}
	submit("user-a-token")
	submit("user-a-token")
	submit("user-b-token")

	req := httptest.NewRequest(http.MethodGet, "/v1/async/tasks", nil)
	req.Header.Set("Authorization", "Bearer user-a-token")
	rr := httptest.NewRecorder()
	app.TaskList(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Tasks []taskStatusResponse `json:"tasks"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Tasks) != 2 {
		t.Fatalf("expected only user-a's 2 tasks, got %d", len(resp.Tasks))
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestTaskStatusUnknownIDReturns404(t *testing.T) {
	app := testApp(t, true)
	req := withURLParam(httptest.NewRequest(http.MethodGet, "/v1/async/tasks/nope/status", nil), "id", "nope")
	rr := httptest.NewRecorder()
	app.TaskStatus(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestTaskResultReturns409WhenNotCompleted(t *testing.T) {
	app := testApp(t, true)
	tsk := app.Store.Create(task.TypeImageGeneration, task.Params{Prompt: "x"}, 0, "")

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/v1/async/tasks/"+tsk.ID+"/result", nil), "id", tsk.ID)
	rr := httptest.NewRecorder()
	app.TaskResult(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a pending task's result, got %d", rr.Code)
	}
}

func TestWriteErrorMapsKindsToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperr.New(apperr.InvalidRequest, "bad"), http.StatusBadRequest},
		{apperr.New(apperr.QuotaExceeded, "over"), http.StatusTooManyRequests},
		{apperr.New(apperr.TaskNotFound, "missing"), http.StatusNotFound},
		{apperr.New(apperr.TaskNotCompleted, "pending"), http.StatusConflict},
		{apperr.New(apperr.UpstreamProtocolError, "boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		rr := httptest.NewRecorder()
		writeError(rr, tc.err)
		if rr.Code != tc.want {
			t.Fatalf("writeError(%v) = %d, want %d", tc.err, rr.Code, tc.want)
		}
	}
}
