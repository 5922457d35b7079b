package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"equity-screener/config"
	"equity-screener/internal/cache"
	"equity-screener/internal/candidate"
	"equity-screener/internal/circuit"
	"equity-screener/internal/events"
	"equity-screener/internal/logging"
	"equity-screener/internal/market"
	"equity-screener/internal/pipeline"
	"equity-screener/internal/selection"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// blockingExecutor holds every run until release is closed
type blockingExecutor struct {
	release chan struct{}
	seen    chan pipeline.Request
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{release: make(chan struct{}), seen: make(chan pipeline.Request, 4)}
}

func (e *blockingExecutor) Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	e.seen <- req
	select {
	case <-e.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	picked := candidate.New(market.Instrument{ID: 1, Symbol: "INFY"}, req.Type, &candidate.Screening{CompositeScore: 72})
	picked.SetSelection(&candidate.Selection{Selected: true, Tier: 1, Rank: 1})
	other := candidate.New(market.Instrument{ID: 2, Symbol: "TCS"}, req.Type, &candidate.Screening{CompositeScore: 64})

	now := time.Date(2024, 9, 16, 10, 0, 0, 0, time.UTC)
	return &pipeline.Result{
		Run: &candidate.Run{
			ID:          "run-1",
			Key:         *req.RunID,
			Type:        req.Type,
			Status:      candidate.RunCompleted,
			Candidates:  2,
			Selected:    1,
			StartedAt:   now,
			CompletedAt: &now,
		},
		Selection:  &selection.Result{Selected: []*candidate.Candidate{picked}},
		Candidates: []*candidate.Candidate{picked, other},
	}, nil
}

type fakeReader struct {
	runs       map[string]*candidate.Run
	candidates []*candidate.Candidate
}

func (f *fakeReader) GetRun(_ context.Context, idOrKey string) (*candidate.Run, error) {
	if r, ok := f.runs[idOrKey]; ok {
		return r, nil
	}
	return nil, errors.New("not found")
}

func (f *fakeReader) ListRuns(_ context.Context, typ candidate.ScreenerType, limit int) ([]*candidate.Run, error) {
	out := make([]*candidate.Run, 0, len(f.runs))
	for _, r := range f.runs {
		if typ == "" || r.Type == typ {
			out = append(out, r)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeReader) LoadCandidates(_ context.Context, _, _ string) ([]*candidate.Candidate, error) {
	return f.candidates, nil
}

func newTestServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	return NewServer(config.Default().Server, config.Default().Metrics, deps)
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, w.Body.String())
		}
	}
	return w, out
}

func TestStartRunValidation(t *testing.T) {
	runner := NewRunner(newBlockingExecutor(), logging.Nop())
	defer runner.Close()
	s := newTestServer(Deps{Runner: runner})

	tests := []struct {
		name string
		body string
	}{
		{"missing type", `{}`},
		{"unknown type", `{"type":"intraday"}`},
		{"malformed", `{"type":`},
		{"empty symbol", `{"type":"swing","symbols":[""]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := do(t, s, http.MethodPost, "/api/runs", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestStartRunWithoutRunner(t *testing.T) {
	s := newTestServer(Deps{})
	w, _ := do(t, s, http.MethodPost, "/api/runs", `{"type":"swing"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestRunLifecycle(t *testing.T) {
	exec := newBlockingExecutor()
	runner := NewRunner(exec, logging.Nop())
	runner.now = func() time.Time { return time.Date(2024, 9, 16, 9, 0, 0, 0, time.UTC) }
	defer runner.Close()
	s := newTestServer(Deps{Runner: runner})

	w, body := do(t, s, http.MethodPost, "/api/runs", `{"type":"swing","symbols":["INFY","TCS"]}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %v", w.Code, body)
	}
	data := body["data"].(map[string]interface{})
	if data["run_id"] != "swing-2024-09-16" {
		t.Errorf("run_id = %v", data["run_id"])
	}

	req := <-exec.seen
	if req.RunID == nil || *req.RunID != "swing-2024-09-16" {
		t.Errorf("executor run id = %v", req.RunID)
	}
	if len(req.Symbols) != 2 {
		t.Errorf("symbols = %v", req.Symbols)
	}

	w, _ = do(t, s, http.MethodPost, "/api/runs", `{"type":"longterm"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("second start status = %d, want 409", w.Code)
	}
	if runner.Active() != "swing-2024-09-16" {
		t.Errorf("active = %q", runner.Active())
	}

	close(exec.release)
	runner.Wait()
	if runner.Active() != "" {
		t.Errorf("active after finish = %q", runner.Active())
	}

	w, body = do(t, s, http.MethodGet, "/api/runs/swing-2024-09-16", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get run status = %d", w.Code)
	}
	run := body["data"].(map[string]interface{})
	if run["status"] != string(candidate.RunCompleted) {
		t.Errorf("run status = %v", run["status"])
	}

	w, body = do(t, s, http.MethodGet, "/api/runs/swing-2024-09-16/candidates?stage=selection", "")
	if w.Code != http.StatusOK {
		t.Fatalf("candidates status = %d", w.Code)
	}
	cs := body["data"].(map[string]interface{})["candidates"].([]interface{})
	if len(cs) != 1 {
		t.Errorf("selected = %d, want 1", len(cs))
	}

	w, body = do(t, s, http.MethodGet, "/api/runs/swing-2024-09-16/candidates", "")
	cs = body["data"].(map[string]interface{})["candidates"].([]interface{})
	if w.Code != http.StatusOK || len(cs) != 2 {
		t.Errorf("all candidates = %d (status %d)", len(cs), w.Code)
	}
}

func TestRunnerRejectsInvalidType(t *testing.T) {
	runner := NewRunner(newBlockingExecutor(), logging.Nop())
	defer runner.Close()
	if _, err := runner.Start(pipeline.Request{Type: "weekly"}); err == nil {
		t.Error("expected an error for an unknown type")
	}
	if runner.Active() != "" {
		t.Error("invalid request should not occupy the runner")
	}
}

func TestRunnerCloseCancelsActiveRun(t *testing.T) {
	exec := newBlockingExecutor()
	runner := NewRunner(exec, logging.Nop())
	if _, err := runner.Start(pipeline.Request{Type: candidate.TypeLongterm}); err != nil {
		t.Fatal(err)
	}
	<-exec.seen
	runner.Close()
	if runner.Active() != "" {
		t.Error("run should be cleared after close")
	}
}

func TestGetRunFallbacks(t *testing.T) {
	c := cache.NewMemory()
	cached, _ := json.Marshal(&candidate.Run{Key: "swing-2024-09-13", Status: candidate.RunCompleted})
	if err := c.Set(context.Background(), cache.RunSummaryKey("swing-2024-09-13"), string(cached), time.Hour); err != nil {
		t.Fatal(err)
	}

	picked := candidate.New(market.Instrument{ID: 9, Symbol: "HDFC"}, candidate.TypeSwing, &candidate.Screening{})
	picked.SetSelection(&candidate.Selection{Selected: true, Tier: 2, Rank: 2})
	first := candidate.New(market.Instrument{ID: 3, Symbol: "ITC"}, candidate.TypeSwing, &candidate.Screening{})
	first.SetSelection(&candidate.Selection{Selected: true, Tier: 1, Rank: 1})
	dropped := candidate.New(market.Instrument{ID: 4, Symbol: "WIPRO"}, candidate.TypeSwing, &candidate.Screening{})
	dropped.SetSelection(&candidate.Selection{Selected: false, Reason: "sector limit"})

	reader := &fakeReader{
		runs: map[string]*candidate.Run{
			"swing-2024-09-12": {ID: "abc", Key: "swing-2024-09-12", Status: candidate.RunFailed},
		},
		candidates: []*candidate.Candidate{picked, dropped, first},
	}
	s := newTestServer(Deps{Cache: c, Runs: reader})

	tests := []struct {
		name string
		path string
		code int
		want string
	}{
		{"from cache", "/api/runs/swing-2024-09-13", http.StatusOK, "completed"},
		{"from store", "/api/runs/swing-2024-09-12", http.StatusOK, "failed"},
		{"unknown", "/api/runs/swing-2020-01-01", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := do(t, s, http.MethodGet, tt.path, "")
			if w.Code != tt.code {
				t.Fatalf("status = %d, want %d", w.Code, tt.code)
			}
			if tt.want == "" {
				return
			}
			if got := body["data"].(map[string]interface{})["status"]; got != tt.want {
				t.Errorf("status field = %v, want %s", got, tt.want)
			}
		})
	}

	w, body := do(t, s, http.MethodGet, "/api/runs/swing-2024-09-12/candidates?stage=selection", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	cs := body["data"].(map[string]interface{})["candidates"].([]interface{})
	if len(cs) != 2 {
		t.Fatalf("selected = %d, want 2", len(cs))
	}
	if sym := cs[0].(map[string]interface{})["instrument"].(map[string]interface{})["symbol"]; sym != "ITC" {
		t.Errorf("first selected = %v, want ITC", sym)
	}
}

func TestListRuns(t *testing.T) {
	s := newTestServer(Deps{})
	if w, _ := do(t, s, http.MethodGet, "/api/runs", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("no store status = %d", w.Code)
	}

	s = newTestServer(Deps{Runs: &fakeReader{runs: map[string]*candidate.Run{
		"a": {Key: "a", Type: candidate.TypeSwing},
		"b": {Key: "b", Type: candidate.TypeLongterm},
	}}})

	tests := []struct {
		path   string
		status int
		count  int
	}{
		{"/api/runs?limit=0", http.StatusBadRequest, 0},
		{"/api/runs?limit=5", http.StatusOK, 2},
		{"/api/runs?type=swing", http.StatusOK, 1},
		{"/api/runs?type=longterm&limit=5", http.StatusOK, 1},
		{"/api/runs?type=intraday", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w, body := do(t, s, http.MethodGet, tt.path, "")
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if tt.status != http.StatusOK {
				return
			}
			if got := len(body["data"].([]interface{})); got != tt.count {
				t.Errorf("runs = %d, want %d", got, tt.count)
			}
		})
	}
}

func TestGetProgress(t *testing.T) {
	c := cache.NewMemory()
	sink := events.NewSink(logging.Nop(), events.WithCache(c))
	s := newTestServer(Deps{Cache: c})

	if w, _ := do(t, s, http.MethodGet, "/api/runs/swing-2024-09-16/progress", ""); w.Code != http.StatusNotFound {
		t.Errorf("status before any progress = %d", w.Code)
	}

	err := sink.Publish(context.Background(), candidate.Progress{
		RunID: "swing-2024-09-16", Stage: candidate.StageScreener, Total: 10, Processed: 4,
		Status: candidate.ProgressRunning,
	})
	if err != nil {
		t.Fatal(err)
	}
	w, body := do(t, s, http.MethodGet, "/api/runs/swing-2024-09-16/progress", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := body["data"].(map[string]interface{})["processed"]; got != float64(4) {
		t.Errorf("processed = %v", got)
	}
}

func TestHealth(t *testing.T) {
	breaker := circuit.NewBreaker(circuit.DefaultConfig())
	s := newTestServer(Deps{
		Breaker: breaker,
		Health: map[string]HealthCheck{
			"database": func(context.Context) error { return nil },
		},
	})
	w, body := do(t, s, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("healthy check = %d %v", w.Code, body["status"])
	}
	if _, ok := body["ai_breaker"]; !ok {
		t.Error("breaker stats missing")
	}

	s = newTestServer(Deps{Health: map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	}})
	w, body = do(t, s, http.MethodGet, "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if checks := body["checks"].(map[string]interface{}); checks["redis"] != "connection refused" {
		t.Errorf("checks = %v", checks)
	}
}

// statsCache reports fixed connection stats over an in-memory cache
type statsCache struct {
	cache.Cache
}

func (statsCache) GetStats() cache.Stats {
	return cache.Stats{Healthy: true, Address: "redis:6379", PoolSize: 10}
}

func TestHealthReportsCacheStats(t *testing.T) {
	s := newTestServer(Deps{Cache: statsCache{cache.NewMemory()}})
	_, body := do(t, s, http.MethodGet, "/health", "")
	stats, ok := body["cache"].(map[string]interface{})
	if !ok || stats["address"] != "redis:6379" || stats["healthy"] != true {
		t.Errorf("cache stats = %v", body["cache"])
	}

	s = newTestServer(Deps{Cache: cache.NewMemory()})
	if _, body = do(t, s, http.MethodGet, "/health", ""); body["cache"] != nil {
		t.Errorf("in-memory cache reported stats: %v", body["cache"])
	}
}

func TestResetBreaker(t *testing.T) {
	s := newTestServer(Deps{})
	if w, _ := do(t, s, http.MethodPost, "/api/ai/breaker/reset", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("no breaker status = %d, want 503", w.Code)
	}

	breaker := circuit.NewBreaker(circuit.Config{Enabled: true, MaxConsecutiveFails: 1, Cooldown: time.Hour})
	breaker.RecordFailure(errors.New("503"))
	if breaker.State() != circuit.StateOpen {
		t.Fatal("breaker should be open")
	}

	s = newTestServer(Deps{Breaker: breaker})
	w, body := do(t, s, http.MethodPost, "/api/ai/breaker/reset", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if state := body["data"].(map[string]interface{})["state"]; state != string(circuit.StateClosed) {
		t.Errorf("state = %v, want closed", state)
	}
	if ok, _ := breaker.Allow(); !ok {
		t.Error("reset breaker still rejects calls")
	}
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(Deps{})
	w, body := do(t, s, http.MethodGet, "/api/nothing", "")
	if w.Code != http.StatusNotFound || body["path"] != "/api/nothing" {
		t.Errorf("got %d %v", w.Code, body)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	if !rl.Allow("k") || !rl.Allow("k") {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow("k") {
		t.Error("third request within the window should be refused")
	}
	if !rl.Allow("other") {
		t.Error("keys are limited independently")
	}
}

func TestRateLimiterRefills(t *testing.T) {
	rl := NewRateLimiter(2, 100*time.Millisecond)
	rl.Allow("k")
	rl.Allow("k")
	if rl.Allow("k") {
		t.Fatal("bucket should be empty")
	}
	time.Sleep(80 * time.Millisecond)
	if !rl.Allow("k") {
		t.Error("a token should refill after window/limit")
	}
}

func TestStartRunRateLimited(t *testing.T) {
	s := newTestServer(Deps{})
	s.rateLimiter = NewRateLimiter(1, time.Minute)
	do(t, s, http.MethodPost, "/api/runs", `{"type":"swing"}`)
	if w, _ := do(t, s, http.MethodPost, "/api/runs", `{"type":"swing"}`); w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}
}

func TestSplitOrigins(t *testing.T) {
	got := splitOrigins(" http://a.test, ,http://b.test ")
	if len(got) != 2 || got[0] != "http://a.test" || got[1] != "http://b.test" {
		t.Errorf("got %v", got)
	}
}

func TestProgressWebSocket(t *testing.T) {
	bus := events.NewEventBus()
	s := newTestServer(Deps{Bus: bus})
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/progress?run_id=swing-2024-09-16"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg map[string]interface{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg["type"] != "CONNECTED" {
		t.Fatalf("first message = %v", msg)
	}

	// the hub registers the client asynchronously
	deadline := time.Now().Add(2 * time.Second)
	for s.hub.GetClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	bus.PublishProgress(candidate.Progress{RunID: "other-run", Stage: candidate.StageSetup, Status: candidate.ProgressRunning})
	bus.PublishProgress(candidate.Progress{RunID: "swing-2024-09-16", Stage: candidate.StageSetup, Status: candidate.ProgressCompleted})

	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg["type"] != string(events.EventStageCompleted) {
		t.Errorf("type = %v", msg["type"])
	}
	data := msg["data"].(map[string]interface{})
	if data["run_id"] != "swing-2024-09-16" {
		t.Errorf("received event of run %v", data["run_id"])
	}
}
