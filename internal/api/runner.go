package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"equity-screener/internal/candidate"
	"equity-screener/internal/logging"
	"equity-screener/internal/pipeline"
)

// ErrRunInProgress is returned when a run is requested while another is active
var ErrRunInProgress = errors.New("a screener run is already in progress")

// maxKeptResults bounds the in-memory result history
const maxKeptResults = 20

// Executor runs one pipeline funnel
type Executor interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Runner executes pipeline runs on a background goroutine, one at a time,
// and keeps the latest results in memory
type Runner struct {
	exec   Executor
	logger *logging.Logger
	now    func() time.Time

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	active  string
	results map[string]*pipeline.Result
	order   []string
}

// NewRunner creates a runner
func NewRunner(exec Executor, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Runner{
		exec:    exec,
		logger:  logger.WithComponent("runner"),
		now:     time.Now,
		base:    base,
		cancel:  cancel,
		results: make(map[string]*pipeline.Result),
	}
}

// Start launches a run and returns its run key without waiting for it
func (r *Runner) Start(req pipeline.Request) (string, error) {
	if !req.Type.Valid() {
		return "", errors.New("type must be swing or longterm")
	}

	key := candidate.RunKey(req.RunID, req.Type, r.now())
	req.RunID = &key

	r.mu.Lock()
	if r.active != "" {
		r.mu.Unlock()
		return "", ErrRunInProgress
	}
	r.active = key
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		res, err := r.exec.Run(r.base, req)
		if err != nil {
			r.logger.Error("Background run failed", "run_key", key, "error", err)
		}
		r.finish(key, res)
	}()
	return key, nil
}

func (r *Runner) finish(key string, res *pipeline.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = ""
	if res == nil {
		return
	}
	if _, ok := r.results[key]; !ok {
		r.order = append(r.order, key)
	}
	r.results[key] = res
	for len(r.order) > maxKeptResults {
		delete(r.results, r.order[0])
		r.order = r.order[1:]
	}
}

// Active returns the run key in progress, or ""
func (r *Runner) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Result returns the kept result of a finished run
func (r *Runner) Result(key string) (*pipeline.Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[key]
	return res, ok
}

// Close cancels any active run and waits for it to finish
func (r *Runner) Close() {
	r.cancel()
	r.wg.Wait()
}

// Wait blocks until the active run, if any, has finished
func (r *Runner) Wait() {
	r.wg.Wait()
}
