package runengine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DefaultWorkers is the fixed worker-pool size for dispatching runs,
// mirroring the teacher's warmpool executor's fixed-worker-count idiom
// rather than an unbounded goroutine-per-run approach.
const DefaultWorkers = 4

// Dispatcher owns a bounded pool of workers pulling run IDs off a queue and
// driving them through the Engine. Unlike the teacher's warmpool executor,
// there is no external runner to poll or callback from — the Engine runs
// entirely in-process.
type Dispatcher struct {
	engine  *Engine
	workers int

	queue  chan uuid.UUID
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[uuid.UUID]struct{}
}

// NewDispatcher constructs a Dispatcher. workers <= 0 uses DefaultWorkers.
func NewDispatcher(engine *Engine, workers int) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Dispatcher{
		engine:  engine,
		workers: workers,
		queue:   make(chan uuid.UUID, 256),
		active:  make(map[uuid.UUID]struct{}),
	}
}

// Start launches the worker pool. The context the workers run under is
// canceled on Stop(), unblocking any in-flight LLM Port HTTP call mid-run.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Stop cancels all in-flight runs' context and waits for workers to drain.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Enqueue submits a run for dispatch. Non-blocking if the queue has room;
// callers should treat a full queue as backpressure and retry later.
func (d *Dispatcher) Enqueue(runID uuid.UUID) bool {
	select {
	case d.queue <- runID:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case runID := <-d.queue:
			d.markActive(runID)
			if err := d.engine.Run(ctx, runID); err != nil {
				slog.Error("run failed", "run_id", runID, "error", err)
			}
			d.markDone(runID)
		}
	}
}

func (d *Dispatcher) markActive(id uuid.UUID) {
	d.mu.Lock()
	d.active[id] = struct{}{}
	d.mu.Unlock()
}

func (d *Dispatcher) markDone(id uuid.UUID) {
	d.mu.Lock()
	delete(d.active, id)
	d.mu.Unlock()
}

// ActiveCount reports how many runs are currently being worked, for
// health/metrics reporting.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}
