package refiner

import (
	"context"
	"sync"
)

// Worker serialises refreshes for one session.
//
// Completed agent turns can outpace model calls; running a refresh per turn
// would let two read-modify-write cycles interleave and the older result
// overwrite the newer one. The worker removes that race: all refreshes for a
// session run on one goroutine, and Nudge coalesces into a single pending
// trigger while a refresh is in flight. A refresh started after a nudge
// always reads the full transcript, so collapsed triggers lose nothing.
type Worker struct {
	refiner   *Refiner
	sessionID string
	onResult  func(*Result)

	trigger chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewWorker creates a worker for the session. onResult, when non-nil, is
// called from the worker goroutine after every successful refresh; it must
// not block for long.
func NewWorker(r *Refiner, sessionID string, onResult func(*Result)) *Worker {
	return &Worker{
		refiner:   r,
		sessionID: sessionID,
		onResult:  onResult,
		trigger:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start launches the worker goroutine. Subsequent calls are no-ops.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		w.cancel = cancel
		go w.run(ctx)
	})
}

// Nudge requests a refresh. If one is already pending the call is a no-op;
// the next refresh will see everything persisted so far. Never blocks.
func (w *Worker) Nudge() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Stop terminates the worker. A refresh already in flight runs to completion;
// pending triggers are discarded. Stop does not wait for the in-flight
// refresh — its snapshot write lands asynchronously.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
	})
}

// Done is closed once the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.trigger:
		}

		// The refresh itself is not cancelled by Stop: an in-flight model
		// call finishes and its snapshot is written even after the session
		// ends.
		res, err := w.refiner.Refresh(context.WithoutCancel(ctx), w.sessionID)
		if err != nil {
			continue
		}
		if w.onResult != nil {
			w.onResult(res)
		}
	}
}
