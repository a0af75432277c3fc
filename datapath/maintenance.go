package datapath

import (
	"context"
	"time"

	"github.com/davidcawork/openflow/pipeline"
)

// maintenanceWorker is the one-per-datapath background goroutine of
// §4.10: it sleeps for a tunable, interruptible interval and then asks
// the pipeline to expire timed-out flows. Its existence is tied
// exactly to its datapath's lifetime (invariant 5).
type maintenanceWorker struct {
	dp       *Datapath
	interval time.Duration
	onRemoved func(pipeline.RemovedEvent)

	stopCh   chan struct{}
	parkedCh chan struct{}
}

func newMaintenanceWorker(dp *Datapath, interval time.Duration, onRemoved func(pipeline.RemovedEvent)) *maintenanceWorker {
	if interval <= 0 {
		interval = DefaultMaintenanceInterval
	}
	return &maintenanceWorker{
		dp:        dp,
		interval:  interval,
		onRemoved: onRemoved,
		stopCh:    make(chan struct{}),
		parkedCh:  make(chan struct{}),
	}
}

// start launches the worker's loop. ctx cancellation is an additional
// shutdown signal alongside stop(), so a process-wide shutdown can tear
// down every datapath's worker at once.
func (w *maintenanceWorker) start(ctx context.Context) {
	go w.run(ctx)
}

func (w *maintenanceWorker) run(ctx context.Context) {
	defer close(w.parkedCh)

	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			w.dp.maintenanceTick(w.onRemoved)
		}
	}
}

// stop signals the worker to exit its sleep loop and blocks until it
// has parked, satisfying invariant 5's ordering requirement.
func (w *maintenanceWorker) stop() {
	close(w.stopCh)
	<-w.parkedCh
}
