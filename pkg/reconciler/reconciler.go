// Package reconciler keeps desired and observed agent state converged. The
// supervisor holds which agents should be running; the reconciler
// periodically inspects their containers and restarts the ones that died.
package reconciler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apiaryhq/apiary/pkg/log"
	"github.com/apiaryhq/apiary/pkg/metrics"
	"github.com/apiaryhq/apiary/pkg/supervisor"
	"github.com/rs/zerolog"
)

// DefaultInterval is how often a reconciliation cycle runs
const DefaultInterval = 10 * time.Second

// Reconciler restarts agents whose containers stopped out from under them
type Reconciler struct {
	sup      *supervisor.Supervisor
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	done     chan struct{}
}

// New creates a reconciler over the supervisor. Zero interval means
// DefaultInterval.
func New(sup *supervisor.Supervisor, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		sup:      sup,
		interval: interval,
		logger:   log.WithComponent("reconciler"),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go r.run(ctx)
}

// Stop stops the loop and waits for the current cycle to finish.
// Idempotent; a no-op if the loop never started.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	if r.started.Load() {
		<-r.done
	}
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Reconcile(ctx)
		}
	}
}

// Reconcile performs one cycle: every agent held as running is inspected
// freshly, and agents whose containers exited are started again.
func (r *Reconciler) Reconcile(ctx context.Context) {
	defer metrics.ReconcileCyclesTotal.Inc()

	for _, id := range r.sup.RunningAgents() {
		state, err := r.sup.Status(ctx, id)
		if err != nil {
			r.logger.Warn().Err(err).Str("agent_id", id).Msg("inspect failed")
			continue
		}
		if state.Running {
			continue
		}

		r.logger.Warn().Str("agent_id", id).Msg("container exited, restarting")
		if err := r.sup.Start(ctx, id); err != nil {
			r.logger.Error().Err(err).Str("agent_id", id).Msg("restart failed")
			continue
		}
		metrics.AgentRestartsTotal.Inc()
	}
}
