package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/apiaryhq/apiary/pkg/events"
	"github.com/apiaryhq/apiary/pkg/log"
	"github.com/apiaryhq/apiary/pkg/maildir"
	"github.com/apiaryhq/apiary/pkg/metrics"
	"github.com/apiaryhq/apiary/pkg/router"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// OutboxWatcher drains agent outboxes into the router, one goroutine per
// watched agent. Watch is idempotent; a second call for the same agent
// replaces the running watcher.
type OutboxWatcher struct {
	layout *maildir.Layout
	router *router.Router
	broker *events.Broker
	logger zerolog.Logger

	mu     sync.Mutex
	agents map[string]*agentWatch
}

type agentWatch struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an outbox watcher manager
func New(layout *maildir.Layout, rt *router.Router, broker *events.Broker) *OutboxWatcher {
	return &OutboxWatcher{
		layout: layout,
		router: rt,
		broker: broker,
		logger: log.WithComponent("outbox-watcher"),
		agents: make(map[string]*agentWatch),
	}
}

// Watch begins observing an agent's outbox. Any existing watcher for the
// same agent is stopped first. The initial drain pass catches files
// written while no watcher was running.
func (w *OutboxWatcher) Watch(agentID string) error {
	w.Unwatch(agentID)

	dir := w.layout.AgentOutbox(agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	aw := &agentWatch{cancel: cancel, done: make(chan struct{})}

	w.mu.Lock()
	w.agents[agentID] = aw
	w.mu.Unlock()

	go w.run(ctx, agentID, dir, fsw, aw.done)

	w.logger.Info().Str("agent_id", agentID).Msg("watching outbox")
	return nil
}

// Unwatch stops the watcher for an agent and releases its OS watches.
// Blocks until the watch goroutine has exited.
func (w *OutboxWatcher) Unwatch(agentID string) {
	w.mu.Lock()
	aw := w.agents[agentID]
	delete(w.agents, agentID)
	w.mu.Unlock()

	if aw != nil {
		aw.cancel()
		<-aw.done
	}
}

// Close stops all watchers
func (w *OutboxWatcher) Close() {
	w.mu.Lock()
	var all []*agentWatch
	for id, aw := range w.agents {
		all = append(all, aw)
		delete(w.agents, id)
	}
	w.mu.Unlock()

	for _, aw := range all {
		aw.cancel()
		<-aw.done
	}
}

// Watching reports whether an agent's outbox is currently observed
func (w *OutboxWatcher) Watching(agentID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.agents[agentID]
	return ok
}

func (w *OutboxWatcher) run(ctx context.Context, agentID, dir string, fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	defer fsw.Close()

	// Startup rescan: drain anything already present.
	w.drain(agentID, dir)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			// Producers rename in, so Create and Rename both signal new
			// mail. Drain passes are cheap when the directory is empty.
			if ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
				w.drain(agentID, dir)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Str("agent_id", agentID).Msg("fsnotify error")
		}
	}
}

// drain processes outbox files in sorted (FIFO) order, routing each one
// synchronously before touching the next so per-source ordering holds.
func (w *OutboxWatcher) drain(agentID, dir string) {
	names, err := maildir.List(dir)
	if err != nil {
		w.logger.Error().Err(err).Str("agent_id", agentID).Msg("outbox list failed")
		return
	}

	for _, name := range names {
		src := filepath.Join(dir, name)

		// Validate before consuming so corrupt files poison in place.
		if _, err := maildir.Read(src); err != nil {
			w.logger.Error().Err(err).Str("path", src).Msg("corrupt outbox mail")
			metrics.MailPoisonedTotal.Inc()
			if perr := maildir.Poison(src, err); perr != nil {
				w.logger.Error().Err(perr).Str("path", src).Msg("poison failed")
			}
			if w.broker != nil {
				w.broker.Publish(events.TopicMailFailed, map[string]string{
					"agent": agentID, "file": name, "error": err.Error(),
				})
			}
			continue
		}

		// Stage into the inflight spool before routing; the spool entry
		// survives a crash between outbox-consume and inbox-write.
		spooled := filepath.Join(w.layout.Inflight(), name)
		if err := os.Rename(src, spooled); err != nil {
			w.logger.Error().Err(err).Str("path", src).Msg("spool failed")
			continue
		}

		w.router.RouteSpooled(spooled)
	}
}
