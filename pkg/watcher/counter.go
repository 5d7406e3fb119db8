package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/apiaryhq/apiary/pkg/events"
	"github.com/apiaryhq/apiary/pkg/log"
	"github.com/apiaryhq/apiary/pkg/maildir"
	"github.com/apiaryhq/apiary/pkg/metrics"
	"github.com/apiaryhq/apiary/pkg/types"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultCoalesceWindow is how long the counter waits after a filesystem
// event before recounting and emitting, so bursts collapse into one
// mail:counts event.
const DefaultCoalesceWindow = 250 * time.Millisecond

// RunningFunc reports whether a node's agent is currently running. The
// counter uses it to derive the processing flag.
type RunningFunc func(nodeID string) bool

// Counter maintains the queue-depth snapshot for every tracked node
type Counter struct {
	layout  *maildir.Layout
	human   *maildir.HumanStore
	broker  *events.Broker
	running RunningFunc
	window  time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	tracked map[string]struct{}
	fsw     *fsnotify.Watcher
	dirty   chan struct{}
	done    chan struct{}
}

// NewCounter creates a counter. runningFn may be nil, in which case no
// node is considered processing.
func NewCounter(layout *maildir.Layout, human *maildir.HumanStore,
	broker *events.Broker, runningFn RunningFunc) *Counter {
	return &Counter{
		layout:  layout,
		human:   human,
		broker:  broker,
		running: runningFn,
		window:  DefaultCoalesceWindow,
		logger:  log.WithComponent("counter"),
		tracked: make(map[string]struct{}),
		dirty:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// SetCoalesceWindow overrides the emit window. Used by tests.
func (c *Counter) SetCoalesceWindow(d time.Duration) {
	c.window = d
}

// Start begins filesystem observation and the coalescing emit loop. Runs
// until ctx is cancelled.
func (c *Counter) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.fsw = fsw
	c.mu.Unlock()

	go c.run(ctx, fsw)
	return nil
}

// Track begins counting a node's inbox and outbox. The human node is
// tracked through its single-file store and needs no directory watches.
func (c *Counter) Track(nodeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tracked[nodeID] = struct{}{}
	if c.fsw != nil && nodeID != types.HumanNode {
		for _, dir := range c.nodeDirs(nodeID) {
			if err := c.fsw.Add(dir); err != nil {
				c.logger.Warn().Err(err).Str("dir", dir).Msg("cannot watch queue dir")
			}
		}
	}
	c.markDirty()
	return nil
}

// Untrack stops counting a node
func (c *Counter) Untrack(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.tracked, nodeID)
	if c.fsw != nil && nodeID != types.HumanNode {
		for _, dir := range c.nodeDirs(nodeID) {
			_ = c.fsw.Remove(dir)
		}
	}
	metrics.InboxDepth.DeleteLabelValues(nodeID)
	metrics.OutboxDepth.DeleteLabelValues(nodeID)
	c.markDirty()
}

// Snapshot recounts every tracked node from the filesystem
func (c *Counter) Snapshot() map[string]types.QueueSnapshot {
	c.mu.Lock()
	nodes := make([]string, 0, len(c.tracked))
	for n := range c.tracked {
		nodes = append(nodes, n)
	}
	c.mu.Unlock()

	out := make(map[string]types.QueueSnapshot, len(nodes))
	for _, node := range nodes {
		out[node] = c.count(node)
	}
	return out
}

func (c *Counter) nodeDirs(nodeID string) []string {
	if types.IsMailbox(nodeID) {
		return []string{c.layout.MailboxInbox(nodeID), c.layout.MailboxOutbox(nodeID)}
	}
	return []string{c.layout.AgentInbox(nodeID), c.layout.AgentOutbox(nodeID)}
}

func (c *Counter) count(nodeID string) types.QueueSnapshot {
	var snap types.QueueSnapshot
	var err error

	if nodeID == types.HumanNode {
		snap.Inbox, err = c.human.Count(maildir.BoxInbox)
		if err == nil {
			snap.Outbox, err = c.human.Count(maildir.BoxOutbox)
		}
	} else {
		dirs := c.nodeDirs(nodeID)
		snap.Inbox, err = maildir.Count(dirs[0])
		if err == nil {
			snap.Outbox, err = maildir.Count(dirs[1])
		}
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("node", nodeID).Msg("queue count failed")
	}

	if c.running != nil && c.running(nodeID) && snap.Inbox > 0 {
		snap.Processing = true
	}
	return snap
}

func (c *Counter) markDirty() {
	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

func (c *Counter) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(c.done)
	defer fsw.Close()

	var timer *time.Timer
	var timerC <-chan time.Time

	arm := func() {
		if timer == nil {
			timer = time.NewTimer(c.window)
			timerC = timer.C
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-fsw.Events:
			if !ok {
				return
			}
			arm()
		case <-c.dirty:
			arm()
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			c.logger.Warn().Err(err).Msg("fsnotify error")
		case <-timerC:
			timer = nil
			timerC = nil
			c.emit()
		}
	}
}

// emit publishes the current snapshot and refreshes the depth gauges
func (c *Counter) emit() {
	snapshot := c.Snapshot()
	for node, snap := range snapshot {
		metrics.InboxDepth.WithLabelValues(node).Set(float64(snap.Inbox))
		metrics.OutboxDepth.WithLabelValues(node).Set(float64(snap.Outbox))
	}
	if c.broker != nil {
		c.broker.Publish(events.TopicMailCounts, snapshot)
	}
}
