package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/apiaryhq/apiary/pkg/config"
	"github.com/apiaryhq/apiary/pkg/errdefs"
	"github.com/apiaryhq/apiary/pkg/events"
	"github.com/apiaryhq/apiary/pkg/files"
	"github.com/apiaryhq/apiary/pkg/history"
	"github.com/apiaryhq/apiary/pkg/log"
	"github.com/apiaryhq/apiary/pkg/maildir"
	"github.com/apiaryhq/apiary/pkg/reconciler"
	"github.com/apiaryhq/apiary/pkg/registry"
	"github.com/apiaryhq/apiary/pkg/router"
	"github.com/apiaryhq/apiary/pkg/runtime"
	"github.com/apiaryhq/apiary/pkg/supervisor"
	"github.com/apiaryhq/apiary/pkg/topology"
	"github.com/apiaryhq/apiary/pkg/types"
	"github.com/apiaryhq/apiary/pkg/watcher"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TranscriptFile is the append-only log the agent runtime writes inside its
// logs directory.
const TranscriptFile = "transcript.log"

// Orchestrator wires the message plane together: registry, topology,
// router, watchers, counter, supervisor, event broker, history, and the
// attachment store. It is the single entry point the gateway and the CLI
// talk to.
type Orchestrator struct {
	cfg    *config.Config
	layout *maildir.Layout
	broker *events.Broker
	reg    *registry.Registry
	topo   *topology.Topology
	human  *maildir.HumanStore
	router *router.Router
	watch  *watcher.OutboxWatcher
	count  *watcher.Counter
	sup    *supervisor.Supervisor
	recon  *reconciler.Reconciler
	hist   *history.Store
	blobs  *files.Store
	logger zerolog.Logger

	// graphMu serializes topology rebuilds so a rebuild never publishes an
	// older connection snapshot over a newer one.
	graphMu sync.Mutex
}

// New assembles an orchestrator over the given container runtime. Call
// Start before serving requests and Stop on shutdown.
func New(cfg *config.Config, rt runtime.Runtime) (*Orchestrator, error) {
	layout := maildir.NewLayout(cfg.DataRoot)
	if err := layout.EnsureRoot(); err != nil {
		return nil, err
	}

	broker := events.NewBroker()
	broker.Start()

	hist, err := history.Open(layout.HistoryPath())
	if err != nil {
		broker.Stop()
		return nil, err
	}

	reg, err := registry.Open(layout.SwarmPath(), broker)
	if err != nil {
		hist.Close()
		broker.Stop()
		return nil, err
	}

	topo := topology.New()
	topo.Rebuild(reg.Connections())

	human := maildir.NewHumanStore(layout)
	rtr := router.New(layout, human, topo, broker, hist)
	w := watcher.New(layout, rtr, broker)

	o := &Orchestrator{
		cfg:    cfg,
		layout: layout,
		broker: broker,
		reg:    reg,
		topo:   topo,
		human:  human,
		router: rtr,
		watch:  w,
		hist:   hist,
		blobs:  files.NewStore(layout.FilesDir()),
		logger: log.WithComponent("orchestrator"),
	}

	// The counter asks the supervisor which agents run; the supervisor is
	// built after the counter, so go through the orchestrator field.
	o.count = watcher.NewCounter(layout, human, broker, func(id string) bool {
		return o.sup != nil && o.sup.Running(id)
	})

	env := []string{}
	if cfg.ProviderAPIKey != "" {
		env = append(env, "PROVIDER_API_KEY="+cfg.ProviderAPIKey)
	}
	o.sup = supervisor.New(layout, rt, reg, topo, w, o.count, broker, supervisor.Config{
		Image:       cfg.AgentImage,
		Env:         env,
		StopTimeout: cfg.StopTimeout,
	})
	o.recon = reconciler.New(o.sup, 0)

	return o, nil
}

// Start ensures per-node directories, begins queue counting, and re-routes
// any mail stranded in the inflight spool by a previous crash.
func (o *Orchestrator) Start(ctx context.Context) error {
	cfg := o.reg.Get()
	for _, bee := range cfg.Bees {
		if err := o.layout.EnsureAgentDirs(bee.ID); err != nil {
			return err
		}
	}
	for _, mb := range cfg.Mailboxes {
		if err := o.layout.EnsureMailboxDirs(mb.ID); err != nil {
			return err
		}
	}

	if err := o.count.Start(ctx); err != nil {
		return err
	}
	_ = o.count.Track(types.HumanNode)
	for _, bee := range cfg.Bees {
		_ = o.count.Track(bee.ID)
	}
	for _, mb := range cfg.Mailboxes {
		_ = o.count.Track(mb.ID)
	}

	if err := o.router.RecoverInflight(); err != nil {
		return err
	}

	o.recon.Start(ctx)

	o.logger.Info().
		Int("bees", len(cfg.Bees)).
		Int("connections", len(cfg.Connections)).
		Msg("orchestrator started")
	return nil
}

// Stop shuts the orchestrator down: agents stop, watchers close, the
// broker and history store release.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.recon.Stop()
	o.sup.Shutdown(ctx)
	o.watch.Close()
	o.broker.Stop()
	if err := o.hist.Close(); err != nil {
		o.logger.Warn().Err(err).Msg("history close failed")
	}
	o.logger.Info().Msg("orchestrator stopped")
}

// Broker exposes the event bus for subscription endpoints
func (o *Orchestrator) Broker() *events.Broker {
	return o.broker
}

// Files exposes the attachment store
func (o *Orchestrator) Files() *files.Store {
	return o.blobs
}

// Swarm returns the current configuration
func (o *Orchestrator) Swarm() *types.SwarmConfig {
	return o.reg.Get()
}

// PutSwarm replaces the whole configuration, provisions queue directories
// for every node it introduces, and rebuilds the runtime graph.
func (o *Orchestrator) PutSwarm(cfg *types.SwarmConfig) error {
	if err := o.reg.Put(cfg); err != nil {
		return err
	}
	if err := o.ensureNodes(); err != nil {
		return err
	}
	return o.syncGraph()
}

// ensureNodes creates the queue directories of every configured node and
// puts them under queue counting. Idempotent; a full config replace is the
// only mutation that can introduce nodes without going through AddBee or
// AddMailbox.
func (o *Orchestrator) ensureNodes() error {
	cfg := o.reg.Get()
	for _, bee := range cfg.Bees {
		if err := o.layout.EnsureAgentDirs(bee.ID); err != nil {
			return err
		}
		_ = o.count.Track(bee.ID)
	}
	for _, mb := range cfg.Mailboxes {
		if err := o.layout.EnsureMailboxDirs(mb.ID); err != nil {
			return err
		}
		_ = o.count.Track(mb.ID)
	}
	return nil
}

// AddBee registers a new agent. When autoConnectHuman is configured the
// human↔agent edges are seeded as well.
func (o *Orchestrator) AddBee(bee *types.Bee) error {
	if err := o.reg.AddBee(bee, o.cfg.AutoConnectHuman); err != nil {
		return err
	}
	if err := o.layout.EnsureAgentDirs(bee.ID); err != nil {
		return err
	}
	_ = o.count.Track(bee.ID)
	return o.syncGraph()
}

// RemoveBee stops the agent if running, removes its container, purges its
// data, and drops it (and its connections) from the configuration.
func (o *Orchestrator) RemoveBee(ctx context.Context, id string) error {
	if o.sup.Running(id) {
		if err := o.sup.Stop(ctx, id); err != nil {
			return err
		}
	}
	if err := o.reg.RemoveBee(id); err != nil {
		return err
	}
	if err := o.sup.Remove(ctx, id); err != nil {
		return err
	}
	return o.syncGraph()
}

// AddMailbox registers a named external endpoint
func (o *Orchestrator) AddMailbox(mb *types.Mailbox) error {
	if err := o.reg.AddMailbox(mb); err != nil {
		return err
	}
	if err := o.layout.EnsureMailboxDirs(mb.ID); err != nil {
		return err
	}
	_ = o.count.Track(mb.ID)
	return o.syncGraph()
}

// AddConnection inserts a directed (or bidirectional) edge
func (o *Orchestrator) AddConnection(from, to string, bidir bool) error {
	if err := o.reg.AddConnection(from, to, bidir); err != nil {
		return err
	}
	return o.syncGraph()
}

// RemoveConnection deletes a directed (or bidirectional) edge
func (o *Orchestrator) RemoveConnection(from, to string, bidir bool) error {
	if err := o.reg.RemoveConnection(from, to, bidir); err != nil {
		return err
	}
	return o.syncGraph()
}

// SetBidirectional adds or removes the reverse edge of from→to
func (o *Orchestrator) SetBidirectional(from, to string, bidir bool) error {
	if err := o.reg.SetBidirectional(from, to, bidir); err != nil {
		return err
	}
	return o.syncGraph()
}

// StartAgent starts one agent's container
func (o *Orchestrator) StartAgent(ctx context.Context, id string) error {
	return o.sup.Start(ctx, id)
}

// StopAgent stops one agent's container
func (o *Orchestrator) StopAgent(ctx context.Context, id string) error {
	return o.sup.Stop(ctx, id)
}

// AgentStatus inspects one agent's container freshly
func (o *Orchestrator) AgentStatus(ctx context.Context, id string) (*types.AgentState, error) {
	return o.sup.Status(ctx, id)
}

// ListAgents reports every configured agent's state
func (o *Orchestrator) ListAgents(ctx context.Context) ([]*types.AgentState, error) {
	return o.sup.List(ctx)
}

// Hierarchy computes a node's upstream/downstream view
func (o *Orchestrator) Hierarchy(id string) (*types.Hierarchy, error) {
	if !o.reg.Get().HasNode(id) {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrUnknownNode, id)
	}
	return o.sup.Hierarchy(id), nil
}

// SendMail sends a mail from the human node: it is recorded in the human
// outbox and routed. Fails synchronously with ErrNoRoute when the human has
// no edge to the recipient; nothing is recorded in that case.
func (o *Orchestrator) SendMail(to, subject, body string, attachments []types.Attachment) (*types.Mail, error) {
	if !o.reg.Get().HasNode(to) {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrUnknownNode, to)
	}
	if !o.topo.Load().CanSend(types.HumanNode, to) {
		return nil, fmt.Errorf("%w: human→%s", errdefs.ErrNoRoute, to)
	}

	m := &types.Mail{
		ID:        uuid.New().String(),
		From:      types.HumanNode,
		To:        to,
		Subject:   subject,
		Body:      body,
		Timestamp: time.Now().UTC(),
		Metadata: types.MailMetadata{
			Type:     types.MailTypeHuman,
			Priority: types.PriorityNormal,
		},
		Status:      types.MailStatusQueued,
		Attachments: attachments,
	}

	if err := o.human.Append(maildir.BoxOutbox, m); err != nil {
		return nil, err
	}
	o.broker.Publish(events.TopicMailSent, m)
	o.router.Route(m)
	return m, nil
}

// HumanBox returns the human node's inbox or outbox, oldest first
func (o *Orchestrator) HumanBox(box maildir.Box) ([]*types.Mail, error) {
	return o.human.List(box)
}

// NodeBox enumerates the mail currently queued in an agent's or mailbox's
// inbox or outbox, FIFO order.
func (o *Orchestrator) NodeBox(id string, box maildir.Box) ([]*types.Mail, error) {
	if !o.reg.Get().HasNode(id) {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrUnknownNode, id)
	}
	if id == types.HumanNode {
		return o.HumanBox(box)
	}

	var dir string
	switch {
	case types.IsMailbox(id) && box == maildir.BoxInbox:
		dir = o.layout.MailboxInbox(id)
	case types.IsMailbox(id):
		dir = o.layout.MailboxOutbox(id)
	case box == maildir.BoxInbox:
		dir = o.layout.AgentInbox(id)
	default:
		dir = o.layout.AgentOutbox(id)
	}

	names, err := maildir.List(dir)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Mail, 0, len(names))
	for _, name := range names {
		m, err := maildir.Read(filepath.Join(dir, name))
		if err != nil {
			// Corrupt entries are the watcher's problem; listings skip them.
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Counts returns the live queue-depth snapshot
func (o *Orchestrator) Counts() map[string]types.QueueSnapshot {
	return o.count.Snapshot()
}

// History returns the most recent routing dispositions, newest first
func (o *Orchestrator) History(limit int) ([]*history.Record, error) {
	return o.hist.List(limit)
}

// Transcript tails an agent's append-only transcript log. maxLines caps the
// returned tail; zero means the whole file.
func (o *Orchestrator) Transcript(id string, maxLines int) ([]string, error) {
	if o.reg.Get().FindBee(id) == nil {
		return nil, fmt.Errorf("%w: bee %s", errdefs.ErrNotFound, id)
	}

	path := filepath.Join(o.layout.AgentLogs(id), TranscriptFile)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: open %s: %v", errdefs.ErrIO, path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", errdefs.ErrIO, path, err)
	}
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return lines, nil
}

// Canvas reads the opaque canvas layout file. Missing file yields nil.
func (o *Orchestrator) Canvas() ([]byte, error) {
	data, err := os.ReadFile(o.layout.CanvasPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read canvas: %v", errdefs.ErrIO, err)
	}
	return data, nil
}

// PutCanvas replaces the canvas layout file atomically. The content is
// opaque to the core.
func (o *Orchestrator) PutCanvas(data []byte) error {
	final := o.layout.CanvasPath()
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write canvas: %v", errdefs.ErrIO, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename canvas: %v", errdefs.ErrIO, err)
	}
	return nil
}

// syncGraph rebuilds the routing topology from the registry and refreshes
// every agent's hierarchy file. Called after every graph mutation. The
// connection read and the publish happen under graphMu, so concurrent
// mutations cannot leave the topology behind the registry.
func (o *Orchestrator) syncGraph() error {
	o.graphMu.Lock()
	defer o.graphMu.Unlock()
	o.topo.Rebuild(o.reg.Connections())
	o.sup.RefreshHierarchies()
	return nil
}
