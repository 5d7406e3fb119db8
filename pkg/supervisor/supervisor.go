package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/apiaryhq/apiary/pkg/errdefs"
	"github.com/apiaryhq/apiary/pkg/events"
	"github.com/apiaryhq/apiary/pkg/log"
	"github.com/apiaryhq/apiary/pkg/maildir"
	"github.com/apiaryhq/apiary/pkg/metrics"
	"github.com/apiaryhq/apiary/pkg/registry"
	"github.com/apiaryhq/apiary/pkg/runtime"
	"github.com/apiaryhq/apiary/pkg/topology"
	"github.com/apiaryhq/apiary/pkg/types"
	"github.com/apiaryhq/apiary/pkg/watcher"
	"github.com/rs/zerolog"
)

const (
	// HierarchyFile is the name of the per-agent neighborhood file under
	// the agent's state directory.
	HierarchyFile = "hierarchy.json"

	// DefaultStopTimeout is the grace period before a stop escalates to a
	// kill.
	DefaultStopTimeout = 10 * time.Second

	// inspectTimeout bounds every runtime status call so a wedged engine
	// surfaces as an error instead of a hang.
	inspectTimeout = 30 * time.Second

	containerIDPrefix = "apiary-"
)

// Config carries the container parameters shared by every agent
type Config struct {
	// Image is the agent container image.
	Image string

	// Env is passed into every agent container, on top of the per-agent
	// identity variables.
	Env []string

	// StopTimeout is the graceful-stop grace period. Zero means
	// DefaultStopTimeout.
	StopTimeout time.Duration
}

// Supervisor owns the lifecycle of agent containers: it creates them with
// the agent's queue directories bind-mounted, starts and stops them, keeps
// each agent's hierarchy file current, and attaches the outbox watcher and
// queue counter while an agent runs.
type Supervisor struct {
	layout  *maildir.Layout
	rt      runtime.Runtime
	reg     *registry.Registry
	topo    *topology.Topology
	watcher *watcher.OutboxWatcher
	counter *watcher.Counter
	broker  *events.Broker
	cfg     Config
	logger  zerolog.Logger

	mu      sync.Mutex
	running map[string]bool
}

// New creates a supervisor. The counter may be nil in tests.
func New(layout *maildir.Layout, rt runtime.Runtime, reg *registry.Registry,
	topo *topology.Topology, w *watcher.OutboxWatcher, counter *watcher.Counter,
	broker *events.Broker, cfg Config) *Supervisor {
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	return &Supervisor{
		layout:  layout,
		rt:      rt,
		reg:     reg,
		topo:    topo,
		watcher: w,
		counter: counter,
		broker:  broker,
		cfg:     cfg,
		logger:  log.WithComponent("supervisor"),
		running: make(map[string]bool),
	}
}

// ContainerID returns the deterministic container id of an agent
func ContainerID(agentID string) string {
	return containerIDPrefix + agentID
}

// Running reports whether the supervisor last observed the agent running.
// This is the in-memory view used for the processing flag; Status performs
// a fresh runtime inspect.
func (s *Supervisor) Running(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[agentID]
}

// RunningAgents returns the ids of agents the supervisor holds as running,
// sorted. This is the desired-state view the reconciler compares against
// fresh inspects.
func (s *Supervisor) RunningAgents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.running))
	for id := range s.running {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Start brings one agent up: directories, hierarchy file, container
// create-if-missing, container start, and queue observation. Starting an
// already running agent is a no-op.
func (s *Supervisor) Start(ctx context.Context, agentID string) error {
	bee := s.reg.Get().FindBee(agentID)
	if bee == nil {
		return fmt.Errorf("%w: bee %s", errdefs.ErrNotFound, agentID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.layout.EnsureAgentDirs(agentID); err != nil {
		return err
	}
	if err := s.writeSoul(bee); err != nil {
		return err
	}
	if err := s.writeHierarchy(agentID); err != nil {
		return err
	}

	cid := ContainerID(agentID)
	exists, err := s.rt.Exists(ctx, cid)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrContainerRuntime, err)
	}
	if !exists {
		if _, err := s.rt.Create(ctx, s.containerSpec(bee)); err != nil {
			return fmt.Errorf("%w: create %s: %v", errdefs.ErrContainerRuntime, cid, err)
		}
	}

	status, err := s.inspect(ctx, cid)
	if err != nil {
		return err
	}
	if !status.Running {
		if err := s.rt.Start(ctx, cid); err != nil {
			return fmt.Errorf("%w: start %s: %v", errdefs.ErrContainerRuntime, cid, err)
		}
	}

	if err := s.watcher.Watch(agentID); err != nil {
		// Roll back: a running agent whose outbox nobody drains would
		// strand its mail.
		_ = s.rt.Stop(ctx, cid, s.cfg.StopTimeout)
		return err
	}
	if s.counter != nil {
		_ = s.counter.Track(agentID)
	}

	if !s.running[agentID] {
		s.running[agentID] = true
		metrics.AgentsRunning.Inc()
	}
	s.publishStatus(agentID, true)
	s.logger.Info().Str("agent_id", agentID).Str("container_id", cid).Msg("agent started")
	return nil
}

// Stop gracefully stops one agent's container and detaches the outbox
// watcher. The agent's queues and state stay on disk; the counter keeps
// tracking the node so its depths remain visible.
func (s *Supervisor) Stop(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.watcher.Unwatch(agentID)

	cid := ContainerID(agentID)
	if err := s.rt.Stop(ctx, cid, s.cfg.StopTimeout); err != nil {
		return fmt.Errorf("%w: stop %s: %v", errdefs.ErrContainerRuntime, cid, err)
	}

	if s.running[agentID] {
		delete(s.running, agentID)
		metrics.AgentsRunning.Dec()
	}
	s.publishStatus(agentID, false)
	s.logger.Info().Str("agent_id", agentID).Msg("agent stopped")
	return nil
}

// Remove deletes an agent's container and purges its data subtree. The
// agent must already be gone from the swarm configuration.
func (s *Supervisor) Remove(ctx context.Context, agentID string) error {
	if s.reg.Get().FindBee(agentID) != nil {
		return fmt.Errorf("%w: bee %s is still configured", errdefs.ErrBusy, agentID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.watcher.Unwatch(agentID)
	if s.counter != nil {
		s.counter.Untrack(agentID)
	}

	cid := ContainerID(agentID)
	if err := s.rt.Remove(ctx, cid); err != nil {
		return fmt.Errorf("%w: remove %s: %v", errdefs.ErrContainerRuntime, cid, err)
	}

	if s.running[agentID] {
		delete(s.running, agentID)
		metrics.AgentsRunning.Dec()
	}

	if err := os.RemoveAll(s.layout.AgentDir(agentID)); err != nil {
		return fmt.Errorf("%w: purge %s: %v", errdefs.ErrIO, agentID, err)
	}
	s.logger.Info().Str("agent_id", agentID).Msg("agent removed")
	return nil
}

// Status performs a fresh inspect of one agent's container
func (s *Supervisor) Status(ctx context.Context, agentID string) (*types.AgentState, error) {
	if s.reg.Get().FindBee(agentID) == nil {
		return nil, fmt.Errorf("%w: bee %s", errdefs.ErrNotFound, agentID)
	}

	cid := ContainerID(agentID)
	status, err := s.inspect(ctx, cid)
	if err != nil {
		return nil, err
	}
	state := &types.AgentState{
		ID:          agentID,
		Running:     status.Running,
		ContainerID: cid,
		StartedAt:   status.StartedAt,
	}
	return state, nil
}

// List reports the state of every configured agent
func (s *Supervisor) List(ctx context.Context) ([]*types.AgentState, error) {
	cfg := s.reg.Get()
	out := make([]*types.AgentState, 0, len(cfg.Bees))
	for _, bee := range cfg.Bees {
		state, err := s.Status(ctx, bee.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, nil
}

// Shutdown stops every running agent. Used on orchestrator exit.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Stop(ctx, id); err != nil {
			s.logger.Warn().Err(err).Str("agent_id", id).Msg("shutdown stop failed")
		}
	}
}

// WriteHierarchy rewrites one agent's hierarchy file from the current
// topology
func (s *Supervisor) WriteHierarchy(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeHierarchy(agentID)
}

// RefreshHierarchies rewrites the hierarchy file of every configured agent.
// Called after every swarm mutation so agents observe topology changes on
// their next read.
func (s *Supervisor) RefreshHierarchies() {
	cfg := s.reg.Get()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bee := range cfg.Bees {
		if err := s.writeHierarchy(bee.ID); err != nil {
			s.logger.Warn().Err(err).Str("agent_id", bee.ID).Msg("hierarchy refresh failed")
		}
	}
}

// Hierarchy computes a node's neighborhood view from the current topology
// without touching disk. Works for any node id, not only agents.
func (s *Supervisor) Hierarchy(nodeID string) *types.Hierarchy {
	cfg := s.reg.Get()
	snap := s.topo.Load()
	return &types.Hierarchy{
		AgentID:           nodeID,
		ReceivesTasksFrom: s.neighbors(cfg, snap.Upstream(nodeID)),
		CanDelegateTo:     s.neighbors(cfg, snap.Downstream(nodeID)),
	}
}

func (s *Supervisor) writeHierarchy(agentID string) error {
	if err := os.MkdirAll(s.layout.AgentState(agentID), 0o755); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}

	h := s.Hierarchy(agentID)

	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal hierarchy for %s: %v", errdefs.ErrValidation, agentID, err)
	}

	final := filepath.Join(s.layout.AgentState(agentID), HierarchyFile)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", errdefs.ErrIO, tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename %s: %v", errdefs.ErrIO, final, err)
	}
	return nil
}

// neighbors resolves node ids to the display entries agents see. Ids are
// already sorted by the topology snapshot.
func (s *Supervisor) neighbors(cfg *types.SwarmConfig, ids []string) []types.Neighbor {
	out := make([]types.Neighbor, 0, len(ids))
	for _, id := range ids {
		n := types.Neighbor{ID: id}
		switch {
		case id == types.HumanNode:
			n.Name = "Human"
			n.Type = "human"
		case types.IsMailbox(id):
			n.Name = types.MailboxName(id)
			n.Type = "mailbox"
		default:
			n.Type = "agent"
			if bee := cfg.FindBee(id); bee != nil {
				n.Name = bee.Name
			}
		}
		out = append(out, n)
	}
	return out
}

// writeSoul materializes the bee's soul as a read-only file for the
// container mount. An empty soul still produces the file so the mount
// source exists.
func (s *Supervisor) writeSoul(bee *types.Bee) error {
	path := s.layout.AgentSoul(bee.ID)
	if err := os.WriteFile(path, []byte(bee.Soul), 0o644); err != nil {
		return fmt.Errorf("%w: write soul for %s: %v", errdefs.ErrIO, bee.ID, err)
	}
	return nil
}

func (s *Supervisor) containerSpec(bee *types.Bee) *runtime.ContainerSpec {
	// AGENT_ID, AGENT_NAME, and MODEL are the contract the agent runtime
	// reads its identity from.
	env := append([]string{
		"AGENT_ID=" + bee.ID,
		"AGENT_NAME=" + bee.Name,
	}, s.cfg.Env...)
	if bee.Model != "" {
		env = append(env, "MODEL="+bee.Model)
	}

	return &runtime.ContainerSpec{
		ID:    ContainerID(bee.ID),
		Image: s.cfg.Image,
		Env:   env,
		Mounts: []runtime.Mount{
			{Source: s.layout.AgentInbox(bee.ID), Destination: "/var/mail/inbox"},
			{Source: s.layout.AgentOutbox(bee.ID), Destination: "/var/mail/outbox"},
			{Source: s.layout.AgentState(bee.ID), Destination: "/var/mail/state", ReadOnly: true},
			{Source: s.layout.AgentLogs(bee.ID), Destination: "/var/mail/logs"},
			{Source: s.layout.AgentWorkspace(bee.ID), Destination: "/workspace"},
			{Source: s.layout.AgentSession(bee.ID), Destination: "/var/mail/session"},
			{Source: s.layout.AgentSoul(bee.ID), Destination: "/etc/apiary/soul.md", ReadOnly: true},
		},
	}
}

func (s *Supervisor) inspect(ctx context.Context, containerID string) (*runtime.Status, error) {
	ictx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()

	status, err := s.rt.Inspect(ictx, containerID)
	if err != nil {
		return nil, fmt.Errorf("%w: inspect %s: %v", errdefs.ErrContainerRuntime, containerID, err)
	}
	return status, nil
}

func (s *Supervisor) publishStatus(agentID string, running bool) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(events.TopicBeeStatus, map[string]interface{}{
		"id":      agentID,
		"running": running,
	})
}
