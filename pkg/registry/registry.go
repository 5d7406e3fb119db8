// Package registry persists the swarm configuration (agents, mailboxes,
// connections) as JSON on disk and is the single writer for all graph
// mutations. Every successful mutation is written atomically with fsync and
// followed by a swarm:updated event.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/apiaryhq/apiary/pkg/errdefs"
	"github.com/apiaryhq/apiary/pkg/events"
	"github.com/apiaryhq/apiary/pkg/log"
	"github.com/apiaryhq/apiary/pkg/types"
	"github.com/google/uuid"
)

// Registry is the persistent swarm configuration. A single-writer lock
// guards mutations; reads return deep copies so callers never observe a
// half-applied change.
type Registry struct {
	mu     sync.Mutex
	path   string
	cfg    *types.SwarmConfig
	broker *events.Broker
}

// Open loads the registry from path, creating an empty swarm if the file
// does not exist yet.
func Open(path string, broker *events.Broker) (*Registry, error) {
	r := &Registry{path: path, broker: broker}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		r.cfg = &types.SwarmConfig{
			ID:   uuid.New().String(),
			Name: "default",
		}
		if err := r.persistLocked(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("%w: read %s: %v", errdefs.ErrIO, path, err)
	default:
		var cfg types.SwarmConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", errdefs.ErrValidation, path, err)
		}
		r.cfg = &cfg
	}

	return r, nil
}

// Get returns a deep copy of the current configuration
func (r *Registry) Get() *types.SwarmConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneConfig(r.cfg)
}

// Put validates and replaces the whole configuration
func (r *Registry) Put(cfg *types.SwarmConfig) error {
	if err := Validate(cfg); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := cloneConfig(cfg)
	if next.ID == "" {
		next.ID = r.cfg.ID
	}
	r.cfg = next
	return r.commitLocked()
}

// AddBee appends a new agent. When autoConnectHuman is set, directed edges
// human→bee and bee→human are seeded as well.
func (r *Registry) AddBee(bee *types.Bee, autoConnectHuman bool) error {
	if bee.ID == "" || bee.ID == types.HumanNode || types.IsMailbox(bee.ID) {
		return fmt.Errorf("%w: invalid bee id %q", errdefs.ErrValidation, bee.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.HasNode(bee.ID) {
		return fmt.Errorf("%w: node %s", errdefs.ErrAlreadyExists, bee.ID)
	}

	r.cfg.Bees = append(r.cfg.Bees, cloneBee(bee))
	if autoConnectHuman {
		r.addEdgeLocked(types.HumanNode, bee.ID)
		r.addEdgeLocked(bee.ID, types.HumanNode)
	}
	return r.commitLocked()
}

// RemoveBee deletes an agent and every connection touching it
func (r *Registry) RemoveBee(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.FindBee(id) == nil {
		return fmt.Errorf("%w: bee %s", errdefs.ErrNotFound, id)
	}

	bees := r.cfg.Bees[:0]
	for _, b := range r.cfg.Bees {
		if b.ID != id {
			bees = append(bees, b)
		}
	}
	r.cfg.Bees = bees

	conns := r.cfg.Connections[:0]
	for _, c := range r.cfg.Connections {
		if c.From != id && c.To != id {
			conns = append(conns, c)
		}
	}
	r.cfg.Connections = conns

	return r.commitLocked()
}

// AddMailbox appends a named external endpoint
func (r *Registry) AddMailbox(mb *types.Mailbox) error {
	if !types.IsMailbox(mb.ID) {
		return fmt.Errorf("%w: mailbox id %q must carry the %q prefix",
			errdefs.ErrValidation, mb.ID, types.MailboxPrefix)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.HasNode(mb.ID) {
		return fmt.Errorf("%w: node %s", errdefs.ErrAlreadyExists, mb.ID)
	}
	r.cfg.Mailboxes = append(r.cfg.Mailboxes, &types.Mailbox{ID: mb.ID, Name: mb.Name})
	return r.commitLocked()
}

// AddConnection inserts a directed edge, or both directions when bidir is
// set. A bidirectional add materializes as two directed entries.
// Idempotent: edges already present are left alone.
func (r *Registry) AddConnection(from, to string, bidir bool) error {
	if err := r.checkEndpoints(from, to); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	changed := r.addEdgeLocked(from, to)
	if bidir {
		changed = r.addEdgeLocked(to, from) || changed
	}
	if !changed {
		return nil
	}
	return r.commitLocked()
}

// RemoveConnection deletes a directed edge, or both directions when bidir
// is set
func (r *Registry) RemoveConnection(from, to string, bidir bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := r.removeEdgeLocked(from, to)
	if bidir {
		changed = r.removeEdgeLocked(to, from) || changed
	}
	if !changed {
		return nil
	}
	return r.commitLocked()
}

// SetBidirectional adds or removes the reverse edge of from→to
func (r *Registry) SetBidirectional(from, to string, bidir bool) error {
	if bidir {
		return r.AddConnection(to, from, false)
	}
	return r.RemoveConnection(to, from, false)
}

// Connections returns a copy of the directed connection list
func (r *Registry) Connections() []*types.Connection {
	return r.Get().Connections
}

func (r *Registry) checkEndpoints(from, to string) error {
	if from == to {
		return fmt.Errorf("%w: self-edge %s→%s", errdefs.ErrValidation, from, to)
	}
	cfg := r.Get()
	for _, node := range []string{from, to} {
		if !cfg.HasNode(node) {
			return fmt.Errorf("%w: %s", errdefs.ErrUnknownNode, node)
		}
	}
	return nil
}

// addEdgeLocked inserts from→to unless an entry already covers it.
// Reports whether the config changed.
func (r *Registry) addEdgeLocked(from, to string) bool {
	for _, c := range r.cfg.Connections {
		if c.From == from && c.To == to {
			return false
		}
		if c.Bidirectional && c.From == to && c.To == from {
			return false
		}
	}
	r.cfg.Connections = append(r.cfg.Connections, &types.Connection{From: from, To: to})
	return true
}

// removeEdgeLocked deletes the directed edge from→to. A bidirectional
// entry covering it collapses to its surviving direction.
func (r *Registry) removeEdgeLocked(from, to string) bool {
	changed := false
	conns := r.cfg.Connections[:0]
	for _, c := range r.cfg.Connections {
		switch {
		case c.From == from && c.To == to && !c.Bidirectional:
			changed = true
		case c.From == from && c.To == to && c.Bidirectional:
			conns = append(conns, &types.Connection{From: to, To: from})
			changed = true
		case c.Bidirectional && c.From == to && c.To == from:
			conns = append(conns, &types.Connection{From: to, To: from})
			changed = true
		default:
			conns = append(conns, c)
		}
	}
	r.cfg.Connections = conns
	return changed
}

// commitLocked persists the config and announces the update
func (r *Registry) commitLocked() error {
	if err := Validate(r.cfg); err != nil {
		return err
	}
	if err := r.persistLocked(); err != nil {
		return err
	}
	if r.broker != nil {
		r.broker.Publish(events.TopicSwarmUpdated, cloneConfig(r.cfg))
	}
	return nil
}

// persistLocked writes the config atomically: temp file, fsync, rename.
func (r *Registry) persistLocked() error {
	data, err := json.MarshalIndent(r.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal swarm config: %v", errdefs.ErrValidation, err)
	}

	tmp := r.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", errdefs.ErrIO, tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: write %s: %v", errdefs.ErrIO, tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: sync %s: %v", errdefs.ErrIO, tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: close %s: %v", errdefs.ErrIO, tmp, err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename %s: %v", errdefs.ErrIO, r.path, err)
	}

	logger := log.WithComponent("registry")
	logger.Debug().
		Int("bees", len(r.cfg.Bees)).
		Int("connections", len(r.cfg.Connections)).
		Msg("swarm config persisted")
	return nil
}

// Validate checks structural invariants: unique ids, connections only
// between known nodes, no self-edges.
func Validate(cfg *types.SwarmConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", errdefs.ErrValidation)
	}

	seen := map[string]struct{}{types.HumanNode: {}}
	for _, b := range cfg.Bees {
		if b.ID == "" {
			return fmt.Errorf("%w: bee with empty id", errdefs.ErrValidation)
		}
		if _, dup := seen[b.ID]; dup {
			return fmt.Errorf("%w: duplicate id %s", errdefs.ErrValidation, b.ID)
		}
		seen[b.ID] = struct{}{}
	}
	for _, mb := range cfg.Mailboxes {
		if !types.IsMailbox(mb.ID) {
			return fmt.Errorf("%w: mailbox id %q must carry the %q prefix",
				errdefs.ErrValidation, mb.ID, types.MailboxPrefix)
		}
		if _, dup := seen[mb.ID]; dup {
			return fmt.Errorf("%w: duplicate id %s", errdefs.ErrValidation, mb.ID)
		}
		seen[mb.ID] = struct{}{}
	}

	for _, c := range cfg.Connections {
		if c.From == c.To {
			return fmt.Errorf("%w: self-edge %s→%s", errdefs.ErrValidation, c.From, c.To)
		}
		for _, node := range []string{c.From, c.To} {
			if _, ok := seen[node]; !ok {
				return fmt.Errorf("%w: connection references %s", errdefs.ErrUnknownNode, node)
			}
		}
	}
	return nil
}

func cloneBee(b *types.Bee) *types.Bee {
	cp := *b
	return &cp
}

func cloneConfig(cfg *types.SwarmConfig) *types.SwarmConfig {
	out := &types.SwarmConfig{ID: cfg.ID, Name: cfg.Name}
	for _, b := range cfg.Bees {
		out.Bees = append(out.Bees, cloneBee(b))
	}
	for _, mb := range cfg.Mailboxes {
		cp := *mb
		out.Mailboxes = append(out.Mailboxes, &cp)
	}
	for _, c := range cfg.Connections {
		cp := *c
		out.Connections = append(out.Connections, &cp)
	}
	return out
}
