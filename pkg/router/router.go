package router

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/apiaryhq/apiary/pkg/errdefs"
	"github.com/apiaryhq/apiary/pkg/events"
	"github.com/apiaryhq/apiary/pkg/history"
	"github.com/apiaryhq/apiary/pkg/log"
	"github.com/apiaryhq/apiary/pkg/maildir"
	"github.com/apiaryhq/apiary/pkg/metrics"
	"github.com/apiaryhq/apiary/pkg/topology"
	"github.com/apiaryhq/apiary/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// defaultBackoff is the bounded retry schedule for inbox writes
var defaultBackoff = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}

// Router validates each mail against the topology and moves it into the
// recipient's inbox, the human inbox store, or a bounce back to the sender.
// Route never raises to its caller: every failure becomes a bounce, a
// dead-letter, or an event.
type Router struct {
	layout  *maildir.Layout
	human   *maildir.HumanStore
	topo    *topology.Topology
	broker  *events.Broker
	hist    *history.Store
	logger  zerolog.Logger
	backoff []time.Duration
}

// New creates a router. The history store may be nil.
func New(layout *maildir.Layout, human *maildir.HumanStore, topo *topology.Topology,
	broker *events.Broker, hist *history.Store) *Router {
	return &Router{
		layout:  layout,
		human:   human,
		topo:    topo,
		broker:  broker,
		hist:    hist,
		logger:  log.WithComponent("router"),
		backoff: defaultBackoff,
	}
}

// SetBackoff overrides the retry schedule. Used by tests.
func (r *Router) SetBackoff(schedule []time.Duration) {
	r.backoff = schedule
}

// Route delivers one mail. The topology snapshot observed at entry governs
// the whole call; a concurrent mutation affects only later routes.
func (r *Router) Route(m *types.Mail) {
	r.route(m, maildir.FileName(m))
}

// route delivers one mail under a fixed inbox file name. The name travels
// with the mail from its source outbox through the spool into the inbox,
// so FIFO order per source survives same-millisecond deliveries.
func (r *Router) route(m *types.Mail, name string) {
	start := time.Now()
	defer func() {
		metrics.RouteDuration.Observe(time.Since(start).Seconds())
	}()

	if m.Status == "" {
		m.Status = types.MailStatusQueued
	}

	snap := r.topo.Load()
	if !snap.CanSend(m.From, m.To) {
		reason := fmt.Sprintf("no route from %s to %s", m.From, m.To)
		r.bounce(m, reason)
		return
	}

	if m.To == types.HumanNode {
		m.Status = types.MailStatusDelivered
		if err := r.human.Append(maildir.BoxInbox, m); err != nil {
			r.logger.Error().Err(err).Str("mail_id", m.ID).Msg("human inbox append failed")
			r.failDelivery(m, fmt.Sprintf("human inbox write failed: %v", err))
			return
		}
		r.record(m, types.MailStatusDelivered, "")
		r.publish(events.TopicMailReceived, m)
		metrics.MailRoutedTotal.Inc()
		return
	}

	dir, err := r.layout.InboxDir(m.To)
	if err != nil {
		r.bounce(m, fmt.Sprintf("unroutable recipient %s: %v", m.To, err))
		return
	}
	if types.IsMailbox(m.To) {
		if err := r.layout.EnsureMailboxDirs(m.To); err != nil {
			r.failDelivery(m, fmt.Sprintf("mailbox dirs: %v", err))
			return
		}
	}

	m.Status = types.MailStatusDelivered
	if err := r.writeWithRetry(dir, name, m); err != nil {
		r.failDelivery(m, fmt.Sprintf("inbox write failed after retries: %v", err))
		return
	}

	r.record(m, types.MailStatusDelivered, "")
	r.publish(events.TopicMailRouted, m)
	metrics.MailRoutedTotal.Inc()
	r.logger.Debug().Str("mail_id", m.ID).Str("from", m.From).Str("to", m.To).Msg("mail routed")
}

// RouteSpooled routes a mail already staged in the inflight spool and
// unlinks the spool file once routing ran to completion. Corrupt spool
// files are quarantined.
func (r *Router) RouteSpooled(path string) {
	m, err := maildir.Read(path)
	if err != nil {
		r.logger.Error().Err(err).Str("path", path).Msg("corrupt inflight mail")
		metrics.MailPoisonedTotal.Inc()
		if perr := maildir.Poison(path, err); perr != nil {
			r.logger.Error().Err(perr).Str("path", path).Msg("poison failed")
		}
		r.publish(events.TopicMailFailed, map[string]string{"path": path, "error": err.Error()})
		return
	}

	r.route(m, filepath.Base(path))

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		// The mail is already delivered; a restart will re-route it
		// (at-least-once).
		r.logger.Warn().Err(err).Str("path", path).Msg("inflight unlink failed")
	}
}

// RecoverInflight re-routes every mail left in the inflight spool by a
// previous run, in FIFO order, exactly as if freshly taken from its source
// outbox. Each mail is re-evaluated against the current topology.
func (r *Router) RecoverInflight() error {
	dir := r.layout.Inflight()
	names, err := maildir.List(dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		r.RouteSpooled(filepath.Join(dir, name))
	}
	if len(names) > 0 {
		r.logger.Info().Int("count", len(names)).Msg("recovered inflight mail")
	}
	return nil
}

// bounce produces a system mail reporting the failure back to the sender.
// Bounce delivery is one-shot: it bypasses topology validation (the sender
// must always be able to learn about the failure) and an undeliverable
// bounce goes to the dead-letter store instead of generating another
// bounce.
func (r *Router) bounce(m *types.Mail, reason string) {
	m.Status = types.MailStatusBounced
	m.BounceReason = reason
	r.record(m, types.MailStatusBounced, reason)
	metrics.MailBouncedTotal.Inc()

	b := &types.Mail{
		ID:        uuid.New().String(),
		From:      types.SystemNode,
		To:        m.From,
		Subject:   "Bounced: " + m.Subject,
		Body:      reason,
		Timestamp: time.Now().UTC(),
		Metadata: types.MailMetadata{
			Type:      types.MailTypeBounce,
			Priority:  types.PriorityNormal,
			InReplyTo: m.ID,
		},
		Status:       types.MailStatusQueued,
		BounceReason: reason,
	}

	r.deliverBounce(b)
	r.publish(events.TopicMailBounced, m)
	r.logger.Info().Str("mail_id", m.ID).Str("from", m.From).Str("to", m.To).
		Str("reason", reason).Msg("mail bounced")
}

// failDelivery handles exhausted write retries: a failure bounce with a
// distinct reason, plus a mail:failed event.
func (r *Router) failDelivery(m *types.Mail, reason string) {
	m.Status = types.MailStatusFailed
	m.BounceReason = reason
	r.record(m, types.MailStatusFailed, reason)
	metrics.MailFailedTotal.Inc()

	b := &types.Mail{
		ID:        uuid.New().String(),
		From:      types.SystemNode,
		To:        m.From,
		Subject:   "Delivery failed: " + m.Subject,
		Body:      reason,
		Timestamp: time.Now().UTC(),
		Metadata: types.MailMetadata{
			Type:      types.MailTypeBounce,
			Priority:  types.PriorityNormal,
			InReplyTo: m.ID,
		},
		Status:       types.MailStatusQueued,
		BounceReason: reason,
	}

	r.deliverBounce(b)
	r.publish(events.TopicMailFailed, m)
	r.logger.Error().Str("mail_id", m.ID).Str("to", m.To).Str("reason", reason).
		Msg("mail delivery failed")
}

// deliverBounce writes a bounce into the original sender's inbox, or the
// dead-letter store when that write fails or the sender is unknown.
func (r *Router) deliverBounce(b *types.Mail) {
	b.Status = types.MailStatusDelivered

	if b.To == types.HumanNode {
		if err := r.human.Append(maildir.BoxInbox, b); err == nil {
			return
		}
		r.deadLetter(b)
		return
	}

	dir, err := r.layout.InboxDir(b.To)
	if err != nil {
		r.deadLetter(b)
		return
	}
	if _, err := maildir.Write(dir, b); err != nil {
		r.deadLetter(b)
	}
}

// deadLetter drops an undeliverable bounce into the dead-letter directory.
// Terminal: no further bounce is generated, which prevents bounce loops.
func (r *Router) deadLetter(b *types.Mail) {
	metrics.MailDeadLetteredTotal.Inc()
	if _, err := maildir.Write(r.layout.DeadLetter(), b); err != nil {
		r.logger.Error().Err(err).Str("mail_id", b.ID).Msg("dead-letter write failed")
		return
	}
	r.logger.Warn().Str("mail_id", b.ID).Str("to", b.To).Msg("bounce dead-lettered")
}

func (r *Router) writeWithRetry(dir, name string, m *types.Mail) error {
	_, err := maildir.WriteNamed(dir, name, m)
	if err == nil {
		return nil
	}
	for _, delay := range r.backoff {
		time.Sleep(delay)
		if _, err = maildir.WriteNamed(dir, name, m); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %v", errdefs.ErrIO, err)
}

func (r *Router) record(m *types.Mail, disposition types.MailStatus, detail string) {
	if r.hist == nil {
		return
	}
	if err := r.hist.Append(m, disposition, detail); err != nil {
		r.logger.Warn().Err(err).Str("mail_id", m.ID).Msg("history append failed")
	}
}

func (r *Router) publish(topic events.Topic, payload interface{}) {
	if r.broker != nil {
		r.broker.Publish(topic, payload)
	}
}
