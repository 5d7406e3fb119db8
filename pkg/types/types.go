package types

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	// HumanNode is the reserved identifier for the external human endpoint.
	// It has no privileged connectivity: edges to and from it must exist
	// explicitly in the topology like any other node.
	HumanNode = "human"

	// SystemNode is the origin of orchestrator-generated mail (bounces).
	SystemNode = "system"

	// MailboxPrefix marks identifiers of named non-agent endpoints.
	MailboxPrefix = "mailbox:"
)

// IsMailbox reports whether a node identifier names an external mailbox.
func IsMailbox(id string) bool {
	return strings.HasPrefix(id, MailboxPrefix)
}

// MailboxName strips the mailbox prefix from an identifier.
func MailboxName(id string) string {
	return strings.TrimPrefix(id, MailboxPrefix)
}

// MailStatus represents the lifecycle state of a mail
type MailStatus string

const (
	MailStatusQueued    MailStatus = "queued"
	MailStatusDelivered MailStatus = "delivered"
	MailStatusBounced   MailStatus = "bounced"
	MailStatusFailed    MailStatus = "failed"
)

// MailType classifies the origin of a mail
type MailType string

const (
	MailTypeHuman    MailType = "human"
	MailTypeAgent    MailType = "agent"
	MailTypeSystem   MailType = "system"
	MailTypeCron     MailType = "cron"
	MailTypeExternal MailType = "external"
	MailTypeBounce   MailType = "bounce"
)

// Priority is the delivery priority of a mail
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// MailMetadata carries routing and classification fields of a mail
type MailMetadata struct {
	Type      MailType `json:"type"`
	Priority  Priority `json:"priority,omitempty"`
	InReplyTo string   `json:"inReplyTo,omitempty"`
}

// Attachment references a blob held in the shared file store
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// Mail is an immutable message exchanged between nodes. On disk it is a
// single UTF-8 JSON file. Fields not known to this struct survive a
// round-trip through the router via Extra.
type Mail struct {
	ID           string       `json:"id"`
	From         string       `json:"from"`
	To           string       `json:"to"`
	Subject      string       `json:"subject"`
	Body         string       `json:"body"`
	Timestamp    time.Time    `json:"timestamp"`
	Metadata     MailMetadata `json:"metadata"`
	Status       MailStatus   `json:"status,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	BounceReason string       `json:"bounceReason,omitempty"`

	// Extra holds unknown top-level fields so they are preserved when the
	// router rewrites the file. Not part of the wire contract itself.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownMailFields are the top-level JSON keys owned by Mail.
var knownMailFields = []string{
	"id", "from", "to", "subject", "body", "timestamp",
	"metadata", "status", "attachments", "bounceReason",
}

// UnmarshalJSON decodes a mail and captures unknown top-level fields.
func (m *Mail) UnmarshalJSON(data []byte) error {
	type alias Mail
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range knownMailFields {
		delete(raw, k)
	}
	if len(raw) > 0 {
		a.Extra = raw
	}

	*m = Mail(a)
	return nil
}

// MarshalJSON encodes a mail, merging back any preserved unknown fields.
func (m Mail) MarshalJSON() ([]byte, error) {
	type alias Mail
	encoded, err := json.Marshal(alias(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return encoded, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Connection is a permitted sender→recipient pair. A bidirectional
// connection is materialized internally as two directed edges.
type Connection struct {
	From          string `json:"from"`
	To            string `json:"to"`
	Bidirectional bool   `json:"bidirectional,omitempty"`
}

// Bee is the configuration of a single agent
type Bee struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Model string `json:"model,omitempty"`
	Soul  string `json:"soul,omitempty"`
}

// Mailbox is a named non-agent endpoint with its own queues
type Mailbox struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// SwarmConfig is the persistent graph configuration. The human node is
// implicit and always present.
type SwarmConfig struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Bees        []*Bee        `json:"bees"`
	Mailboxes   []*Mailbox    `json:"mailboxes,omitempty"`
	Connections []*Connection `json:"connections"`
}

// FindBee returns the bee with the given id, or nil.
func (c *SwarmConfig) FindBee(id string) *Bee {
	for _, b := range c.Bees {
		if b.ID == id {
			return b
		}
	}
	return nil
}

// HasNode reports whether id names a node of this swarm (a bee, a mailbox,
// or the implicit human node).
func (c *SwarmConfig) HasNode(id string) bool {
	if id == HumanNode {
		return true
	}
	if c.FindBee(id) != nil {
		return true
	}
	for _, mb := range c.Mailboxes {
		if mb.ID == id {
			return true
		}
	}
	return false
}

// AgentState is the observed runtime state of an agent. Derived from the
// container runtime on demand; never persisted.
type AgentState struct {
	ID          string     `json:"id"`
	Running     bool       `json:"running"`
	ContainerID string     `json:"containerId,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
}

// QueueSnapshot is the live queue depth of a single node. Processing means
// the agent is running and its inbox is non-empty.
type QueueSnapshot struct {
	Inbox      int  `json:"inbox"`
	Outbox     int  `json:"outbox"`
	Processing bool `json:"processing"`
}

// Neighbor describes one adjacent node in an agent's hierarchy file
type Neighbor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Hierarchy is the file contract by which an agent learns its neighborhood.
// Agents are never told the global graph.
type Hierarchy struct {
	AgentID           string     `json:"agentId"`
	ReceivesTasksFrom []Neighbor `json:"receivesTasksFrom"`
	CanDelegateTo     []Neighbor `json:"canDelegateTo"`
}
