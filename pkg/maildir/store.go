package maildir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/apiaryhq/apiary/pkg/errdefs"
	"github.com/apiaryhq/apiary/pkg/log"
	"github.com/apiaryhq/apiary/pkg/types"
	"github.com/google/uuid"
)

const (
	// PoisonDir is the per-directory quarantine for unparseable files
	PoisonDir = "poison"

	dirPerm  = 0o755
	filePerm = 0o644
)

// Layout resolves node identifiers to directories under the data root
type Layout struct {
	Root string
}

// NewLayout creates a layout rooted at the given data directory
func NewLayout(root string) *Layout {
	return &Layout{Root: root}
}

// AgentDir returns the subtree owned by one agent
func (l *Layout) AgentDir(agentID string) string {
	return filepath.Join(l.Root, "agents", agentID)
}

// AgentInbox returns an agent's inbox directory
func (l *Layout) AgentInbox(agentID string) string {
	return filepath.Join(l.AgentDir(agentID), "inbox")
}

// AgentOutbox returns an agent's outbox directory
func (l *Layout) AgentOutbox(agentID string) string {
	return filepath.Join(l.AgentDir(agentID), "outbox")
}

// AgentState returns an agent's state directory (hierarchy.json lives here)
func (l *Layout) AgentState(agentID string) string {
	return filepath.Join(l.AgentDir(agentID), "state")
}

// AgentLogs returns an agent's logs directory
func (l *Layout) AgentLogs(agentID string) string {
	return filepath.Join(l.AgentDir(agentID), "logs")
}

// AgentWorkspace returns an agent's workspace directory
func (l *Layout) AgentWorkspace(agentID string) string {
	return filepath.Join(l.AgentDir(agentID), "workspace")
}

// AgentSoul returns the path of an agent's read-only soul file
func (l *Layout) AgentSoul(agentID string) string {
	return filepath.Join(l.AgentDir(agentID), "soul.md")
}

// AgentSession returns an agent's session directory
func (l *Layout) AgentSession(agentID string) string {
	return filepath.Join(l.AgentDir(agentID), "session")
}

// MailboxDir returns the subtree of a named mailbox. The id may carry the
// mailbox: prefix or not.
func (l *Layout) MailboxDir(id string) string {
	return filepath.Join(l.Root, "mailboxes", types.MailboxName(id))
}

// MailboxInbox returns a mailbox's inbox directory
func (l *Layout) MailboxInbox(id string) string {
	return filepath.Join(l.MailboxDir(id), "inbox")
}

// MailboxOutbox returns a mailbox's outbox directory
func (l *Layout) MailboxOutbox(id string) string {
	return filepath.Join(l.MailboxDir(id), "outbox")
}

// HumanDir returns the human endpoint directory
func (l *Layout) HumanDir() string {
	return filepath.Join(l.Root, "human")
}

// Inflight returns the orchestrator-owned spool holding mail between
// outbox-consume and inbox-deliver
func (l *Layout) Inflight() string {
	return filepath.Join(l.Root, "inflight")
}

// DeadLetter returns the terminal store for undeliverable bounces
func (l *Layout) DeadLetter() string {
	return filepath.Join(l.Root, "deadletter")
}

// FilesDir returns the attachment blob directory
func (l *Layout) FilesDir() string {
	return filepath.Join(l.Root, "files")
}

// SwarmPath returns the path of the persistent swarm configuration
func (l *Layout) SwarmPath() string {
	return filepath.Join(l.Root, "swarm.json")
}

// CanvasPath returns the path of the opaque canvas layout file
func (l *Layout) CanvasPath() string {
	return filepath.Join(l.Root, "canvas-layout.json")
}

// HistoryPath returns the path of the mail history database
func (l *Layout) HistoryPath() string {
	return filepath.Join(l.Root, "history.db")
}

// EnsureRoot creates the root-level directories
func (l *Layout) EnsureRoot() error {
	for _, dir := range []string{
		l.Root,
		filepath.Join(l.Root, "agents"),
		filepath.Join(l.Root, "mailboxes"),
		l.HumanDir(),
		l.Inflight(),
		l.DeadLetter(),
		l.FilesDir(),
	} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("%w: creating %s: %v", errdefs.ErrIO, dir, err)
		}
	}
	return nil
}

// EnsureAgentDirs creates the full subtree for one agent
func (l *Layout) EnsureAgentDirs(agentID string) error {
	for _, dir := range []string{
		l.AgentInbox(agentID),
		l.AgentOutbox(agentID),
		l.AgentState(agentID),
		l.AgentLogs(agentID),
		l.AgentWorkspace(agentID),
		l.AgentSession(agentID),
	} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("%w: creating %s: %v", errdefs.ErrIO, dir, err)
		}
	}
	return nil
}

// EnsureMailboxDirs creates the inbox/outbox pair for a named mailbox
func (l *Layout) EnsureMailboxDirs(id string) error {
	for _, dir := range []string{l.MailboxInbox(id), l.MailboxOutbox(id)} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("%w: creating %s: %v", errdefs.ErrIO, dir, err)
		}
	}
	return nil
}

// InboxDir maps a recipient node id to its inbox directory. The human node
// has no inbox directory (it uses the single-file store) and is rejected.
func (l *Layout) InboxDir(node string) (string, error) {
	switch {
	case node == types.HumanNode:
		return "", fmt.Errorf("%w: human inbox is not a directory", errdefs.ErrValidation)
	case types.IsMailbox(node):
		return l.MailboxInbox(node), nil
	default:
		return l.AgentInbox(node), nil
	}
}

var (
	nameMu         sync.Mutex
	lastNameMillis int64
)

// FileName builds the on-disk name for a mail: the epoch-ms prefix imposes
// FIFO order under lexicographic sort. The prefix is strictly increasing
// across calls, so names minted back-to-back keep their order even inside
// one millisecond.
func FileName(m *types.Mail) string {
	id := m.ID
	if id == "" {
		id = uuid.New().String()
	}

	nameMu.Lock()
	ms := time.Now().UnixMilli()
	if ms <= lastNameMillis {
		ms = lastNameMillis + 1
	}
	lastNameMillis = ms
	nameMu.Unlock()

	return fmt.Sprintf("%013d-%s.json", ms, id)
}

// Write persists a mail into dir under the atomic write contract: marshal
// to a temporary sibling, fsync, rename in. Returns the final path.
func Write(dir string, m *types.Mail) (string, error) {
	return WriteNamed(dir, FileName(m), m)
}

// WriteNamed is Write with an explicit file name, used when a mail must
// keep its original name across a move between directories.
func WriteNamed(dir, name string, m *types.Mail) (string, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: marshal mail %s: %v", errdefs.ErrValidation, m.ID, err)
	}

	final := filepath.Join(dir, name)
	tmp := filepath.Join(dir, "."+name+".tmp")

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return "", fmt.Errorf("%w: create %s: %v", errdefs.ErrIO, tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("%w: write %s: %v", errdefs.ErrIO, tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("%w: sync %s: %v", errdefs.ErrIO, tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: close %s: %v", errdefs.ErrIO, tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: rename %s: %v", errdefs.ErrIO, final, err)
	}
	return final, nil
}

// Read parses a single mail file
func Read(path string) (*types.Mail, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", errdefs.ErrIO, path, err)
	}
	var m types.Mail
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", errdefs.ErrMailCorrupt, path, err)
	}
	return &m, nil
}

// List returns the mail file names in dir, sorted ascending (FIFO order).
// Temporary files, subdirectories, and non-JSON entries are skipped.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: list %s: %v", errdefs.ErrIO, dir, err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Count returns the number of mail files currently in dir
func Count(dir string) (int, error) {
	names, err := List(dir)
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// Poison quarantines an unreadable or unparseable file: it is moved to the
// poison/ subdirectory of its own directory and a line is appended to the
// poison log. The file is never retried.
func Poison(path string, cause error) error {
	dir := filepath.Dir(path)
	poisonDir := filepath.Join(dir, PoisonDir)
	if err := os.MkdirAll(poisonDir, dirPerm); err != nil {
		return fmt.Errorf("%w: creating %s: %v", errdefs.ErrIO, poisonDir, err)
	}

	dest := filepath.Join(poisonDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("%w: quarantine %s: %v", errdefs.ErrIO, path, err)
	}

	logger := log.WithComponent("maildir")
	entry := fmt.Sprintf("%s %s: %v\n", time.Now().UTC().Format(time.RFC3339), filepath.Base(path), cause)
	logPath := filepath.Join(poisonDir, "poison.log")
	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, filePerm)
	if err != nil {
		logger.Warn().Err(err).Str("path", logPath).Msg("cannot append poison log")
		return nil
	}
	defer f.Close()
	if _, err := f.WriteString(entry); err != nil {
		logger.Warn().Err(err).Str("path", logPath).Msg("cannot append poison log")
	}
	return nil
}
