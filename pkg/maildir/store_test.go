package maildir

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apiaryhq/apiary/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMail(from, to, subject string) *types.Mail {
	return &types.Mail{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Subject:   subject,
		Body:      "body",
		Timestamp: time.Now().UTC(),
		Metadata:  types.MailMetadata{Type: types.MailTypeAgent, Priority: types.PriorityNormal},
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := testMail("a", "b", "hello")

	path, err := Write(dir, m)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.From, got.From)
	assert.Equal(t, m.To, got.To)
	assert.Equal(t, m.Subject, got.Subject)
	assert.Equal(t, types.MailTypeAgent, got.Metadata.Type)
}

func TestFileNamesStrictlyIncrease(t *testing.T) {
	// Names minted back-to-back land in the same millisecond; the prefix
	// must still impose the minting order under lexicographic sort.
	var prev string
	for i := 0; i < 50; i++ {
		name := FileName(testMail("a", "b", "x"))
		if prev != "" {
			assert.Greater(t, name[:13], prev[:13])
		}
		prev = name
	}
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := Write(dir, testMail("a", "b", "x"))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Name(), ".tmp")
}

func TestUnknownFieldsPreserved(t *testing.T) {
	dir := t.TempDir()
	raw := []byte(`{
		"id": "m-1",
		"from": "a",
		"to": "b",
		"subject": "s",
		"body": "b",
		"timestamp": "2026-01-02T03:04:05Z",
		"metadata": {"type": "agent"},
		"x-custom": {"nested": true},
		"traceId": "abc123"
	}`)

	var m types.Mail
	require.NoError(t, json.Unmarshal(raw, &m))
	require.Contains(t, m.Extra, "x-custom")
	require.Contains(t, m.Extra, "traceId")

	// Round-trip through the store must keep the unknown fields.
	path, err := Write(dir, &m)
	require.NoError(t, err)
	got, err := Read(path)
	require.NoError(t, err)

	assert.JSONEq(t, `{"nested": true}`, string(got.Extra["x-custom"]))
	assert.JSONEq(t, `"abc123"`, string(got.Extra["traceId"]))
	assert.Equal(t, "m-1", got.ID)
}

func TestListSortedFIFO(t *testing.T) {
	dir := t.TempDir()

	// Write with explicit names to force ordering independent of the clock.
	for _, name := range []string{
		"0000000000003-c.json",
		"0000000000001-a.json",
		"0000000000002-b.json",
	} {
		_, err := WriteNamed(dir, name, testMail("a", "b", name))
		require.NoError(t, err)
	}

	names, err := List(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"0000000000001-a.json",
		"0000000000002-b.json",
		"0000000000003-c.json",
	}, names)
}

func TestListSkipsNonMailEntries(t *testing.T) {
	dir := t.TempDir()
	_, err := Write(dir, testMail("a", "b", "x"))
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, PoisonDir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".partial.json.tmp"), []byte("x"), 0o644))

	names, err := List(dir)
	require.NoError(t, err)
	assert.Len(t, names, 1)
}

func TestListMissingDir(t *testing.T) {
	names, err := List(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestPoisonQuarantine(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "0000000000001-bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))

	_, err := Read(bad)
	require.Error(t, err)

	require.NoError(t, Poison(bad, err))

	// Original gone, quarantined copy and log entry present.
	_, statErr := os.Stat(bad)
	assert.True(t, os.IsNotExist(statErr))

	_, statErr = os.Stat(filepath.Join(dir, PoisonDir, "0000000000001-bad.json"))
	assert.NoError(t, statErr)

	logData, readErr := os.ReadFile(filepath.Join(dir, PoisonDir, "poison.log"))
	require.NoError(t, readErr)
	assert.Contains(t, string(logData), "0000000000001-bad.json")

	// Poisoned files are invisible to List.
	names, err := List(dir)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestLayoutPaths(t *testing.T) {
	l := NewLayout("/data")

	assert.Equal(t, "/data/agents/b1/inbox", l.AgentInbox("b1"))
	assert.Equal(t, "/data/agents/b1/outbox", l.AgentOutbox("b1"))
	assert.Equal(t, "/data/agents/b1/state", l.AgentState("b1"))
	assert.Equal(t, "/data/agents/b1/soul.md", l.AgentSoul("b1"))
	assert.Equal(t, "/data/mailboxes/ops/inbox", l.MailboxInbox("mailbox:ops"))
	assert.Equal(t, "/data/inflight", l.Inflight())
	assert.Equal(t, "/data/deadletter", l.DeadLetter())

	inbox, err := l.InboxDir("mailbox:ops")
	require.NoError(t, err)
	assert.Equal(t, "/data/mailboxes/ops/inbox", inbox)

	inbox, err = l.InboxDir("b1")
	require.NoError(t, err)
	assert.Equal(t, "/data/agents/b1/inbox", inbox)

	_, err = l.InboxDir(types.HumanNode)
	assert.Error(t, err)
}

func TestEnsureAgentDirs(t *testing.T) {
	l := NewLayout(t.TempDir())
	require.NoError(t, l.EnsureAgentDirs("b1"))

	for _, dir := range []string{
		l.AgentInbox("b1"), l.AgentOutbox("b1"), l.AgentState("b1"),
		l.AgentLogs("b1"), l.AgentWorkspace("b1"), l.AgentSession("b1"),
	} {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir())
	}
}
