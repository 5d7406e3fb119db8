package maildir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/apiaryhq/apiary/pkg/errdefs"
	"github.com/apiaryhq/apiary/pkg/types"
)

// Box selects one of the human endpoint's two queues
type Box string

const (
	BoxInbox  Box = "inbox"
	BoxOutbox Box = "outbox"
)

// HumanStore holds the human node's inbox and outbox as single-file JSON
// arrays, each rewritten atomically on every mutation. A mutex serializes
// writers; reads return copies.
type HumanStore struct {
	mu  sync.Mutex
	dir string
}

// NewHumanStore creates a store rooted at the human endpoint directory
func NewHumanStore(layout *Layout) *HumanStore {
	return &HumanStore{dir: layout.HumanDir()}
}

func (s *HumanStore) path(box Box) string {
	return filepath.Join(s.dir, string(box)+".json")
}

// Append adds a mail to the given box and persists the whole array
func (s *HumanStore) Append(box Box, m *types.Mail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mails, err := s.load(box)
	if err != nil {
		return err
	}
	mails = append(mails, m)
	return s.save(box, mails)
}

// List returns all mail in the given box, oldest first
func (s *HumanStore) List(box Box) ([]*types.Mail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(box)
}

// Count returns the number of mails in the given box
func (s *HumanStore) Count(box Box) (int, error) {
	mails, err := s.List(box)
	if err != nil {
		return 0, err
	}
	return len(mails), nil
}

func (s *HumanStore) load(box Box) ([]*types.Mail, error) {
	data, err := os.ReadFile(s.path(box))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", errdefs.ErrIO, s.path(box), err)
	}
	var mails []*types.Mail
	if err := json.Unmarshal(data, &mails); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", errdefs.ErrMailCorrupt, s.path(box), err)
	}
	return mails, nil
}

func (s *HumanStore) save(box Box, mails []*types.Mail) error {
	if err := os.MkdirAll(s.dir, dirPerm); err != nil {
		return fmt.Errorf("%w: creating %s: %v", errdefs.ErrIO, s.dir, err)
	}

	data, err := json.MarshalIndent(mails, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %v", errdefs.ErrValidation, box, err)
	}

	final := s.path(box)
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
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
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename %s: %v", errdefs.ErrIO, final, err)
	}
	return nil
}
