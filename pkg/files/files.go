// Package files is the shared attachment store. Mail carries attachment
// references only; the blobs live here, keyed by id, each with a JSON
// sidecar describing the original filename, mime type, and size.
package files

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/apiaryhq/apiary/pkg/errdefs"
	"github.com/apiaryhq/apiary/pkg/types"
	"github.com/google/uuid"
)

const metaSuffix = ".meta.json"

// Meta is the sidecar record of one stored blob
type Meta struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	MimeType  string    `json:"mimeType"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// Attachment converts the sidecar into the reference embedded in mail
func (m *Meta) Attachment() types.Attachment {
	return types.Attachment{
		ID:       m.ID,
		Filename: m.Filename,
		MimeType: m.MimeType,
		Size:     m.Size,
	}
}

// Store holds attachment blobs in a single flat directory
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Save streams a new blob into the store and returns its sidecar. The blob
// is written to a temporary sibling and renamed in, like mail files.
func (s *Store) Save(filename, mimeType string, r io.Reader) (*Meta, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}

	id := uuid.New().String()
	final := s.blobPath(id, filename)
	tmp := filepath.Join(s.dir, "."+id+".tmp")

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", errdefs.ErrIO, tmp, err)
	}
	size, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, fmt.Errorf("%w: write %s: %v", errdefs.ErrIO, tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, fmt.Errorf("%w: sync %s: %v", errdefs.ErrIO, tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("%w: close %s: %v", errdefs.ErrIO, tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("%w: rename %s: %v", errdefs.ErrIO, final, err)
	}

	meta := &Meta{
		ID:        id,
		Filename:  filepath.Base(filename),
		MimeType:  mimeType,
		Size:      size,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.writeMeta(meta); err != nil {
		os.Remove(final)
		return nil, err
	}
	return meta, nil
}

// Open returns the sidecar and a reader over the blob
func (s *Store) Open(id string) (*Meta, io.ReadCloser, error) {
	meta, err := s.Stat(id)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(s.blobPath(meta.ID, meta.Filename))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: open blob %s: %v", errdefs.ErrIO, id, err)
	}
	return meta, f, nil
}

// Stat returns the sidecar of one blob
func (s *Store) Stat(id string) (*Meta, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: file %s", errdefs.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: read meta %s: %v", errdefs.ErrIO, id, err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: parse meta %s: %v", errdefs.ErrValidation, id, err)
	}
	return &meta, nil
}

// List returns the sidecars of every stored blob, newest first
func (s *Store) List() ([]*Meta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: list %s: %v", errdefs.ErrIO, s.dir, err)
	}

	var out []*Meta
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), metaSuffix) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), metaSuffix)
		meta, err := s.Stat(id)
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Delete removes a blob and its sidecar
func (s *Store) Delete(id string) error {
	meta, err := s.Stat(id)
	if err != nil {
		return err
	}
	if err := os.Remove(s.blobPath(meta.ID, meta.Filename)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: delete blob %s: %v", errdefs.ErrIO, id, err)
	}
	if err := os.Remove(s.metaPath(id)); err != nil {
		return fmt.Errorf("%w: delete meta %s: %v", errdefs.ErrIO, id, err)
	}
	return nil
}

func (s *Store) writeMeta(meta *Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal meta %s: %v", errdefs.ErrValidation, meta.ID, err)
	}
	final := s.metaPath(meta.ID)
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

// blobPath preserves the original extension so blobs open naturally when
// browsed on disk.
func (s *Store) blobPath(id, filename string) string {
	return filepath.Join(s.dir, id+filepath.Ext(filename))
}

func (s *Store) metaPath(id string) string {
	return filepath.Join(s.dir, id+metaSuffix)
}
