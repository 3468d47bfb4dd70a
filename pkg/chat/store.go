package chat

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cookareq/cookareq/pkg/errs"
)

const (
	indexFile        = "index.json"
	conversationsDir = "conversations"

	// previewLimit bounds how much of a corrupt entry lands in the log.
	previewLimit = 120
)

// Meta is the index row for one conversation; entry bodies stay on disk
// until requested.
type Meta struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the JSON-file sidecar conversation store: an index of metadata
// plus one body file per conversation. Entries load lazily; a corrupt entry
// is elided with a logged preview instead of failing the whole load.
type Store struct {
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	index map[string]*Meta
}

// NewStore opens (creating if needed) a store rooted at dir.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(dir, conversationsDir), 0o755); err != nil {
		return nil, errs.FromError(err)
	}
	s := &Store{root: dir, logger: logger, index: make(map[string]*Meta)}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// List returns conversation metadata, most recently updated first.
func (s *Store) List() []Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Meta, 0, len(s.index))
	for _, m := range s.index {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Create starts a new empty conversation.
func (s *Store) Create(title string) (*ChatConversation, error) {
	now := time.Now().UTC()
	conv := &ChatConversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Save(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Load returns a conversation with its entries. Unknown ids are NOT_FOUND.
func (s *Store) Load(id string) (*ChatConversation, error) {
	s.mu.Lock()
	meta, ok := s.index[id]
	s.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.CodeNotFound, "conversation %s not found", id)
	}

	entries, err := s.loadEntries(id)
	if err != nil {
		return nil, err
	}
	return &ChatConversation{
		ID:        meta.ID,
		Title:     meta.Title,
		CreatedAt: meta.CreatedAt,
		UpdatedAt: meta.UpdatedAt,
		Entries:   entries,
	}, nil
}

// Save persists the conversation body and refreshes the index.
func (s *Store) Save(conv *ChatConversation) error {
	conv.UpdatedAt = time.Now().UTC()

	// Entries are persisted individually so one bad entry cannot poison
	// its siblings on reload.
	raws := make([]json.RawMessage, 0, len(conv.Entries))
	for i := range conv.Entries {
		data, err := json.Marshal(&conv.Entries[i])
		if err != nil {
			return errs.FromError(err)
		}
		raws = append(raws, data)
	}
	body, err := json.MarshalIndent(map[string]any{"entries": raws}, "", "  ")
	if err != nil {
		return errs.FromError(err)
	}
	if err := os.WriteFile(s.bodyPath(conv.ID), append(body, '\n'), 0o644); err != nil {
		return errs.FromError(err)
	}

	s.mu.Lock()
	s.index[conv.ID] = &Meta{
		ID:        conv.ID,
		Title:     conv.Title,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
	}
	err = s.saveIndexLocked()
	s.mu.Unlock()
	return err
}

// Delete removes a conversation and its body file.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	_, ok := s.index[id]
	if ok {
		delete(s.index, id)
	}
	var err error
	if ok {
		err = s.saveIndexLocked()
	}
	s.mu.Unlock()
	if !ok {
		return errs.New(errs.CodeNotFound, "conversation %s not found", id)
	}
	if err != nil {
		return err
	}
	if rmErr := os.Remove(s.bodyPath(id)); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		return errs.FromError(rmErr)
	}
	return nil
}

func (s *Store) bodyPath(id string) string {
	return filepath.Join(s.root, conversationsDir, id+".json")
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.root, indexFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return errs.FromError(err)
	}
	var metas []Meta
	if err := json.Unmarshal(data, &metas); err != nil {
		return errs.New(errs.CodeInternal, "conversation index is corrupted: %s", err.Error())
	}
	for i := range metas {
		s.index[metas[i].ID] = &metas[i]
	}
	return nil
}

func (s *Store) saveIndexLocked() error {
	metas := make([]Meta, 0, len(s.index))
	for _, m := range s.index {
		metas = append(metas, *m)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].ID < metas[j].ID })
	data, err := json.MarshalIndent(metas, "", "  ")
	if err != nil {
		return errs.FromError(err)
	}
	if err := os.WriteFile(filepath.Join(s.root, indexFile), append(data, '\n'), 0o644); err != nil {
		return errs.FromError(err)
	}
	return nil
}

// loadEntries parses the body file entry by entry, eliding malformed ones.
func (s *Store) loadEntries(id string) ([]ChatEntry, error) {
	data, err := os.ReadFile(s.bodyPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errs.FromError(err)
	}
	var body struct {
		Entries []json.RawMessage `json:"entries"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, errs.New(errs.CodeInternal, "conversation %s body is corrupted: %s", id, err.Error())
	}

	entries := make([]ChatEntry, 0, len(body.Entries))
	for _, raw := range body.Entries {
		var e ChatEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			s.logger.Error("eliding corrupt chat entry",
				"conversation_id", id,
				"error", err,
				"preview", preview(raw))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func preview(raw []byte) string {
	if len(raw) <= previewLimit {
		return string(raw)
	}
	return string(raw[:previewLimit]) + "..."
}
