package reqs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cookareq/cookareq/pkg/errs"
)

const (
	requirementsDir = "requirements"
	labelsFile      = "labels.json"

	defaultPerPage = 50
	maxPerPage     = 200
)

// FileService is the JSON-file-backed Service implementation. One requirement
// per file under <base>/requirements/<RID>.json, labels in <base>/labels.json.
// Writes within one service are serialized by a mutex; callers share one
// instance per base path through the Cache.
type FileService struct {
	base string
	mu   sync.RWMutex
}

var _ Service = (*FileService)(nil)

// NewFileService opens (and creates, if needed) a requirement store rooted at
// base.
func NewFileService(base string) (*FileService, error) {
	if err := os.MkdirAll(filepath.Join(base, requirementsDir), 0o755); err != nil {
		return nil, errs.FromError(err)
	}
	return &FileService{base: base}, nil
}

// BasePath returns the store root.
func (s *FileService) BasePath() string { return s.base }

func (s *FileService) reqPath(rid string) string {
	return filepath.Join(s.base, requirementsDir, rid+".json")
}

// ────────────────────────────────────────────────────────────
// Reads
// ────────────────────────────────────────────────────────────

// List returns one page of requirements ordered by RID (prefix, then number).
func (s *FileService) List(q ListQuery) (*Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	filtered := all[:0:0]
	for _, r := range all {
		if q.Status != "" && r.Status != q.Status {
			continue
		}
		if !hasAllLabels(r.Labels, q.Labels) {
			continue
		}
		filtered = append(filtered, r)
	}
	return paginate(filtered, q.Page, q.PerPage), nil
}

// Get returns one requirement by RID.
func (s *FileService) Get(rid string) (*Requirement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load(rid)
}

// Search matches q.Query case-insensitively against RID, title and statement.
func (s *FileService) Search(q SearchQuery) (*Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(q.Query))
	matched := all[:0:0]
	for _, r := range all {
		if !hasAllLabels(r.Labels, q.Labels) {
			continue
		}
		if needle == "" ||
			strings.Contains(strings.ToLower(r.RID), needle) ||
			strings.Contains(strings.ToLower(r.Title), needle) ||
			strings.Contains(strings.ToLower(r.Statement), needle) {
			matched = append(matched, r)
		}
	}
	return paginate(matched, q.Page, q.PerPage), nil
}

// ────────────────────────────────────────────────────────────
// Writes
// ────────────────────────────────────────────────────────────

// Create assigns the next free number for the prefix and persists the
// requirement. Title is required; status defaults to draft.
func (s *FileService) Create(prefix string, r Requirement) (*Requirement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		return nil, errs.New(errs.CodeValidation, "prefix must not be empty")
	}
	if strings.TrimSpace(r.Title) == "" {
		return nil, errs.New(errs.CodeValidation, "title must not be empty")
	}
	if r.Status == "" {
		r.Status = StatusDraft
	}
	if !ValidStatus(r.Status) {
		return nil, errs.New(errs.CodeValidation, "invalid status %q (allowed: %s)", r.Status, strings.Join(Statuses, ", "))
	}

	all, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	next := 1
	for _, existing := range all {
		p, n, splitErr := SplitRID(existing.RID)
		if splitErr == nil && p == prefix && n >= next {
			next = n + 1
		}
	}
	r.RID = fmt.Sprintf("%s%d", prefix, next)
	r.Revision = 1
	r.ModifiedAt = time.Now().UTC()
	if err := s.save(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

// UpdateField sets one scalar field of a requirement. Unknown fields and
// invalid status values are VALIDATION_ERROR.
func (s *FileService) UpdateField(rid, field string, value any) (*Requirement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.load(rid)
	if err != nil {
		return nil, err
	}
	str, ok := value.(string)
	if !ok {
		return nil, errs.New(errs.CodeValidation, "field %q expects a string value, got %T", field, value)
	}
	switch field {
	case "title":
		if strings.TrimSpace(str) == "" {
			return nil, errs.New(errs.CodeValidation, "title must not be empty")
		}
		r.Title = str
	case "statement":
		r.Statement = str
	case "status":
		if !ValidStatus(str) {
			return nil, errs.New(errs.CodeValidation, "invalid status %q (allowed: %s)", str, strings.Join(Statuses, ", "))
		}
		r.Status = str
	case "owner":
		r.Owner = str
	case "priority":
		r.Priority = str
	case "notes":
		r.Notes = str
	default:
		return nil, errs.New(errs.CodeValidation, "unknown requirement field %q", field)
	}
	return r, s.touchAndSave(r)
}

// SetLabels replaces the requirement's label set. Every label must exist.
func (s *FileService) SetLabels(rid string, labels []string) (*Requirement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	known, err := s.loadLabels()
	if err != nil {
		return nil, err
	}
	for _, l := range labels {
		if _, ok := known[l]; !ok {
			return nil, errs.New(errs.CodeNotFound, "unknown label %q", l)
		}
	}
	r, err := s.load(rid)
	if err != nil {
		return nil, err
	}
	r.Labels = dedupe(labels)
	return r, s.touchAndSave(r)
}

// SetAttachments replaces the requirement's attachment list.
func (s *FileService) SetAttachments(rid string, attachments []Attachment) (*Requirement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.load(rid)
	if err != nil {
		return nil, err
	}
	for _, a := range attachments {
		if strings.TrimSpace(a.Path) == "" {
			return nil, errs.New(errs.CodeValidation, "attachment path must not be empty")
		}
	}
	r.Attachments = attachments
	return r, s.touchAndSave(r)
}

// SetLinks replaces the requirement's outgoing links. Every target must exist.
func (s *FileService) SetLinks(rid string, links []Link) (*Requirement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.load(rid)
	if err != nil {
		return nil, err
	}
	for _, l := range links {
		if l.RID == rid {
			return nil, errs.New(errs.CodeValidation, "requirement %s cannot link to itself", rid)
		}
		if _, err := s.load(l.RID); err != nil {
			return nil, err
		}
	}
	r.Links = links
	return r, s.touchAndSave(r)
}

// Link appends a single link from rid to targetRID. Idempotent per
// (target, kind) pair.
func (s *FileService) Link(rid, targetRID, kind string) (*Requirement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rid == targetRID {
		return nil, errs.New(errs.CodeValidation, "requirement %s cannot link to itself", rid)
	}
	r, err := s.load(rid)
	if err != nil {
		return nil, err
	}
	if _, err := s.load(targetRID); err != nil {
		return nil, err
	}
	for _, l := range r.Links {
		if l.RID == targetRID && l.Kind == kind {
			return r, nil
		}
	}
	r.Links = append(r.Links, Link{RID: targetRID, Kind: kind})
	return r, s.touchAndSave(r)
}

// Delete removes a requirement file and strips links pointing at it.
func (s *FileService) Delete(rid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.load(rid); err != nil {
		return err
	}
	if err := os.Remove(s.reqPath(rid)); err != nil {
		return errs.FromError(err)
	}
	all, err := s.loadAll()
	if err != nil {
		return err
	}
	for i := range all {
		r := &all[i]
		kept := r.Links[:0]
		for _, l := range r.Links {
			if l.RID != rid {
				kept = append(kept, l)
			}
		}
		if len(kept) != len(r.Links) {
			r.Links = kept
			if err := s.touchAndSave(r); err != nil {
				return err
			}
		}
	}
	return nil
}

// ────────────────────────────────────────────────────────────
// Labels
// ────────────────────────────────────────────────────────────

// ListLabels returns all labels sorted by key.
func (s *FileService) ListLabels() ([]Label, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	known, err := s.loadLabels()
	if err != nil {
		return nil, err
	}
	out := make([]Label, 0, len(known))
	for _, l := range known {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// CreateLabel adds a new label; duplicate keys are CONFLICT.
func (s *FileService) CreateLabel(l Label) (*Label, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(l.Key) == "" {
		return nil, errs.New(errs.CodeValidation, "label key must not be empty")
	}
	known, err := s.loadLabels()
	if err != nil {
		return nil, err
	}
	if _, ok := known[l.Key]; ok {
		return nil, errs.New(errs.CodeConflict, "label %q already exists", l.Key)
	}
	known[l.Key] = l
	if err := s.saveLabels(known); err != nil {
		return nil, err
	}
	return &l, nil
}

// UpdateLabel replaces the label stored under key. Renames propagate to
// requirements carrying the old key.
func (s *FileService) UpdateLabel(key string, l Label) (*Label, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	known, err := s.loadLabels()
	if err != nil {
		return nil, err
	}
	if _, ok := known[key]; !ok {
		return nil, errs.New(errs.CodeNotFound, "unknown label %q", key)
	}
	if l.Key == "" {
		l.Key = key
	}
	if l.Key != key {
		if _, clash := known[l.Key]; clash {
			return nil, errs.New(errs.CodeConflict, "label %q already exists", l.Key)
		}
		if err := s.renameLabelOnRequirements(key, l.Key); err != nil {
			return nil, err
		}
		delete(known, key)
	}
	known[l.Key] = l
	if err := s.saveLabels(known); err != nil {
		return nil, err
	}
	return &l, nil
}

// DeleteLabel removes a label and strips it from all requirements.
func (s *FileService) DeleteLabel(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	known, err := s.loadLabels()
	if err != nil {
		return err
	}
	if _, ok := known[key]; !ok {
		return errs.New(errs.CodeNotFound, "unknown label %q", key)
	}
	delete(known, key)
	if err := s.saveLabels(known); err != nil {
		return err
	}
	return s.renameLabelOnRequirements(key, "")
}

// ────────────────────────────────────────────────────────────
// Persistence helpers
// ────────────────────────────────────────────────────────────

func (s *FileService) load(rid string) (*Requirement, error) {
	if _, _, err := SplitRID(rid); err != nil {
		return nil, errs.New(errs.CodeValidation, "%s", err.Error())
	}
	data, err := os.ReadFile(s.reqPath(rid))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.New(errs.CodeNotFound, "requirement %s not found", rid)
		}
		return nil, errs.FromError(err)
	}
	var r Requirement
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errs.New(errs.CodeInternal, "requirement %s is corrupted: %s", rid, err.Error())
	}
	return &r, nil
}

func (s *FileService) loadAll() ([]Requirement, error) {
	entries, err := os.ReadDir(filepath.Join(s.base, requirementsDir))
	if err != nil {
		return nil, errs.FromError(err)
	}
	var all []Requirement
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rid := strings.TrimSuffix(e.Name(), ".json")
		r, loadErr := s.load(rid)
		if loadErr != nil {
			// Corrupted sibling files do not poison listings.
			continue
		}
		all = append(all, *r)
	}
	sort.Slice(all, func(i, j int) bool {
		pi, ni, _ := SplitRID(all[i].RID)
		pj, nj, _ := SplitRID(all[j].RID)
		if pi != pj {
			return pi < pj
		}
		return ni < nj
	})
	return all, nil
}

func (s *FileService) save(r *Requirement) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errs.FromError(err)
	}
	if err := os.WriteFile(s.reqPath(r.RID), append(data, '\n'), 0o644); err != nil {
		return errs.FromError(err)
	}
	return nil
}

func (s *FileService) touchAndSave(r *Requirement) error {
	r.Revision++
	r.ModifiedAt = time.Now().UTC()
	return s.save(r)
}

func (s *FileService) loadLabels() (map[string]Label, error) {
	data, err := os.ReadFile(filepath.Join(s.base, labelsFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]Label{}, nil
		}
		return nil, errs.FromError(err)
	}
	var list []Label
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, errs.New(errs.CodeInternal, "labels file is corrupted: %s", err.Error())
	}
	out := make(map[string]Label, len(list))
	for _, l := range list {
		out[l.Key] = l
	}
	return out, nil
}

func (s *FileService) saveLabels(labels map[string]Label) error {
	list := make([]Label, 0, len(labels))
	for _, l := range labels {
		list = append(list, l)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return errs.FromError(err)
	}
	if err := os.WriteFile(filepath.Join(s.base, labelsFile), append(data, '\n'), 0o644); err != nil {
		return errs.FromError(err)
	}
	return nil
}

// renameLabelOnRequirements renames (or, with newKey == "", removes) a label
// across all stored requirements.
func (s *FileService) renameLabelOnRequirements(oldKey, newKey string) error {
	all, err := s.loadAll()
	if err != nil {
		return err
	}
	for i := range all {
		r := &all[i]
		changed := false
		kept := r.Labels[:0]
		for _, l := range r.Labels {
			switch {
			case l != oldKey:
				kept = append(kept, l)
			case newKey != "":
				kept = append(kept, newKey)
				changed = true
			default:
				changed = true
			}
		}
		if changed {
			r.Labels = dedupe(kept)
			if err := s.touchAndSave(r); err != nil {
				return err
			}
		}
	}
	return nil
}

func paginate(items []Requirement, page, perPage int) *Page {
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	start := (page - 1) * perPage
	if start > len(items) {
		start = len(items)
	}
	end := start + perPage
	if end > len(items) {
		end = len(items)
	}
	pageItems := items[start:end]
	if pageItems == nil {
		pageItems = []Requirement{}
	}
	return &Page{Items: pageItems, Total: len(items), Page: page, PerPage: perPage}
}

func hasAllLabels(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
