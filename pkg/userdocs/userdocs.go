// Package userdocs exposes a small file browser over a configured documents
// root. Every path coming from a tool argument is resolved and checked
// against the root before any filesystem access.
package userdocs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cookareq/cookareq/pkg/errs"
)

// DefaultReadLines caps how many lines a read returns when the caller does
// not ask for a window.
const DefaultReadLines = 200

// DocInfo describes one file under the documents root.
type DocInfo struct {
	Path  string `json:"path"` // root-relative, forward slashes
	Size  int64  `json:"size"`
	Lines int    `json:"lines"`
}

// ReadResult is one line window of a document.
type ReadResult struct {
	Path       string   `json:"path"`
	StartLine  int      `json:"start_line"` // 1-based
	Lines      []string `json:"lines"`
	TotalLines int      `json:"total_lines"`
	Truncated  bool     `json:"truncated"` // more lines exist past the window
}

// Service lists, reads, creates and deletes text documents under a root
// directory. The agent reaches it only through the tool catalog.
type Service struct {
	root string
}

// NewService creates the documents root if missing and returns a service
// bound to it.
func NewService(root string) (*Service, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errs.FromError(err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errs.FromError(err)
	}
	return &Service{root: abs}, nil
}

// Root returns the absolute documents root.
func (s *Service) Root() string { return s.root }

// resolve maps a root-relative path to an absolute one, rejecting anything
// that would land outside the root.
func (s *Service) resolve(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", errs.New(errs.CodeValidation, "document path must not be empty")
	}
	if filepath.IsAbs(rel) {
		return "", errs.New(errs.CodeUnauthorized, "document path must be relative to the documents root")
	}
	abs := filepath.Clean(filepath.Join(s.root, filepath.FromSlash(rel)))
	if abs != s.root && !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return "", errs.New(errs.CodeUnauthorized, "document path escapes the documents root")
	}
	return abs, nil
}

// List walks the root and returns every regular file, sorted by path.
func (s *Service) List() ([]DocInfo, error) {
	var docs []DocInfo
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != s.root {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		docs = append(docs, DocInfo{
			Path:  filepath.ToSlash(rel),
			Size:  info.Size(),
			Lines: countLines(string(data)),
		})
		return nil
	})
	if err != nil {
		return nil, errs.FromError(err)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
	if docs == nil {
		docs = []DocInfo{}
	}
	return docs, nil
}

// Read returns a line window of a document. startLine is 1-based; maxLines
// of zero or less means DefaultReadLines.
func (s *Service) Read(rel string, startLine, maxLines int) (*ReadResult, error) {
	abs, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.New(errs.CodeNotFound, "document %q not found", rel)
		}
		return nil, errs.FromError(err)
	}
	lines := splitLines(string(data))
	if startLine <= 0 {
		startLine = 1
	}
	if maxLines <= 0 {
		maxLines = DefaultReadLines
	}
	start := startLine - 1
	if start > len(lines) {
		start = len(lines)
	}
	end := start + maxLines
	if end > len(lines) {
		end = len(lines)
	}
	window := lines[start:end]
	if window == nil {
		window = []string{}
	}
	return &ReadResult{
		Path:       filepath.ToSlash(rel),
		StartLine:  startLine,
		Lines:      window,
		TotalLines: len(lines),
		Truncated:  end < len(lines),
	}, nil
}

// Create writes a new document. Existing files are CONFLICT; parents are
// created as needed.
func (s *Service) Create(rel, content string) (*DocInfo, error) {
	abs, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); err == nil {
		return nil, errs.New(errs.CodeConflict, "document %q already exists", rel)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, errs.FromError(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return nil, errs.FromError(err)
	}
	return &DocInfo{
		Path:  filepath.ToSlash(filepath.Clean(rel)),
		Size:  int64(len(content)),
		Lines: countLines(content),
	}, nil
}

// Delete removes a document.
func (s *Service) Delete(rel string) error {
	abs, err := s.resolve(rel)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errs.New(errs.CodeNotFound, "document %q not found", rel)
		}
		return errs.FromError(err)
	}
	if info.IsDir() {
		return errs.New(errs.CodeValidation, "%q is a directory, not a document", rel)
	}
	if err := os.Remove(abs); err != nil {
		return errs.FromError(err)
	}
	return nil
}

func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	// A trailing newline does not produce a phantom empty line.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func countLines(content string) int {
	return len(splitLines(content))
}
