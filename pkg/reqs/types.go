// Package reqs implements the requirements catalog consumed by the tool
// registry: typed requirement documents stored as JSON files on disk, plus
// labels and inter-requirement links.
//
// The agent core only depends on the Service interface; the file-backed
// implementation lives here so the tool catalog is real end to end.
package reqs

import (
	"fmt"
	"regexp"
	"time"
)

// Requirement statuses, in workflow order.
const (
	StatusDraft     = "draft"
	StatusInReview  = "in_review"
	StatusApproved  = "approved"
	StatusBaselined = "baselined"
	StatusRetired   = "retired"
)

// Statuses lists the allowed requirement status values.
var Statuses = []string{StatusDraft, StatusInReview, StatusApproved, StatusBaselined, StatusRetired}

// ridPattern matches requirement identifiers: an upper-case prefix followed
// by digits, e.g. "DEMO21".
var ridPattern = regexp.MustCompile(`^([A-Z][A-Z0-9_]*?)(\d+)$`)

// Link connects one requirement to another.
type Link struct {
	RID  string `json:"rid"`
	Kind string `json:"kind,omitempty"` // e.g. "derives", "refines"; empty means generic
}

// Attachment references an external artifact from a requirement.
type Attachment struct {
	Path string `json:"path"`
	Note string `json:"note,omitempty"`
}

// Requirement is one persisted requirement document.
type Requirement struct {
	RID         string       `json:"rid"`
	Title       string       `json:"title"`
	Statement   string       `json:"statement"`
	Status      string       `json:"status"`
	Owner       string       `json:"owner,omitempty"`
	Priority    string       `json:"priority,omitempty"`
	Notes       string       `json:"notes,omitempty"`
	Labels      []string     `json:"labels,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Links       []Link       `json:"links,omitempty"`
	Revision    int          `json:"revision"`
	ModifiedAt  time.Time    `json:"modified_at"`
}

// Label is a named tag applied to requirements.
type Label struct {
	Key   string `json:"key"`
	Title string `json:"title,omitempty"`
	Color string `json:"color,omitempty"`
}

// Page is one page of a requirement listing.
type Page struct {
	Items   []Requirement `json:"items"`
	Total   int           `json:"total"`
	Page    int           `json:"page"`
	PerPage int           `json:"per_page"`
}

// ListQuery filters and paginates a listing.
type ListQuery struct {
	Page    int      // 1-based; 0 means 1
	PerPage int      // 0 means default (50)
	Status  string   // optional status filter
	Labels  []string // all must be present
}

// SearchQuery is a text search over title/statement plus label filters.
type SearchQuery struct {
	Query   string
	Labels  []string
	Page    int
	PerPage int
}

// SplitRID splits "DEMO21" into ("DEMO", 21). Returns an error for anything
// that does not match the <PREFIX><digits> form.
func SplitRID(rid string) (prefix string, num int, err error) {
	m := ridPattern.FindStringSubmatch(rid)
	if m == nil {
		return "", 0, fmt.Errorf("invalid requirement id %q", rid)
	}
	fmt.Sscanf(m[2], "%d", &num)
	return m[1], num, nil
}

// ValidStatus reports whether s is an allowed status value.
func ValidStatus(s string) bool {
	for _, allowed := range Statuses {
		if s == allowed {
			return true
		}
	}
	return false
}
