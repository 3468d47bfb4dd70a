package tools

import (
	"github.com/cookareq/cookareq/pkg/reqs"
	"github.com/cookareq/cookareq/pkg/userdocs"
)

// Deps are the collaborators the catalog delegates to.
type Deps struct {
	Reqs reqs.Service
	Docs *userdocs.Service
}

type listRequirementsArgs struct {
	Page    int      `json:"page,omitempty" jsonschema:"description=1-based page number;defaults to 1"`
	PerPage int      `json:"per_page,omitempty" jsonschema:"description=items per page;defaults to 50"`
	Status  string   `json:"status,omitempty" jsonschema:"description=filter by status,enum=draft,enum=in_review,enum=approved,enum=baselined,enum=retired"`
	Labels  []string `json:"labels,omitempty" jsonschema:"description=only requirements carrying all of these labels"`
}

type getRequirementArgs struct {
	RID string `json:"rid" jsonschema:"required,description=requirement id such as DEMO21"`
}

type searchRequirementsArgs struct {
	Query   string   `json:"query" jsonschema:"required,description=case-insensitive text matched against rid and title and statement"`
	Labels  []string `json:"labels,omitempty" jsonschema:"description=only requirements carrying all of these labels"`
	Page    int      `json:"page,omitempty"`
	PerPage int      `json:"per_page,omitempty"`
}

type createRequirementArgs struct {
	Prefix    string `json:"prefix" jsonschema:"required,description=rid prefix such as DEMO; the next free number is assigned"`
	Title     string `json:"title" jsonschema:"required"`
	Statement string `json:"statement,omitempty"`
	Status    string `json:"status,omitempty" jsonschema:"enum=draft,enum=in_review,enum=approved,enum=baselined,enum=retired"`
	Owner     string `json:"owner,omitempty"`
	Priority  string `json:"priority,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

type updateRequirementFieldArgs struct {
	RID   string `json:"rid" jsonschema:"required"`
	Field string `json:"field" jsonschema:"required,enum=title,enum=statement,enum=status,enum=owner,enum=priority,enum=notes"`
	Value string `json:"value" jsonschema:"required"`
}

type setRequirementLabelsArgs struct {
	RID    string   `json:"rid" jsonschema:"required"`
	Labels []string `json:"labels" jsonschema:"required,description=replaces the full label set; every label must exist"`
}

type attachmentArg struct {
	Path string `json:"path" jsonschema:"required"`
	Note string `json:"note,omitempty"`
}

type setRequirementAttachmentsArgs struct {
	RID         string          `json:"rid" jsonschema:"required"`
	Attachments []attachmentArg `json:"attachments" jsonschema:"required"`
}

type linkArg struct {
	RID  string `json:"rid" jsonschema:"required,description=target requirement id"`
	Kind string `json:"kind,omitempty" jsonschema:"description=link kind such as derives or refines"`
}

type setRequirementLinksArgs struct {
	RID   string    `json:"rid" jsonschema:"required"`
	Links []linkArg `json:"links" jsonschema:"required"`
}

type deleteRequirementArgs struct {
	RID string `json:"rid" jsonschema:"required"`
}

type createLabelArgs struct {
	Key   string `json:"key" jsonschema:"required"`
	Title string `json:"title,omitempty"`
	Color string `json:"color,omitempty"`
}

type updateLabelArgs struct {
	Key    string `json:"key" jsonschema:"required,description=existing label key"`
	NewKey string `json:"new_key,omitempty" jsonschema:"description=rename the label; propagates to requirements"`
	Title  string `json:"title,omitempty"`
	Color  string `json:"color,omitempty"`
}

type deleteLabelArgs struct {
	Key string `json:"key" jsonschema:"required"`
}

type linkRequirementsArgs struct {
	RID       string `json:"rid" jsonschema:"required,description=source requirement id"`
	TargetRID string `json:"target_rid" jsonschema:"required,description=target requirement id"`
	Kind      string `json:"kind,omitempty"`
}

type emptyArgs struct{}

type readUserDocumentArgs struct {
	Path      string `json:"path" jsonschema:"required,description=path relative to the documents root"`
	StartLine int    `json:"start_line,omitempty" jsonschema:"description=1-based first line;defaults to 1"`
	MaxLines  int    `json:"max_lines,omitempty" jsonschema:"description=lines to return;defaults to 200"`
}

type createUserDocumentArgs struct {
	Path    string `json:"path" jsonschema:"required,description=path relative to the documents root"`
	Content string `json:"content" jsonschema:"required"`
}

type deleteUserDocumentArgs struct {
	Path string `json:"path" jsonschema:"required"`
}

// NewCatalog registers the full tool catalog against its collaborators.
// Tool names are part of the wire contract; renaming one breaks recorded
// conversations and LLM prompts alike.
func NewCatalog(deps Deps) *Registry {
	r := NewRegistry()
	for _, t := range []*Tool{
		MustNew("list_requirements", "List requirements with optional status and label filters, paginated.", false,
			func(a listRequirementsArgs) (any, error) {
				return deps.Reqs.List(reqs.ListQuery{Page: a.Page, PerPage: a.PerPage, Status: a.Status, Labels: a.Labels})
			}),
		MustNew("get_requirement", "Fetch one requirement by its id.", false,
			func(a getRequirementArgs) (any, error) {
				return deps.Reqs.Get(a.RID)
			}),
		MustNew("search_requirements", "Full-text search over requirement ids, titles and statements.", false,
			func(a searchRequirementsArgs) (any, error) {
				return deps.Reqs.Search(reqs.SearchQuery{Query: a.Query, Labels: a.Labels, Page: a.Page, PerPage: a.PerPage})
			}),
		MustNew("list_labels", "List all defined labels.", false,
			func(emptyArgs) (any, error) {
				return deps.Reqs.ListLabels()
			}),
		MustNew("create_requirement", "Create a requirement under a prefix; the next free number is assigned.", false,
			func(a createRequirementArgs) (any, error) {
				return deps.Reqs.Create(a.Prefix, reqs.Requirement{
					Title:     a.Title,
					Statement: a.Statement,
					Status:    a.Status,
					Owner:     a.Owner,
					Priority:  a.Priority,
					Notes:     a.Notes,
				})
			}),
		MustNew("update_requirement_field", "Set one scalar field of a requirement.", false,
			func(a updateRequirementFieldArgs) (any, error) {
				return deps.Reqs.UpdateField(a.RID, a.Field, a.Value)
			}),
		MustNew("set_requirement_labels", "Replace a requirement's label set.", false,
			func(a setRequirementLabelsArgs) (any, error) {
				return deps.Reqs.SetLabels(a.RID, a.Labels)
			}),
		MustNew("set_requirement_attachments", "Replace a requirement's attachment list.", false,
			func(a setRequirementAttachmentsArgs) (any, error) {
				attachments := make([]reqs.Attachment, len(a.Attachments))
				for i, att := range a.Attachments {
					attachments[i] = reqs.Attachment{Path: att.Path, Note: att.Note}
				}
				return deps.Reqs.SetAttachments(a.RID, attachments)
			}),
		MustNew("set_requirement_links", "Replace a requirement's outgoing links.", false,
			func(a setRequirementLinksArgs) (any, error) {
				links := make([]reqs.Link, len(a.Links))
				for i, l := range a.Links {
					links[i] = reqs.Link{RID: l.RID, Kind: l.Kind}
				}
				return deps.Reqs.SetLinks(a.RID, links)
			}),
		MustNew("delete_requirement", "Permanently delete a requirement and links pointing at it.", true,
			func(a deleteRequirementArgs) (any, error) {
				if err := deps.Reqs.Delete(a.RID); err != nil {
					return nil, err
				}
				return map[string]any{"deleted": true, "rid": a.RID}, nil
			}),
		MustNew("create_label", "Define a new label.", false,
			func(a createLabelArgs) (any, error) {
				return deps.Reqs.CreateLabel(reqs.Label{Key: a.Key, Title: a.Title, Color: a.Color})
			}),
		MustNew("update_label", "Update or rename a label; renames propagate to requirements.", false,
			func(a updateLabelArgs) (any, error) {
				key := a.NewKey
				if key == "" {
					key = a.Key
				}
				return deps.Reqs.UpdateLabel(a.Key, reqs.Label{Key: key, Title: a.Title, Color: a.Color})
			}),
		MustNew("delete_label", "Permanently delete a label and remove it from all requirements.", true,
			func(a deleteLabelArgs) (any, error) {
				if err := deps.Reqs.DeleteLabel(a.Key); err != nil {
					return nil, err
				}
				return map[string]any{"deleted": true, "key": a.Key}, nil
			}),
		MustNew("link_requirements", "Add a link from one requirement to another.", false,
			func(a linkRequirementsArgs) (any, error) {
				return deps.Reqs.Link(a.RID, a.TargetRID, a.Kind)
			}),
		MustNew("list_user_documents", "List files under the documents root.", false,
			func(emptyArgs) (any, error) {
				return deps.Docs.List()
			}),
		MustNew("read_user_document", "Read a line window of a document under the documents root.", false,
			func(a readUserDocumentArgs) (any, error) {
				return deps.Docs.Read(a.Path, a.StartLine, a.MaxLines)
			}),
		MustNew("create_user_document", "Create a new text document under the documents root.", false,
			func(a createUserDocumentArgs) (any, error) {
				return deps.Docs.Create(a.Path, a.Content)
			}),
		MustNew("delete_user_document", "Delete a document under the documents root.", false,
			func(a deleteUserDocumentArgs) (any, error) {
				if err := deps.Docs.Delete(a.Path); err != nil {
					return nil, err
				}
				return map[string]any{"deleted": true, "path": a.Path}, nil
			}),
	} {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}
