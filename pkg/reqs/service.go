package reqs

// Service is the port through which the tool catalog reaches requirement
// storage. All methods return taxonomy-enveloped errors (pkg/errs):
// NOT_FOUND for missing RIDs or labels, VALIDATION_ERROR for malformed
// input, CONFLICT for duplicate creations.
type Service interface {
	List(q ListQuery) (*Page, error)
	Get(rid string) (*Requirement, error)
	Search(q SearchQuery) (*Page, error)

	Create(prefix string, r Requirement) (*Requirement, error)
	UpdateField(rid, field string, value any) (*Requirement, error)
	SetLabels(rid string, labels []string) (*Requirement, error)
	SetAttachments(rid string, attachments []Attachment) (*Requirement, error)
	SetLinks(rid string, links []Link) (*Requirement, error)
	Delete(rid string) error
	Link(rid, targetRID, kind string) (*Requirement, error)

	ListLabels() ([]Label, error)
	CreateLabel(l Label) (*Label, error)
	UpdateLabel(key string, l Label) (*Label, error)
	DeleteLabel(key string) error
}
