package timeline

// Integrity statuses.
const (
	StatusValid   = "valid"
	StatusDamaged = "damaged"
	StatusMissing = "missing"
	StatusUnknown = "unknown"
)

// Integrity issue identifiers.
const (
	IssueMissingSequence       = "missing_sequence"
	IssueDuplicateSequence     = "duplicate_sequence"
	IssueNonContiguousSequence = "non_contiguous_sequence"
	IssueMissingCallID         = "missing_call_id"
	IssueDuplicateCallID       = "duplicate_call_id"
	IssueChecksumMismatch      = "checksum_mismatch"
	IssueChecksumError         = "checksum_error"
)

// Report is the result of one integrity assessment.
type Report struct {
	Status   string   `json:"status"`
	Issues   []string `json:"issues,omitempty"`
	Checksum string   `json:"checksum,omitempty"` // recomputed digest
}

// Assess validates a persisted timeline against its stored checksum.
// A nil timeline is "missing". With no structural issues and a matching
// checksum it is "valid"; with no stored checksum to compare against it is
// "unknown"; anything else is "damaged" with the issue list populated.
func Assess(entries []Entry, storedChecksum string) Report {
	if entries == nil {
		return Report{Status: StatusMissing}
	}

	var issues []string
	issues = append(issues, sequenceIssues(entries)...)
	issues = append(issues, callIDIssues(entries)...)

	recomputed, err := Checksum(entries)
	switch {
	case err != nil:
		issues = append(issues, IssueChecksumError)
	case storedChecksum != "" && recomputed != storedChecksum:
		issues = append(issues, IssueChecksumMismatch)
	}

	if len(issues) > 0 {
		return Report{Status: StatusDamaged, Issues: issues, Checksum: recomputed}
	}
	if storedChecksum == "" {
		return Report{Status: StatusUnknown, Checksum: recomputed}
	}
	return Report{Status: StatusValid, Checksum: recomputed}
}

// sequenceIssues checks for missing, duplicate and non-contiguous
// sequences. Contiguity means exactly [0..N).
func sequenceIssues(entries []Entry) []string {
	var issues []string
	seen := make(map[int]bool, len(entries))
	missing := false
	duplicate := false
	for _, e := range entries {
		if e.Sequence == nil {
			missing = true
			continue
		}
		if seen[*e.Sequence] {
			duplicate = true
		}
		seen[*e.Sequence] = true
	}
	if missing {
		issues = append(issues, IssueMissingSequence)
	}
	if duplicate {
		issues = append(issues, IssueDuplicateSequence)
	}
	if !missing && !duplicate {
		for i := 0; i < len(entries); i++ {
			if !seen[i] {
				issues = append(issues, IssueNonContiguousSequence)
				break
			}
		}
	}
	return issues
}

// callIDIssues checks tool_call entries for absent or duplicated call ids.
func callIDIssues(entries []Entry) []string {
	var issues []string
	seen := make(map[string]bool)
	missing := false
	duplicate := false
	for _, e := range entries {
		if e.Kind != KindToolCall {
			continue
		}
		if e.CallID == "" {
			missing = true
			continue
		}
		if seen[e.CallID] {
			duplicate = true
		}
		seen[e.CallID] = true
	}
	if missing {
		issues = append(issues, IssueMissingCallID)
	}
	if duplicate {
		issues = append(issues, IssueDuplicateCallID)
	}
	return issues
}
