package reqs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cookareq/cookareq/pkg/errs"
)

func newTestService(t *testing.T) *FileService {
	t.Helper()
	svc, err := NewFileService(t.TempDir())
	require.NoError(t, err)
	return svc
}

func TestCreateAssignsSequentialIDs(t *testing.T) {
	svc := newTestService(t)

	r1, err := svc.Create("DEMO", Requirement{Title: "First"})
	require.NoError(t, err)
	assert.Equal(t, "DEMO1", r1.RID)
	assert.Equal(t, StatusDraft, r1.Status)
	assert.Equal(t, 1, r1.Revision)

	r2, err := svc.Create("DEMO", Requirement{Title: "Second"})
	require.NoError(t, err)
	assert.Equal(t, "DEMO2", r2.RID)

	// A different prefix starts its own sequence.
	s1, err := svc.Create("SYS", Requirement{Title: "Other"})
	require.NoError(t, err)
	assert.Equal(t, "SYS1", s1.RID)
}

func TestCreateValidation(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Create("DEMO", Requirement{})
	assert.True(t, errs.IsCode(err, errs.CodeValidation))

	_, err = svc.Create("", Requirement{Title: "x"})
	assert.True(t, errs.IsCode(err, errs.CodeValidation))

	_, err = svc.Create("DEMO", Requirement{Title: "x", Status: "bogus"})
	assert.True(t, errs.IsCode(err, errs.CodeValidation))
}

func TestGetMissingIsNotFound(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Get("DEMO99")
	assert.True(t, errs.IsCode(err, errs.CodeNotFound))

	_, err = svc.Get("not-a-rid")
	assert.True(t, errs.IsCode(err, errs.CodeValidation))
}

func TestUpdateFieldBumpsRevision(t *testing.T) {
	svc := newTestService(t)
	r, err := svc.Create("DEMO", Requirement{Title: "Before"})
	require.NoError(t, err)

	updated, err := svc.UpdateField(r.RID, "title", "After")
	require.NoError(t, err)
	assert.Equal(t, "After", updated.Title)
	assert.Equal(t, 2, updated.Revision)
	assert.False(t, updated.ModifiedAt.Before(r.ModifiedAt))

	_, err = svc.UpdateField(r.RID, "status", StatusApproved)
	require.NoError(t, err)

	_, err = svc.UpdateField(r.RID, "status", "nope")
	assert.True(t, errs.IsCode(err, errs.CodeValidation))

	_, err = svc.UpdateField(r.RID, "shape", "round")
	assert.True(t, errs.IsCode(err, errs.CodeValidation))

	_, err = svc.UpdateField(r.RID, "title", 42)
	assert.True(t, errs.IsCode(err, errs.CodeValidation))
}

func TestLabelsLifecycle(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.CreateLabel(Label{Key: "safety", Title: "Safety"})
	require.NoError(t, err)

	_, err = svc.CreateLabel(Label{Key: "safety"})
	assert.True(t, errs.IsCode(err, errs.CodeConflict))

	r, err := svc.Create("DEMO", Requirement{Title: "Labeled"})
	require.NoError(t, err)

	_, err = svc.SetLabels(r.RID, []string{"safety"})
	require.NoError(t, err)

	_, err = svc.SetLabels(r.RID, []string{"missing"})
	assert.True(t, errs.IsCode(err, errs.CodeNotFound))

	// Rename propagates to requirements.
	_, err = svc.UpdateLabel("safety", Label{Key: "sec", Title: "Security"})
	require.NoError(t, err)
	got, err := svc.Get(r.RID)
	require.NoError(t, err)
	assert.Equal(t, []string{"sec"}, got.Labels)

	// Delete strips the label.
	require.NoError(t, svc.DeleteLabel("sec"))
	got, err = svc.Get(r.RID)
	require.NoError(t, err)
	assert.Empty(t, got.Labels)

	err = svc.DeleteLabel("sec")
	assert.True(t, errs.IsCode(err, errs.CodeNotFound))
}

func TestLinksValidateTargets(t *testing.T) {
	svc := newTestService(t)
	a, err := svc.Create("DEMO", Requirement{Title: "A"})
	require.NoError(t, err)
	b, err := svc.Create("DEMO", Requirement{Title: "B"})
	require.NoError(t, err)

	_, err = svc.Link(a.RID, a.RID, "refines")
	assert.True(t, errs.IsCode(err, errs.CodeValidation))

	_, err = svc.Link(a.RID, "DEMO99", "refines")
	assert.True(t, errs.IsCode(err, errs.CodeNotFound))

	linked, err := svc.Link(a.RID, b.RID, "refines")
	require.NoError(t, err)
	require.Len(t, linked.Links, 1)

	// Idempotent for the same (target, kind).
	linked, err = svc.Link(a.RID, b.RID, "refines")
	require.NoError(t, err)
	assert.Len(t, linked.Links, 1)
}

func TestDeleteStripsIncomingLinks(t *testing.T) {
	svc := newTestService(t)
	a, err := svc.Create("DEMO", Requirement{Title: "A"})
	require.NoError(t, err)
	b, err := svc.Create("DEMO", Requirement{Title: "B"})
	require.NoError(t, err)
	_, err = svc.Link(a.RID, b.RID, "derives")
	require.NoError(t, err)

	require.NoError(t, svc.Delete(b.RID))

	_, err = svc.Get(b.RID)
	assert.True(t, errs.IsCode(err, errs.CodeNotFound))

	got, err := svc.Get(a.RID)
	require.NoError(t, err)
	assert.Empty(t, got.Links)

	err = svc.Delete(b.RID)
	assert.True(t, errs.IsCode(err, errs.CodeNotFound))
}

func TestListFiltersAndPaginates(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.CreateLabel(Label{Key: "core"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		r, err := svc.Create("DEMO", Requirement{Title: "Item"})
		require.NoError(t, err)
		if i%2 == 0 {
			_, err = svc.SetLabels(r.RID, []string{"core"})
			require.NoError(t, err)
		}
	}

	page, err := svc.List(ListQuery{PerPage: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, "DEMO1", page.Items[0].RID)

	page, err = svc.List(ListQuery{Page: 3, PerPage: 2})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)

	page, err = svc.List(ListQuery{Labels: []string{"core"}})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
}

func TestSearchMatchesTitleStatementAndRID(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Create("DEMO", Requirement{Title: "Brake distance", Statement: "Shall stop within 10 m"})
	require.NoError(t, err)
	_, err = svc.Create("DEMO", Requirement{Title: "Lighting", Statement: "Headlamps on at dusk"})
	require.NoError(t, err)

	page, err := svc.Search(SearchQuery{Query: "brake"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	page, err = svc.Search(SearchQuery{Query: "demo2"})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "DEMO2", page.Items[0].RID)

	page, err = svc.Search(SearchQuery{Query: ""})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
}

func TestCacheReusesAndResets(t *testing.T) {
	cache := NewCache()
	dirA := t.TempDir()
	dirB := t.TempDir()

	a1, err := cache.Get(dirA)
	require.NoError(t, err)
	a2, err := cache.Get(dirA)
	require.NoError(t, err)
	assert.Same(t, a1, a2)

	// Switching the active path drops the old service.
	b, err := cache.Get(dirB)
	require.NoError(t, err)
	assert.NotSame(t, a1, b)

	a3, err := cache.Get(dirA)
	require.NoError(t, err)
	assert.NotSame(t, a1, a3)
}
