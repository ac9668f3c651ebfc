package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qabridge/backend/internal/storage/models"
	"github.com/qabridge/backend/internal/storage/sqlite"
)

// setRef writes a raw duplicate reference, bypassing FlagDuplicate's checks,
// to reproduce rows left behind by older versions.
func setRef(t *testing.T, db *sqlite.Client, id int64, ref *int64) {
	t.Helper()
	ctx := context.Background()
	it, err := db.GetInteraction(ctx, id)
	require.NoError(t, err)
	it.IsDuplicate = ref != nil
	it.DuplicateOf = ref
	require.NoError(t, db.UpdateInteraction(ctx, it))
}

func TestRepairCollapsesChainsAndCycles(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()

	a := insert(t, db, "q a", t0)
	b := insert(t, db, "q b", t0.Add(time.Minute))
	c := insert(t, db, "q c", t0.Add(2*time.Minute))
	d := insert(t, db, "q d", t0.Add(3*time.Minute))
	e := insert(t, db, "q e", t0.Add(4*time.Minute))
	lone := insert(t, db, "q lone", t0.Add(5*time.Minute))

	// c -> b -> a is a chain; d <-> e is a cycle; lone is flagged with no reference.
	setRef(t, db, b.ID, &a.ID)
	setRef(t, db, c.ID, &b.ID)
	setRef(t, db, d.ID, &e.ID)
	setRef(t, db, e.ID, &d.ID)
	loneRow, err := db.GetInteraction(ctx, lone.ID)
	require.NoError(t, err)
	loneRow.IsDuplicate = true
	require.NoError(t, db.UpdateInteraction(ctx, loneRow))

	report, err := m.RepairDuplicates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, report.Scanned)
	assert.Equal(t, 1, report.Rerooted, "c moves from b to a")
	assert.Equal(t, 2, report.Cleared, "d and lone")

	all, err := db.ListInteractions(ctx, sqlite.InteractionFilter{})
	require.NoError(t, err)
	refs := make(map[int64]*int64)
	for _, it := range all {
		require.NoError(t, it.CheckDuplicateRef())
		refs[it.ID] = it.DuplicateOf
	}
	assert.Nil(t, refs[a.ID])
	assert.Equal(t, a.ID, *refs[b.ID])
	assert.Equal(t, a.ID, *refs[c.ID])
	assert.Nil(t, refs[d.ID])
	assert.Equal(t, d.ID, *refs[e.ID])
	assert.Nil(t, refs[lone.ID])

	again, err := m.RepairDuplicates(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Rerooted+again.Cleared)
}

func TestDuplicateGroups(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()

	a := insert(t, db, "What is OOP?", t0)
	b := insert(t, db, "What's OOP?", t0.Add(time.Minute))
	x := insert(t, db, "Where is the library?", t0.Add(2*time.Minute))
	y := insert(t, db, "Where's the library?", t0.Add(3*time.Minute))
	setRef(t, db, b.ID, &a.ID)
	setRef(t, db, y.ID, &x.ID)

	groups, err := m.DuplicateGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, a.ID, groups[0].Canonical.ID)
	assert.Equal(t, []int64{b.ID}, ids(groups[0].Duplicates))
	assert.Equal(t, x.ID, groups[1].Canonical.ID)
}

func ids(its []models.Interaction) []int64 {
	out := make([]int64, len(its))
	for i, it := range its {
		out[i] = it.ID
	}
	return out
}
