package lifecycle

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/qabridge/backend/internal/dedup"
	"github.com/qabridge/backend/internal/storage/models"
	"github.com/qabridge/backend/internal/storage/sqlite"
)

type RepairReport struct {
	Scanned int `json:"scanned"`
	// Rerooted counts duplicates whose reference was moved to their
	// cluster's oldest member.
	Rerooted int `json:"rerooted"`
	// Cleared counts records whose duplicate flag or dangling reference
	// was removed.
	Cleared int `json:"cleared"`
}

// RepairDuplicates rewrites duplicate references so every cluster points at
// its oldest member. Chains collapse to one hop, cycles and self references
// are broken, and a flag without a reference is cleared.
func (m *Manager) RepairDuplicates(ctx context.Context) (*RepairReport, error) {
	report := &RepairReport{}

	err := m.db.WithTx(ctx, func(r sqlite.Repo) error {
		all, err := r.ListInteractions(ctx, sqlite.InteractionFilter{})
		if err != nil {
			return err
		}
		report.Scanned = len(all)

		clusters := dedup.NewClusters()
		for _, it := range all {
			clusters.Add(it.ID, it.CreatedAt)
		}
		for _, it := range all {
			if it.DuplicateOf == nil || *it.DuplicateOf == it.ID || !clusters.Has(*it.DuplicateOf) {
				continue
			}
			clusters.Union(it.ID, *it.DuplicateOf)
		}

		for i := range all {
			it := &all[i]
			root := clusters.Find(it.ID)

			if root == it.ID {
				if !it.IsDuplicate && it.DuplicateOf == nil {
					continue
				}
				it.IsDuplicate = false
				it.DuplicateOf = nil
				report.Cleared++
			} else {
				if it.IsDuplicate && it.DuplicateOf != nil && *it.DuplicateOf == root {
					continue
				}
				ref := root
				it.IsDuplicate = true
				it.DuplicateOf = &ref
				report.Rerooted++
			}
			if err := r.UpdateInteraction(ctx, it); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("Duplicate references repaired",
		zap.Int("scanned", report.Scanned),
		zap.Int("rerooted", report.Rerooted),
		zap.Int("cleared", report.Cleared),
	)
	return report, nil
}

// DuplicateGroups lists every canonical interaction with its duplicates,
// oldest canonical first.
func (m *Manager) DuplicateGroups(ctx context.Context) ([]models.DuplicateGroup, error) {
	dups, err := m.db.ListInteractions(ctx, sqlite.InteractionFilter{DuplicatesOnly: true})
	if err != nil {
		return nil, err
	}

	byCanonical := make(map[int64][]models.Interaction)
	for _, d := range dups {
		if d.DuplicateOf == nil {
			continue
		}
		byCanonical[*d.DuplicateOf] = append(byCanonical[*d.DuplicateOf], d)
	}

	groups := make([]models.DuplicateGroup, 0, len(byCanonical))
	for id, members := range byCanonical {
		canonical, err := m.db.GetInteraction(ctx, id)
		if err != nil {
			return nil, err
		}
		groups = append(groups, models.DuplicateGroup{Canonical: *canonical, Duplicates: members})
	}

	sort.Slice(groups, func(i, j int) bool {
		a, b := groups[i].Canonical, groups[j].Canonical
		return dedup.Older(a.ID, a.CreatedAt, b.ID, b.CreatedAt)
	})
	return groups, nil
}
