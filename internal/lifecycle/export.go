package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/qabridge/backend/internal/dedup"
	"github.com/qabridge/backend/internal/metrics"
	"github.com/qabridge/backend/internal/similarity"
	"github.com/qabridge/backend/internal/storage/models"
	"github.com/qabridge/backend/internal/storage/sqlite"
)

// CandidateIndex finds training examples with similar answers.
type CandidateIndex interface {
	Upsert(ctx context.Context, exampleID int64, lang models.Language, vector []float32) error
	Remove(ctx context.Context, exampleID int64) error
	Neighbors(ctx context.Context, lang models.Language, vector []float32, topK int) ([]int64, error)
}

type VectorSource interface {
	Vector(ctx context.Context, text string) ([]float32, error)
}

type ExportReport struct {
	Path       string `json:"path"`
	BackupPath string `json:"backup_path,omitempty"`
	// Written counts records appended to the export file by this run.
	Written        int `json:"written"`
	AlreadyPresent int `json:"already_present"`
	Skipped        int `json:"skipped"`
	Deactivated    int `json:"deactivated"`
	Promoted       int `json:"promoted"`
	// Clusters maps each kept example to the examples deactivated as its
	// answer duplicates in this run.
	Clusters map[int64][]int64 `json:"clusters,omitempty"`
}

// Export deduplicates active training examples per language, appends the
// survivors to the export file and moves approved interactions to exported.
// Only examples that went through deduplication in this run are written and
// promoted; anything approved while the run is in progress waits for the
// next one.
func (m *Manager) Export(ctx context.Context) (*ExportReport, error) {
	if m.cfg.ExportPath == "" {
		return nil, fmt.Errorf("export path is not configured")
	}

	report := &ExportReport{Path: m.cfg.ExportPath, Clusters: make(map[int64][]int64)}
	var (
		scanned  = make(map[int64]bool)
		promoted []int64
	)

	for _, lang := range []models.Language{models.LanguagePrimary, models.LanguageSecondary} {
		pass, err := m.dedupeExamples(ctx, lang)
		if err != nil {
			return nil, fmt.Errorf("dedupe %s examples: %w", lang, err)
		}
		for root, members := range pass.groups {
			report.Clusters[root] = members
			report.Deactivated += len(members)
		}
		for id := range pass.scanned {
			scanned[id] = true
		}
		promoted = append(promoted, pass.promoted...)
	}

	listed, err := m.db.ListTrainingExamples(ctx, sqlite.ExampleFilter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	active := listed[:0]
	for _, ex := range listed {
		if scanned[ex.ID] {
			active = append(active, ex)
		}
	}

	now := m.now().UTC()
	res, err := writeExport(m.cfg.ExportPath, m.cfg.BackupDir, active, now)
	if err != nil {
		return nil, err
	}
	report.BackupPath = res.backupPath
	report.Written = res.written
	report.AlreadyPresent = res.present
	report.Skipped = res.skipped
	for lang, n := range res.byLanguage {
		metrics.ExportedExamples.WithLabelValues(lang).Add(float64(n))
	}

	err = m.db.WithTx(ctx, func(r sqlite.Repo) error {
		for _, id := range promoted {
			it, err := r.GetInteraction(ctx, id)
			if errors.Is(err, sqlite.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			// Deleted and re-approved examples are not ours to promote.
			if it.State != models.StateApproved {
				continue
			}
			it.State = models.StateExported
			it.ExportedAt = &now
			if err := r.UpdateInteraction(ctx, it); err != nil {
				return err
			}
			report.Promoted++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark interactions exported: %w", err)
	}

	m.logger.Info("Training data exported",
		zap.String("path", report.Path),
		zap.Int("written", report.Written),
		zap.Int("already_present", report.AlreadyPresent),
		zap.Int("skipped", report.Skipped),
		zap.Int("deactivated", report.Deactivated),
		zap.Int("promoted", report.Promoted),
	)
	return report, nil
}

type deactivation struct {
	exampleID int64
	reference int64
	score     float64
}

// dedupePass is what one language's deduplication saw: the example ids it
// listed, the approved interactions whose examples it handled and the
// clusters it formed.
type dedupePass struct {
	scanned  map[int64]bool
	promoted []int64
	groups   map[int64][]int64
}

// dedupeExamples runs the precise profile over the active examples of one
// language that are pending export, oldest first. Each pending example is
// compared with every older active example, so the older of two duplicates
// always stays active. Examples exported by earlier runs were already
// compared with each other and are not compared again.
func (m *Manager) dedupeExamples(ctx context.Context, lang models.Language) (*dedupePass, error) {
	// Examples are listed before approvals: an approval landing in between
	// names an example this pass never saw, and it is left for the next run.
	examples, err := m.db.ListTrainingExamples(ctx, sqlite.ExampleFilter{Language: lang, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	approved, err := m.db.ListInteractions(ctx, sqlite.InteractionFilter{State: models.StateApproved, Language: lang})
	if err != nil {
		return nil, err
	}
	pending := make(map[int64]bool, len(approved))
	for _, it := range approved {
		pending[it.ID] = true
	}

	pass := &dedupePass{scanned: make(map[int64]bool, len(examples))}
	for _, ex := range examples {
		pass.scanned[ex.ID] = true
		if pending[ex.SourceInteractionID] {
			pass.promoted = append(pass.promoted, ex.SourceInteractionID)
		}
	}
	if m.precise == nil || len(pass.promoted) == 0 {
		return pass, nil
	}

	if w, ok := m.precise.Profile().Strategy.(similarity.Warmer); ok {
		texts := make([]string, 0, 2*len(examples))
		for _, ex := range examples {
			texts = append(texts, ex.Question, ex.Answer)
		}
		if err := w.Warm(ctx, texts); err != nil {
			return nil, err
		}
	}

	var (
		clusters = dedup.NewClusters()
		kept     []dedup.Entry
		keptIdx  = make(map[int64]int)
		fresh    []dedup.Entry
		drops    []deactivation
	)

	for _, ex := range examples {
		entry := dedup.Entry{
			ID:        ex.ID,
			CreatedAt: ex.CreatedAt,
			Question:  ex.Question,
			Answer:    ex.Answer,
		}
		clusters.Add(ex.ID, ex.CreatedAt)

		if !pending[ex.SourceInteractionID] {
			keptIdx[ex.ID] = len(kept)
			kept = append(kept, entry)
			continue
		}

		corpus, vec := m.candidates(ctx, ex, kept, keptIdx, fresh)

		d, err := m.precise.Classify(ctx, entry, corpus, dedup.FieldPair)
		if err != nil {
			return nil, err
		}
		if d.IsDuplicate {
			root := clusters.Union(d.ReferenceID, ex.ID)
			drops = append(drops, deactivation{exampleID: ex.ID, reference: root, score: d.Score})
			continue
		}

		keptIdx[ex.ID] = len(kept)
		kept = append(kept, entry)
		fresh = append(fresh, entry)
		if m.index != nil && vec != nil {
			if err := m.index.Upsert(ctx, ex.ID, lang, vec); err != nil {
				m.logger.Warn("Failed to index training example", zap.Int64("example_id", ex.ID), zap.Error(err))
			}
		}
	}

	if len(drops) == 0 {
		return pass, nil
	}

	err = m.db.WithTx(ctx, func(r sqlite.Repo) error {
		for _, dr := range drops {
			ex, err := r.GetTrainingExample(ctx, dr.exampleID)
			if err != nil {
				return err
			}
			ref := dr.reference
			ex.Active = false
			ex.DuplicateOfAnswer = &ref
			ex.AnswerSimilarity = dr.score
			if err := r.UpdateTrainingExample(ctx, ex); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, dr := range drops {
		m.record("answer_duplicate_of", m.lineage.AnswerDuplicateOf(ctx, dr.exampleID, dr.reference, dr.score))
	}
	metrics.DeactivatedExamples.Add(float64(len(drops)))

	m.logger.Info("Answer duplicates deactivated",
		zap.String("language", string(lang)),
		zap.Int("pending", len(pass.promoted)),
		zap.Int("deactivated", len(drops)),
	)
	pass.groups = clusters.Groups()
	return pass, nil
}

// candidates narrows the kept examples to the answer index's nearest
// neighbours of ex, plus the examples kept earlier in this run, which the
// index may not serve yet. Without an index, or when it fails, every kept
// example is a candidate.
func (m *Manager) candidates(ctx context.Context, ex models.TrainingExample, kept []dedup.Entry, keptIdx map[int64]int, fresh []dedup.Entry) ([]dedup.Entry, []float32) {
	if m.index == nil || m.vectors == nil {
		return kept, nil
	}

	vec, err := m.vectors.Vector(ctx, ex.Answer)
	if err != nil {
		m.logger.Warn("Failed to embed answer for candidate search", zap.Int64("example_id", ex.ID), zap.Error(err))
		return kept, nil
	}

	ids, err := m.index.Neighbors(ctx, ex.Language, vec, m.cfg.NeighborK)
	if err != nil {
		m.logger.Warn("Candidate search failed, comparing against all examples", zap.Error(err))
		return kept, vec
	}

	seen := make(map[int64]bool, len(ids)+len(fresh))
	corpus := make([]dedup.Entry, 0, len(ids)+len(fresh))
	for _, id := range ids {
		if i, ok := keptIdx[id]; ok && !seen[id] {
			seen[id] = true
			corpus = append(corpus, kept[i])
		}
	}
	for _, e := range fresh {
		if !seen[e.ID] {
			seen[e.ID] = true
			corpus = append(corpus, e)
		}
	}
	return corpus, vec
}

// Reindex loads the answer embedding of every active example into the
// candidate index.
func (m *Manager) Reindex(ctx context.Context) (int, error) {
	if m.index == nil || m.vectors == nil {
		return 0, fmt.Errorf("no candidate index configured")
	}

	examples, err := m.db.ListTrainingExamples(ctx, sqlite.ExampleFilter{ActiveOnly: true})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, ex := range examples {
		vec, err := m.vectors.Vector(ctx, ex.Answer)
		if err != nil {
			return n, fmt.Errorf("embed example %d: %w", ex.ID, err)
		}
		if err := m.index.Upsert(ctx, ex.ID, ex.Language, vec); err != nil {
			return n, err
		}
		n++
	}
	m.logger.Info("Answer index rebuilt", zap.Int("examples", n))
	return n, nil
}

// indexExample adds a reactivated example to the candidate index so later
// exports compare new answers against it.
func (m *Manager) indexExample(ctx context.Context, ex *models.TrainingExample) {
	if ex == nil || m.index == nil || m.vectors == nil {
		return
	}
	vec, err := m.vectors.Vector(ctx, ex.Answer)
	if err == nil {
		err = m.index.Upsert(ctx, ex.ID, ex.Language, vec)
	}
	if err != nil {
		m.logger.Warn("Failed to index training example", zap.Int64("example_id", ex.ID), zap.Error(err))
	}
}

func (m *Manager) unindex(ctx context.Context, exampleID int64) {
	if m.index == nil {
		return
	}
	if err := m.index.Remove(ctx, exampleID); err != nil {
		m.logger.Warn("Failed to remove example from answer index", zap.Int64("example_id", exampleID), zap.Error(err))
	}
}
