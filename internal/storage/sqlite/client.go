package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlite3migrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/qabridge/backend/internal/storage/models"
	"github.com/qabridge/backend/pkg/logger"
)

var ErrNotFound = errors.New("record not found")

//go:embed migrations/*.sql
var migrations embed.FS

// Client owns the database handle. Its embedded Repo runs statements outside
// a transaction; WithTx hands callers a Repo bound to one.
type Client struct {
	Repo
	db *sqlx.DB
}

func NewClient(dbPath string) (*Client, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate", dbPath)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{Repo: Repo{q: db}, db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

// Migrate applies the embedded schema migrations.
func (c *Client) Migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}

	driver, err := sqlite3migrate.WithInstance(c.db.DB, &sqlite3migrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to get database instance for migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	// m.Close would close the shared *sql.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("SQLite schema migrated")
	return nil
}

// WithTx runs fn inside a single transaction, committing when fn returns nil.
func (c *Client) WithTx(ctx context.Context, fn func(r Repo) error) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(Repo{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type Repo struct {
	q sqlx.ExtContext
}

const interactionColumns = `id, request_id, requester_id, destination, question, language, priority,
	answer, created_at, answered_at, latency_ms, model_version, feedback, review_state, fail_reason,
	is_duplicate, duplicate_of_id, similarity_score, exported_at, updated_at`

func (r Repo) InsertInteraction(ctx context.Context, it *models.Interaction) error {
	now := time.Now().UTC()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	it.UpdatedAt = now
	if it.State == "" {
		it.State = models.StateCreated
	}
	if it.Priority == "" {
		it.Priority = models.PriorityNormal
	}

	query := `
		INSERT INTO interactions (request_id, requester_id, destination, question, language, priority,
			answer, created_at, answered_at, latency_ms, model_version, feedback, review_state, fail_reason,
			is_duplicate, duplicate_of_id, similarity_score, exported_at, updated_at)
		VALUES (:request_id, :requester_id, :destination, :question, :language, :priority,
			:answer, :created_at, :answered_at, :latency_ms, :model_version, :feedback, :review_state, :fail_reason,
			:is_duplicate, :duplicate_of_id, :similarity_score, :exported_at, :updated_at)
	`

	res, err := sqlx.NamedExecContext(ctx, r.q, query, it)
	if err != nil {
		return fmt.Errorf("failed to insert interaction: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read interaction id: %w", err)
	}
	it.ID = id

	logger.Debug("Interaction inserted",
		zap.Int64("interaction_id", id),
		zap.String("request_id", it.RequestID),
	)
	return nil
}

func (r Repo) GetInteraction(ctx context.Context, id int64) (*models.Interaction, error) {
	var it models.Interaction
	err := sqlx.GetContext(ctx, r.q, &it, `SELECT `+interactionColumns+` FROM interactions WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err, "interaction", id)
	}
	return &it, nil
}

func (r Repo) GetInteractionByRequestID(ctx context.Context, requestID string) (*models.Interaction, error) {
	var it models.Interaction
	err := sqlx.GetContext(ctx, r.q, &it, `SELECT `+interactionColumns+` FROM interactions WHERE request_id = ?`, requestID)
	if err != nil {
		return nil, notFound(err, "interaction", requestID)
	}
	return &it, nil
}

// UpdateInteraction writes every mutable column of it.
func (r Repo) UpdateInteraction(ctx context.Context, it *models.Interaction) error {
	it.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE interactions SET
			answer = :answer,
			answered_at = :answered_at,
			latency_ms = :latency_ms,
			model_version = :model_version,
			feedback = :feedback,
			review_state = :review_state,
			fail_reason = :fail_reason,
			is_duplicate = :is_duplicate,
			duplicate_of_id = :duplicate_of_id,
			similarity_score = :similarity_score,
			exported_at = :exported_at,
			updated_at = :updated_at
		WHERE id = :id
	`

	res, err := sqlx.NamedExecContext(ctx, r.q, query, it)
	if err != nil {
		return fmt.Errorf("failed to update interaction %d: %w", it.ID, err)
	}
	return expectRow(res, "interaction", it.ID)
}

func (r Repo) DeleteInteraction(ctx context.Context, id int64) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM interactions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete interaction %d: %w", id, err)
	}
	return expectRow(res, "interaction", id)
}

// RecentInteractions returns up to limit interactions of one language, newest
// first, excluding excludeID.
func (r Repo) RecentInteractions(ctx context.Context, lang models.Language, excludeID int64, limit int) ([]models.Interaction, error) {
	query := `SELECT ` + interactionColumns + ` FROM interactions
		WHERE language = ? AND id <> ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`

	var out []models.Interaction
	if err := sqlx.SelectContext(ctx, r.q, &out, query, lang, excludeID, limit); err != nil {
		return nil, fmt.Errorf("failed to load recent interactions: %w", err)
	}
	return out, nil
}

// DuplicatesOf returns the interactions referencing canonicalID, oldest first.
func (r Repo) DuplicatesOf(ctx context.Context, canonicalID int64) ([]models.Interaction, error) {
	query := `SELECT ` + interactionColumns + ` FROM interactions
		WHERE duplicate_of_id = ?
		ORDER BY created_at, id`

	var out []models.Interaction
	if err := sqlx.SelectContext(ctx, r.q, &out, query, canonicalID); err != nil {
		return nil, fmt.Errorf("failed to load duplicates of %d: %w", canonicalID, err)
	}
	return out, nil
}

type InteractionFilter struct {
	State          models.ReviewState
	Language       models.Language
	DuplicatesOnly bool
	ExportedBefore *time.Time
	Limit          int
	Offset         int
}

// ListInteractions returns matching interactions oldest first. A zero Limit
// means no limit.
func (r Repo) ListInteractions(ctx context.Context, f InteractionFilter) ([]models.Interaction, error) {
	var (
		where []string
		args  []any
	)
	if f.State != "" {
		where = append(where, "review_state = ?")
		args = append(args, f.State)
	}
	if f.Language != "" {
		where = append(where, "language = ?")
		args = append(args, f.Language)
	}
	if f.DuplicatesOnly {
		where = append(where, "is_duplicate = 1")
	}
	if f.ExportedBefore != nil {
		where = append(where, "exported_at IS NOT NULL AND exported_at <= ?")
		args = append(args, f.ExportedBefore.UTC())
	}

	query := `SELECT ` + interactionColumns + ` FROM interactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	var out []models.Interaction
	if err := sqlx.SelectContext(ctx, r.q, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list interactions: %w", err)
	}
	return out, nil
}

const exampleColumns = `id, source_interaction_id, question, answer, language, quality_rating,
	duplicate_of_answer_id, answer_similarity, active, created_at, updated_at`

func (r Repo) InsertTrainingExample(ctx context.Context, ex *models.TrainingExample) error {
	now := time.Now().UTC()
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = now
	}
	ex.UpdatedAt = now

	query := `
		INSERT INTO training_examples (source_interaction_id, question, answer, language, quality_rating,
			duplicate_of_answer_id, answer_similarity, active, created_at, updated_at)
		VALUES (:source_interaction_id, :question, :answer, :language, :quality_rating,
			:duplicate_of_answer_id, :answer_similarity, :active, :created_at, :updated_at)
	`

	res, err := sqlx.NamedExecContext(ctx, r.q, query, ex)
	if err != nil {
		return fmt.Errorf("failed to insert training example: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read training example id: %w", err)
	}
	ex.ID = id
	return nil
}

func (r Repo) GetTrainingExample(ctx context.Context, id int64) (*models.TrainingExample, error) {
	var ex models.TrainingExample
	err := sqlx.GetContext(ctx, r.q, &ex, `SELECT `+exampleColumns+` FROM training_examples WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err, "training example", id)
	}
	return &ex, nil
}

func (r Repo) GetTrainingExampleBySource(ctx context.Context, interactionID int64) (*models.TrainingExample, error) {
	var ex models.TrainingExample
	err := sqlx.GetContext(ctx, r.q, &ex,
		`SELECT `+exampleColumns+` FROM training_examples WHERE source_interaction_id = ?`, interactionID)
	if err != nil {
		return nil, notFound(err, "training example for interaction", interactionID)
	}
	return &ex, nil
}

func (r Repo) UpdateTrainingExample(ctx context.Context, ex *models.TrainingExample) error {
	ex.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE training_examples SET
			question = :question,
			answer = :answer,
			quality_rating = :quality_rating,
			duplicate_of_answer_id = :duplicate_of_answer_id,
			answer_similarity = :answer_similarity,
			active = :active,
			updated_at = :updated_at
		WHERE id = :id
	`

	res, err := sqlx.NamedExecContext(ctx, r.q, query, ex)
	if err != nil {
		return fmt.Errorf("failed to update training example %d: %w", ex.ID, err)
	}
	return expectRow(res, "training example", ex.ID)
}

func (r Repo) DeleteTrainingExample(ctx context.Context, id int64) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM training_examples WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete training example %d: %w", id, err)
	}
	return expectRow(res, "training example", id)
}

// AnswerDuplicatesOf returns the examples deactivated as answer duplicates of
// exampleID, oldest first.
func (r Repo) AnswerDuplicatesOf(ctx context.Context, exampleID int64) ([]models.TrainingExample, error) {
	query := `SELECT ` + exampleColumns + ` FROM training_examples
		WHERE duplicate_of_answer_id = ?
		ORDER BY created_at, id`

	var out []models.TrainingExample
	if err := sqlx.SelectContext(ctx, r.q, &out, query, exampleID); err != nil {
		return nil, fmt.Errorf("failed to load answer duplicates of %d: %w", exampleID, err)
	}
	return out, nil
}

type ExampleFilter struct {
	Language   models.Language
	ActiveOnly bool
	Limit      int
	Offset     int
}

// ListTrainingExamples returns matching examples oldest first.
func (r Repo) ListTrainingExamples(ctx context.Context, f ExampleFilter) ([]models.TrainingExample, error) {
	var (
		where []string
		args  []any
	)
	if f.Language != "" {
		where = append(where, "language = ?")
		args = append(args, f.Language)
	}
	if f.ActiveOnly {
		where = append(where, "active = 1")
	}

	query := `SELECT ` + exampleColumns + ` FROM training_examples`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	var out []models.TrainingExample
	if err := sqlx.SelectContext(ctx, r.q, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list training examples: %w", err)
	}
	return out, nil
}

func (r Repo) Stats(ctx context.Context) (*models.Stats, error) {
	var s models.Stats
	err := sqlx.GetContext(ctx, r.q, &s, `
		SELECT
			COUNT(*) AS total_questions,
			COALESCE(SUM(CASE WHEN answer IS NOT NULL AND answer <> '' THEN 1 ELSE 0 END), 0) AS answered_questions,
			COALESCE(SUM(CASE WHEN review_state IN ('approved', 'exported', 'trained') THEN 1 ELSE 0 END), 0) AS approved_questions,
			COALESCE(SUM(CASE WHEN feedback = 1 THEN 1 ELSE 0 END), 0) AS liked_questions,
			COALESCE(SUM(CASE WHEN feedback = -1 THEN 1 ELSE 0 END), 0) AS disliked_questions,
			COALESCE(SUM(CASE WHEN is_duplicate = 1 THEN 1 ELSE 0 END), 0) AS duplicate_questions,
			COALESCE(SUM(CASE WHEN review_state IN ('failed_unanswered', 'timed_out') THEN 1 ELSE 0 END), 0) AS failed_questions,
			(SELECT COUNT(*) FROM training_examples) AS training_examples,
			(SELECT COUNT(*) FROM training_examples WHERE active = 1) AS active_training_examples,
			COALESCE(AVG(CASE WHEN latency_ms > 0 THEN latency_ms END), 0) AS avg_latency_ms
		FROM interactions
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}

	s.ByState, err = r.countBy(ctx, "review_state")
	if err != nil {
		return nil, err
	}
	s.ByLanguage, err = r.countBy(ctx, "language")
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r Repo) countBy(ctx context.Context, column string) (map[string]int, error) {
	rows, err := r.q.QueryxContext(ctx, `SELECT `+column+`, COUNT(*) FROM interactions GROUP BY `+column)
	if err != nil {
		return nil, fmt.Errorf("failed to count by %s: %w", column, err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out[key] = n
	}
	return out, rows.Err()
}

func notFound(err error, what string, id any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("failed to get %s %v: %w", what, id, err)
}

func expectRow(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return nil
}
