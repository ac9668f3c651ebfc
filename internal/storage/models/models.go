package models

import (
	"fmt"
	"time"
)

// Language is the detected language of a question. The system serves exactly
// two: the primary (Turkish) and the secondary (English).
type Language string

const (
	LanguagePrimary   Language = "tr"
	LanguageSecondary Language = "en"
)

func (l Language) Valid() bool {
	return l == LanguagePrimary || l == LanguageSecondary
}

// ExportName is the language label written into the training export.
func (l Language) ExportName() string {
	if l == LanguagePrimary {
		return "turkish"
	}
	return "english"
}

type Feedback int

const (
	FeedbackNegative Feedback = -1
	FeedbackNone     Feedback = 0
	FeedbackPositive Feedback = 1
)

func (f Feedback) Valid() bool {
	return f >= FeedbackNegative && f <= FeedbackPositive
}

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "priority"
)

func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "", PriorityNormal:
		return PriorityNormal, nil
	case PriorityHigh, "high":
		return PriorityHigh, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// ReviewState is the lifecycle state of an Interaction.
type ReviewState string

const (
	StateCreated  ReviewState = "created"
	StateAnswered ReviewState = "answered"
	StateReviewed ReviewState = "reviewed"
	StateApproved ReviewState = "approved"
	StateExported ReviewState = "exported"
	StateTrained  ReviewState = "trained"

	// Terminal sub-states of an interaction that never received an answer.
	StateFailed   ReviewState = "failed_unanswered"
	StateTimedOut ReviewState = "timed_out"
)

func (s ReviewState) Valid() bool {
	switch s {
	case StateCreated, StateAnswered, StateReviewed, StateApproved,
		StateExported, StateTrained, StateFailed, StateTimedOut:
		return true
	}
	return false
}

// Unanswered reports whether the state is a terminal no-answer state.
func (s ReviewState) Unanswered() bool {
	return s == StateFailed || s == StateTimedOut
}

// Promoted reports whether the interaction has reached approval or beyond.
func (s ReviewState) Promoted() bool {
	return s == StateApproved || s == StateExported || s == StateTrained
}

type Interaction struct {
	ID           int64       `db:"id" json:"id"`
	RequestID    string      `db:"request_id" json:"request_id"`
	RequesterID  string      `db:"requester_id" json:"requester_id"`
	Destination  string      `db:"destination" json:"destination"`
	Question     string      `db:"question" json:"question"`
	Language     Language    `db:"language" json:"language"`
	Priority     Priority    `db:"priority" json:"priority"`
	Answer       *string     `db:"answer" json:"answer,omitempty"`
	CreatedAt    time.Time   `db:"created_at" json:"created_at"`
	AnsweredAt   *time.Time  `db:"answered_at" json:"answered_at,omitempty"`
	LatencyMS    int64       `db:"latency_ms" json:"latency_ms"`
	ModelVersion string      `db:"model_version" json:"model_version,omitempty"`
	Feedback     Feedback    `db:"feedback" json:"feedback"`
	State        ReviewState `db:"review_state" json:"review_state"`
	FailReason   string      `db:"fail_reason" json:"fail_reason,omitempty"`
	IsDuplicate  bool        `db:"is_duplicate" json:"is_duplicate"`
	DuplicateOf  *int64      `db:"duplicate_of_id" json:"duplicate_of_id,omitempty"`
	Similarity   float64     `db:"similarity_score" json:"similarity_score"`
	ExportedAt   *time.Time  `db:"exported_at" json:"exported_at,omitempty"`
	UpdatedAt    time.Time   `db:"updated_at" json:"updated_at"`
}

// HasAnswer reports whether a non-empty answer is recorded.
func (i *Interaction) HasAnswer() bool {
	return i.Answer != nil && *i.Answer != ""
}

func (i *Interaction) AnswerText() string {
	if i.Answer == nil {
		return ""
	}
	return *i.Answer
}

// CheckDuplicateRef verifies the duplicate flag/reference pairing.
func (i *Interaction) CheckDuplicateRef() error {
	if i.IsDuplicate && i.DuplicateOf == nil {
		return fmt.Errorf("interaction %d is a duplicate without a reference", i.ID)
	}
	if !i.IsDuplicate && i.DuplicateOf != nil {
		return fmt.Errorf("interaction %d has a reference but is not a duplicate", i.ID)
	}
	if i.DuplicateOf != nil && *i.DuplicateOf == i.ID {
		return fmt.Errorf("interaction %d references itself", i.ID)
	}
	return nil
}

type TrainingExample struct {
	ID                  int64     `db:"id" json:"id"`
	SourceInteractionID int64     `db:"source_interaction_id" json:"source_interaction_id"`
	Question            string    `db:"question" json:"question"`
	Answer              string    `db:"answer" json:"answer"`
	Language            Language  `db:"language" json:"language"`
	QualityRating       *int      `db:"quality_rating" json:"quality_rating,omitempty"`
	DuplicateOfAnswer   *int64    `db:"duplicate_of_answer_id" json:"duplicate_of_answer_id,omitempty"`
	AnswerSimilarity    float64   `db:"answer_similarity" json:"answer_similarity"`
	Active              bool      `db:"active" json:"active"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
}

// TrainingMetrics is read from the metadata file of a model artifact directory.
type TrainingMetrics struct {
	FinalLoss   float64 `json:"final_loss"`
	TotalSteps  int     `json:"total_steps"`
	DatasetSize int     `json:"dataset_size"`
}

type ModelVersion struct {
	Ordinal   int             `json:"version"`
	Name      string          `json:"name"`
	Path      string          `json:"path"`
	Metrics   TrainingMetrics `json:"metrics"`
	CreatedAt time.Time       `json:"created_at"`
	// Missing lists required artifact files that are absent; a version with
	// missing files cannot be activated.
	Missing []string `json:"missing,omitempty"`
	Active  bool     `json:"active"`
}

func (v *ModelVersion) Complete() bool {
	return len(v.Missing) == 0
}

// Stats mirrors the admin dashboard counters.
type Stats struct {
	TotalQuestions     int            `json:"total_questions" db:"total_questions"`
	AnsweredQuestions  int            `json:"answered_questions" db:"answered_questions"`
	ApprovedQuestions  int            `json:"approved_questions" db:"approved_questions"`
	LikedQuestions     int            `json:"liked_questions" db:"liked_questions"`
	DislikedQuestions  int            `json:"disliked_questions" db:"disliked_questions"`
	DuplicateQuestions int            `json:"duplicate_questions" db:"duplicate_questions"`
	FailedQuestions    int            `json:"failed_questions" db:"failed_questions"`
	TrainingExamples   int            `json:"training_examples" db:"training_examples"`
	ActiveExamples     int            `json:"active_training_examples" db:"active_training_examples"`
	AvgLatencyMS       float64        `json:"avg_latency_ms" db:"avg_latency_ms"`
	ByState            map[string]int `json:"by_state" db:"-"`
	ByLanguage         map[string]int `json:"by_language" db:"-"`
}

type DuplicateGroup struct {
	Canonical  Interaction   `json:"canonical"`
	Duplicates []Interaction `json:"duplicates"`
}
