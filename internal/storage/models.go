package storage

import (
	"encoding/json"
	"time"

	pgvector "github.com/pgvector/pgvector-go"
	"github.com/shopspring/decimal"
)

// Credential is one user's stored configuration for one provider. The three
// key fields are always set or cleared together.
type Credential struct {
	ID                string
	UserID            string
	ProviderCode      string
	DisplayName       string
	BaseURL           *string
	EncryptedAPIKey   *string
	APIKeyFingerprint *string
	APIKeyPreview     *string
	IsActive          bool
	Metadata          map[string]any
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (c Credential) HasAPIKey() bool {
	return c.EncryptedAPIKey != nil
}

type ModelConfig struct {
	ID               string
	UserID           string
	Name             string
	Provider         string
	Model            string
	SystemPrompt     string
	Temperature      *float64
	MaxTokens        *int
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	IsDefault        bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Chat struct {
	ID            string
	UserID        string
	Title         string
	ModelConfigID *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Message struct {
	ID        string
	ChatID    string
	UserID    string
	Role      string
	Content   string
	Metadata  map[string]any
	CreatedAt time.Time
}

const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobCancelled  = "cancelled"

	JobTypeImage = "image_generation"
)

type Job struct {
	ID            string
	UserID        string
	Type          string
	Status        string
	Input         json.RawMessage
	Output        json.RawMessage
	ErrorLog      *string
	EstimatedCost decimal.Decimal
	ActualCost    decimal.NullDecimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

func (j Job) Terminal() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// JobTransition moves a job to To only if its current status is one of From.
type JobTransition struct {
	ID         string
	UserID     string
	From       []string
	To         string
	Output     json.RawMessage
	ErrorLog   *string
	ActualCost decimal.NullDecimal
}

type EmbeddingCollection struct {
	ID             string
	UserID         string
	Name           string
	EmbeddingCount int64
	CreatedAt      time.Time
}

type Embedding struct {
	ID           string
	CollectionID string
	UserID       string
	Model        string
	Input        string
	Vector       pgvector.Vector
	CreatedAt    time.Time
}
