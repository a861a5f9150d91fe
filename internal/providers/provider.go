// Package providers defines the contract every upstream adapter implements and
// the closed set of provider codes the rest of the service dispatches on.
package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

type Code string

const (
	OpenAI      Code = "openai"
	Anthropic   Code = "anthropic"
	Ollama      Code = "ollama"
	OpenRouter  Code = "openrouter"
	ImageRouter Code = "imagerouter"
)

// CredentialCodes are the providers a user can store a credential for.
var CredentialCodes = []Code{Anthropic, Ollama, OpenAI, OpenRouter}

var labels = map[Code]string{
	OpenAI:      "OpenAI",
	Anthropic:   "Anthropic",
	Ollama:      "Ollama",
	OpenRouter:  "OpenRouter",
	ImageRouter: "Image Router",
}

// ParseCode matches s case-insensitively against every known code.
func ParseCode(s string) (Code, bool) {
	c := Code(strings.ToLower(strings.TrimSpace(s)))
	_, ok := labels[c]
	return c, ok
}

// ParseCredentialCode is ParseCode restricted to CredentialCodes.
func ParseCredentialCode(s string) (Code, bool) {
	c, ok := ParseCode(s)
	if !ok || c == ImageRouter {
		return "", false
	}
	return c, true
}

func (c Code) Label() string {
	if l, ok := labels[c]; ok {
		return l
	}
	return string(c)
}

// RequiresKey reports whether dispatch needs a decrypted API key.
func (c Code) RequiresKey() bool {
	return c != Ollama
}

type Capability string

const (
	CapChat       Capability = "chat"
	CapEmbeddings Capability = "embeddings"
	CapModels     Capability = "models"
	CapImages     Capability = "images"
)

var (
	ErrCapabilityUnsupported = errors.New("capability not supported by provider")
	ErrInvalidResponseShape  = errors.New("invalid response shape")
)

type CompletionRequest struct {
	Model            string
	SystemPrompt     string
	Prompt           string
	Temperature      *float64
	MaxTokens        int
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
}

type Completion struct {
	Content string
	Model   string
}

type EmbeddingRequest struct {
	Model string
	Input []string
}

type EmbeddingResult struct {
	Embeddings [][]float32
	Model      string
}

type ImageRequest struct {
	Model   string
	Prompt  string
	Quality string
	Size    string
}

type Image struct {
	Data     []byte
	MimeType string
	Cost     decimal.NullDecimal
}

type ModelDescriptor struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata"`
}

// Adapter is the capability surface of one upstream API. Capabilities a
// provider does not offer return ErrCapabilityUnsupported.
type Adapter interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
	Embed(ctx context.Context, req EmbeddingRequest) (EmbeddingResult, error)
	ListModels(ctx context.Context) ([]ModelDescriptor, error)
	GenerateImage(ctx context.Context, req ImageRequest) (Image, error)
}

// UpstreamError is any failure talking to a provider. Body is kept for logs only.
type UpstreamError struct {
	Provider Code
	Status   int
	Message  string
	Body     string
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s upstream status %d: %s", e.Provider, e.Status, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s upstream: %s: %v", e.Provider, e.Message, e.Err)
	}
	return fmt.Sprintf("%s upstream: %s", e.Provider, e.Message)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Temporary reports whether a retry could succeed: network failures, 429 and 5xx.
func (e *UpstreamError) Temporary() bool {
	if errors.Is(e.Err, ErrInvalidResponseShape) {
		return false
	}
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}

const maxMessageLen = 500

// StatusError builds the error for a non-2xx response, lifting the message out
// of the common {"error":{"message":...}} and {"error":"..."} shapes.
func StatusError(provider Code, status int, body []byte) *UpstreamError {
	msg := ""
	if r := gjson.GetBytes(body, "error.message"); r.Type == gjson.String {
		msg = r.String()
	} else if r := gjson.GetBytes(body, "error"); r.Type == gjson.String {
		msg = r.String()
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = FailedMessage(provider)
	}
	msg = cutRunes(msg, maxMessageLen)
	return &UpstreamError{Provider: provider, Status: status, Message: msg, Body: truncate(body)}
}

// NetworkError wraps a transport failure.
func NetworkError(provider Code, err error) *UpstreamError {
	return &UpstreamError{Provider: provider, Message: FailedMessage(provider), Err: err}
}

// ShapeError reports a 2xx response without usable content.
func ShapeError(provider Code, status int, what string, body []byte) *UpstreamError {
	return &UpstreamError{
		Provider: provider,
		Status:   status,
		Message:  fmt.Sprintf("%s returned %s", provider.Label(), what),
		Body:     truncate(body),
		Err:      ErrInvalidResponseShape,
	}
}

func FailedMessage(provider Code) string {
	return provider.Label() + " request failed"
}

func Unsupported(provider Code, capability Capability) error {
	return fmt.Errorf("%s %s: %w", provider.Label(), capability, ErrCapabilityUnsupported)
}

func truncate(body []byte) string {
	return cutRunes(string(body), 2048)
}

// cutRunes limits s to at most max bytes without splitting a UTF-8 sequence.
func cutRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
