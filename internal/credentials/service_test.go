package credentials

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"pocketllm/internal/apperr"
	"pocketllm/internal/crypto"
	"pocketllm/internal/patch"
	"pocketllm/internal/providers"
	"pocketllm/internal/storage"
)

func newTestService(t *testing.T) (*Service, *storage.Store, *crypto.Cipher) {
	t.Helper()
	st, err := storage.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "creds.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	c, err := crypto.NewCipher([]byte(strings.Repeat("k", 32)))
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	return NewService(st, c), st, c
}

func strp(s string) *string { return &s }

func assertKind(t *testing.T, err error, kind apperr.Kind, msg string) {
	t.Helper()
	ae, ok := apperr.As(err)
	if !ok || ae.Kind != kind {
		t.Fatalf("expected %s error, got %v", kind, err)
	}
	if msg != "" && ae.Message != msg {
		t.Fatalf("expected message %q, got %q", msg, ae.Message)
	}
}

func assertCoupled(t *testing.T, c storage.Credential) {
	t.Helper()
	set := c.EncryptedAPIKey != nil
	if (c.APIKeyFingerprint != nil) != set || (c.APIKeyPreview != nil) != set {
		t.Fatalf("key fields not coupled: %+v", c)
	}
}

func TestActivateOpenRouterRequiresKey(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Activate(ctx, "u1", ActivateInput{Provider: "openrouter"})
	assertKind(t, err, apperr.KindValidation, "API key is required for OpenRouter")

	if _, err := st.GetCredential(ctx, "u1", "openrouter"); err != storage.ErrNotFound {
		t.Fatalf("expected no row after failed activation, got %v", err)
	}
}

func TestActivateOllamaWithoutKey(t *testing.T) {
	svc, _, _ := newTestService(t)

	view, created, err := svc.Activate(context.Background(), "u1", ActivateInput{
		Provider: "ollama",
		BaseURL:  patch.Some("http://localhost:11434"),
	})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !created || view.HasAPIKey || !view.IsActive || view.DisplayName != "Ollama" {
		t.Fatalf("unexpected view %+v created=%v", view, created)
	}
	if view.BaseURL == nil || *view.BaseURL != "http://localhost:11434" {
		t.Fatalf("unexpected base url %v", view.BaseURL)
	}

	_, _, err = svc.Activate(context.Background(), "u2", ActivateInput{Provider: "ollama"})
	assertKind(t, err, apperr.KindValidation, "Base URL is required for Ollama")
}

func TestActivateEncryptsAndPreviews(t *testing.T) {
	svc, st, cipher := newTestService(t)
	ctx := context.Background()

	view, created, err := svc.Activate(ctx, "u1", ActivateInput{Provider: "OpenAI", APIKey: patch.Some("sk-live-abcd1234")})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !created || !view.HasAPIKey || view.APIKeyPreview == nil || *view.APIKeyPreview != "1234" {
		t.Fatalf("unexpected view %+v", view)
	}

	raw, err := json.Marshal(view)
	if err != nil {
		t.Fatalf("marshal view: %v", err)
	}
	if strings.Contains(string(raw), "sk-live") || strings.Contains(string(raw), "ciphertext") {
		t.Fatalf("view leaks key material: %s", raw)
	}

	row, err := st.GetCredential(ctx, "u1", "openai")
	if err != nil {
		t.Fatalf("get row: %v", err)
	}
	assertCoupled(t, row)
	plain, err := cipher.Decrypt(*row.EncryptedAPIKey)
	if err != nil || plain != "sk-live-abcd1234" {
		t.Fatalf("expected stored key to decrypt, got %q (%v)", plain, err)
	}
	if *row.APIKeyFingerprint != cipher.Fingerprint("sk-live-abcd1234") {
		t.Fatalf("unexpected fingerprint")
	}

	_, created, err = svc.Activate(ctx, "u1", ActivateInput{Provider: "openai", DisplayName: strp("Work")})
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if created {
		t.Fatalf("expected second activation to update")
	}
	row2, _ := st.GetCredential(ctx, "u1", "openai")
	if row2.EncryptedAPIKey == nil || *row2.EncryptedAPIKey != *row.EncryptedAPIKey || row2.DisplayName != "Work" {
		t.Fatalf("expected omitted apiKey to preserve key material, got %+v", row2)
	}
}

func TestActivateNullKeyClears(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	if _, _, err := svc.Activate(ctx, "u1", ActivateInput{Provider: "anthropic", APIKey: patch.Some("sk-ant-xyz")}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	view, _, err := svc.Activate(ctx, "u1", ActivateInput{Provider: "anthropic", APIKey: patch.Null[string]()})
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if view.HasAPIKey || view.APIKeyPreview != nil {
		t.Fatalf("expected key cleared, got %+v", view)
	}
	row, _ := st.GetCredential(ctx, "u1", "anthropic")
	assertCoupled(t, row)
}

func TestUpdateRejectsEmptyKey(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	if _, _, err := svc.Activate(ctx, "u1", ActivateInput{Provider: "openai", APIKey: patch.Some("sk-1111")}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	before, _ := st.GetCredential(ctx, "u1", "openai")

	_, err := svc.Update(ctx, "u1", "openai", UpdateInput{APIKey: patch.Some("")})
	assertKind(t, err, apperr.KindValidation, "API key cannot be empty")

	_, err = svc.Update(ctx, "u1", "openai", UpdateInput{BaseURL: patch.Some(" ")})
	assertKind(t, err, apperr.KindValidation, "Base URL cannot be empty")

	after, _ := st.GetCredential(ctx, "u1", "openai")
	if *after.EncryptedAPIKey != *before.EncryptedAPIKey || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("expected row unchanged")
	}
}

func TestUpdateMissingIsNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Update(context.Background(), "u1", "openai", UpdateInput{DisplayName: strp("x")})
	assertKind(t, err, apperr.KindNotFound, "")

	_, err = svc.Update(context.Background(), "u1", "gemini", UpdateInput{})
	assertKind(t, err, apperr.KindUnsupportedProvider, "")
}

func TestUpdateRotatesKey(t *testing.T) {
	svc, st, cipher := newTestService(t)
	ctx := context.Background()

	if _, _, err := svc.Activate(ctx, "u1", ActivateInput{Provider: "openrouter", APIKey: patch.Some("sk-or-old1")}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	view, err := svc.Update(ctx, "u1", "openrouter", UpdateInput{APIKey: patch.Some("sk-or-new2")})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if *view.APIKeyPreview != "new2" {
		t.Fatalf("unexpected preview %q", *view.APIKeyPreview)
	}
	row, _ := st.GetCredential(ctx, "u1", "openrouter")
	if *row.APIKeyFingerprint != cipher.Fingerprint("sk-or-new2") {
		t.Fatalf("expected fingerprint recomputed on rotation")
	}

	_, err = svc.Update(ctx, "u1", "openrouter", UpdateInput{APIKey: patch.Null[string]()})
	assertKind(t, err, apperr.KindValidation, "API key is required for OpenRouter")
}

func TestDeactivateIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, _, err := svc.Activate(ctx, "u1", ActivateInput{
		Provider: "ollama",
		BaseURL:  patch.Some("http://gpu-box:11434"),
		APIKey:   patch.Some("proxy-token"),
		Metadata: map[string]any{"gpu": "4090"},
	}); err != nil {
		t.Fatalf("activate: %v", err)
	}

	for i := 0; i < 2; i++ {
		view, err := svc.Deactivate(ctx, "u1", "ollama")
		if err != nil {
			t.Fatalf("deactivate#%d: %v", i+1, err)
		}
		if view.IsActive || view.HasAPIKey || view.APIKeyPreview != nil {
			t.Fatalf("deactivate#%d: unexpected view %+v", i+1, view)
		}
		if view.BaseURL == nil || view.Metadata["gpu"] != "4090" {
			t.Fatalf("deactivate#%d: expected configuration to survive, got %+v", i+1, view)
		}
	}

	_, err := svc.Deactivate(ctx, "u2", "ollama")
	assertKind(t, err, apperr.KindNotFound, "")
}

func TestGetActive(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.GetActive(ctx, "u1", providers.OpenAI)
	assertKind(t, err, apperr.KindNotConfigured, "")

	if _, _, err := svc.Activate(ctx, "u1", ActivateInput{Provider: "openai", APIKey: patch.Some("sk-1")}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := svc.GetActive(ctx, "u1", providers.OpenAI); err != nil {
		t.Fatalf("get active: %v", err)
	}
	if _, err := svc.Deactivate(ctx, "u1", "openai"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	_, err = svc.GetActive(ctx, "u1", providers.OpenAI)
	assertKind(t, err, apperr.KindProviderInactive, "")
}

func TestListIsSortedAndScoped(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	inputs := []ActivateInput{
		{Provider: "openrouter", APIKey: patch.Some("sk-or-1")},
		{Provider: "anthropic", APIKey: patch.Some("sk-ant-1")},
		{Provider: "ollama", BaseURL: patch.Some("http://localhost:11434")},
	}
	for _, in := range inputs {
		if _, _, err := svc.Activate(ctx, "u1", in); err != nil {
			t.Fatalf("activate %s: %v", in.Provider, err)
		}
	}
	list, err := svc.List(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var codes []string
	for _, v := range list {
		codes = append(codes, v.Provider)
	}
	if strings.Join(codes, ",") != "anthropic,ollama,openrouter" {
		t.Fatalf("unexpected order %v", codes)
	}

	other, err := svc.List(ctx, "u2")
	if err != nil || len(other) != 0 {
		t.Fatalf("expected empty list for another user, got %d (%v)", len(other), err)
	}
}

func TestOptionalUnmarshal(t *testing.T) {
	var in UpdateInput
	if err := json.Unmarshal([]byte(`{"apiKey":null,"baseUrl":"http://x"}`), &in); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !in.APIKey.Set || !in.APIKey.Null {
		t.Fatalf("expected explicit null apiKey, got %+v", in.APIKey)
	}
	if !in.BaseURL.Set || in.BaseURL.Null || in.BaseURL.Value != "http://x" {
		t.Fatalf("unexpected baseUrl %+v", in.BaseURL)
	}

	var empty UpdateInput
	if err := json.Unmarshal([]byte(`{}`), &empty); err != nil {
		t.Fatalf("unmarshal empty: %v", err)
	}
	if empty.APIKey.Set || empty.BaseURL.Set {
		t.Fatalf("expected omitted fields to be unset")
	}
}
