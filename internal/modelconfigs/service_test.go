package modelconfigs

import (
	"context"
	"path/filepath"
	"testing"

	"pocketllm/internal/apperr"
	"pocketllm/internal/patch"
	"pocketllm/internal/storage"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := storage.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "mc.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewService(st)
}

func f64(v float64) *float64 { return &v }

func kindOf(t *testing.T, err error) apperr.Kind {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	return apperr.KindOf(err)
}

func TestCreateNormalizesProviderAndDefaults(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, "u1", CreateInput{Name: " Fast ", Provider: "OpenAI", Model: "gpt-4o-mini", Temperature: f64(0)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Name != "Fast" || first.Provider != "openai" || !first.IsDefault {
		t.Fatalf("unexpected first config %+v", first)
	}
	if first.Temperature == nil || *first.Temperature != 0 {
		t.Fatalf("expected explicit temperature 0, got %v", first.Temperature)
	}

	second, err := svc.Create(ctx, "u1", CreateInput{Name: "Smart", Provider: "anthropic", Model: "claude-sonnet", IsDefault: true})
	if err != nil {
		t.Fatalf("create#2: %v", err)
	}
	if !second.IsDefault {
		t.Fatalf("expected second config to be default")
	}
	got, err := svc.Get(ctx, "u1", first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IsDefault {
		t.Fatalf("expected first config default cleared")
	}

	def, ok, err := svc.Default(ctx, "u1")
	if err != nil || !ok || def.ID != second.ID {
		t.Fatalf("unexpected default %+v ok=%v err=%v", def, ok, err)
	}
}

func TestCreateValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   CreateInput
		kind apperr.Kind
	}{
		{"missing name", CreateInput{Provider: "openai", Model: "m"}, apperr.KindValidation},
		{"missing model", CreateInput{Name: "n", Provider: "openai"}, apperr.KindValidation},
		{"temperature too high", CreateInput{Name: "n", Provider: "openai", Model: "m", Temperature: f64(2.5)}, apperr.KindValidation},
		{"top p too high", CreateInput{Name: "n", Provider: "openai", Model: "m", TopP: f64(1.1)}, apperr.KindValidation},
		{"penalty too low", CreateInput{Name: "n", Provider: "openai", Model: "m", PresencePenalty: f64(-3)}, apperr.KindValidation},
		{"unknown provider", CreateInput{Name: "n", Provider: "mistral", Model: "m"}, apperr.KindUnsupportedProvider},
		{"image provider", CreateInput{Name: "n", Provider: "imagerouter", Model: "m"}, apperr.KindUnsupportedProvider},
	}
	for _, tc := range cases {
		_, err := svc.Create(ctx, "u1", tc.in)
		if got := kindOf(t, err); got != tc.kind {
			t.Fatalf("%s: expected %s, got %s (%v)", tc.name, tc.kind, got, err)
		}
	}

	zero := 0
	_, err := svc.Create(ctx, "u1", CreateInput{Name: "n", Provider: "openai", Model: "m", MaxTokens: &zero})
	if kindOf(t, err) != apperr.KindValidation {
		t.Fatalf("expected maxTokens 0 rejected, got %v", err)
	}
}

func TestDuplicateNameConflicts(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, "u1", CreateInput{Name: "dup", Provider: "openai", Model: "m"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := svc.Create(ctx, "u1", CreateInput{Name: "dup", Provider: "openai", Model: "m"})
	if kindOf(t, err) != apperr.KindConflict || apperr.HTTPStatus(err) != 409 {
		t.Fatalf("expected 409 conflict, got %v", err)
	}
	if _, err := svc.Create(ctx, "u2", CreateInput{Name: "dup", Provider: "openai", Model: "m"}); err != nil {
		t.Fatalf("expected same name allowed for another user, got %v", err)
	}
}

func TestUpdateMergesAndClears(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	v, err := svc.Create(ctx, "u1", CreateInput{Name: "a", Provider: "openai", Model: "m", Temperature: f64(0.7), TopP: f64(0.9)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	model := "gpt-4o"
	up, err := svc.Update(ctx, "u1", v.ID, UpdateInput{
		Model:       &model,
		Temperature: patch.Null[float64](),
		TopP:        patch.Some(0.5),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if up.Model != "gpt-4o" || up.Temperature != nil || up.TopP == nil || *up.TopP != 0.5 || up.Name != "a" {
		t.Fatalf("unexpected update result %+v", up)
	}

	_, err = svc.Update(ctx, "u1", v.ID, UpdateInput{TopP: patch.Some(7.0)})
	if kindOf(t, err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}

	_, err = svc.Update(ctx, "u2", v.ID, UpdateInput{Model: &model})
	if kindOf(t, err) != apperr.KindNotFound {
		t.Fatalf("expected NotFound for another user, got %v", err)
	}
}

func TestSetDefaultAndDelete(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a, _ := svc.Create(ctx, "u1", CreateInput{Name: "a", Provider: "openai", Model: "m"})
	b, _ := svc.Create(ctx, "u1", CreateInput{Name: "b", Provider: "ollama", Model: "llama3"})

	got, err := svc.SetDefault(ctx, "u1", b.ID)
	if err != nil || !got.IsDefault {
		t.Fatalf("set default: %+v %v", got, err)
	}
	list, err := svc.List(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defaults := 0
	for _, m := range list {
		if m.IsDefault {
			defaults++
		}
	}
	if defaults != 1 {
		t.Fatalf("expected exactly one default, got %d", defaults)
	}

	if err := svc.Delete(ctx, "u2", a.ID); kindOf(t, err) != apperr.KindNotFound {
		t.Fatalf("expected NotFound deleting another user's config, got %v", err)
	}
	if err := svc.Delete(ctx, "u1", a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Get(ctx, "u1", a.ID); kindOf(t, err) != apperr.KindNotFound {
		t.Fatalf("expected deleted config gone, got %v", err)
	}
	if _, err := svc.SetDefault(ctx, "u1", a.ID); kindOf(t, err) != apperr.KindNotFound {
		t.Fatalf("expected NotFound for deleted config, got %v", err)
	}
}
