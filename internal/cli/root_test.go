package cli

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"portfolio-relay/internal/config"
	"portfolio-relay/internal/llm"
	"portfolio-relay/internal/relay"
	"portfolio-relay/internal/version"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

func TestVersionCommand(t *testing.T) {
	out, err := runRoot(t, "", "version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != version.Version+"\n" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestLLMTestCommand(t *testing.T) {
	requests := setupUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"pong"}}]}`)
	})

	out, err := runRoot(t, "", "llm", "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "pong\n" {
		t.Fatalf("unexpected output: %q", out)
	}
	req := <-requests
	if req.Stream || len(req.Messages) != 1 || req.Messages[0].Content != "ping" {
		t.Fatalf("unexpected request: %#v", req)
	}
}

func TestLLMChatCommandStream(t *testing.T) {
	requests := setupUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"po\"}}]}\n")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ng\"}}]}\n")
		_, _ = io.WriteString(w, "data: [DONE]\n")
	})

	out, err := runRoot(t, "ping\n", "llm", "chat", "--stream", "--system", "be brief")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "pong\n" {
		t.Fatalf("unexpected output: %q", out)
	}
	req := <-requests
	if len(req.Messages) != 2 || req.Messages[0].Content != "be brief" || req.Messages[1].Content != "ping" {
		t.Fatalf("unexpected request: %#v", req)
	}
}

func TestLLMTestCommandWithoutCredential(t *testing.T) {
	t.Setenv(config.CredentialEnv, "")
	t.Setenv(config.EnvPrefix+"_LLM_TOKEN", "")

	_, err := runRoot(t, "", "llm", "test")
	if err == nil || !strings.Contains(err.Error(), "no upstream credential") {
		t.Fatalf("expected credential error, got %v", err)
	}
}

func TestNewRelayWithoutCredential(t *testing.T) {
	cfg := config.Config{LLM: config.LLMConfig{Type: "openai", URL: "http://127.0.0.1:1"}}

	r, err := newRelay(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = r.Open(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "Hi"}})
	if !errors.Is(err, relay.ErrMisconfigured) {
		t.Fatalf("expected misconfigured error, got %v", err)
	}
}

func TestNewRelayPersonaFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persona.md")
	if err := os.WriteFile(path, []byte("I speak for {{owner}}."), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	cfg := config.Config{Persona: config.PersonaConfig{Owner: "Ada", PromptFile: path}}
	if _, err := newRelay(cfg, zerolog.Nop()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg.Persona.PromptFile = filepath.Join(dir, "missing.md")
	if _, err := newRelay(cfg, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for missing persona file")
	}
}

func TestNewRelayRejectsUnknownProvider(t *testing.T) {
	cfg := config.Config{LLM: config.LLMConfig{Type: "mystery", URL: "http://x", Token: "t"}}
	if _, err := newRelay(cfg, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}

func TestRootReadsConfigFile(t *testing.T) {
	requests := setupUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"pong"}}]}`)
	})
	dir := t.TempDir()
	path := filepath.Join(dir, "portfolio-relay.yaml")
	if err := os.WriteFile(path, []byte("llm:\n  model: from-file\n"), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	if _, err := runRoot(t, "", "--config", path, "llm", "test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req := <-requests; req.Model != "from-file" {
		t.Fatalf("expected model from config file, got %q", req.Model)
	}

	// A second root in the same process must not keep the first one's file.
	if _, err := runRoot(t, "", "version"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := viper.GetString("llm.model"); got != "" {
		t.Fatalf("config leaked between roots: llm.model=%q", got)
	}
}
