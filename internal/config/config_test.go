package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PORT", "")
	t.Setenv("CHAT_TRANSPORT", "")
	t.Setenv("CHAT_DEDUP_BUCKET", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Fatalf("unexpected addr: %s", cfg.Server.Addr)
	}
	if cfg.Chat.DedupBucket != 5*time.Second {
		t.Fatalf("unexpected dedup bucket: %s", cfg.Chat.DedupBucket)
	}
	if cfg.Chat.Transport != "stomp" {
		t.Fatalf("unexpected transport: %s", cfg.Chat.Transport)
	}
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PORT", "80 80")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for port with spaces")
	}
}

func TestLoadRejectsUnknownTransport(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("CHAT_TRANSPORT", "carrier-pigeon")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown transport")
	}
}

func TestLoadFileOverlayLosesToEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  addr: "127.0.0.1:9090"
chat:
  transport: nats
  dedupBucket: 2s
  outboxLimit: 8
nats:
  subjectPrefix: rooms
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "")
	t.Setenv("CHAT_TRANSPORT", "")
	t.Setenv("CHAT_DEDUP_BUCKET", "")
	t.Setenv("CHAT_OUTBOX_LIMIT", "16")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}

	if cfg.Server.Addr != "127.0.0.1:9090" {
		t.Fatalf("expected addr from file, got %s", cfg.Server.Addr)
	}
	if cfg.Chat.Transport != "nats" {
		t.Fatalf("expected nats transport from file, got %s", cfg.Chat.Transport)
	}
	if cfg.Chat.DedupBucket != 2*time.Second {
		t.Fatalf("expected 2s bucket from file, got %s", cfg.Chat.DedupBucket)
	}
	if cfg.Chat.OutboxLimit != 16 {
		t.Fatalf("expected env to override outbox limit, got %d", cfg.Chat.OutboxLimit)
	}
	if cfg.NATS.SubjectPrefix != "rooms" {
		t.Fatalf("expected subject prefix from file, got %s", cfg.NATS.SubjectPrefix)
	}
}

func TestLoadAllowedOrigins(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("CHAT_TRANSPORT", "")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("SSE_HEARTBEAT", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}

	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Server.Heartbeat != 5*time.Second {
		t.Fatalf("unexpected heartbeat: %s", cfg.Server.Heartbeat)
	}
}
