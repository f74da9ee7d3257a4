package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mirkobrombin/go-marquee/v1/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Scheduler.Workers != 4 || cfg.Scheduler.Capacity != 1000 {
		t.Fatalf("unexpected scheduler defaults: %+v", cfg.Scheduler)
	}
	if cfg.Redis.IndexTTL() != 72*time.Hour {
		t.Fatalf("unexpected index ttl: %v", cfg.Redis.IndexTTL())
	}
	if cfg.Health.Cooldown() != 15*time.Minute {
		t.Fatalf("unexpected cooldown: %v", cfg.Health.Cooldown())
	}
	if cfg.Bus.Kind != "redis" {
		t.Fatalf("unexpected bus kind: %q", cfg.Bus.Kind)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[log]
format = "TEXT"
level = "debug"

[scheduler]
workers = 8
critical_commands = ["broadcast"]

[store]
url = "mongodb+srv://cluster0.example.mongodb.net/catalog"

[bus]
kind = "nats"
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Log.Format != "text" {
		t.Fatalf("expected format normalized to text, got %q", cfg.Log.Format)
	}
	if cfg.Scheduler.Workers != 8 {
		t.Fatalf("expected 8 workers, got %d", cfg.Scheduler.Workers)
	}
	if cfg.Scheduler.Capacity != 1000 {
		t.Fatalf("expected default capacity kept, got %d", cfg.Scheduler.Capacity)
	}
	if len(cfg.Scheduler.CriticalCommands) != 1 || cfg.Scheduler.CriticalCommands[0] != "broadcast" {
		t.Fatalf("unexpected critical commands: %v", cfg.Scheduler.CriticalCommands)
	}
	if cfg.Store.URL != "mongodb+srv://cluster0.example.mongodb.net/catalog" {
		t.Fatalf("unexpected store url: %q", cfg.Store.URL)
	}
}

func TestLoadEnvOverridesSecrets(t *testing.T) {
	path := writeConfig(t, `
[telegram]
token = "from-file"
chat_ids = [1]
`)
	t.Setenv(config.EnvTelegramToken, "from-env")
	t.Setenv(config.EnvTelegramChats, "10, 20")
	t.Setenv(config.EnvStoreURL, "postgres://db.example.neon.tech/catalog")
	t.Setenv(config.EnvRedisURL, "redis://cache:6379/1")
	t.Setenv(config.EnvLockOwner, "replica-a")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Fatalf("expected token from env, got %q", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.ChatIDs) != 2 || cfg.Telegram.ChatIDs[1] != 20 {
		t.Fatalf("unexpected chat ids: %v", cfg.Telegram.ChatIDs)
	}
	if cfg.Store.URL != "postgres://db.example.neon.tech/catalog" {
		t.Fatalf("unexpected store url: %q", cfg.Store.URL)
	}
	if cfg.Redis.URL != "redis://cache:6379/1" {
		t.Fatalf("unexpected redis url: %q", cfg.Redis.URL)
	}
	if cfg.Lock.Owner != "replica-a" {
		t.Fatalf("unexpected lock owner: %q", cfg.Lock.Owner)
	}
}

func TestLoadErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"unknown key", "[redis]\nadress = \"x\"\n", "parse config"},
		{"bad format", "[log]\nformat = \"xml\"\n", "log.format"},
		{"bad level", "[log]\nlevel = \"loud\"\n", "log.level"},
		{"zero workers", "[scheduler]\nworkers = 0\n", "scheduler.workers"},
		{"bad redis scheme", "[redis]\nurl = \"http://cache\"\n", "redis.url"},
		{"bad check mode", "[redis]\nindex_check_mode = \"fix\"\n", "redis.index_check_mode"},
		{"bad lock backend", "[lock]\nbackend = \"etcd\"\n", "lock.backend"},
		{"bad bus", "[bus]\nkind = \"kafka\"\n", "bus.kind"},
		{"nats without url", "[bus]\nkind = \"nats\"\nnats_url = \"\"\n", "bus.nats_url"},
		{"cpu over 100", "[health]\ncpu_percent = 120.0\n", "health.cpu_percent"},
		{"token without chats", "[telegram]\ntoken = \"t\"\n", "telegram.chat_ids"},
		{"metrics without bind", "[metrics]\nbind = \"\"\n", "metrics.bind"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tc.body))
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestSampleParses(t *testing.T) {
	cfg, err := config.Parse([]byte(config.Sample()))
	if err != nil {
		t.Fatalf("sample config invalid: %v", err)
	}
	if cfg.Bus.Kind != "redis" || cfg.Metrics.Bind == "" {
		t.Fatalf("unexpected sample values: %+v", cfg)
	}
}

func TestParseLevel(t *testing.T) {
	l, err := config.ParseLevel("warn")
	if err != nil || l.String() != "WARN" {
		t.Fatalf("unexpected level %v err %v", l, err)
	}
}
