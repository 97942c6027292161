package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CONFIG_PATH", "")

	cfg := Load()
	if cfg.ServerAddr != ":8080" {
		t.Errorf("ServerAddr = %q, want :8080", cfg.ServerAddr)
	}
	if cfg.WS.SendBufferSize != 256 {
		t.Errorf("SendBufferSize = %d, want 256", cfg.WS.SendBufferSize)
	}
	if cfg.Chat.MaxContentLength != 4000 {
		t.Errorf("MaxContentLength = %d, want 4000", cfg.Chat.MaxContentLength)
	}
	if cfg.Chat.HistoryPageSize != 200 || cfg.Chat.SearchLimit != 20 {
		t.Errorf("page/search = %d/%d, want 200/20", cfg.Chat.HistoryPageSize, cfg.Chat.SearchLimit)
	}
	if cfg.Chat.TypingMinInterval != 250*time.Millisecond {
		t.Errorf("TypingMinInterval = %v", cfg.Chat.TypingMinInterval)
	}
	if cfg.RedisURL != "" || cfg.AuthServiceURL != "" {
		t.Errorf("expected redis/auth disabled by default, got %q/%q", cfg.RedisURL, cfg.AuthServiceURL)
	}
	if cfg.RateLimitRPS != 20 || cfg.RateLimitBurst != 40 {
		t.Errorf("rate limit = %v/%d, want 20/40", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
}

func TestLoadYAMLThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "chat.yaml")
	yml := "server_addr: \":9000\"\nsearch_limit: 5\nws_send_buffer_size: 64\nredis_url: redis://cache:6379\n"
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("CHAT_SEARCH_LIMIT", "7")

	cfg := Load()
	if cfg.ServerAddr != ":9000" {
		t.Errorf("ServerAddr = %q, want :9000 from yaml", cfg.ServerAddr)
	}
	if cfg.WS.SendBufferSize != 64 {
		t.Errorf("SendBufferSize = %d, want 64 from yaml", cfg.WS.SendBufferSize)
	}
	if cfg.Chat.SearchLimit != 7 {
		t.Errorf("SearchLimit = %d, want env override 7", cfg.Chat.SearchLimit)
	}
	if cfg.RedisURL != "redis://cache:6379" {
		t.Errorf("RedisURL = %q", cfg.RedisURL)
	}
}

func TestLoadInvalidNumbersFallBack(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("WS_SEND_BUFFER_SIZE", "lots")
	t.Setenv("CHAT_HISTORY_PAGE_SIZE", "-3")

	cfg := Load()
	if cfg.WS.SendBufferSize != 256 {
		t.Errorf("SendBufferSize = %d, want fallback 256", cfg.WS.SendBufferSize)
	}
	if cfg.Chat.HistoryPageSize != 200 {
		t.Errorf("HistoryPageSize = %d, want fallback 200", cfg.Chat.HistoryPageSize)
	}
}

func TestLoadDotEnvFromParent(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "services", "api")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, ".env"), []byte("# dev\nCHAT_HISTORY_PAGE_SIZE=50\nSERVER_ADDR=\":7000\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	chdir(t, sub)
	t.Setenv("CONFIG_PATH", "")
	// зарегистрирована для восстановления, затем сброшена, чтобы её заполнил .env
	t.Setenv("CHAT_HISTORY_PAGE_SIZE", "")
	os.Unsetenv("CHAT_HISTORY_PAGE_SIZE")
	t.Setenv("SERVER_ADDR", ":6000")

	cfg := Load()
	if cfg.Chat.HistoryPageSize != 50 {
		t.Errorf("HistoryPageSize = %d, want 50 from .env", cfg.Chat.HistoryPageSize)
	}
	if cfg.ServerAddr != ":6000" {
		t.Errorf("ServerAddr = %q, existing env must win over .env", cfg.ServerAddr)
	}
}

func TestFrameSizeFollowsContentLimit(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CONFIG_PATH", "")

	cfg := Load()
	// 4000 символов вне BMP в JSON-экранировании — 48000 байт
	if want := int64(4000*12 + 1024); cfg.WS.MaxFrameSize != want {
		t.Errorf("MaxFrameSize = %d, want %d", cfg.WS.MaxFrameSize, want)
	}

	t.Setenv("WS_MAX_MESSAGE_SIZE", "32768")
	t.Setenv("CHAT_MAX_CONTENT_LENGTH", "8000")
	cfg = Load()
	if want := int64(8000*12 + 1024); cfg.WS.MaxFrameSize != want {
		t.Errorf("MaxFrameSize = %d, want raised to %d", cfg.WS.MaxFrameSize, want)
	}

	t.Setenv("WS_MAX_MESSAGE_SIZE", "1048576")
	cfg = Load()
	if cfg.WS.MaxFrameSize != 1<<20 {
		t.Errorf("MaxFrameSize = %d, want 1048576 kept", cfg.WS.MaxFrameSize)
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir for older toolchains).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatal(err)
		}
	})
}
