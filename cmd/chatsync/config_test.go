package main

import (
	"os"
	"path/filepath"
	"testing"

	chatsync "github.com/wachat/chatsync"
)

func TestSetConfigValue(t *testing.T) {
	t.Run("known keys", func(t *testing.T) {
		cfg := &Config{}
		sets := map[string]string{
			"client.relay_url":         "https://chat.example.com",
			"client.session":           "redis",
			"client.redis_db":          "3",
			"server.secret":            "s3cret",
			"server.token_ttl_minutes": "90",
			"log.level":                "debug",
		}
		for k, v := range sets {
			if err := setConfigValue(cfg, k, v); err != nil {
				t.Fatalf("setConfigValue(%s): %v", k, err)
			}
		}
		if cfg.Client.RelayURL != "https://chat.example.com" || cfg.Client.Session != "redis" || cfg.Client.RedisDB != 3 {
			t.Fatalf("unexpected client config %+v", cfg.Client)
		}
		if cfg.Server.Secret != "s3cret" || cfg.Server.TokenTTLMinutes != 90 {
			t.Fatalf("unexpected server config %+v", cfg.Server)
		}
		if cfg.Log.Level != "debug" {
			t.Fatalf("expected debug, got %s", cfg.Log.Level)
		}
	})

	t.Run("invalid keys", func(t *testing.T) {
		for _, tc := range []struct{ key, value string }{
			{"relay_url", "x"},
			{"client.unknown", "x"},
			{"nope.level", "x"},
			{"client.session", "sqlite"},
			{"client.redis_db", "three"},
			{"server.token_ttl_minutes", "soon"},
		} {
			if err := setConfigValue(&Config{}, tc.key, tc.value); err == nil {
				t.Fatalf("expected error for %s=%s", tc.key, tc.value)
			}
		}
	})
}

func TestConfigRoundTrip(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if *cfg != (Config{}) {
		t.Fatalf("expected empty config, got %+v", cfg)
	}
	cfg.Client.RelayURL = "http://relay:9000"
	cfg.Server.MongoURI = "mongodb://db:27017"
	if err := saveConfig(cfg); err != nil {
		t.Fatalf("saveConfig: %v", err)
	}

	loaded, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	loaded.defaults()
	if loaded.Client.RelayURL != "http://relay:9000" || loaded.Server.MongoURI != "mongodb://db:27017" {
		t.Fatalf("unexpected loaded config %+v", loaded)
	}
	if loaded.Client.Bucket != "users" || loaded.Server.Listen != ":8080" || loaded.Log.Level != "info" {
		t.Fatalf("expected defaults filled, got %+v", loaded)
	}

	path, _ := configPath()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600, got %o", perm)
	}
}

func TestOpenKVDefaultsToFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CHATSYNC_HOME", home)

	cfg := &Config{}
	cfg.defaults()
	kv, err := openKV(cfg)
	if err != nil {
		t.Fatalf("openKV: %v", err)
	}
	if err := kv.Set(chatsync.KeyUserEmail, "a@example.com"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, "session.toml")); err != nil {
		t.Fatalf("expected session file: %v", err)
	}

	cfg.Client.Session = "redis"
	if _, err := openKV(cfg); err == nil {
		t.Fatal("expected error without redis address")
	}
}

func TestTrimNewline(t *testing.T) {
	for in, want := range map[string]string{"hi\n": "hi", "hi\r\n": "hi", "hi": "hi", "\n": ""} {
		if got := trimNewline(in); got != want {
			t.Fatalf("trimNewline(%q): expected %q, got %q", in, want, got)
		}
	}
}
