package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestNormalizeWSURL(t *testing.T) {
	testCases := []struct {
		in, want string
	}{
		{"ws://127.0.0.1:8080", "ws://127.0.0.1:8080/ws"},
		{"ws://127.0.0.1:8080/ws", "ws://127.0.0.1:8080/ws"},
		{"wss://example.devtunnels.ms/anything", "wss://example.devtunnels.ms/ws"},
		{"https://example.com", "wss://example.com/ws"},
		{"http://localhost:9000", "ws://localhost:9000/ws"},
		{"  example.com  ", "wss://example.com/ws"},
	}

	for _, tc := range testCases {
		got, err := NormalizeWSURL(tc.in)
		if err != nil {
			t.Errorf("NormalizeWSURL(%q) failed: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizeWSURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	for _, bad := range []string{"", "ws://", "://nohost"} {
		if _, err := NormalizeWSURL(bad); err == nil {
			t.Errorf("NormalizeWSURL(%q) should fail", bad)
		}
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medicall.yaml")
	content := "room: clinic-7\nidentity: dr.who@example.com\nnegotiationTimeout: 5s\nvideo: false\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.RoomID != "clinic-7" || cfg.Identity != "dr.who@example.com" {
		t.Errorf("room/identity mismatch: %+v", cfg)
	}
	if cfg.NegotiationTimeout != 5*time.Second {
		t.Errorf("timeout mismatch: got %s", cfg.NegotiationTimeout)
	}
	if cfg.Video {
		t.Error("video should be disabled by file")
	}
	if !cfg.Audio {
		t.Error("audio should keep its default")
	}
	if len(cfg.ICEServers) != 2 {
		t.Errorf("ICE servers should keep defaults, got %v", cfg.ICEServers)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestBindFlags(t *testing.T) {
	cfg := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.BindFlags(fs)

	err := fs.Parse([]string{"--room", "r1", "--identity", "alice", "--call", "bob", "--stun", "stun:a:1,stun:b:2", "--timeout", "2s"})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.RoomID != "r1" || cfg.Identity != "alice" || cfg.Callee != "bob" {
		t.Errorf("flag values not applied: %+v", cfg)
	}
	if len(cfg.ICEServers) != 2 || cfg.ICEServers[1] != "stun:b:2" {
		t.Errorf("stun mismatch: %v", cfg.ICEServers)
	}
	if cfg.NegotiationTimeout != 2*time.Second {
		t.Errorf("timeout mismatch: %s", cfg.NegotiationTimeout)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing room")
	}

	cfg.RoomID = "r1"
	cfg.Identity = "alice"
	cfg.Callee = "alice"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when calling yourself")
	}

	cfg.Callee = "bob"
	cfg.SignalURL = "ws://relay.local:8080"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.SignalURL != "ws://relay.local:8080/ws" {
		t.Errorf("SignalURL not normalized: %s", cfg.SignalURL)
	}
}

func TestOverlayKeepsCommandLine(t *testing.T) {
	flagged := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flagged.BindFlags(fs)
	if err := fs.Parse([]string{"--identity", "alice", "--stun", "stun:a:1,stun:b:2", "--video=false"}); err != nil {
		t.Fatal(err)
	}

	file := Default()
	file.RoomID = "clinic-7"
	file.Identity = "bob"
	file.NegotiationTimeout = 5 * time.Second

	if err := file.Overlay(fs); err != nil {
		t.Fatalf("Overlay failed: %v", err)
	}

	if file.Identity != "alice" {
		t.Errorf("flag should win over file, got identity %q", file.Identity)
	}
	if file.RoomID != "clinic-7" || file.NegotiationTimeout != 5*time.Second {
		t.Errorf("unset flags must not touch file values: %+v", file)
	}
	if file.Video {
		t.Error("--video=false lost")
	}
	if len(file.ICEServers) != 2 || file.ICEServers[0] != "stun:a:1" {
		t.Errorf("stun mismatch: %v", file.ICEServers)
	}
}
