package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/debswarm/trackerless/internal/announce"
	"github.com/debswarm/trackerless/internal/config"
	"github.com/debswarm/trackerless/internal/engine"
	"github.com/debswarm/trackerless/internal/registration"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	rootCmd := newRootCmd()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestRootCommand_Help(t *testing.T) {
	out, err := execute(t, "--help")
	if err != nil {
		t.Fatalf("root --help failed: %v", err)
	}
	for _, want := range []string{"trackerless", "daemon", "lookup", "status", "config", "identity", "version"} {
		if !strings.Contains(out, want) {
			t.Errorf("help output should mention %q", want)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "trackerless version dev") {
		t.Errorf("version output = %q", out)
	}
}

func TestConfigInitAndShow(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")

	out, err := execute(t, "--config", cfgPath, "--data-dir", dir, "config", "init")
	if err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	if !strings.Contains(out, cfgPath) {
		t.Errorf("config init output = %q", out)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	if cfg.State.Path != filepath.Join(dir, "state.db") {
		t.Errorf("State.Path = %q, want under data dir", cfg.State.Path)
	}

	out, err = execute(t, "--config", cfgPath, "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out, "[lookup]") || strings.Contains(out, "Configuration problems") {
		t.Errorf("config show output = %q", out)
	}
}

func TestLookupCommand_Args(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing infohash", []string{"lookup"}},
		{"bad hex", []string{"lookup", "zz"}},
		{"short hash", []string{"lookup", "abcd"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(t, tt.args...); err == nil {
				t.Error("lookup accepted invalid arguments")
			}
		})
	}
}

func TestDaemonCommand_InvalidMode(t *testing.T) {
	if _, err := execute(t, "daemon", "--dht-mode", "dozing"); err == nil {
		t.Error("daemon accepted an invalid --dht-mode")
	}
}

func TestIdentityCommands(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "absent.toml")

	out, err := execute(t, "--config", cfgPath, "--data-dir", dir, "identity", "show")
	if err != nil {
		t.Fatalf("identity show failed: %v", err)
	}
	if !strings.Contains(out, "No persistent identity") {
		t.Errorf("identity show before creation = %q", out)
	}

	if _, err := execute(t, "--config", cfgPath, "--data-dir", dir, "identity", "regenerate"); err != nil {
		t.Fatalf("identity regenerate failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "identity.key")); err != nil {
		t.Fatalf("identity not written: %v", err)
	}

	if _, err := execute(t, "--config", cfgPath, "--data-dir", dir, "identity", "regenerate"); err == nil {
		t.Error("regenerate without --force replaced an existing identity")
	}

	out, err = execute(t, "--config", cfgPath, "--data-dir", dir, "identity", "show")
	if err != nil {
		t.Fatalf("identity show failed: %v", err)
	}
	if !strings.Contains(out, "Peer ID:     12D3Koo") {
		t.Errorf("identity show = %q", out)
	}
}

func TestStatusCommand(t *testing.T) {
	st := daemonStatus{
		PeerID:         "12D3KooWStatus",
		ConnectedPeers: 3,
		Engine: engine.Status{
			Announce: announce.Stats{
				Registrations: registration.Counts{Tracked: 2, Running: 1, Full: 1},
				Downloads: []announce.DownloadStatus{
					{Hash: strings.Repeat("ab", 20), Name: "debian.iso", Kind: "full", Seeds: 5},
				},
			},
		},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(st)
	}))
	defer server.Close()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Metrics.Listen = strings.TrimPrefix(server.URL, "http://")
	cfgPath := filepath.Join(dir, "config.toml")
	if err := cfg.Save(cfgPath); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "--config", cfgPath, "status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	for _, want := range []string{"12D3KooWStatus", "3 connected", "debian.iso", "abababababababab"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestStatusCommand_Disabled(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Metrics.Listen = ""
	cfgPath := filepath.Join(dir, "config.toml")
	if err := cfg.Save(cfgPath); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "--config", cfgPath, "status"); err == nil {
		t.Error("status succeeded with the endpoint disabled")
	}
}

func TestLoadTorrents(t *testing.T) {
	dir := t.TempDir()

	dls, err := loadTorrents(filepath.Join(dir, "missing.toml"))
	if err != nil || len(dls) != 0 {
		t.Errorf("loadTorrents(missing) = %v, %v; want empty", dls, err)
	}

	path := filepath.Join(dir, "torrents.toml")
	content := `[[torrent]]
info_hash = "` + strings.Repeat("01", 20) + `"
name = "one"
state = "seeding"
size = 104857600
decentralized = true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	dls, err = loadTorrents(path)
	if err != nil {
		t.Fatalf("loadTorrents() error = %v", err)
	}
	if len(dls) != 1 || dls[0].Name() != "one" {
		t.Errorf("loadTorrents() = %v", dls)
	}

	if err := os.WriteFile(path, []byte("[[torrent]]\ninfo_hash = \"nothex\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadTorrents(path); err == nil {
		t.Error("loadTorrents() accepted an invalid info_hash")
	}
}
