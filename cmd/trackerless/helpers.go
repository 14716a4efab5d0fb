package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/debswarm/trackerless/internal/config"
	"github.com/debswarm/trackerless/internal/torrent"
)

// setupLogger builds the logger from --log-level, falling back to the
// configured level.
func setupLogger(cfg *config.Config) (*zap.Logger, error) {
	levelName := logLevel
	if levelName == "" && cfg != nil {
		levelName = cfg.Logging.Level
	}
	level := zapcore.InfoLevel
	switch levelName {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	zcfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	path := logFile
	if path == "" && cfg != nil {
		path = cfg.Logging.File
	}
	if path != "" {
		zcfg.OutputPaths = []string{path}
	}

	return zcfg.Build()
}

// configPaths returns the list of config file paths to search.
func configPaths() []string {
	if cfgFile != "" {
		return []string{cfgFile}
	}
	homeDir, _ := os.UserHomeDir()
	return []string{
		"/etc/trackerless/config.toml",
		filepath.Join(homeDir, ".config", "trackerless", "config.toml"),
	}
}

// defaultConfigPath is where config init writes without --config.
func defaultConfigPath() string {
	paths := configPaths()
	return paths[len(paths)-1]
}

// loadConfig loads configuration from the first available config file and
// applies --data-dir.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	for _, path := range configPaths() {
		if _, err := os.Stat(path); err == nil {
			loaded, err := config.Load(path)
			if err != nil {
				return nil, err
			}
			cfg = loaded
			break
		}
	}
	if dataDir != "" {
		applyDataDir(cfg, dataDir)
	}
	return cfg, nil
}

// applyDataDir relocates every per-node file under dir.
func applyDataDir(cfg *config.Config, dir string) {
	cfg.Network.IdentityPath = filepath.Join(dir, "identity.key")
	cfg.State.Path = filepath.Join(dir, "state.db")
	cfg.Torrents.File = filepath.Join(dir, "torrents.toml")
	if cfg.Lookup.ContactsFile == "" || !filepath.IsAbs(cfg.Lookup.ContactsFile) {
		cfg.Lookup.ContactsFile = filepath.Join(dir, "contacts.txt")
	}
}

// loadTorrents reads the torrents file. A missing file is an empty set.
func loadTorrents(path string) ([]torrent.Download, error) {
	statics, err := torrent.LoadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]torrent.Download, len(statics))
	for i, s := range statics {
		out[i] = s
	}
	return out, nil
}

// ensureParent creates the directory holding path.
func ensureParent(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	return nil
}
