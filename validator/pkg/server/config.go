package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tenexium/tenex/validator/pkg/scheduler"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Validator is what the server reports on.
type Validator interface {
	Ready() bool
	Status() scheduler.Status
}

// Identity is static information about the running validator.
type Identity struct {
	Network  string `json:"network"`
	NetUID   uint16 `json:"netuid"`
	Address  string `json:"address"`
	SS58     string `json:"ss58_mirror"`
	Hotkey   string `json:"hotkey,omitempty"`
	Contract string `json:"contract"`
}

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo
	Identity          Identity
	Validator         Validator

	// Ping checks dependencies for readiness. Optional.
	Ping func(ctx context.Context) error
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Validator == nil {
		return errors.New("validator is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return nil
}
