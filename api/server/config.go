package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/malbeclabs/stakegate/api/handlers"
)

// Gatekeeper wraps gated routes. *access.Gate implements it.
type Gatekeeper interface {
	Middleware(next http.Handler) http.Handler
}

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	Handlers          *handlers.Handlers
	Gate              Gatekeeper
	// CORSOrigins defaults to any origin.
	CORSOrigins []string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Handlers == nil {
		return errors.New("handlers are required")
	}
	if cfg.Gate == nil {
		return errors.New("gate is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	return nil
}
