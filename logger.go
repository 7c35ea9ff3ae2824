package ftdb

import (
	"log/slog"

	"github.com/alexhholmes/ftdb/internal/brt"
)

// Logger receives the engine's structured events: open and close,
// checkpoints, root splits, recovered transactions, and the context of any
// invariant violation just before it panics. Arguments are alternating keys
// and values, as with slog. The logger package adapts zap and logrus.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

// DiscardLogger drops every event. It is the default.
type DiscardLogger struct{}

func (DiscardLogger) Error(string, ...any) {}
func (DiscardLogger) Warn(string, ...any)  {}
func (DiscardLogger) Info(string, ...any)  {}

var (
	_ Logger     = (*slog.Logger)(nil)
	_ brt.Logger = Logger(nil)
)
