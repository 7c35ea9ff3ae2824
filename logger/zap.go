package logger

import (
	"go.uber.org/zap"

	"github.com/alexhholmes/ftdb"
)

// Zap wraps a zap.Logger to implement ftdb.Logger.
type Zap struct {
	sugar *zap.SugaredLogger
}

// NewZap creates an ftdb.Logger from a zap.Logger.
func NewZap(logger *zap.Logger) ftdb.Logger {
	return &Zap{sugar: logger.Sugar()}
}

func (z *Zap) Error(msg string, args ...any) { z.sugar.Errorw(msg, args...) }
func (z *Zap) Warn(msg string, args ...any)  { z.sugar.Warnw(msg, args...) }
func (z *Zap) Info(msg string, args ...any)  { z.sugar.Infow(msg, args...) }
