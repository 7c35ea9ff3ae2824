package logger

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/alexhholmes/ftdb"
)

// Logrus wraps a logrus.Logger to implement ftdb.Logger.
type Logrus struct {
	logger *logrus.Logger
}

// NewLogrus creates an ftdb.Logger from a logrus.Logger.
func NewLogrus(logger *logrus.Logger) ftdb.Logger {
	return &Logrus{logger: logger}
}

func (l *Logrus) Error(msg string, args ...any) { l.logger.WithFields(fields(args)).Error(msg) }
func (l *Logrus) Warn(msg string, args ...any)  { l.logger.WithFields(fields(args)).Warn(msg) }
func (l *Logrus) Info(msg string, args ...any)  { l.logger.WithFields(fields(args)).Info(msg) }

// fields pairs up key/value arguments. Keys that are not strings are
// formatted; a trailing key without a value is kept under "!BADKEY", as slog
// does.
func fields(args []any) logrus.Fields {
	out := make(logrus.Fields, (len(args)+1)/2)
	for i := 0; i < len(args); i += 2 {
		if i+1 == len(args) {
			out["!BADKEY"] = args[i]
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		out[key] = args[i+1]
	}
	return out
}
