// Package logger adapts common logging libraries to ftdb.Logger.
//
// The standard library's *slog.Logger already implements ftdb.Logger and
// needs no adapter. The engine passes alternating key/value arguments, which
// both adapters turn into structured fields.
//
// Example with zap:
//
//	zapLogger, _ := zap.NewProduction()
//	db, err := ftdb.Open("data.db", ftdb.WithLogger(logger.NewZap(zapLogger)))
//	if err != nil {
//	    panic(err)
//	}
//	defer db.Close()
package logger
