// Package log provides flomq's structured logging facade.
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context. It is backed by the standard library's
// slog through a bridge handler that feeds a Formatter and a set of Outputs.
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("journal"))
//	l.Info("recovered", log.Int("records", n))
//
// ApplyConfig builds a logger from a declarative Config. RedirectStdLog routes
// the standard library logger (used by Pebble) through a Logger.
package log
