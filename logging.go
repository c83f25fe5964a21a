package peernet

import "github.com/sunipkm/peernet/pkg/connection"

// Logger receives the peer's structured log records. Arguments after msg
// are alternating keys and values, so *slog.Logger can be passed as is.
//
// Debug covers ignored beacons and dropped frames, Info covers peers
// coming and going, Warn covers failed handshakes, and Error covers
// handler panics. Implementations must be safe for concurrent use.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

var _ connection.Logger = Logger(nil)

// NopLogger discards every record. It is used when no logger is
// configured.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}
