package connection

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/sunipkm/peernet/pkg/codec"
	"github.com/sunipkm/peernet/pkg/crypto"
	"github.com/sunipkm/peernet/pkg/identity"
)

// Default timings.
const (
	DefaultBeaconInterval          = time.Second
	DefaultHandshakeTimeout        = 10 * time.Second
	DefaultEvasiveTimeout          = 5 * time.Second
	DefaultSilentTimeout           = 10 * time.Second
	DefaultExpiredTimeout          = 30 * time.Second
	DefaultFailedHandshakeCooldown = 2 * time.Second
	DefaultMaxHandshakeCooldown    = time.Minute
	DefaultSendQueueSize           = 256
	DefaultSendTimeout             = 5 * time.Second
	DefaultWriteTimeout            = 10 * time.Second
	DefaultBeaconRate              = rate.Limit(200)
	DefaultHandshakeRate           = rate.Limit(20)
)

// Config contains configuration for a Manager.
type Config struct {
	// Identity and Instance describe the local peer. Instance is unique
	// per run.
	Identity identity.Identity
	Instance string

	// Encrypted enables payload encryption with Cipher.
	Encrypted bool
	Cipher    *crypto.Cipher

	// Metadata is sent in HELLO and delivered to remote connect handlers.
	Metadata map[string]string

	BeaconInterval   time.Duration
	HandshakeTimeout time.Duration

	// Liveness thresholds, measured from the last inbound frame.
	EvasiveTimeout time.Duration
	SilentTimeout  time.Duration
	ExpiredTimeout time.Duration

	// HeartbeatInterval is the idle time after which a PING is sent.
	// Defaults to half of EvasiveTimeout.
	HeartbeatInterval time.Duration

	// LivenessInterval is the sweep period. Defaults to a quarter of
	// EvasiveTimeout, clamped to [10ms, 1s].
	LivenessInterval time.Duration

	FailedHandshakeCooldown time.Duration
	MaxHandshakeCooldown    time.Duration

	// SendQueueSize bounds frames queued per connection. A send waits up
	// to SendTimeout for room.
	SendQueueSize int
	SendTimeout   time.Duration

	// WriteTimeout bounds writing one frame to the stream.
	WriteTimeout time.Duration

	MaxFrameSize int

	// BeaconRate and HandshakeRate limit inbound beacon processing and
	// accepted streams.
	BeaconRate     rate.Limit
	BeaconBurst    int
	HandshakeRate  rate.Limit
	HandshakeBurst int

	Logger  Logger
	Metrics Metrics
	Tracer  Tracer
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := c.Identity.Validate(); err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	if c.Instance == "" {
		return fmt.Errorf("instance is required")
	}
	if c.Encrypted && c.Cipher == nil {
		return fmt.Errorf("encryption requires a cipher")
	}
	if c.SilentTimeout > 0 && c.EvasiveTimeout > 0 && c.SilentTimeout < c.EvasiveTimeout {
		return fmt.Errorf("silent timeout %v shorter than evasive timeout %v", c.SilentTimeout, c.EvasiveTimeout)
	}
	if c.ExpiredTimeout > 0 && c.SilentTimeout > 0 && c.ExpiredTimeout < c.SilentTimeout {
		return fmt.Errorf("expired timeout %v shorter than silent timeout %v", c.ExpiredTimeout, c.SilentTimeout)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.BeaconInterval <= 0 {
		c.BeaconInterval = DefaultBeaconInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.EvasiveTimeout <= 0 {
		c.EvasiveTimeout = DefaultEvasiveTimeout
	}
	if c.SilentTimeout <= 0 {
		c.SilentTimeout = max(DefaultSilentTimeout, c.EvasiveTimeout)
	}
	if c.ExpiredTimeout <= 0 {
		c.ExpiredTimeout = max(DefaultExpiredTimeout, c.SilentTimeout)
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.EvasiveTimeout / 2
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = min(max(c.EvasiveTimeout/4, 10*time.Millisecond), time.Second)
	}
	if c.FailedHandshakeCooldown <= 0 {
		c.FailedHandshakeCooldown = DefaultFailedHandshakeCooldown
	}
	if c.MaxHandshakeCooldown < c.FailedHandshakeCooldown {
		c.MaxHandshakeCooldown = max(DefaultMaxHandshakeCooldown, c.FailedHandshakeCooldown)
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = DefaultSendQueueSize
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = codec.DefaultMaxFrameSize
	}
	if c.BeaconRate <= 0 {
		c.BeaconRate = DefaultBeaconRate
	}
	if c.BeaconBurst <= 0 {
		c.BeaconBurst = int(c.BeaconRate)
	}
	if c.HandshakeRate <= 0 {
		c.HandshakeRate = DefaultHandshakeRate
	}
	if c.HandshakeBurst <= 0 {
		c.HandshakeBurst = int(c.HandshakeRate)
	}
	if c.Logger == nil {
		c.Logger = nopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = nopMetrics{}
	}
	if c.Tracer == nil {
		c.Tracer = nopTracer{}
	}
}

// EventSink receives lifecycle events and messages. Calls are made from
// engine goroutines. MessageReceived may block to hold back the read loop
// of a peer whose messages are not being consumed; the other calls must
// not block.
type EventSink interface {
	PeerConnected(id identity.Identity, metadata map[string]string)
	PeerDisconnected(id identity.Identity)
	PeerEvasive(id identity.Identity)
	PeerSilent(id identity.Identity)
	MessageReceived(id identity.Identity, msgType string, payload []byte)
	Error(err error)
}

// Logger is the structured logger used by the manager.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Metrics is the subset of collectors the manager reports to.
type Metrics interface {
	ConnectionOpened(direction string)
	ConnectionClosed(direction string)
	HandshakeResult(result string)
	HandshakeDuration(seconds float64)
	BeaconSent()
	BeaconReceived(result string)
	MessageSent(msgType string, bytes int)
	MessageReceived(msgType string, bytes int)
	FrameDropped(reason string)
	EncryptionError()
	DecryptionError()
}

// Tracer opens a span around each handshake. The returned function ends
// it with the remote identity, if learned, and the outcome.
type Tracer interface {
	TraceHandshake(ctx context.Context, direction, endpoint string) (context.Context, func(remote string, err error))
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

type nopMetrics struct{}

func (nopMetrics) ConnectionOpened(string)     {}
func (nopMetrics) ConnectionClosed(string)     {}
func (nopMetrics) HandshakeResult(string)      {}
func (nopMetrics) HandshakeDuration(float64)   {}
func (nopMetrics) BeaconSent()                 {}
func (nopMetrics) BeaconReceived(string)       {}
func (nopMetrics) MessageSent(string, int)     {}
func (nopMetrics) MessageReceived(string, int) {}
func (nopMetrics) FrameDropped(string)         {}
func (nopMetrics) EncryptionError()            {}
func (nopMetrics) DecryptionError()            {}

type nopTracer struct{}

func (nopTracer) TraceHandshake(ctx context.Context, _, _ string) (context.Context, func(string, error)) {
	return ctx, func(string, error) {}
}
