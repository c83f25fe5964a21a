package peernet

import (
	"fmt"
	"time"

	"github.com/sunipkm/peernet/internal/dispatch"
	"github.com/sunipkm/peernet/pkg/codec"
	"github.com/sunipkm/peernet/pkg/connection"
	"github.com/sunipkm/peernet/pkg/identity"
	"github.com/sunipkm/peernet/pkg/transport"
)

// Default configuration values.
const (
	DefaultGroup                   = identity.DefaultGroup
	DefaultBeaconInterval          = connection.DefaultBeaconInterval
	DefaultHandshakeTimeout        = connection.DefaultHandshakeTimeout
	DefaultEvasiveTimeout          = connection.DefaultEvasiveTimeout
	DefaultSilentTimeout           = connection.DefaultSilentTimeout
	DefaultExpiredTimeout          = connection.DefaultExpiredTimeout
	DefaultFailedHandshakeCooldown = connection.DefaultFailedHandshakeCooldown
	DefaultMaxHandshakeCooldown    = connection.DefaultMaxHandshakeCooldown
	DefaultEventBufferSize         = dispatch.DefaultBufferSize
	DefaultSendQueueSize           = connection.DefaultSendQueueSize
	DefaultSendTimeout             = connection.DefaultSendTimeout
	DefaultMaxMessageSize          = codec.DefaultMaxFrameSize
	DefaultMaxMetadataSize         = 64 << 10
)

// Config holds the configuration for a Peer.
type Config struct {
	// Name is this peer's name within its group. Required.
	Name string

	// Group is the group this peer joins. Defaults to DefaultGroup.
	Group string

	// Encrypted enables payload encryption. All peers of a group must
	// agree on it; peers with a different setting never connect.
	Encrypted bool

	// Passphrase derives the group key. Required when Encrypted is set.
	Passphrase string

	// Metadata is delivered to remote connect handlers.
	Metadata map[string]string

	// Transport creates the network transport on every Start. Defaults to
	// DefaultTransport: UDP multicast beacons and libp2p streams.
	Transport transport.Factory

	// BeaconInterval is the period of discovery beacons.
	BeaconInterval time.Duration

	// HandshakeTimeout bounds the HELLO exchange with a new peer.
	HandshakeTimeout time.Duration

	// EvasiveTimeout, SilentTimeout and ExpiredTimeout are measured from
	// the last frame received from a peer. Past ExpiredTimeout the peer is
	// disconnected.
	EvasiveTimeout time.Duration
	SilentTimeout  time.Duration
	ExpiredTimeout time.Duration

	// FailedHandshakeCooldown is the initial delay before a peer whose
	// handshake failed is tried again. It doubles per failure up to
	// MaxHandshakeCooldown.
	FailedHandshakeCooldown time.Duration
	MaxHandshakeCooldown    time.Duration

	// EventBufferSize bounds the messages waiting for handlers. When it is
	// reached, reading from the sending peers pauses. Lifecycle and error
	// events are never dropped.
	EventBufferSize int

	// SendQueueSize bounds messages queued per connection; a send waits up
	// to SendTimeout for room.
	SendQueueSize int
	SendTimeout   time.Duration

	// MaxMessageSize is the largest frame accepted on a stream.
	MaxMessageSize int

	// MaxMetadataSize bounds the total size of Metadata.
	MaxMetadataSize int

	// Logger is the logger for the peer. If nil, a NopLogger is used.
	// The logger must be safe for concurrent use.
	Logger Logger

	// Metrics is the metrics collector for the peer. If nil, a NopMetrics
	// is used. The metrics collector must be safe for concurrent use.
	Metrics Metrics

	// Tracer traces handshakes and sends. If nil, a NopTracer is used.
	Tracer Tracer
}

// Validate checks that the configuration is valid and returns an error
// describing any problems found.
func (c *Config) Validate() error {
	if err := ValidateName(c.Name); err != nil {
		return err
	}
	if c.Group != "" {
		if err := ValidateGroup(c.Group); err != nil {
			return err
		}
	}
	if c.Encrypted && c.Passphrase == "" {
		return ErrMissingPassphrase
	}
	if c.BeaconInterval < 0 || c.HandshakeTimeout < 0 || c.SendTimeout < 0 {
		return fmt.Errorf("%w: durations cannot be negative", ErrInvalidConfig)
	}
	if c.EvasiveTimeout < 0 || c.SilentTimeout < 0 || c.ExpiredTimeout < 0 {
		return fmt.Errorf("%w: liveness timeouts cannot be negative", ErrInvalidConfig)
	}
	if c.SilentTimeout > 0 && c.EvasiveTimeout > 0 && c.SilentTimeout < c.EvasiveTimeout {
		return fmt.Errorf("%w: silent timeout cannot be less than evasive timeout", ErrInvalidConfig)
	}
	if c.ExpiredTimeout > 0 && c.SilentTimeout > 0 && c.ExpiredTimeout < c.SilentTimeout {
		return fmt.Errorf("%w: expired timeout cannot be less than silent timeout", ErrInvalidConfig)
	}
	if c.FailedHandshakeCooldown < 0 || c.MaxHandshakeCooldown < 0 {
		return fmt.Errorf("%w: handshake cooldown cannot be negative", ErrInvalidConfig)
	}
	if c.MaxHandshakeCooldown > 0 && c.MaxHandshakeCooldown < c.FailedHandshakeCooldown {
		return fmt.Errorf("%w: max handshake cooldown cannot be less than the initial cooldown", ErrInvalidConfig)
	}
	if c.EventBufferSize < 0 || c.SendQueueSize < 0 || c.MaxMessageSize < 0 || c.MaxMetadataSize < 0 {
		return fmt.Errorf("%w: sizes cannot be negative", ErrInvalidConfig)
	}
	maxMeta := c.MaxMetadataSize
	if maxMeta == 0 {
		maxMeta = DefaultMaxMetadataSize
	}
	return ValidateMetadataSize(c.Metadata, maxMeta)
}

// applyDefaults sets default values for any unset optional fields.
func (c *Config) applyDefaults() {
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.Transport == nil {
		c.Transport = DefaultTransport
	}
	if c.BeaconInterval == 0 {
		c.BeaconInterval = DefaultBeaconInterval
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.EvasiveTimeout == 0 {
		c.EvasiveTimeout = DefaultEvasiveTimeout
	}
	if c.SilentTimeout == 0 {
		c.SilentTimeout = max(DefaultSilentTimeout, c.EvasiveTimeout)
	}
	if c.ExpiredTimeout == 0 {
		c.ExpiredTimeout = max(DefaultExpiredTimeout, c.SilentTimeout)
	}
	if c.FailedHandshakeCooldown == 0 {
		c.FailedHandshakeCooldown = DefaultFailedHandshakeCooldown
	}
	if c.MaxHandshakeCooldown == 0 {
		c.MaxHandshakeCooldown = max(DefaultMaxHandshakeCooldown, c.FailedHandshakeCooldown)
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = DefaultEventBufferSize
	}
	if c.SendQueueSize == 0 {
		c.SendQueueSize = DefaultSendQueueSize
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.MaxMetadataSize == 0 {
		c.MaxMetadataSize = DefaultMaxMetadataSize
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.Tracer == nil {
		c.Tracer = NopTracer{}
	}
}

// identity returns the identity the configuration describes.
func (c *Config) identity() identity.Identity {
	return identity.New(c.Group, c.Name)
}

// ConfigOption is a functional option for configuring a Peer.
type ConfigOption func(*Config)

// WithGroup sets the group the peer joins.
func WithGroup(group string) ConfigOption {
	return func(c *Config) {
		c.Group = group
	}
}

// WithPassphrase enables encryption with a key derived from passphrase.
func WithPassphrase(passphrase string) ConfigOption {
	return func(c *Config) {
		c.Passphrase = passphrase
		c.Encrypted = true
	}
}

// WithEncryption sets whether payloads are encrypted. Encryption still
// requires a passphrase.
func WithEncryption(enabled bool) ConfigOption {
	return func(c *Config) {
		c.Encrypted = enabled
	}
}

// WithMetadata sets the metadata delivered to remote connect handlers.
func WithMetadata(metadata map[string]string) ConfigOption {
	return func(c *Config) {
		c.Metadata = metadata
	}
}

// WithTransport sets the transport factory.
func WithTransport(f transport.Factory) ConfigOption {
	return func(c *Config) {
		c.Transport = f
	}
}

// WithBeaconInterval sets the discovery beacon period.
func WithBeaconInterval(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.BeaconInterval = d
	}
}

// WithHandshakeTimeout sets the handshake timeout duration.
func WithHandshakeTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.HandshakeTimeout = d
	}
}

// WithLivenessTimeouts sets the evasive, silent and expired thresholds.
func WithLivenessTimeouts(evasive, silent, expired time.Duration) ConfigOption {
	return func(c *Config) {
		c.EvasiveTimeout = evasive
		c.SilentTimeout = silent
		c.ExpiredTimeout = expired
	}
}

// WithFailedHandshakeCooldown sets the cooldown duration after a failed handshake.
func WithFailedHandshakeCooldown(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.FailedHandshakeCooldown = d
	}
}

// WithEventBufferSize sets the capacity of the event queue.
func WithEventBufferSize(size int) ConfigOption {
	return func(c *Config) {
		c.EventBufferSize = size
	}
}

// WithSendQueue sets the per-connection send queue size.
func WithSendQueue(size int) ConfigOption {
	return func(c *Config) {
		c.SendQueueSize = size
	}
}

// WithSendTimeout sets how long a send waits for queue space.
func WithSendTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.SendTimeout = d
	}
}

// WithMaxMessageSize sets the largest accepted frame.
func WithMaxMessageSize(size int) ConfigOption {
	return func(c *Config) {
		c.MaxMessageSize = size
	}
}

// WithLogger sets the logger for the peer.
// The logger must be safe for concurrent use.
func WithLogger(l Logger) ConfigOption {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithMetrics sets the metrics collector for the peer.
// The metrics collector must be safe for concurrent use.
func WithMetrics(m Metrics) ConfigOption {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithTracer sets the tracer for the peer.
func WithTracer(t Tracer) ConfigOption {
	return func(c *Config) {
		c.Tracer = t
	}
}

// NewConfig creates a new Config for the peer called name and applies any
// provided options. It applies defaults for unset optional fields but does
// not validate the configuration.
func NewConfig(name string, opts ...ConfigOption) *Config {
	c := &Config{Name: name}
	for _, opt := range opts {
		opt(c)
	}
	c.applyDefaults()
	return c
}
