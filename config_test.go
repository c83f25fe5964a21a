package peernet

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr error
	}{
		{
			name:   "minimal",
			config: Config{Name: "alice"},
		},
		{
			name:    "missing name",
			config:  Config{},
			wantErr: ErrInvalidName,
		},
		{
			name:    "name with slash",
			config:  Config{Name: "a/b"},
			wantErr: ErrInvalidName,
		},
		{
			name:    "bad group",
			config:  Config{Name: "alice", Group: "lab/east"},
			wantErr: ErrInvalidName,
		},
		{
			name:    "encryption without passphrase",
			config:  Config{Name: "alice", Encrypted: true},
			wantErr: ErrMissingPassphrase,
		},
		{
			name:   "encryption with passphrase",
			config: Config{Name: "alice", Encrypted: true, Passphrase: "secret"},
		},
		{
			name:    "negative beacon interval",
			config:  Config{Name: "alice", BeaconInterval: -time.Second},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "silent before evasive",
			config:  Config{Name: "alice", EvasiveTimeout: 2 * time.Second, SilentTimeout: time.Second},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "expired before silent",
			config:  Config{Name: "alice", SilentTimeout: 2 * time.Second, ExpiredTimeout: time.Second},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "max cooldown below initial",
			config:  Config{Name: "alice", FailedHandshakeCooldown: time.Minute, MaxHandshakeCooldown: time.Second},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "negative queue",
			config:  Config{Name: "alice", SendQueueSize: -1},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "metadata too large",
			config:  Config{Name: "alice", Metadata: map[string]string{"k": strings.Repeat("x", 100)}, MaxMetadataSize: 10},
			wantErr: ErrMetadataTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{Name: "alice"}
	cfg.applyDefaults()

	if cfg.Group != DefaultGroup {
		t.Errorf("Group = %q, want %q", cfg.Group, DefaultGroup)
	}
	if cfg.Transport == nil {
		t.Error("Transport should default to DefaultTransport")
	}
	if cfg.BeaconInterval != DefaultBeaconInterval {
		t.Errorf("BeaconInterval = %v, want %v", cfg.BeaconInterval, DefaultBeaconInterval)
	}
	if cfg.EvasiveTimeout != DefaultEvasiveTimeout || cfg.SilentTimeout != DefaultSilentTimeout || cfg.ExpiredTimeout != DefaultExpiredTimeout {
		t.Errorf("liveness = %v/%v/%v", cfg.EvasiveTimeout, cfg.SilentTimeout, cfg.ExpiredTimeout)
	}
	if cfg.EventBufferSize != DefaultEventBufferSize {
		t.Errorf("EventBufferSize = %d, want %d", cfg.EventBufferSize, DefaultEventBufferSize)
	}
	if cfg.MaxMessageSize != DefaultMaxMessageSize {
		t.Errorf("MaxMessageSize = %d, want %d", cfg.MaxMessageSize, DefaultMaxMessageSize)
	}
	if _, ok := cfg.Logger.(NopLogger); !ok {
		t.Errorf("Logger = %T, want NopLogger", cfg.Logger)
	}
	if _, ok := cfg.Metrics.(NopMetrics); !ok {
		t.Errorf("Metrics = %T, want NopMetrics", cfg.Metrics)
	}
	if _, ok := cfg.Tracer.(NopTracer); !ok {
		t.Errorf("Tracer = %T, want NopTracer", cfg.Tracer)
	}
}

func TestConfig_ApplyDefaults_KeepsLivenessOrder(t *testing.T) {
	cfg := Config{Name: "alice", EvasiveTimeout: time.Minute}
	cfg.applyDefaults()

	if cfg.SilentTimeout < cfg.EvasiveTimeout {
		t.Errorf("SilentTimeout %v < EvasiveTimeout %v", cfg.SilentTimeout, cfg.EvasiveTimeout)
	}
	if cfg.ExpiredTimeout < cfg.SilentTimeout {
		t.Errorf("ExpiredTimeout %v < SilentTimeout %v", cfg.ExpiredTimeout, cfg.SilentTimeout)
	}
}

func TestNewConfig_Options(t *testing.T) {
	logger := NopLogger{}
	cfg := NewConfig("alice",
		WithGroup("lab"),
		WithPassphrase("secret"),
		WithMetadata(map[string]string{"role": "sensor"}),
		WithBeaconInterval(250*time.Millisecond),
		WithHandshakeTimeout(3*time.Second),
		WithLivenessTimeouts(time.Second, 2*time.Second, 3*time.Second),
		WithFailedHandshakeCooldown(500*time.Millisecond),
		WithEventBufferSize(8),
		WithSendQueue(4),
		WithSendTimeout(time.Second),
		WithMaxMessageSize(4096),
		WithLogger(logger),
	)

	if cfg.Name != "alice" || cfg.Group != "lab" {
		t.Errorf("identity = %s/%s", cfg.Group, cfg.Name)
	}
	if !cfg.Encrypted || cfg.Passphrase != "secret" {
		t.Error("WithPassphrase should enable encryption")
	}
	if cfg.Metadata["role"] != "sensor" {
		t.Errorf("Metadata = %v", cfg.Metadata)
	}
	if cfg.BeaconInterval != 250*time.Millisecond || cfg.HandshakeTimeout != 3*time.Second {
		t.Errorf("timings = %v/%v", cfg.BeaconInterval, cfg.HandshakeTimeout)
	}
	if cfg.EvasiveTimeout != time.Second || cfg.SilentTimeout != 2*time.Second || cfg.ExpiredTimeout != 3*time.Second {
		t.Errorf("liveness = %v/%v/%v", cfg.EvasiveTimeout, cfg.SilentTimeout, cfg.ExpiredTimeout)
	}
	if cfg.FailedHandshakeCooldown != 500*time.Millisecond {
		t.Errorf("FailedHandshakeCooldown = %v", cfg.FailedHandshakeCooldown)
	}
	if cfg.EventBufferSize != 8 || cfg.SendQueueSize != 4 || cfg.MaxMessageSize != 4096 {
		t.Errorf("sizes = %d/%d/%d", cfg.EventBufferSize, cfg.SendQueueSize, cfg.MaxMessageSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if got := cfg.identity(); got != NewIdentity("lab", "alice") {
		t.Errorf("identity() = %v", got)
	}
}

func TestWithEncryption_RequiresPassphrase(t *testing.T) {
	_, err := New("alice", WithEncryption(true))
	if !errors.Is(err, ErrMissingPassphrase) {
		t.Errorf("New() error = %v, want ErrMissingPassphrase", err)
	}
	var perr *Error
	if !errors.As(err, &perr) || perr.Code != ErrCodeInvalidConfig {
		t.Errorf("New() error = %v, want ErrCodeInvalidConfig", err)
	}
}
