package peernet

import (
	"errors"
	"strings"
	"testing"

	"github.com/sunipkm/peernet/pkg/identity"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "alice", false},
		{"with space", "alice smith", false},
		{"unicode", "ålice", false},
		{"max length", strings.Repeat("a", MaxNameLength), false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", MaxNameLength+1), true},
		{"separator", "lab/alice", true},
		{"control char", "alice\n", true},
		{"invalid utf8", "al\xffice", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidName) {
					t.Errorf("ValidateName(%q) error = %v, want ErrInvalidName", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Errorf("ValidateName(%q) unexpected error: %v", tt.input, err)
			}
		})
	}
}

func TestValidateName_WrapsCause(t *testing.T) {
	err := ValidateName("")
	if !errors.Is(err, identity.ErrEmpty) {
		t.Errorf("error = %v, want wrapped identity.ErrEmpty", err)
	}
	err = ValidateGroup(strings.Repeat("g", MaxNameLength+1))
	if !errors.Is(err, identity.ErrTooLong) || !errors.Is(err, ErrInvalidName) {
		t.Errorf("error = %v, want ErrInvalidName wrapping identity.ErrTooLong", err)
	}
}

func TestValidateMessageType(t *testing.T) {
	if err := ValidateMessageType("CHAT"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateMessageType("sensor/temp"); err != nil {
		t.Errorf("message types may contain a separator: %v", err)
	}
	if err := ValidateMessageType(""); !errors.Is(err, ErrInvalidMessageType) {
		t.Errorf("error = %v, want ErrInvalidMessageType", err)
	}
	if err := ValidateMessageType(strings.Repeat("t", 256)); !errors.Is(err, ErrInvalidMessageType) {
		t.Errorf("error = %v, want ErrInvalidMessageType", err)
	}
}

func TestValidateMetadataSize(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]string
		maxSize  int
		wantErr  bool
	}{
		{"nil metadata", nil, 10, false},
		{"no limit", map[string]string{"key": strings.Repeat("v", 100)}, 0, false},
		{"within limit", map[string]string{"ab": "cd"}, 4, false},
		{"over limit", map[string]string{"ab": "cde"}, 4, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMetadataSize(tt.metadata, tt.maxSize)
			if tt.wantErr && !errors.Is(err, ErrMetadataTooLarge) {
				t.Errorf("error = %v, want ErrMetadataTooLarge", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
