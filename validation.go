package peernet

import (
	"fmt"

	"github.com/sunipkm/peernet/pkg/identity"
)

// MaxNameLength is the maximum length in bytes of a name, group or
// message type.
const MaxNameLength = identity.MaxLength

// ValidateName checks if a peer name is valid.
// Names must:
//   - Be non-empty
//   - Not exceed MaxNameLength bytes
//   - Contain only printable characters and no "/"
//
// Returns nil if valid, or an error wrapping ErrInvalidName.
func ValidateName(name string) error {
	if err := identity.ValidateName(name); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidName, err)
	}
	return nil
}

// ValidateGroup checks if a group name is valid. The rules are the same
// as for peer names.
func ValidateGroup(group string) error {
	if err := identity.ValidateGroup(group); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidName, err)
	}
	return nil
}

// ValidateMessageType checks if a message type is valid. Message types
// follow the name rules but may contain "/".
func ValidateMessageType(msgType string) error {
	if err := identity.ValidateMessageType(msgType); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessageType, err)
	}
	return nil
}

// ValidateMetadataSize checks if the total metadata size is within limits.
// Returns nil if valid, or ErrMetadataTooLarge if the total size exceeds maxSize.
// Size is calculated as the sum of key and value lengths.
func ValidateMetadataSize(metadata map[string]string, maxSize int) error {
	if maxSize <= 0 || metadata == nil {
		return nil
	}

	var totalSize int
	for k, v := range metadata {
		totalSize += len(k) + len(v)
	}

	if totalSize > maxSize {
		return fmt.Errorf("%w: %d bytes exceeds maximum of %d bytes",
			ErrMetadataTooLarge, totalSize, maxSize)
	}

	return nil
}
