// Package identity defines the (group, name) pair that addresses a peer
// on the overlay, together with the validation rules for names, groups and
// message types.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxLength is the maximum length in bytes of a name, group or
	// message type. It matches the single-byte length prefix of the
	// ZRE family of protocols.
	MaxLength = 255

	// DefaultGroup is the group a peer joins when none is configured.
	DefaultGroup = "peernet"

	// Separator joins group and name in the string form of an identity.
	Separator = "/"
)

// Validation errors.
var (
	ErrEmpty       = errors.New("value cannot be empty")
	ErrTooLong     = errors.New("value exceeds maximum length")
	ErrInvalidChar = errors.New("value contains an invalid character")
)

// Identity is the human-assigned address of a peer.
// It is comparable and can be used as a map key.
type Identity struct {
	Group string
	Name  string
}

// New returns the identity for name in group. An empty group selects
// DefaultGroup.
func New(group, name string) Identity {
	if group == "" {
		group = DefaultGroup
	}
	return Identity{Group: group, Name: name}
}

// String renders the identity as "group/name".
func (id Identity) String() string {
	return id.Group + Separator + id.Name
}

// IsZero reports whether both fields are empty.
func (id Identity) IsZero() bool {
	return id.Group == "" && id.Name == ""
}

// Validate checks both halves of the identity.
func (id Identity) Validate() error {
	if err := ValidateGroup(id.Group); err != nil {
		return err
	}
	return ValidateName(id.Name)
}

// Key returns a total-order key combining the identity with a process
// instance. Two processes claiming the same identity sort by instance.
func (id Identity) Key(instance string) string {
	return id.String() + "#" + instance
}

// Parse reads an identity in "group/name" form. A value without a
// separator is taken as a name in DefaultGroup.
func Parse(s string) (Identity, error) {
	group, name, ok := strings.Cut(s, Separator)
	if !ok {
		name, group = group, DefaultGroup
	}
	id := Identity{Group: group, Name: name}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// ValidateName checks a peer name.
func ValidateName(name string) error {
	return validate("name", name, true)
}

// ValidateGroup checks a group name.
func ValidateGroup(group string) error {
	return validate("group", group, true)
}

// ValidateMessageType checks a message type string. Unlike names, message
// types may contain the separator.
func ValidateMessageType(msgType string) error {
	return validate("message type", msgType, false)
}

func validate(kind, s string, forbidSeparator bool) error {
	if s == "" {
		return fmt.Errorf("%s: %w", kind, ErrEmpty)
	}
	if len(s) > MaxLength {
		return fmt.Errorf("%s: %w: %d bytes exceeds %d", kind, ErrTooLong, len(s), MaxLength)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("%s: %w: not valid UTF-8", kind, ErrInvalidChar)
	}
	for i, r := range s {
		if !unicode.IsPrint(r) || (forbidSeparator && strings.ContainsRune(Separator, r)) {
			return fmt.Errorf("%s: %w: %q at position %d", kind, ErrInvalidChar, r, i)
		}
	}
	return nil
}
