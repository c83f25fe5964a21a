package peernet

import (
	"fmt"

	"github.com/sunipkm/peernet/pkg/codec"
)

// Library version constants.
const (
	VersionMajor = 0
	VersionMinor = 3
	VersionPatch = 0
)

// Version returns the library version as "major.minor.patch".
func Version() string {
	return fmt.Sprintf("%d.%d.%d", VersionMajor, VersionMinor, VersionPatch)
}

// ProtocolVersion is the wire protocol version exchanged in HELLO frames.
// Peers whose major versions differ never connect.
type ProtocolVersion = codec.Version

// CurrentProtocolVersion returns the protocol version spoken by this build.
func CurrentProtocolVersion() ProtocolVersion {
	return codec.CurrentVersion()
}

// ParseProtocolVersion parses a version string in the format
// "major.minor.patch".
func ParseProtocolVersion(s string) (ProtocolVersion, error) {
	return codec.ParseVersion(s)
}
