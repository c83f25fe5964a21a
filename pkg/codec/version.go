package codec

import "fmt"

// Protocol version constants.
const (
	// VersionMajor is carried in every beacon. Receivers ignore beacons
	// whose major version differs from their own.
	VersionMajor = 1

	// VersionMinor is bumped for backwards compatible additions.
	VersionMinor = 0

	// VersionPatch is bumped for fixes that do not change the wire.
	VersionPatch = 0
)

// Version is a semantic protocol version exchanged in HELLO frames.
type Version struct {
	Major uint8
	Minor uint8
	Patch uint8
}

// CurrentVersion returns the version spoken by this build.
func CurrentVersion() Version {
	return Version{Major: VersionMajor, Minor: VersionMinor, Patch: VersionPatch}
}

// String returns the version as "major.minor.patch".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compatible reports whether a peer speaking other can talk to us.
// Majors must match and the peer must not require a newer minor.
func (v Version) Compatible(other Version) bool {
	if v.Major != other.Major {
		return false
	}
	return other.Minor <= v.Minor
}

// IsNewer returns true if v is newer than other.
func (v Version) IsNewer(other Version) bool {
	if v.Major != other.Major {
		return v.Major > other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor > other.Minor
	}
	return v.Patch > other.Patch
}

// Pack encodes the version into a single integer for the wire.
func (v Version) Pack() uint32 {
	return uint32(v.Major)<<16 | uint32(v.Minor)<<8 | uint32(v.Patch)
}

// UnpackVersion is the inverse of Pack.
func UnpackVersion(x uint32) Version {
	return Version{Major: uint8(x >> 16), Minor: uint8(x >> 8), Patch: uint8(x)}
}

// ParseVersion parses "major.minor.patch".
func ParseVersion(s string) (Version, error) {
	var v Version
	n, err := fmt.Sscanf(s, "%d.%d.%d", &v.Major, &v.Minor, &v.Patch)
	if err != nil {
		return v, fmt.Errorf("invalid version format %q: %w", s, err)
	}
	if n != 3 {
		return v, fmt.Errorf("invalid version format %q: expected major.minor.patch", s)
	}
	return v, nil
}
