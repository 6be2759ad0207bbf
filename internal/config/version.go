package config

import "fmt"

// CurrentVersion is the latest supported configuration file version.
const CurrentVersion = 1

// VersionError describes a configuration version mismatch.
type VersionError struct {
	Version int
	Current int
	Reason  string
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == "newer than this build" {
		return fmt.Sprintf("config version %d is newer than this build (current: %d); upgrade agent0 to continue", e.Version, e.Current)
	}
	return fmt.Sprintf("config version %d is %s (current: %d); set version: %d", e.Version, e.Reason, e.Current, e.Current)
}

// ValidateVersion ensures the provided config version is supported. A missing
// version is read as the current one.
func ValidateVersion(version int) error {
	switch {
	case version == 0, version == CurrentVersion:
		return nil
	case version < 0:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: "invalid"}
	case version < CurrentVersion:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: "outdated"}
	default:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: "newer than this build"}
	}
}
