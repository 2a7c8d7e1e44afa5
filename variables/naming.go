package variables

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// SystemPrefix marks computed, read-only variables
	SystemPrefix = "$system"
	// ParticipantPrefix marks participant core attributes, writable only with override
	ParticipantPrefix = "$participant"

	maxNameLength = 100
)

var validName = regexp.MustCompile(`^\$[a-zA-Z0-9_]+$`)

// ValidateName checks a variable name against the naming rules:
// `$` followed by letters, digits or underscores, at most 100 characters
func ValidateName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: length %d exceeds maximum of %d characters", ErrInvalidName, len(name), maxNameLength)
	}
	if !validName.MatchString(name) {
		return fmt.Errorf("%w: %q must match pattern %s", ErrInvalidName, name, validName.String())
	}
	return nil
}

// IsReserved reports whether name belongs to a protected namespace
func IsReserved(name string) bool {
	return strings.HasPrefix(name, SystemPrefix) || strings.HasPrefix(name, ParticipantPrefix)
}

// CheckWrite validates name and the write-protection policy
func CheckWrite(name string, override bool) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if strings.HasPrefix(name, SystemPrefix) {
		// computed on every snapshot, a stored value would never be read
		return fmt.Errorf("%w: %s is computed", ErrWriteProtected, name)
	}
	if IsReserved(name) && !override {
		return fmt.Errorf("%w: %s", ErrWriteProtected, name)
	}
	return nil
}

// Normalize adds the `$` prefix to a bare name
func Normalize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.HasPrefix(name, "$") {
		return name
	}
	return "$" + name
}
