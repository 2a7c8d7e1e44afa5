package interventions

import (
	"fmt"
	"regexp"
	"time"

	"golang.org/x/text/language"

	"github.com/liamcoop/coachrules/variables"
)

const (
	maxIdentifierLength = 100
	maxDefaults         = 500
	maxDefaultLength    = 10_000
)

var validIdentifier = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// ValidateIntervention checks the settings an engine is built from
func ValidateIntervention(iv Intervention) error {
	if err := validateIdentifier(iv.ID); err != nil {
		return fmt.Errorf("invalid intervention id %q: %w", iv.ID, err)
	}
	if iv.Locale != "" {
		if _, err := language.Parse(iv.Locale); err != nil {
			return fmt.Errorf("intervention %s has invalid locale %q: %w", iv.ID, iv.Locale, err)
		}
	}
	if iv.TimeZone != "" {
		if _, err := time.LoadLocation(iv.TimeZone); err != nil {
			return fmt.Errorf("intervention %s has invalid time zone %q: %w", iv.ID, iv.TimeZone, err)
		}
	}
	return nil
}

// ValidateDefaults checks intervention-wide variable defaults. Reserved
// names are not accepted as defaults.
func ValidateDefaults(defaults map[string]string) error {
	if len(defaults) > maxDefaults {
		return fmt.Errorf("intervention defines %d variables, maximum allowed is %d", len(defaults), maxDefaults)
	}
	for name, value := range defaults {
		if err := variables.ValidateName(name); err != nil {
			return fmt.Errorf("invalid variable %q: %w", name, err)
		}
		if variables.IsReserved(name) {
			return fmt.Errorf("variable %q uses a reserved prefix", name)
		}
		if len(value) > maxDefaultLength {
			return fmt.Errorf("variable %q value length %d exceeds maximum of %d", name, len(value), maxDefaultLength)
		}
	}
	return nil
}

func validateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(id) > maxIdentifierLength {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(id), maxIdentifierLength)
	}
	if !validIdentifier.MatchString(id) {
		return fmt.Errorf("must match pattern %s", validIdentifier)
	}
	return nil
}
