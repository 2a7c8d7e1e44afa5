package interventions

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateIntervention(t *testing.T) {
	tests := []struct {
		name    string
		iv      Intervention
		wantErr string
	}{
		{"minimal", Intervention{ID: "iv-1"}, ""},
		{"full", Intervention{ID: "sleep_2024", Locale: "de-CH", TimeZone: "Europe/Zurich"}, ""},
		{"empty id", Intervention{}, "empty"},
		{"id too long", Intervention{ID: strings.Repeat("a", 101)}, "100"},
		{"id with space", Intervention{ID: "iv 1"}, "pattern"},
		{"id with leading dash", Intervention{ID: "-iv"}, "pattern"},
		{"bad locale", Intervention{ID: "iv-1", Locale: "not a locale"}, "locale"},
		{"bad zone", Intervention{ID: "iv-1", TimeZone: "Nowhere/Town"}, "time zone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIntervention(tt.iv)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	tooMany := make(map[string]string)
	for i := 0; i <= maxDefaults; i++ {
		tooMany["$v"+strings.Repeat("x", i%50)+string(rune('a'+i%26))+strings.Repeat("1", i/26)] = "0"
	}

	tests := []struct {
		name     string
		defaults map[string]string
		wantErr  string
	}{
		{"empty", nil, ""},
		{"valid", map[string]string{"$goal": "10000", "$nickname": ""}, ""},
		{"missing prefix", map[string]string{"goal": "1"}, "goal"},
		{"bad characters", map[string]string{"$goal-steps": "1"}, "goal-steps"},
		{"system name", map[string]string{"$systemYear": "1999"}, "reserved"},
		{"participant name", map[string]string{"$participantId": "x"}, "reserved"},
		{"value too long", map[string]string{"$bio": strings.Repeat("x", maxDefaultLength+1)}, "exceeds"},
		{"too many", tooMany, "maximum"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDefaults(tt.defaults)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
