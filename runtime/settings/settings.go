// Package settings implements hierarchical configuration for dealerships and
// their staff.
//
// Every key is declared in a static catalog with a type, a default, and the
// levels it may be written at. Values are stored as strings and validated
// against the catalog on write. The effective value for a user resolves
// user value, then dealership value, then catalog default.
package settings

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

type (
	// Definition is the static metadata for a setting key.
	Definition struct {
		// Key is the setting identifier, for example "reply_timing_mode".
		Key string `yaml:"key"`
		// Type constrains the values the key accepts.
		Type Type `yaml:"type"`
		// Description explains the key for the settings UI.
		Description string `yaml:"description"`
		// Default is the value used when neither the user nor the
		// dealership has set one.
		Default string `yaml:"default"`
		// AllowedValues restricts choice-typed keys to a fixed set.
		AllowedValues []string `yaml:"allowed_values,omitempty"`
		// DealershipLevel permits dealership-wide values for the key.
		DealershipLevel bool `yaml:"dealership_level"`
		// UserLevel permits per-user overrides for the key.
		UserLevel bool `yaml:"user_level"`
	}

	// Type is a setting value type.
	Type string

	// Value is a stored setting value at either level.
	Value struct {
		// Key is the setting identifier.
		Key string `json:"key"`
		// Raw is the stored string form of the value.
		Raw string `json:"value"`
		// UpdatedAt is the time of the last write.
		UpdatedAt time.Time `json:"updated_at"`
	}
)

const (
	// TypeString accepts any string.
	TypeString Type = "string"
	// TypeInt accepts base-10 integers.
	TypeInt Type = "int"
	// TypeBool accepts "true" or "false".
	TypeBool Type = "bool"
	// TypeDurationSeconds accepts an integer number of seconds in [0, 300].
	TypeDurationSeconds Type = "duration_seconds"
	// TypeTimeOfDay accepts a 24-hour HH:MM clock time.
	TypeTimeOfDay Type = "time_of_day"
	// TypeChoice accepts one of the definition's AllowedValues.
	TypeChoice Type = "choice"
)

// Well-known setting keys. The catalog in catalog.yaml is the source of
// truth; these constants exist so call sites do not scatter string literals.
const (
	KeyReplyTimingMode       = "reply_timing_mode"
	KeyReplyDelaySeconds     = "reply_delay_seconds"
	KeyBusinessHoursStart    = "business_hours_start"
	KeyBusinessHoursEnd      = "business_hours_end"
	KeyBusinessHoursDelay    = "business_hours_delay_seconds"
	KeyTimezone              = "timezone"
	KeyAutoSendEnabled       = "auto_send_enabled"
	KeyApprovalExpiryMinutes = "approval_expiry_minutes"
	KeyNotifyOnHandoff       = "notify_on_handoff"
	KeyMaxRecommendations    = "max_recommendations"
)

// Reply timing modes accepted by KeyReplyTimingMode.
const (
	TimingInstant       = "instant"
	TimingCustomDelay   = "custom_delay"
	TimingBusinessHours = "business_hours"
)

// MaxDelaySeconds bounds every delay-typed setting.
const MaxDelaySeconds = 300

var (
	// ErrUnknownKey is returned when a key is not in the catalog.
	ErrUnknownKey = errors.New("settings: unknown key")
	// ErrNotFound is returned when no value is stored at the queried level.
	ErrNotFound = errors.New("settings: not set")
	// ErrLevelNotAllowed is returned when writing a key at a level its
	// definition does not permit.
	ErrLevelNotAllowed = errors.New("settings: key not writable at this level")
)

// Validate checks a candidate value against the definition and returns the
// canonical stored form.
func Validate(def Definition, value string) (string, error) {
	switch def.Type {
	case TypeString:
		return value, nil
	case TypeInt:
		n, err := strconv.Atoi(value)
		if err != nil {
			return "", fmt.Errorf("settings: %s must be an integer", def.Key)
		}
		return strconv.Itoa(n), nil
	case TypeBool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return "", fmt.Errorf("settings: %s must be true or false", def.Key)
		}
		return strconv.FormatBool(b), nil
	case TypeDurationSeconds:
		n, err := strconv.Atoi(value)
		if err != nil {
			return "", fmt.Errorf("settings: %s must be a number of seconds", def.Key)
		}
		if n < 0 || n > MaxDelaySeconds {
			return "", fmt.Errorf("settings: %s must be between 0 and %d seconds", def.Key, MaxDelaySeconds)
		}
		return strconv.Itoa(n), nil
	case TypeTimeOfDay:
		if _, err := ParseTimeOfDay(value); err != nil {
			return "", fmt.Errorf("settings: %s must be a 24-hour HH:MM time", def.Key)
		}
		return value, nil
	case TypeChoice:
		for _, allowed := range def.AllowedValues {
			if value == allowed {
				return value, nil
			}
		}
		return "", fmt.Errorf("settings: %s must be one of %v", def.Key, def.AllowedValues)
	}
	return "", fmt.Errorf("settings: %s has unsupported type %q", def.Key, def.Type)
}

// TimeOfDay is a wall-clock time without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses a 24-hour "HH:MM" string.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("settings: invalid time of day %q", s)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// Minutes returns the time of day as minutes after midnight.
func (t TimeOfDay) Minutes() int { return t.Hour*60 + t.Minute }
