package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

// RuntimeSettings is the subset of configuration that may be changed
// while the server is running. Nil fields are left unchanged.
type RuntimeSettings struct {
	RetentionDays  *int     `mapstructure:"retention_days" json:"retention_days,omitempty" validate:"omitempty,gte=0,lte=3650"`
	FlakyThreshold *float64 `mapstructure:"flaky_threshold" json:"flaky_threshold,omitempty" validate:"omitempty,gt=0,lte=1"`
	LogLevel       *string  `mapstructure:"log_level" json:"log_level,omitempty" validate:"omitempty,oneof=panic fatal error warn warning info debug trace"`
}

var runtimeValidate = validator.New()

// DecodeRuntimeSettings decodes a loosely typed update (usually a JSON
// object) into RuntimeSettings. Keys outside the writable subset are
// rejected.
func DecodeRuntimeSettings(input map[string]any) (*RuntimeSettings, error) {
	var settings RuntimeSettings

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      &settings,
	})
	if err != nil {
		return nil, fmt.Errorf("creating decoder: %w", err)
	}

	if err := decoder.Decode(input); err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}

	if err := runtimeValidate.Struct(&settings); err != nil {
		return nil, fmt.Errorf("validating settings: %w", err)
	}

	return &settings, nil
}

// Empty reports whether no field is set.
func (s *RuntimeSettings) Empty() bool {
	return s.RetentionDays == nil && s.FlakyThreshold == nil && s.LogLevel == nil
}
