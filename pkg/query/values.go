package query

import (
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// ParseResultFilter decodes a result filter from URL query parameters.
// Set parameters accept repeated keys or comma separated values.
func ParseResultFilter(values url.Values) (ResultFilter, error) {
	var f ResultFilter
	if err := decodeValues(values, &f); err != nil {
		return ResultFilter{}, err
	}

	f.Normalize()

	if err := f.Validate(); err != nil {
		return ResultFilter{}, err
	}

	return f, nil
}

// ParseRunFilter decodes a run filter from URL query parameters.
func ParseRunFilter(values url.Values) (RunFilter, error) {
	var f RunFilter
	if err := decodeValues(values, &f); err != nil {
		return RunFilter{}, err
	}

	f.Normalize()

	if err := f.Validate(); err != nil {
		return RunFilter{}, err
	}

	return f, nil
}

func decodeValues(values url.Values, out any) error {
	input := make(map[string]any, len(values))

	for key, vals := range values {
		if len(vals) == 1 {
			input[key] = vals[0]
		} else {
			input[key] = vals
		}
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			splitCommaHook,
			mapstructure.StringToTimeHookFunc(time.RFC3339),
		),
	})
	if err != nil {
		return fmt.Errorf("creating decoder: %w", err)
	}

	if err := decoder.Decode(input); err != nil {
		return &ValidationError{Message: err.Error()}
	}

	return nil
}

// splitCommaHook expands comma separated values into slices, including
// repeated keys that themselves carry commas.
func splitCommaHook(_, to reflect.Type, data any) (any, error) {
	if to.Kind() != reflect.Slice {
		return data, nil
	}

	var raw []string

	switch v := data.(type) {
	case string:
		raw = []string{v}
	case []string:
		raw = v
	default:
		return data, nil
	}

	out := make([]string, 0, len(raw))

	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}

	return out, nil
}
