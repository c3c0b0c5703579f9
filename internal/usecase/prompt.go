package usecase

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

const (
	minTemperature = 0.0
	maxTemperature = 2.0
)

// buildPrompt prepends the system prompt to the user turn.
func buildPrompt(systemPrompt, message string) string {
	return systemPrompt + "\nUser: " + message
}

func resolveModel(override, fallback string) string {
	if m := strings.TrimSpace(override); m != "" {
		return m
	}
	return fallback
}

// parseTemperature accepts a JSON number, numeric string or boolean (true is
// 1, false is 0) in [minTemperature, maxTemperature]. Anything else yields nil
// so the provider default applies.
func parseTemperature(raw json.RawMessage) *float64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}

	var t float64
	switch x := v.(type) {
	case float64:
		t = x
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil
		}
		t = f
	case bool:
		if x {
			t = 1
		}
	default:
		return nil
	}

	if math.IsNaN(t) || t < minTemperature || t > maxTemperature {
		return nil
	}
	return &t
}
