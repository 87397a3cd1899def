package agents

import (
	"time"

	"github.com/umt-project/umt/pkg/models"
)

// Payload accessors. Task payloads arrive as decoded JSON, so numbers are
// float64 and nested structures are map[string]any / []any.

func stringArg(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

func requireString(payload map[string]any, key string) (string, error) {
	v := stringArg(payload, key)
	if v == "" {
		return "", models.NewTaskError(models.KindValidation, "%s is required", key)
	}
	return v, nil
}

func boolArg(payload map[string]any, key string) bool {
	v, _ := payload[key].(bool)
	return v
}

func intArg(payload map[string]any, key string, def int) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func floatArg(payload map[string]any, key string, def float64) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}

func mapArg(payload map[string]any, key string) map[string]any {
	v, _ := payload[key].(map[string]any)
	return v
}

func stringsArg(payload map[string]any, key string) []string {
	switch v := payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func stringMapArg(payload map[string]any, key string) map[string]string {
	raw := mapArg(payload, key)
	if raw == nil {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func floatMapArg(payload map[string]any, key string) map[string]float64 {
	raw := mapArg(payload, key)
	if raw == nil {
		return nil
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		switch n := v.(type) {
		case float64:
			out[k] = n
		case int:
			out[k] = float64(n)
		}
	}
	return out
}

// timeArg parses an RFC 3339 timestamp field. Absence returns (nil, nil);
// a present but malformed value is a validation error.
func timeArg(payload map[string]any, key string) (*time.Time, error) {
	raw := stringArg(payload, key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, models.NewTaskError(models.KindValidation,
			"%s must be RFC 3339, got %q", key, raw)
	}
	t = t.UTC()
	return &t, nil
}
