package detector

import (
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Direction is a per-metric policy stating whether an upward or downward
// deviation from baseline is undesirable (SPEC_FULL glossary: "bad
// direction").
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// defaultBadDirections mirrors the Python reference's built-in default.
func defaultBadDirections() map[string]Direction {
	return map[string]Direction{
		"p95_latency_ms": DirectionUp,
		"p99_latency_ms": DirectionUp,
		"error_rate":     DirectionUp,
		"qps":            DirectionDown,
	}
}

// policyFile is the on-disk shape of an optional bad-directions override,
// adapted from the teacher's rule-pack YAML loader
// (internal/engine/recommend.go's RuleConfigFile/NewRuleEngine pattern):
// read a YAML file if present, otherwise fall back to built-in defaults.
type policyFile struct {
	BadDirections map[string]string `yaml:"badDirections"`
}

// LoadBadDirections reads a bad-direction policy from path, falling back to
// defaultBadDirections() when path is empty, missing, or unparsable (logged,
// not fatal — this is operational tuning, not a hard dependency).
func LoadBadDirections(path string, logger *slog.Logger) map[string]Direction {
	defaults := defaultBadDirections()
	if path == "" {
		return defaults
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if logger != nil {
			logger.Debug("detector policy file not found, using defaults", "path", path, "error", err)
		}
		return defaults
	}

	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		if logger != nil {
			logger.Warn("detector policy file invalid, using defaults", "path", path, "error", err)
		}
		return defaults
	}

	merged := defaults
	for metric, dir := range file.BadDirections {
		d := Direction(strings.ToLower(strings.TrimSpace(dir)))
		if d != DirectionUp && d != DirectionDown {
			if logger != nil {
				logger.Warn("ignoring invalid bad-direction entry", "metric", metric, "direction", dir)
			}
			continue
		}
		merged[metric] = d
	}
	return merged
}
