package journeys

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// UnmarshalYAML accepts human-readable durations ("10m", "24h") in journey
// definition files.
func (p *DelayPolicy) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Kind     string `yaml:"kind"`
		Duration string `yaml:"duration"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Kind == "" {
		raw.Kind = string(DelayNone)
	}
	p.Kind = DelayKind(raw.Kind)
	if raw.Duration == "" {
		p.Duration = 0
		return nil
	}
	d, err := time.ParseDuration(raw.Duration)
	if err != nil {
		return fmt.Errorf("delay duration %q: %w", raw.Duration, err)
	}
	p.Duration = d
	return nil
}
