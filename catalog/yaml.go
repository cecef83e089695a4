package catalog

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nowcrm/journeys"
)

// Seed file schema. Durations are human-readable strings ("10m", "24h"),
// converted to the domain types at load time.
type seedFile struct {
	Journeys []seedJourney `yaml:"journeys"`
}

type seedJourney struct {
	ID          string     `yaml:"id"`
	Name        string     `yaml:"name"`
	Owner       string     `yaml:"owner"`
	Active      bool       `yaml:"active"`
	EntryStepID string     `yaml:"entry_step_id"`
	Steps       []seedStep `yaml:"steps"`
}

type seedStep struct {
	ID    string           `yaml:"id"`
	Name  string           `yaml:"name"`
	Entry *journeys.Rule   `yaml:"entry"`
	Delay *seedDelay       `yaml:"delay"`
	Job   journeys.JobSpec `yaml:"job"`
	Next  []string         `yaml:"next"`
}

type seedDelay struct {
	Kind     string `yaml:"kind"`
	Duration string `yaml:"duration"`
}

// LoadFile parses journey definitions from a YAML seed file.
func LoadFile(path string) ([]journeys.Journey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("catalog: parse seed file: %w", err)
	}

	out := make([]journeys.Journey, 0, len(seed.Journeys))
	for _, sj := range seed.Journeys {
		j, err := sj.journey()
		if err != nil {
			return nil, fmt.Errorf("catalog: journey %s: %w", sj.ID, err)
		}
		out = append(out, j)
	}
	return out, nil
}

func (sj seedJourney) journey() (journeys.Journey, error) {
	j := journeys.Journey{
		ID:          sj.ID,
		Name:        sj.Name,
		Owner:       sj.Owner,
		Active:      sj.Active,
		EntryStepID: sj.EntryStepID,
		Steps:       make([]journeys.JourneyStep, 0, len(sj.Steps)),
	}
	for _, ss := range sj.Steps {
		delay, err := ss.Delay.policy()
		if err != nil {
			return journeys.Journey{}, fmt.Errorf("step %s: %w", ss.ID, err)
		}
		j.Steps = append(j.Steps, journeys.JourneyStep{
			ID:    ss.ID,
			Name:  ss.Name,
			Entry: ss.Entry,
			Delay: delay,
			Job:   ss.Job,
			Next:  ss.Next,
		})
	}
	return j, nil
}

func (sd *seedDelay) policy() (journeys.DelayPolicy, error) {
	if sd == nil || sd.Kind == "" || sd.Kind == string(journeys.DelayNone) {
		return journeys.DelayPolicy{Kind: journeys.DelayNone}, nil
	}
	if sd.Kind != string(journeys.DelayFixed) {
		return journeys.DelayPolicy{}, fmt.Errorf("unknown delay kind %q", sd.Kind)
	}
	value := strings.TrimSpace(sd.Duration)
	if value == "" {
		return journeys.DelayPolicy{Kind: journeys.DelayFixed}, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return journeys.DelayPolicy{}, fmt.Errorf("invalid delay duration %q: %w", sd.Duration, err)
	}
	return journeys.DelayPolicy{Kind: journeys.DelayFixed, Duration: d}, nil
}

// Seed loads a YAML seed file into the store. Existing definitions with the
// same id are overwritten.
func Seed(ctx context.Context, s Store, path string) (int, error) {
	defs, err := LoadFile(path)
	if err != nil {
		return 0, err
	}
	for _, j := range defs {
		if err := s.Save(ctx, j); err != nil {
			return 0, fmt.Errorf("catalog: seed journey %s: %w", j.ID, err)
		}
	}
	return len(defs), nil
}
