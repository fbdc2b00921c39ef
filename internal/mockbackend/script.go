package mockbackend

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed script.yaml
var defaultScript []byte

// ScamRule classifies a message by keyword hits.
type ScamRule struct {
	Type     string   `yaml:"type"`
	Keywords []string `yaml:"keywords"`
}

// Script drives the canned persona replies and scam classification.
type Script struct {
	DefaultPersona     string              `yaml:"defaultPersona"`
	CompleteAfterTurns int                 `yaml:"completeAfterTurns"`
	Personas           map[string][]string `yaml:"personas"`
	ScamTypes          []ScamRule          `yaml:"scamTypes"`
}

// DefaultScript returns the embedded script.
func DefaultScript() (Script, error) {
	return parseScript(defaultScript)
}

// LoadScript reads a YAML script from path. An empty path yields the
// embedded default.
func LoadScript(path string) (Script, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultScript()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Script{}, fmt.Errorf("read script %s: %w", path, err)
	}
	return parseScript(raw)
}

func parseScript(raw []byte) (Script, error) {
	var s Script
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return Script{}, fmt.Errorf("parse script: %w", err)
	}
	if len(s.Personas) == 0 {
		return Script{}, fmt.Errorf("script defines no personas")
	}
	for name, lines := range s.Personas {
		if len(lines) == 0 {
			return Script{}, fmt.Errorf("persona %q has no replies", name)
		}
	}
	if _, ok := s.Personas[s.DefaultPersona]; !ok {
		s.DefaultPersona = s.PersonaNames()[0]
	}
	return s, nil
}

// PersonaNames returns the persona names in sorted order.
func (s Script) PersonaNames() []string {
	names := make([]string, 0, len(s.Personas))
	for name := range s.Personas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s Script) persona(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if _, ok := s.Personas[name]; ok {
		return name
	}
	return s.DefaultPersona
}

func (s Script) reply(persona string, turn int) string {
	lines := s.Personas[persona]
	if turn < 1 {
		turn = 1
	}
	return lines[(turn-1)%len(lines)]
}

// classify returns the best matching scam type and its keyword hit count.
func (s Script) classify(text string) (string, int) {
	lower := strings.ToLower(text)
	best, bestHits := "", 0
	for _, rule := range s.ScamTypes {
		hits := 0
		for _, kw := range rule.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = rule.Type, hits
		}
	}
	return best, bestHits
}
