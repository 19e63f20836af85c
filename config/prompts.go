package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// Prompts is the instruction pack for the interviewer, evaluator and report writer.
type Prompts struct {
	// Persona is a text/template over the candidate's name, job title, resume and the end marker.
	Persona   string `yaml:"persona"`
	Kickoff   string `yaml:"kickoff"`
	Evaluator string `yaml:"evaluator"`
	Report    string `yaml:"report"`
	EndMarker string `yaml:"end_marker"`
}

// LoadPrompts parses the embedded pack, or the YAML file at path when path is set.
func LoadPrompts(path string) (*Prompts, error) {
	data := defaultPrompts
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read prompts %s: %w", path, err)
		}
		data = b
	}
	return ParsePrompts(data)
}

// ParsePrompts decodes and validates a prompt pack.
func ParsePrompts(data []byte) (*Prompts, error) {
	var p Prompts
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("invalid prompts: %w", err)
	}
	return &p, nil
}

func (p *Prompts) validate() error {
	if strings.TrimSpace(p.Persona) == "" {
		return errors.New("persona is required")
	}
	if strings.TrimSpace(p.Evaluator) == "" {
		return errors.New("evaluator is required")
	}
	if strings.TrimSpace(p.Kickoff) == "" {
		return errors.New("kickoff is required")
	}
	if strings.TrimSpace(p.Report) == "" {
		return errors.New("report is required")
	}
	return nil
}
