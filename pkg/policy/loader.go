package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/mlgate/pkg/gate"
)

// document is the wire form; stages stay raw so unknown names can be
// dropped instead of failing the decode.
type document struct {
	GatePolicy
	Stages map[string]json.RawMessage `json:"stages"`
}

// ParseJSON parses, validates and defaults a JSON policy document.
func ParseJSON(data []byte) (*GatePolicy, error) {
	return parse(data)
}

// ParseYAML parses, validates and defaults a YAML policy document.
func ParseYAML(data []byte) (*GatePolicy, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("policy: parse yaml: %w", err)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("policy: yaml is not representable as json: %w", err)
	}
	return parse(data)
}

// FromMap builds a policy from an inline document.
func FromMap(doc map[string]any) (*GatePolicy, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("policy: encode inline document: %w", err)
	}
	return parse(data)
}

// LoadFile reads a policy from disk; .yaml and .yml use the YAML codec,
// anything else is treated as JSON.
func LoadFile(path string) (*GatePolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseJSON(data)
	}
}

func parse(data []byte) (*GatePolicy, error) {
	var instance any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return nil, fmt.Errorf("policy: parse json: %w", err)
	}
	if err := validateSchema(instance); err != nil {
		return nil, err
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &ValidationError{Problems: []string{err.Error()}}
	}

	p := doc.GatePolicy
	p.Stages = make(map[gate.Stage]*StagePolicy, len(doc.Stages))
	logger := slog.Default().With("component", "policy")
	for name, raw := range doc.Stages {
		stage, err := gate.ParseStage(name)
		if err != nil {
			logger.Warn("skipping unknown stage", "policy_id", p.PolicyID, "stage", name)
			continue
		}
		var sp StagePolicy
		if err := json.Unmarshal(raw, &sp); err != nil {
			return nil, &ValidationError{Problems: []string{fmt.Sprintf("stages.%s: %v", name, err)}}
		}
		p.Stages[stage] = &sp
	}

	ApplyDefaults(&p)
	if err := Validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}
