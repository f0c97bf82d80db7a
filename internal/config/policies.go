package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/wotw-multiverse/syncserver/internal/aggregation"
	"github.com/wotw-multiverse/syncserver/model"
	"gopkg.in/yaml.v3"
)

// PolicyEntry assigns a sharing policy to one uber state, or to a whole
// group when State is omitted.
type PolicyEntry struct {
	Group   int32  `yaml:"group" validate:"gte=0"`
	State   *int32 `yaml:"state" validate:"omitempty,gte=0"`
	Kind    string `yaml:"kind" validate:"required,oneof=independent pooled override"`
	Scope   string `yaml:"scope" validate:"omitempty,oneof=universe multiverse"`
	Combine string `yaml:"combine" validate:"omitempty,oneof=sum max"`
}

func validatePolicyEntry(sl validator.StructLevel) {
	e := sl.Current().Interface().(PolicyEntry)
	if strings.EqualFold(e.Kind, "pooled") && e.Scope == "" {
		sl.ReportError(e.Scope, "Scope", "scope", "required_for_pooled", "")
	}
	if !strings.EqualFold(e.Kind, "pooled") && e.Combine != "" {
		sl.ReportError(e.Combine, "Combine", "combine", "pooled_only", "")
	}
}

type policyFile struct {
	Policies []PolicyEntry `yaml:"policies" validate:"dive"`
}

// ParsePolicies decodes and validates a policy document of the form
// `policies: [{group, state, kind, scope, combine}]`.
func ParsePolicies(r io.Reader) ([]PolicyEntry, error) {
	var doc policyFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode policies: %w", err)
	}
	if err := validate.Struct(doc); err != nil {
		return nil, fmt.Errorf("invalid policies: %w", err)
	}
	return doc.Policies, nil
}

// ReadPolicies parses the policy document at path.
func ReadPolicies(path string) ([]PolicyEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open policies: %w", err)
	}
	defer f.Close()

	entries, err := ParsePolicies(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return entries, nil
}

// Table builds the aggregation table. A later entry for the same identifier
// or group replaces an earlier one.
func Table(entries []PolicyEntry) (aggregation.Table, error) {
	t := aggregation.Table{
		States: make(map[model.UberStateID]aggregation.Policy),
		Groups: make(map[int32]aggregation.Policy),
	}
	for i, e := range entries {
		p, err := e.policy()
		if err != nil {
			return aggregation.Table{}, fmt.Errorf("policy %d: %w", i, err)
		}
		if e.State == nil {
			t.Groups[e.Group] = p
			continue
		}
		t.States[model.UberStateID{Group: e.Group, State: *e.State}] = p
	}
	return t, nil
}

// PolicyTable builds the aggregation table from cfg.Policies.
func (cfg Config) PolicyTable() (aggregation.Table, error) {
	return Table(cfg.Policies)
}

func (e PolicyEntry) policy() (aggregation.Policy, error) {
	var p aggregation.Policy
	switch strings.ToLower(e.Kind) {
	case "independent":
		p.Kind = aggregation.Independent
	case "override":
		p.Kind = aggregation.Override
	case "pooled":
		p.Kind = aggregation.Pooled
		switch strings.ToLower(e.Scope) {
		case "universe":
			p.Scope = model.ScopeUniverse
		case "multiverse":
			p.Scope = model.ScopeMultiverse
		default:
			return p, fmt.Errorf("pooled policy needs scope universe or multiverse, got %q", e.Scope)
		}
		if strings.EqualFold(e.Combine, "max") {
			p.Combine = aggregation.Max
		}
	default:
		return p, fmt.Errorf("unknown policy kind %q", e.Kind)
	}
	return p, nil
}
