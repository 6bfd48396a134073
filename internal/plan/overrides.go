package plan

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Resolution picks a side for one conflicting field.
type Resolution string

const (
	ResolveTarget Resolution = "target"
	ResolveSource Resolution = "source"
)

// MergeOverride is an operator-asserted merge, optionally resolving named
// conflicts.
type MergeOverride struct {
	Source  string                `yaml:"source"`
	Target  string                `yaml:"target"`
	Resolve map[string]Resolution `yaml:"resolve,omitempty"`
	Note    string                `yaml:"note,omitempty"`
}

// Assignment pins one dependent row to an identity during a split.
type Assignment struct {
	Table       string `yaml:"table"`
	ID          string `yaml:"id"`
	PlatformUID string `yaml:"platform_uid"`
}

// SplitOverride is an operator-asserted collision split.
type SplitOverride struct {
	PatientID       string       `yaml:"patient_id"`
	KeepPlatformUID string       `yaml:"keep_platform_uid,omitempty"`
	Assign          []Assignment `yaml:"assign,omitempty"`
	Note            string       `yaml:"note,omitempty"`
}

// Overrides is the explicit list of manual decisions the planner consults.
// Incident-specific fixes live here, never in code.
type Overrides struct {
	Merges []MergeOverride `yaml:"merges,omitempty"`
	Splits []SplitOverride `yaml:"splits,omitempty"`
	// Ignore lists patient id pairs that must never be merged.
	Ignore [][]string `yaml:"ignore,omitempty"`
}

// LoadOverrides reads an override list. An empty path yields an empty list.
func LoadOverrides(path string) (*Overrides, error) {
	if path == "" {
		return &Overrides{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read overrides: %w", err)
	}
	return ParseOverrides(data)
}

// ParseOverrides decodes and validates an override list.
func ParseOverrides(data []byte) (*Overrides, error) {
	var o Overrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to parse overrides: %w", err)
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return &o, nil
}

// Validate rejects malformed entries.
func (o *Overrides) Validate() error {
	for i, m := range o.Merges {
		if m.Source == "" || m.Target == "" {
			return fmt.Errorf("merges[%d]: source and target are required", i)
		}
		if m.Source == m.Target {
			return fmt.Errorf("merges[%d]: source and target are both %s", i, m.Source)
		}
		for field, r := range m.Resolve {
			if r != ResolveTarget && r != ResolveSource {
				return fmt.Errorf("merges[%d]: resolve.%s must be target or source, got %q", i, field, r)
			}
		}
	}
	for i, s := range o.Splits {
		if s.PatientID == "" {
			return fmt.Errorf("splits[%d]: patient_id is required", i)
		}
		for j, a := range s.Assign {
			if a.Table == "" || a.ID == "" || a.PlatformUID == "" {
				return fmt.Errorf("splits[%d].assign[%d]: table, id and platform_uid are required", i, j)
			}
		}
	}
	for i, pair := range o.Ignore {
		if len(pair) != 2 {
			return fmt.Errorf("ignore[%d]: want a pair of patient ids", i)
		}
	}
	return nil
}

// Ignored reports whether the pair a, b (in either order) must not merge.
func (o *Overrides) Ignored(a, b string) bool {
	if o == nil {
		return false
	}
	for _, pair := range o.Ignore {
		if (pair[0] == a && pair[1] == b) || (pair[0] == b && pair[1] == a) {
			return true
		}
	}
	return false
}

// MergeFor returns the override for source -> target, if any.
func (o *Overrides) MergeFor(source, target string) *MergeOverride {
	if o == nil {
		return nil
	}
	for i := range o.Merges {
		if o.Merges[i].Source == source && o.Merges[i].Target == target {
			return &o.Merges[i]
		}
	}
	return nil
}

// SplitFor returns the override for a collided patient id, if any.
func (o *Overrides) SplitFor(patientID string) *SplitOverride {
	if o == nil {
		return nil
	}
	for i := range o.Splits {
		if o.Splits[i].PatientID == patientID {
			return &o.Splits[i]
		}
	}
	return nil
}
