package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/jurybox/pkg/consensus"
	"github.com/Mindburn-Labs/jurybox/pkg/orchestrator"
)

// Profile is a reusable judging panel: the agents, the algorithm and the
// round settings a request inherits when it names the profile.
type Profile struct {
	Name      string             `yaml:"name" json:"name"`
	Algorithm string             `yaml:"algorithm" json:"algorithm"`
	Criteria  []string           `yaml:"criteria,omitempty" json:"criteria,omitempty"`
	Agents    []consensus.Agent  `yaml:"agents" json:"agents"`
	Personas  map[string]string  `yaml:"personas,omitempty" json:"personas,omitempty"`
	Rounds    *RoundOverrides    `yaml:"rounds,omitempty" json:"rounds,omitempty"`
}

// RoundOverrides overrides round settings. Unset fields keep the
// process defaults.
type RoundOverrides struct {
	MaxDiscussionRounds    *int     `yaml:"max_discussion_rounds,omitempty" json:"max_discussion_rounds,omitempty"`
	RoundTimeout           *string  `yaml:"round_timeout,omitempty" json:"round_timeout,omitempty"`
	ConvergenceThreshold   *float64 `yaml:"convergence_threshold,omitempty" json:"convergence_threshold,omitempty"`
	OutlierZThreshold      *float64 `yaml:"outlier_z_threshold,omitempty" json:"outlier_z_threshold,omitempty"`
	EnableOutlierDetection *bool    `yaml:"enable_outlier_detection,omitempty" json:"enable_outlier_detection,omitempty"`
	EnableDiscussion       *bool    `yaml:"enable_discussion,omitempty" json:"enable_discussion,omitempty"`
	StopRule               *string  `yaml:"stop_rule,omitempty" json:"stop_rule,omitempty"`
}

// Apply overlays the set fields on base. A nil receiver returns base.
func (r *RoundOverrides) Apply(base orchestrator.RoundConfig) (orchestrator.RoundConfig, error) {
	if r == nil {
		return base, nil
	}
	if r.MaxDiscussionRounds != nil {
		base.MaxDiscussionRounds = *r.MaxDiscussionRounds
	}
	if r.RoundTimeout != nil {
		d, err := parseDuration(*r.RoundTimeout)
		if err != nil {
			return base, fmt.Errorf("round_timeout: %w", err)
		}
		base.RoundTimeout = d
	}
	if r.ConvergenceThreshold != nil {
		base.ConvergenceThreshold = *r.ConvergenceThreshold
	}
	if r.OutlierZThreshold != nil {
		base.OutlierZThreshold = *r.OutlierZThreshold
	}
	if r.EnableOutlierDetection != nil {
		base.EnableOutlierDetection = *r.EnableOutlierDetection
	}
	if r.EnableDiscussion != nil {
		base.EnableDiscussion = *r.EnableDiscussion
	}
	if r.StopRule != nil {
		base.StopRule = *r.StopRule
	}
	return base, nil
}

// parseDuration accepts a Go duration ("90s") or a bare number of seconds.
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

// LoadProfile loads profile_<name>.yaml from profilesDir.
func LoadProfile(profilesDir, name string) (*Profile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	if profile.Name == "" {
		profile.Name = name
	}
	if profile.Algorithm != "" {
		if _, err := consensus.ParseAlgorithm(profile.Algorithm); err != nil {
			return nil, fmt.Errorf("profile %q: %w", name, err)
		}
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in profilesDir keyed by name.
func LoadAllProfiles(profilesDir string) (map[string]*Profile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*Profile, len(matches))
	for _, path := range matches {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "profile_"), ".yaml")
		p, err := LoadProfile(profilesDir, name)
		if err != nil {
			return nil, err
		}
		profiles[p.Name] = p
	}
	return profiles, nil
}
