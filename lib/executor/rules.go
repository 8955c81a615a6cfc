// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/tidwall/jsonc"
)

// Rule adjusts how one tool is run. Unset fields inherit from the
// rule set default.
type Rule struct {
	// AllowProxy permits reads to be served by the storage proxy.
	// Nil means allowed.
	AllowProxy *bool `json:"allow_proxy,omitempty"`

	// StoreUncompressed uploads output files without compression.
	StoreUncompressed *bool `json:"store_uncompressed,omitempty"`

	// EphemeralSuffixes name files the tool creates and reads back
	// itself (response files, precompiled headers under
	// construction). They are never looked up on the coordinator.
	EphemeralSuffixes []string `json:"ephemeral_suffixes,omitempty"`

	// WriteOutputFilesOnFail uploads outputs even when the tool
	// exits non-zero.
	WriteOutputFilesOnFail *bool `json:"write_output_files_on_fail,omitempty"`

	// Weight overrides the weight the coordinator assigned.
	Weight float64 `json:"weight,omitempty"`
}

// ProxyAllowed reports whether reads may go through the proxy.
func (r Rule) ProxyAllowed() bool {
	return r.AllowProxy == nil || *r.AllowProxy
}

// Uncompressed reports whether outputs are stored uncompressed.
func (r Rule) Uncompressed() bool {
	return r.StoreUncompressed != nil && *r.StoreUncompressed
}

// OutputsOnFail reports whether outputs are uploaded after a
// failing exit.
func (r Rule) OutputsOnFail() bool {
	return r.WriteOutputFilesOnFail != nil && *r.WriteOutputFilesOnFail
}

// IsEphemeral reports whether name matches one of the rule's
// ephemeral suffixes.
func (r Rule) IsEphemeral(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range r.EphemeralSuffixes {
		if suffix != "" && strings.HasSuffix(lower, strings.ToLower(suffix)) {
			return true
		}
	}
	return false
}

// overlay returns r with every field set in top replacing it.
func (r Rule) overlay(top Rule) Rule {
	if top.AllowProxy != nil {
		r.AllowProxy = top.AllowProxy
	}
	if top.StoreUncompressed != nil {
		r.StoreUncompressed = top.StoreUncompressed
	}
	if len(top.EphemeralSuffixes) > 0 {
		r.EphemeralSuffixes = append(append([]string(nil), r.EphemeralSuffixes...), top.EphemeralSuffixes...)
	}
	if top.WriteOutputFilesOnFail != nil {
		r.WriteOutputFilesOnFail = top.WriteOutputFilesOnFail
	}
	if top.Weight != 0 {
		r.Weight = top.Weight
	}
	return r
}

// RuleSet maps tools to rules. Applications are keyed by the
// lowercase base name of the executable ("cl.exe", "clang").
type RuleSet struct {
	Default      Rule            `json:"default"`
	Applications map[string]Rule `json:"applications,omitempty"`
}

// ParseRules reads a JSONC rule set: JSON with comments and trailing
// commas.
func ParseRules(data []byte) (*RuleSet, error) {
	var rules RuleSet
	if err := json.Unmarshal(jsonc.ToJSON(data), &rules); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}
	normalized := make(map[string]Rule, len(rules.Applications))
	for name, rule := range rules.Applications {
		normalized[strings.ToLower(name)] = rule
	}
	rules.Applications = normalized
	return &rules, nil
}

// LoadRules reads and parses a rule file.
func LoadRules(filename string) (*RuleSet, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", filename, err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return rules, nil
}

// For returns the rule for application, which may be a full path in
// either slash style. A nil RuleSet yields the zero Rule.
func (s *RuleSet) For(application string) Rule {
	if s == nil {
		return Rule{}
	}
	base := strings.ToLower(path.Base(strings.ReplaceAll(application, "\\", "/")))
	rule := s.Default
	if specific, ok := s.Applications[base]; ok {
		rule = rule.overlay(specific)
	}
	return rule
}

// resolveRule layers an assignment's inline rule object, if any, on
// top of the configured rule for its application.
func resolveRule(rules *RuleSet, application, inline string) (Rule, error) {
	rule := rules.For(application)
	if strings.TrimSpace(inline) == "" {
		return rule, nil
	}
	var override Rule
	if err := json.Unmarshal(jsonc.ToJSON([]byte(inline)), &override); err != nil {
		return Rule{}, fmt.Errorf("parsing assignment rules: %w", err)
	}
	return rule.overlay(override), nil
}
