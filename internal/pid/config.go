// Package pid holds the per-community persistent identifier configuration
// and the strategies that turn a handle row id into an identifier string.
package pid

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"pidflow/internal/domain"
)

// Type selects how identifiers are minted for a community.
type Type string

const (
	TypeLocal Type = "local"
	TypeEpic  Type = "epic"
)

// ExamplePrefix is used when no default prefix is configured.
const ExamplePrefix = "123456789"

const DefaultCanonicalPrefix = "http://hdl.handle.net/"

// CommunityConfiguration is one entry of the PID configuration.
// Community is a community id, or "*" / "any" for the default entry.
type CommunityConfiguration struct {
	Community           string   `yaml:"community" json:"community"`
	Type                Type     `yaml:"type" json:"type"`
	Prefix              string   `yaml:"prefix" json:"prefix"`
	CanonicalPrefix     string   `yaml:"canonical_prefix,omitempty" json:"canonical_prefix,omitempty"`
	Subprefix           string   `yaml:"subprefix,omitempty" json:"subprefix,omitempty"`
	AlternativePrefixes []string `yaml:"alternative_prefixes,omitempty" json:"alternative_prefixes,omitempty"`
}

func (c CommunityConfiguration) IsDefault() bool {
	return c.Community == "*" || strings.EqualFold(c.Community, "any")
}

// Canonical returns the entry's resolver prefix, or fallback when the entry
// sets none.
func (c CommunityConfiguration) Canonical(fallback string) string {
	if c.CanonicalPrefix == "" {
		return fallback
	}
	return c.CanonicalPrefix
}

func normalizeType(t Type) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(string(t))) {
	case "", "local":
		return TypeLocal, nil
	case "epic", "external", "external-service":
		return TypeEpic, nil
	default:
		return "", fmt.Errorf("unsupported PID type %q", t)
	}
}

// Configuration is an immutable set of community entries. Reload by
// building a new one and swapping it into a Source.
type Configuration struct {
	entries     []CommunityConfiguration
	byCommunity map[int64]CommunityConfiguration
	def         *CommunityConfiguration
}

// New validates the entries and builds a Configuration.
func New(entries []CommunityConfiguration) (*Configuration, error) {
	c := &Configuration{byCommunity: make(map[int64]CommunityConfiguration)}
	for i, e := range entries {
		e.Prefix = strings.TrimSpace(e.Prefix)
		if e.Prefix == "" {
			return nil, fmt.Errorf("pid entry %d: prefix is required", i)
		}
		t, err := normalizeType(e.Type)
		if err != nil {
			return nil, fmt.Errorf("pid entry %d: %w", i, err)
		}
		e.Type = t
		if e.IsDefault() {
			if c.def != nil {
				return nil, fmt.Errorf("pid entry %d: more than one default community configuration", i)
			}
			def := e
			c.def = &def
			c.entries = append(c.entries, e)
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSpace(e.Community), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("pid entry %d: invalid community %q", i, e.Community)
		}
		if _, ok := c.byCommunity[id]; ok {
			return nil, fmt.Errorf("pid entry %d: duplicate community %d", i, id)
		}
		c.byCommunity[id] = e
		c.entries = append(c.entries, e)
	}
	return c, nil
}

// ConfigurationFor returns the community's entry or the default one.
func (c *Configuration) ConfigurationFor(communityID int64) (CommunityConfiguration, error) {
	if e, ok := c.byCommunity[communityID]; ok {
		return e, nil
	}
	if c.def != nil {
		return *c.def, nil
	}
	return CommunityConfiguration{}, domain.NewConfigurationError("missing PID configuration for community %d and no default entry", communityID)
}

func (c *Configuration) DefaultCommunityConfiguration() (CommunityConfiguration, error) {
	if c.def == nil {
		return CommunityConfiguration{}, domain.NewConfigurationError("missing default PID community configuration")
	}
	return *c.def, nil
}

// DefaultPrefix falls back to ExamplePrefix when no default entry exists.
func (c *Configuration) DefaultPrefix() string {
	if c.def == nil {
		return ExamplePrefix
	}
	return c.def.Prefix
}

// SupportedPrefixes returns every declared prefix and alternate, sorted.
func (c *Configuration) SupportedPrefixes() []string {
	seen := map[string]struct{}{}
	for _, e := range c.entries {
		seen[e.Prefix] = struct{}{}
		for _, alt := range e.AlternativePrefixes {
			if alt = strings.TrimSpace(alt); alt != "" {
				seen[alt] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (c *Configuration) Entries() []CommunityConfiguration {
	return append([]CommunityConfiguration(nil), c.entries...)
}

// ParseEntry reads the comma separated key=value form, for example
// "community=*,prefix=20.500.100,type=local,subprefix=lib,alternative_prefixes=a;b".
func ParseEntry(s string) (CommunityConfiguration, error) {
	var e CommunityConfiguration
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return e, fmt.Errorf("invalid pid entry segment %q", part)
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "community":
			e.Community = value
		case "type":
			e.Type = Type(value)
		case "prefix":
			e.Prefix = value
		case "canonical_prefix":
			e.CanonicalPrefix = value
		case "subprefix":
			e.Subprefix = value
		case "alternative_prefixes":
			for _, alt := range strings.Split(value, ";") {
				if alt = strings.TrimSpace(alt); alt != "" {
					e.AlternativePrefixes = append(e.AlternativePrefixes, alt)
				}
			}
		default:
			return e, fmt.Errorf("unknown pid entry key %q", key)
		}
	}
	if e.Community == "" {
		return e, fmt.Errorf("pid entry %q: community is required", s)
	}
	return e, nil
}

type fileFormat struct {
	Communities []CommunityConfiguration `yaml:"communities"`
}

// FromYAML parses a document with a top level communities list.
func FromYAML(data []byte) (*Configuration, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid pid yaml: %w", err)
	}
	return New(f.Communities)
}

func FromFile(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}
