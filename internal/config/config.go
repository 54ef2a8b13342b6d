package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pidflow/internal/logging"
	"pidflow/internal/pid"
	"pidflow/internal/tracing"
)

// Config models pidflow.yml.
type Config struct {
	Site struct {
		Name string `yaml:"name"`
		// URL is the public base URL used to build local resolution targets.
		URL string `yaml:"url"`
	} `yaml:"site"`
	Handle struct {
		CanonicalPrefix string `yaml:"canonical_prefix"`
		SiteHandle      string `yaml:"site_handle"`
		LookupCacheTTL  string `yaml:"lookup_cache_ttl"`
	} `yaml:"handle"`
	PID      PIDConfig       `yaml:"pid"`
	Workflow WorkflowConfig  `yaml:"workflow"`
	Notify   NotifyConfig    `yaml:"notify"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Log      logging.Config  `yaml:"log"`
	Tracing  tracing.Config  `yaml:"tracing"`
	Database struct {
		BusyTimeoutMillis int `yaml:"busy_timeout_ms"`
	} `yaml:"database"`
}

// PIDConfig points at the community PID table. Inline communities are used
// when File is empty.
type PIDConfig struct {
	File        string                       `yaml:"file"`
	Communities []pid.CommunityConfiguration `yaml:"communities"`
	Service     struct {
		URL          string `yaml:"url"`
		ResolverBase string `yaml:"resolver_base"`
		Username     string `yaml:"username"`
		Password     string `yaml:"password"`
		Timeout      string `yaml:"timeout"`
	} `yaml:"service"`
}

type WorkflowConfig struct {
	// MaxTransitions bounds one outcome-processing run.
	MaxTransitions int                    `yaml:"max_transitions"`
	Default        string                 `yaml:"default"`
	Collections    map[int64]string       `yaml:"collections"`
	Roles          map[string]RoleConfig  `yaml:"roles"`
	Workflows      map[string]WorkflowDef `yaml:"workflows"`
}

// RoleConfig scope is repository, collection or item. Members are only read
// for repository scoped roles.
type RoleConfig struct {
	Name    string   `yaml:"name"`
	Scope   string   `yaml:"scope"`
	Members []string `yaml:"members"`
}

type WorkflowDef struct {
	Name      string    `yaml:"name"`
	FirstStep string    `yaml:"first_step"`
	Steps     []StepDef `yaml:"steps"`
}

type StepDef struct {
	ID            string         `yaml:"id"`
	Role          string         `yaml:"role"`
	RequiredUsers int            `yaml:"required_users"`
	Selection     ActionDef      `yaml:"selection"`
	Actions       []ActionDef    `yaml:"actions"`
	Next          string         `yaml:"next"`
	Outcomes      map[int]string `yaml:"outcomes"`
}

type ActionDef struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"`
}

type NotifyConfig struct {
	// Driver is log or webhook.
	Driver         string `yaml:"driver"`
	URL            string `yaml:"url"`
	Secret         string `yaml:"secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	AdminEmail     string `yaml:"admin_email"`
}

type WebhookConfig struct {
	ID             string   `yaml:"id"`
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pidflow init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.PID.File == "" && len(c.PID.Communities) == 0 {
		return fmt.Errorf("config.pid needs file or communities")
	}
	if c.PID.File == "" {
		if _, err := pid.New(c.PID.Communities); err != nil {
			return err
		}
	}
	for _, d := range []struct{ name, value string }{
		{"handle.lookup_cache_ttl", c.Handle.LookupCacheTTL},
		{"pid.service.timeout", c.PID.Service.Timeout},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("config.%s: %w", d.name, err)
		}
	}
	if err := c.Workflow.Validate(); err != nil {
		return err
	}
	switch c.Notify.Driver {
	case "", "log":
	case "webhook":
		if strings.TrimSpace(c.Notify.URL) == "" {
			return fmt.Errorf("config.notify.url is required for the webhook driver")
		}
	default:
		return fmt.Errorf("config.notify.driver must be log or webhook")
	}
	seen := map[string]bool{}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		id := hook.Key(i)
		if seen[id] {
			return fmt.Errorf("config.webhooks has duplicate id %s", id)
		}
		seen[id] = true
	}
	return nil
}

// Validate checks references between workflows, steps and roles. Cycles in
// the outcome graph are allowed; the engine stops a run after
// max_transitions steps.
func (w WorkflowConfig) Validate() error {
	if w.MaxTransitions < 0 {
		return fmt.Errorf("config.workflow.max_transitions must not be negative")
	}
	if len(w.Workflows) == 0 {
		return nil
	}
	if _, ok := w.Workflows[w.Default]; !ok {
		return fmt.Errorf("config.workflow.default %q is not a defined workflow", w.Default)
	}
	for coll, id := range w.Collections {
		if _, ok := w.Workflows[id]; !ok {
			return fmt.Errorf("collection %d maps to unknown workflow %s", coll, id)
		}
	}
	for roleID, role := range w.Roles {
		switch role.Scope {
		case "repository", "collection", "item":
		default:
			return fmt.Errorf("role %s has unknown scope %q", roleID, role.Scope)
		}
	}
	for wfID, wf := range w.Workflows {
		if len(wf.Steps) == 0 {
			return fmt.Errorf("workflow %s has no steps", wfID)
		}
		steps := map[string]bool{}
		for _, s := range wf.Steps {
			if s.ID == "" {
				return fmt.Errorf("workflow %s has a step without id", wfID)
			}
			if steps[s.ID] {
				return fmt.Errorf("workflow %s has duplicate step %s", wfID, s.ID)
			}
			steps[s.ID] = true
		}
		if wf.FirstStep != "" && !steps[wf.FirstStep] {
			return fmt.Errorf("workflow %s first_step %s not defined", wfID, wf.FirstStep)
		}
		for _, s := range wf.Steps {
			if s.Role != "" {
				if _, ok := w.Roles[s.Role]; !ok {
					return fmt.Errorf("step %s.%s references unknown role %s", wfID, s.ID, s.Role)
				}
			}
			if s.Selection.ID == "" {
				return fmt.Errorf("step %s.%s has no selection action", wfID, s.ID)
			}
			if s.Next != "" && !steps[s.Next] {
				return fmt.Errorf("step %s.%s next %s not defined", wfID, s.ID, s.Next)
			}
			for code, target := range s.Outcomes {
				if !steps[target] {
					return fmt.Errorf("step %s.%s outcome %d targets unknown step %s", wfID, s.ID, code, target)
				}
			}
		}
	}
	return nil
}

// Key identifies a webhook for cursor persistence.
func (h WebhookConfig) Key(idx int) string {
	if h.ID != "" {
		return h.ID
	}
	return fmt.Sprintf("webhook-%d", idx)
}

// Duration parses an optional duration field; empty yields def.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

// PIDConfiguration loads the PID table from File, resolved against the
// workspace, or from the inline communities.
func (c *Config) PIDConfiguration(workspace string) (*pid.Configuration, error) {
	if c.PID.File != "" {
		return pid.FromFile(c.PIDFile(workspace))
	}
	return pid.New(c.PID.Communities)
}

// PIDFile returns the absolute PID file path, or "" for inline configuration.
func (c *Config) PIDFile(workspace string) string {
	if c.PID.File == "" || filepath.IsAbs(c.PID.File) {
		return c.PID.File
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, c.PID.File)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "pidflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(prefix string) string {
	return fmt.Sprintf(defaultTemplate, prefix)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config for a prefix.
func Default(prefix string) *Config {
	cfg, err := FromYAML([]byte(GenerateDefault(prefix)))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `site:
  name: pidflow
  url: http://localhost:8080

handle:
  canonical_prefix: http://hdl.handle.net/
  lookup_cache_ttl: 5m

pid:
  communities:
    - community: "*"
      type: local
      prefix: "%s"

workflow:
  max_transitions: 64
  default: default
  roles:
    reviewer:
      name: Reviewers
      scope: collection
  workflows:
    default:
      name: Single review
      steps:
        - id: reviewstep
          role: reviewer
          required_users: 1
          selection: {id: claimaction, kind: claim}
          actions:
            - {id: reviewaction, kind: review}

notify:
  driver: log

log:
  level: info
  format: text

tracing:
  enabled: false
`
