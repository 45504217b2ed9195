package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config models readyline.yml: the workflow, escalation and checklist rule data.
type Config struct {
	Roles         []string          `yaml:"roles" json:"roles" validate:"required,min=1,dive,required"`
	Workflows     []WorkflowConfig  `yaml:"workflows" json:"workflows" validate:"required,min=1,dive"`
	Checklists    []ChecklistConfig `yaml:"checklists" json:"checklists,omitempty" validate:"dive"`
	Escalation    SchedulerConfig   `yaml:"escalation" json:"escalation"`
	Notifications struct {
		Webhooks      []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty" validate:"dive"`
		// RatePerSecond caps outbox deliveries; zero is unlimited.
		RatePerSecond float64         `yaml:"rate_per_second" json:"rate_per_second,omitempty" validate:"min=0"`
	} `yaml:"notifications" json:"notifications"`
}

type WorkflowConfig struct {
	Code        string             `yaml:"code" json:"code" validate:"required"`
	Label       string             `yaml:"label" json:"label"`
	Description string             `yaml:"description" json:"description,omitempty"`
	EntityKind  string             `yaml:"entity_kind" json:"entity_kind" validate:"required"`
	Default     bool               `yaml:"default" json:"default"`
	Active      *bool              `yaml:"active" json:"active,omitempty"`
	States      []StateConfig      `yaml:"states" json:"states" validate:"required,min=1,dive"`
	Transitions []TransitionConfig `yaml:"transitions" json:"transitions" validate:"dive"`
	Escalations []EscalationConfig `yaml:"escalations" json:"escalations,omitempty" validate:"dive"`
}

type StateConfig struct {
	Code        string `yaml:"code" json:"code" validate:"required"`
	Category    string `yaml:"category" json:"category" validate:"required"`
	Label       string `yaml:"label" json:"label"`
	Description string `yaml:"description" json:"description,omitempty"`
	Color       string `yaml:"color" json:"color,omitempty"`
	SLADays     *int   `yaml:"sla_days" json:"sla_days,omitempty" validate:"omitempty,min=0"`
}

type TransitionConfig struct {
	Code        string         `yaml:"code" json:"code" validate:"required"`
	From        string         `yaml:"from" json:"from" validate:"required"`
	To          string         `yaml:"to" json:"to" validate:"required"`
	Roles       []string       `yaml:"roles" json:"roles" validate:"required,min=1"`
	Label       string         `yaml:"label" json:"label"`
	Description string         `yaml:"description" json:"description,omitempty"`
	Confirm     *ConfirmConfig `yaml:"confirm" json:"confirm,omitempty"`
	Style       string         `yaml:"style" json:"style,omitempty"`
	Notify      *NotifyConfig  `yaml:"notify" json:"notify,omitempty"`
}

type ConfirmConfig struct {
	Message string `yaml:"message" json:"message"`
}

type NotifyConfig struct {
	Template   string            `yaml:"template" json:"template" validate:"required"`
	Recipients []string          `yaml:"recipients" json:"recipients" validate:"required,min=1"`
	Context    map[string]string `yaml:"context" json:"context,omitempty"`
}

type EscalationConfig struct {
	ID                 string       `yaml:"id" json:"id" validate:"required"`
	State              string       `yaml:"state" json:"state" validate:"required"`
	TriggerAfterDays   int          `yaml:"trigger_after_days" json:"trigger_after_days" validate:"min=0"`
	RepeatIntervalDays int          `yaml:"repeat_interval_days" json:"repeat_interval_days" validate:"min=0"`
	MaxRepeats         int          `yaml:"max_repeats" json:"max_repeats" validate:"min=1"`
	Active             *bool        `yaml:"active" json:"active,omitempty"`
	Action             NotifyConfig `yaml:"action" json:"action"`
}

type ChecklistConfig struct {
	Code          string        `yaml:"code" json:"code" validate:"required"`
	Workflow      string        `yaml:"workflow" json:"workflow" validate:"required"`
	OverrideRoles []string      `yaml:"override_roles" json:"override_roles,omitempty"`
	Phases        []PhaseConfig `yaml:"phases" json:"phases" validate:"required,min=1,dive"`
	Items         []ItemConfig  `yaml:"items" json:"items" validate:"dive"`
}

type PhaseConfig struct {
	Code  string `yaml:"code" json:"code" validate:"required"`
	Label string `yaml:"label" json:"label"`
}

type ItemConfig struct {
	Code        string     `yaml:"code" json:"code" validate:"required"`
	Phase       string     `yaml:"phase" json:"phase" validate:"required"`
	SortOrder   int        `yaml:"sort_order" json:"sort_order"`
	Label       string     `yaml:"label" json:"label"`
	Description string     `yaml:"description" json:"description,omitempty"`
	Rule        RuleConfig `yaml:"rule" json:"rule"`
}

// RuleConfig is the flat, tagged form of a readiness rule as written in YAML.
// Only the fields relevant to Type are read.
type RuleConfig struct {
	Type           string   `yaml:"type" json:"type" validate:"required"`
	Category       string   `yaml:"category" json:"category,omitempty"`
	Statuses       []string `yaml:"statuses" json:"statuses,omitempty"`
	Min            *int     `yaml:"min" json:"min,omitempty" validate:"omitempty,min=0"`
	AllowManual    bool     `yaml:"allow_manual" json:"allow_manual,omitempty"`
	Approvers      []string `yaml:"approvers" json:"approvers,omitempty"`
	Required       []string `yaml:"required" json:"required,omitempty"`
	Metric         string   `yaml:"metric" json:"metric,omitempty"`
	Operator       string   `yaml:"operator" json:"operator,omitempty"`
	Value          int      `yaml:"value" json:"value,omitempty"`
	AllowEmpty     bool     `yaml:"allow_empty" json:"allow_empty,omitempty"`
	ReviewedStatus string   `yaml:"reviewed_status" json:"reviewed_status,omitempty"`
}

type SchedulerConfig struct {
	Schedule string `yaml:"schedule" json:"schedule,omitempty"`
	Workers  int    `yaml:"workers" json:"workers,omitempty" validate:"min=0"`
}

type WebhookConfig struct {
	URL            string            `yaml:"url" json:"url" validate:"required,url"`
	Templates      []string          `yaml:"templates" json:"templates,omitempty"`
	Headers        map[string]string `yaml:"headers" json:"headers,omitempty"`
	Secret         string            `yaml:"secret" json:"-"`
	TimeoutSeconds int               `yaml:"timeout_seconds" json:"timeout_seconds,omitempty" validate:"min=0"`
	Enabled        *bool             `yaml:"enabled" json:"enabled,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the structural shape of the config. Graph-level rules
// (initial states, edges, prerequisite cycles) are enforced by the registry.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := map[string]bool{}
	for _, wf := range c.Workflows {
		if seen[wf.Code] {
			return fmt.Errorf("workflow %s defined more than once", wf.Code)
		}
		seen[wf.Code] = true
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "readyline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with rl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
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

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in peer review configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}
