package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Config models trustline.yml.
type Config struct {
	Case struct {
		Steps            map[int]string `yaml:"steps"`
		DormantAfterDays int            `yaml:"dormant_after_days"`
	} `yaml:"case"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		SystemKey string `yaml:"system_key"`
	} `yaml:"auth"`
	Notify struct {
		WebhookURL     string `yaml:"webhook_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"notify"`
}

// MaxStep returns the highest configured step number.
func (c *Config) MaxStep() int {
	max := 0
	for n := range c.Case.Steps {
		if n > max {
			max = n
		}
	}
	return max
}

// StepName resolves a step number to its configured name. Step 0 is the
// system-notice slot and unknown steps fall back to a generic label.
func (c *Config) StepName(step int) string {
	if step == 0 {
		return "System notice"
	}
	if name, ok := c.Case.Steps[step]; ok {
		return name
	}
	return fmt.Sprintf("Step %d", step)
}

// StepNumbers returns configured steps in ascending order.
func (c *Config) StepNumbers() []int {
	var nums []int
	for n := range c.Case.Steps {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Case.Steps) == 0 {
		return fmt.Errorf("config.case.steps is required")
	}
	for n, name := range c.Case.Steps {
		if n < 1 {
			return fmt.Errorf("config.case.steps contains reserved step %d (steps start at 1)", n)
		}
		if name == "" {
			return fmt.Errorf("config.case.steps[%d] has empty name", n)
		}
	}
	for n := 1; n <= c.MaxStep(); n++ {
		if _, ok := c.Case.Steps[n]; !ok {
			return fmt.Errorf("config.case.steps missing step %d (steps must be contiguous)", n)
		}
	}
	if c.Case.DormantAfterDays < 0 {
		return fmt.Errorf("config.case.dormant_after_days must not be negative")
	}
	if c.Notify.TimeoutSeconds < 0 {
		return fmt.Errorf("config.notify.timeout_seconds must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "trustline.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
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

// Default returns the default config: the six-stage property-sale flow.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

const defaultTemplate = `case:
  steps:
    1: "M1 First contact"
    2: "M2 Property viewing"
    3: "M3 Offer made"
    4: "M4 Price negotiation"
    5: "M5 Deal closed"
    6: "M6 Handover"
  dormant_after_days: 14

notify:
  timeout_seconds: 5
`
