package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/signalnine/benchloop/internal/work"
	"gopkg.in/yaml.v3"
)

const DefaultMinSpecCompletionPct = 10.0

type Config struct {
	Store      Store       `yaml:"store"`
	Agent      Agent       `yaml:"agent"`
	Secrets    Secrets     `yaml:"secrets"`
	Pricing    Pricing     `yaml:"pricing"`
	Results    Results     `yaml:"results"`
	Policy     Policy      `yaml:"policy"`
	Review     Review      `yaml:"review"`
	Log        Log         `yaml:"log"`
	Benchmarks []Benchmark `yaml:"benchmarks" validate:"required,min=1,dive"`
}

type Store struct {
	Driver       string `yaml:"driver" validate:"oneof=memory sqlite pgx"`
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns" validate:"gte=0"`
}

type Agent struct {
	Runtime string            `yaml:"runtime" validate:"oneof=cli docker"`
	Binary  string            `yaml:"binary"`
	Image   string            `yaml:"image" validate:"required_if=Runtime docker"`
	Env     map[string]string `yaml:"env"`
	// Timeout bounds one agent session. Zero means no bound beyond the run's.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

type Secrets struct {
	EnvFile string `yaml:"env_file"`
}

type Pricing struct {
	File     string `yaml:"file"`
	Provider string `yaml:"provider"`
}

type Results struct {
	Dir string `yaml:"dir"`
}

type Policy struct {
	// MinSpecCompletionPct is the anti-gaming floor. Nil means the default.
	MinSpecCompletionPct *float64 `yaml:"min_spec_completion_pct" validate:"omitempty,gte=0,lte=100"`
}

func (p Policy) MinSpecCompletion() float64 {
	if p.MinSpecCompletionPct == nil {
		return DefaultMinSpecCompletionPct
	}
	return *p.MinSpecCompletionPct
}

type Review struct {
	Enabled     bool          `yaml:"enabled"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout" validate:"gte=0"`
	Conventions []string      `yaml:"conventions" validate:"max=2"`
}

type Log struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
	File   string `yaml:"file"`
}

// Benchmark is an immutable set of run parameters, referenced by ID.
type Benchmark struct {
	ID                   string               `yaml:"id" validate:"required"`
	Model                string               `yaml:"model"`
	MaxCycles            int                  `yaml:"max_cycles" validate:"gte=0"`
	MaxCostUSD           float64              `yaml:"max_cost_usd" validate:"gte=0"`
	MaxDuration          time.Duration        `yaml:"max_duration" validate:"gte=0"`
	ReviewAutoApprove    bool                 `yaml:"review_auto_approve"`
	DangerousAutoApprove bool                 `yaml:"dangerous_auto_approve"`
	TestCommand          string               `yaml:"test_command"`
	SpecFile             string               `yaml:"spec_file"`
	WorkDir              string               `yaml:"workdir"`
	Repo                 string               `yaml:"repo"`
	Tag                  string               `yaml:"tag" validate:"required_with=Repo"`
	Parallel             int                  `yaml:"parallel" validate:"gte=0"`
	MaxTurns             int                  `yaml:"max_turns" validate:"gte=0"`
	SystemPrompt         string               `yaml:"system_prompt"`
	AllowedTools         []string             `yaml:"allowed_tools"`
	DisallowedTools      []string             `yaml:"disallowed_tools"`
	Review               *bool                `yaml:"review"`
	Policy               work.IterationPolicy `yaml:"policy"`
	Units                []Unit               `yaml:"units" validate:"dive"`
}

type Unit struct {
	ID       string                `yaml:"id" validate:"required"`
	Title    string                `yaml:"title"`
	Prompt   string                `yaml:"prompt" validate:"required"`
	Policy   *work.IterationPolicy `yaml:"policy"`
	Criteria []work.Criterion      `yaml:"criteria" validate:"dive"`
}

// ReviewEnabled reports whether the review gate runs for this benchmark.
func (b *Benchmark) ReviewEnabled(global Review) bool {
	if b.Review != nil {
		return *b.Review
	}
	return global.Enabled
}

// UnitPolicy is the unit's own policy, or the benchmark default.
func (b *Benchmark) UnitPolicy(u *Unit) work.IterationPolicy {
	if u.Policy != nil {
		return *u.Policy
	}
	return b.Policy
}

func (c *Config) Benchmark(id string) (*Benchmark, bool) {
	for i := range c.Benchmarks {
		if c.Benchmarks[i].ID == id {
			return &c.Benchmarks[i], true
		}
	}
	return nil, false
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.URL == "" && cfg.Store.Driver == "sqlite" {
		cfg.Store.URL = "file:benchloop.db?_pragma=busy_timeout(5000)"
	}
	if cfg.Agent.Runtime == "" {
		cfg.Agent.Runtime = "cli"
	}
	if cfg.Agent.Binary == "" {
		cfg.Agent.Binary = "claude"
	}
	if cfg.Pricing.Provider == "" {
		cfg.Pricing.Provider = "anthropic"
	}
	if cfg.Results.Dir == "" {
		cfg.Results.Dir = "results"
	}
	if cfg.Review.Timeout == 0 {
		cfg.Review.Timeout = 5 * time.Minute
	}
	if cfg.Review.Conventions == nil {
		cfg.Review.Conventions = []string{"CLAUDE.md", "CONVENTIONS.md"}
	}
	for i := range cfg.Benchmarks {
		b := &cfg.Benchmarks[i]
		if b.Parallel == 0 {
			b.Parallel = 1
		}
		if b.MaxTurns == 0 {
			b.MaxTurns = 50
		}
		if b.WorkDir == "" && b.Repo == "" {
			b.WorkDir = "."
		}
		for j := range b.Units {
			u := &b.Units[j]
			for k := range u.Criteria {
				c := &u.Criteria[k]
				if c.ID == "" {
					c.ID = fmt.Sprintf("%s-c%d", u.ID, k+1)
				}
				c.UnitID = u.ID
				if c.Status == "" {
					c.Status = work.CriterionPending
				}
			}
		}
	}
}

var validate = newValidator()

func newValidator() func(*Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	return func(cfg *Config) error {
		if err := v.Struct(cfg); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				msgs := make([]string, 0, len(verrs))
				for _, fe := range verrs {
					msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
				}
				return errors.New(strings.Join(msgs, "; "))
			}
			return err
		}
		return validateRefs(cfg)
	}
}

func validateRefs(cfg *Config) error {
	seen := map[string]bool{}
	for _, b := range cfg.Benchmarks {
		if seen[b.ID] {
			return fmt.Errorf("benchmark %q: duplicate id", b.ID)
		}
		seen[b.ID] = true
		units := map[string]bool{}
		for _, u := range b.Units {
			if units[u.ID] {
				return fmt.Errorf("benchmark %q: duplicate unit id %q", b.ID, u.ID)
			}
			units[u.ID] = true
			crits := map[string]bool{}
			for _, c := range u.Criteria {
				if crits[c.ID] {
					return fmt.Errorf("unit %q: duplicate criterion id %q", u.ID, c.ID)
				}
				crits[c.ID] = true
				if err := ValidateCriterion(&c); err != nil {
					return fmt.Errorf("unit %q: %w", u.ID, err)
				}
			}
		}
	}
	return nil
}

// ValidateCriterion checks that the parameters for the criterion's kind are present.
func ValidateCriterion(c *work.Criterion) error {
	missing := func(field string) error {
		return fmt.Errorf("criterion %q (%s): %s is required", c.ID, c.Kind, field)
	}
	switch c.Kind {
	case work.KindCommand:
		if c.Command == "" {
			return missing("command")
		}
	case work.KindFileExists:
		if c.Path == "" {
			return missing("path")
		}
	case work.KindGrep:
		if c.File == "" {
			return missing("file")
		}
		if c.Pattern == "" {
			return missing("pattern")
		}
	case work.KindTestPass:
		if c.TestCommand == "" {
			return missing("test_command")
		}
	case work.KindManual:
		if c.Checklist == "" && c.Description == "" {
			return missing("checklist")
		}
	default:
		return fmt.Errorf("criterion %q: unknown kind %q", c.ID, c.Kind)
	}
	return nil
}
