package schedule

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://schemas.relaystatus.dev/schedule-config.json"

var ErrInvalidConfig = errors.New("invalid schedule config")

type Name string

const (
	NameRemindToPostUpdates Name = "remindToPostUpdates"
	NameGenerateUpdates     Name = "generateUpdates"
	NameSendSummaries       Name = "sendSummaries"
)

type Recurrence string

const (
	Daily   Recurrence = "daily"
	Weekly  Recurrence = "weekly"
	Monthly Recurrence = "monthly"
)

type SelectorType string

const (
	SelectorOrganization SelectorType = "organization"
	SelectorMember       SelectorType = "member"
	SelectorTeam         SelectorType = "team"
)

// ActivitySource narrows which integrations feed a generation, e.g.
// {type: anyGitlab} or {type: gitlabProject, value: <project id>}.
type ActivitySource struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type Selector struct {
	Type              SelectorType     `json:"type"`
	Value             string           `json:"value"`
	UsingActivityFrom []ActivitySource `json:"usingActivityFrom,omitempty"`
}

type Target struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Config is the validated form of Schedule.Config. DayOfWeek counts from
// Monday = 0.
type Config struct {
	Name       Name       `json:"name"`
	TimeOfDay  string     `json:"timeOfDay"`
	Timezone   string     `json:"timezone"`
	Recurrence Recurrence `json:"recurrence"`
	DayOfWeek  *int       `json:"dayOfWeek,omitempty"`
	DayOfMonth *int       `json:"dayOfMonth,omitempty"`

	GenerateFor            []Selector `json:"generateFor,omitempty"`
	GenerateForEveryMember bool       `json:"generateForEveryMember,omitempty"`
	SummaryFor             []Target   `json:"summaryFor,omitempty"`
	DeliveryMethods        []Target   `json:"deliveryMethods,omitempty"`
}

var (
	schemaOnce sync.Once
	compiled   *jsonschema.Schema
	compileErr error
)

func configSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			compileErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, doc); err != nil {
			compileErr = err
			return
		}
		compiled, compileErr = compiler.Compile(schemaURL)
	})
	return compiled, compileErr
}

// ParseConfig validates raw against the schedule config schema and decodes
// it. Recurrence defaults to daily.
func ParseConfig(raw []byte) (Config, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Config{}, fmt.Errorf("%w: config is empty", ErrInvalidConfig)
	}
	sch, err := configSchema()
	if err != nil {
		return Config{}, fmt.Errorf("compile schedule schema: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := sch.Validate(instance); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.Recurrence == "" {
		cfg.Recurrence = Daily
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return Config{}, fmt.Errorf("%w: timezone %q: %v", ErrInvalidConfig, cfg.Timezone, err)
	}
	if _, _, _, err := cfg.clock(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Marshal returns the canonical JSON stored on the schedule row.
func (c Config) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

func (c Config) clock() (hour, minute, second int, err error) {
	parts := strings.Split(c.TimeOfDay, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("%w: timeOfDay %q", ErrInvalidConfig, c.TimeOfDay)
	}
	values := make([]int, 3)
	for i, part := range parts {
		v, err := strconv.Atoi(part)
		if err != nil || v < 0 {
			return 0, 0, 0, fmt.Errorf("%w: timeOfDay %q", ErrInvalidConfig, c.TimeOfDay)
		}
		values[i] = v
	}
	if values[0] > 23 || values[1] > 59 || values[2] > 59 {
		return 0, 0, 0, fmt.Errorf("%w: timeOfDay %q", ErrInvalidConfig, c.TimeOfDay)
	}
	return values[0], values[1], values[2], nil
}
