package routectl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/mbland/ses-ai-forwarder/configstore"
	"github.com/mbland/ses-ai-forwarder/routing"
	"gopkg.in/yaml.v3"
)

// RulesFile is the YAML document read by "rules push" and written by
// "rules get". Omitted settings fall back to the forwarder's defaults.
type RulesFile struct {
	Rules       string   `yaml:"rules"`
	Enabled     *bool    `yaml:"enabled,omitempty"`
	ModelID     string   `yaml:"model_id,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	MaxTokens   *int32   `yaml:"max_tokens,omitempty"`
}

// ParseRulesFile decodes and checks a rules document. Unknown keys are
// rejected so typos don't silently drop settings.
func ParseRulesFile(data []byte) (*configstore.RoutingConfig, error) {
	f := &RulesFile{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil {
		return nil, fmt.Errorf("parsing rules file: %w", err)
	}

	if report := routing.ValidateRules(f.Rules); !report.Valid {
		return nil, fmt.Errorf(
			"invalid rules file: %s", strings.Join(report.Errors, "; "),
		)
	}
	if f.Temperature != nil && (*f.Temperature < 0 || *f.Temperature > 1) {
		return nil, fmt.Errorf("temperature must be in [0, 1]: %v", *f.Temperature)
	}
	if f.MaxTokens != nil && *f.MaxTokens <= 0 {
		return nil, fmt.Errorf("max_tokens must be positive: %d", *f.MaxTokens)
	}

	cfg := &configstore.RoutingConfig{
		RulesText:   f.Rules,
		Enabled:     f.Enabled == nil || *f.Enabled,
		ModelID:     f.ModelID,
		Temperature: f.Temperature,
		MaxTokens:   f.MaxTokens,
	}
	return cfg, nil
}

func rulesFileFrom(cfg *configstore.RoutingConfig) *RulesFile {
	enabled := cfg.Enabled
	return &RulesFile{
		Rules:       cfg.RulesText,
		Enabled:     &enabled,
		ModelID:     cfg.ModelID,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}
}

func runRulesGet(ctx context.Context, c *command) error {
	cfg, err := c.store.RoutingConfig(ctx)
	if errors.Is(err, configstore.ErrNotFound) {
		return errors.New("no routing configuration; push one with 'rules push'")
	} else if err != nil {
		return err
	}

	color.New(color.FgCyan).Fprintf(
		c.deps.Out, "# updated %s\n", cfg.UpdatedAt.UTC().Format(timeLayout),
	)
	enc := yaml.NewEncoder(c.deps.Out)
	enc.SetIndent(2)
	if err := enc.Encode(rulesFileFrom(cfg)); err != nil {
		return fmt.Errorf("encoding routing config: %w", err)
	}
	return enc.Close()
}

func runRulesHistory(ctx context.Context, c *command) error {
	limit := c.cli.Rules.History.Limit
	if limit < 1 || limit > configstore.MaxHistoryLimit {
		return fmt.Errorf(
			"--limit must be between 1 and %d: %d",
			configstore.MaxHistoryLimit, limit,
		)
	}

	entries, err := c.store.History(ctx, limit)
	if err != nil {
		return err
	} else if len(entries) == 0 {
		fmt.Fprintln(c.deps.Out, "No archived routing rules.")
		return nil
	}

	cyan := color.New(color.FgCyan)
	for _, e := range entries {
		cyan.Fprintf(c.deps.Out, "--- archived %s\n", e.ArchivedAt.UTC().Format(timeLayout))
		fmt.Fprintln(c.deps.Out, strings.TrimRight(e.RulesText, "\n"))
	}
	return nil
}

func runRulesPush(ctx context.Context, c *command) error {
	path := c.cli.Rules.Push.File
	data, err := c.deps.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading rules file: %w", err)
	}
	cfg, err := ParseRulesFile(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	yellow := color.New(color.FgYellow)
	for _, s := range routing.ValidateRules(cfg.RulesText).Suggestions {
		yellow.Fprintf(c.deps.Err, "Suggestion: %s\n", s)
	}

	update, err := c.store.ReplaceRoutingConfig(ctx, *cfg)
	if err != nil {
		return err
	}
	green := color.New(color.FgGreen)
	green.Fprintf(c.deps.Out, "Routing configuration updated from %s\n", path)
	if update.Archived {
		fmt.Fprintln(c.deps.Out, "Previous rules archived to history.")
	}
	fmt.Fprintf(c.deps.Out, "AI routing enabled: %t\n", update.Config.Enabled)
	return nil
}

func runRulesEnabled(enabled bool) commandHandler {
	return func(ctx context.Context, c *command) error {
		cfg, err := c.store.SetRoutingEnabled(ctx, enabled)
		if errors.Is(err, configstore.ErrNotFound) {
			return errors.New("no routing configuration; push one with 'rules push'")
		} else if err != nil {
			return err
		}
		state := "disabled"
		if cfg.Enabled {
			state = "enabled"
		}
		color.New(color.FgGreen).Fprintf(c.deps.Out, "AI routing %s\n", state)
		return nil
	}
}
