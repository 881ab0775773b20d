// Package routectl implements the operator command line for the routing
// table: provisioning control server API keys and managing routing rules.
package routectl

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	"github.com/mbland/ses-ai-forwarder/configstore"
)

// Store is the subset of *configstore.Store the commands use.
type Store interface {
	RoutingConfig(ctx context.Context) (*configstore.RoutingConfig, error)
	ReplaceRoutingConfig(
		ctx context.Context, cfg configstore.RoutingConfig,
	) (*configstore.RulesUpdate, error)
	SetRoutingEnabled(
		ctx context.Context, enabled bool,
	) (*configstore.RoutingConfig, error)
	History(ctx context.Context, limit int) ([]configstore.HistoryEntry, error)
	PutAPIKey(ctx context.Context, rec *configstore.APIKeyRecord) error
	DeactivateAPIKey(ctx context.Context, keyHash string) error
	ListAPIKeys(ctx context.Context) ([]configstore.APIKeyRecord, error)
}

// TableOptions selects the table every command operates on.
type TableOptions struct {
	Table    string
	Endpoint string
	Region   string
}

// Dependencies holds everything Run needs from the outside world, so tests
// can substitute an in-memory store and deterministic randomness.
type Dependencies struct {
	Out       io.Writer
	Err       io.Writer
	OpenStore func(ctx context.Context, opts TableOptions) (Store, error)
	Rand      io.Reader
	Now       func() time.Time
	ReadFile  func(name string) ([]byte, error)
}

type CLI struct {
	Table    string `help:"Routing table name." env:"ROUTING_TABLE" default:"ai-email-routing"`
	Endpoint string `help:"DynamoDB endpoint override, e.g. for a local stack." env:"DYNAMODB_ENDPOINT"`
	Region   string `help:"AWS region." env:"AWS_REGION"`

	Keys  KeysCmd  `cmd:"" help:"Manage control server API keys."`
	Rules RulesCmd `cmd:"" help:"Manage AI routing rules."`
}

type (
	KeysCmd struct {
		Create KeysCreateCmd `cmd:"" help:"Create an API key and print its token once."`
		List   struct{}      `cmd:"" help:"List API keys."`
		Revoke KeysRevokeCmd `cmd:"" help:"Deactivate an API key."`
	}
	KeysCreateCmd struct {
		Name        string        `required:"" help:"Human readable key name."`
		Permissions []string      `default:"all" help:"Tool names the key may call, or 'all'."`
		ExpiresIn   time.Duration `name:"expires-in" help:"Key lifetime, e.g. 720h. Zero never expires."`
	}
	KeysRevokeCmd struct {
		HashPrefix string `arg:"" name:"hash-prefix" help:"Leading characters of the key hash."`
	}

	RulesCmd struct {
		Get     struct{}        `cmd:"" help:"Print the current routing configuration as YAML."`
		History RulesHistoryCmd `cmd:"" help:"Print archived routing rules, newest first."`
		Push    RulesPushCmd    `cmd:"" help:"Replace the routing configuration from a YAML file."`
		Enable  struct{}        `cmd:"" help:"Turn AI routing on."`
		Disable struct{}        `cmd:"" help:"Turn AI routing off."`
	}
	RulesHistoryCmd struct {
		Limit int `default:"10" help:"Number of versions to show (1-100)."`
	}
	RulesPushCmd struct {
		File string `short:"f" required:"" help:"YAML rules file."`
	}
)

type command struct {
	cli   *CLI
	deps  Dependencies
	store Store
}

type commandHandler func(ctx context.Context, c *command) error

var handlers = map[string]commandHandler{
	"keys create":               runKeysCreate,
	"keys list":                 runKeysList,
	"keys revoke <hash-prefix>": runKeysRevoke,
	"rules get":                 runRulesGet,
	"rules history":             runRulesHistory,
	"rules push":                runRulesPush,
	"rules enable":              runRulesEnabled(true),
	"rules disable":             runRulesEnabled(false),
}

// Run parses args, executes the selected command, and returns the process
// exit code.
func Run(ctx context.Context, args []string, deps Dependencies) int {
	deps = withDefaults(deps)
	exitCode := -1

	cli := &CLI{}
	parser, err := kong.New(
		cli,
		kong.Name("routectl"),
		kong.Description("Manage the AI email routing table."),
		kong.Writers(deps.Out, deps.Err),
		kong.Exit(func(code int) { exitCode = code }),
	)
	if err != nil {
		return fail(deps.Err, err)
	}

	kctx, err := parser.Parse(args)
	if exitCode >= 0 {
		return exitCode
	} else if err != nil {
		return fail(deps.Err, err)
	}

	handler, ok := handlers[kctx.Command()]
	if !ok {
		return fail(deps.Err, fmt.Errorf("unknown command: %s", kctx.Command()))
	}

	store, err := deps.OpenStore(ctx, TableOptions{
		Table: cli.Table, Endpoint: cli.Endpoint, Region: cli.Region,
	})
	if err != nil {
		return fail(deps.Err, fmt.Errorf("opening table %s: %w", cli.Table, err))
	}

	if err := handler(ctx, &command{cli, deps, store}); err != nil {
		return fail(deps.Err, err)
	}
	return 0
}

func withDefaults(deps Dependencies) Dependencies {
	if deps.Out == nil {
		deps.Out = os.Stdout
	}
	if deps.Err == nil {
		deps.Err = os.Stderr
	}
	if deps.Rand == nil {
		deps.Rand = rand.Reader
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.ReadFile == nil {
		deps.ReadFile = os.ReadFile
	}
	return deps
}

func fail(w io.Writer, err error) int {
	color.New(color.FgRed).Fprintf(w, "Error: %v\n", err)
	return 1
}
