// Command mcp-dev serves the routing control server over plain HTTP for
// local development, against DynamoDB or an in-memory table.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/mbland/ses-ai-forwarder/configstore"
	"github.com/mbland/ses-ai-forwarder/mcpserver"
	"github.com/mbland/ses-ai-forwarder/telemetry"
	"github.com/rs/zerolog"
)

type CLI struct {
	Addr     string `default:"127.0.0.1:8080" help:"Listen address."`
	Memory   bool   `help:"Use an in-memory table seeded with one API key."`
	Token    string `help:"Token for the seeded key; random if empty." env:"MCP_DEV_TOKEN"`
	Table    string `help:"Routing table name." env:"ROUTING_TABLE" default:"ai-email-routing"`
	Endpoint string `help:"DynamoDB endpoint override." env:"DYNAMODB_ENDPOINT"`
	Region   string `help:"AWS region." env:"AWS_REGION"`
}

func openStore(
	ctx context.Context, cli *CLI, log zerolog.Logger,
) (*configstore.Store, error) {
	if !cli.Memory {
		var loadOpts []func(*config.LoadOptions) error
		if cli.Region != "" {
			loadOpts = append(loadOpts, config.WithRegion(cli.Region))
		}
		cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, err
		}
		return configstore.New(
			configstore.NewDynamoTable(cfg, cli.Table, cli.Endpoint),
		), nil
	}

	store := configstore.New(configstore.NewMemoryTable())
	token := cli.Token
	if token == "" {
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		token = hex.EncodeToString(buf)
	}
	err := store.PutAPIKey(ctx, &configstore.APIKeyRecord{
		KeyHash:     configstore.HashAPIKey(token),
		KeyName:     "mcp-dev",
		CreatedAt:   time.Now().UTC(),
		IsActive:    true,
		Permissions: []string{configstore.AllPermissions},
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("token", token).Msg("seeded in-memory API key")
	return store, nil
}

func main() {
	cli := &CLI{}
	kong.Parse(cli, kong.Name("mcp-dev"))

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	log := telemetry.NewLogger(os.Stderr, os.Getenv)
	provider, err := telemetry.Init(
		ctx, telemetry.OptionsFromEnv(os.Getenv, mcpserver.ServerName), log,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}

	store, err := openStore(ctx, cli, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open routing table")
	}
	server := &mcpserver.Server{Store: store, Log: log}
	srv := &http.Server{
		Addr:              cli.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = provider.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", cli.Addr).Bool("memory", cli.Memory).Msg("listening")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}
}
