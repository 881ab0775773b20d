package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/mbland/ses-ai-forwarder/configstore"
	"github.com/mbland/ses-ai-forwarder/mcpserver"
	"github.com/mbland/ses-ai-forwarder/telemetry"
)

func main() {
	ctx := context.Background()
	log := telemetry.NewLogger(os.Stderr, os.Getenv)

	provider, err := telemetry.Init(
		ctx, telemetry.OptionsFromEnv(os.Getenv, mcpserver.ServerName), log,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load AWS config")
	}

	tableName := os.Getenv("ROUTING_TABLE")
	if tableName == "" {
		tableName = configstore.DefaultTableName
	}
	table := configstore.NewDynamoTable(
		cfg, tableName, os.Getenv("DYNAMODB_ENDPOINT"),
	)
	server := &mcpserver.Server{Store: configstore.New(table), Log: log}
	log.Info().Str("routing_table", tableName).Msg("control server initialized")

	lambda.Start(func(
		ctx context.Context, req events.LambdaFunctionURLRequest,
	) (events.LambdaFunctionURLResponse, error) {
		defer func() {
			if err := provider.Flush(ctx); err != nil {
				log.Warn().Err(err).Msg("failed to flush traces")
			}
		}()
		return server.HandleFunctionURL(ctx, req)
	})
}
