package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/mbland/ses-ai-forwarder/configstore"
	"github.com/mbland/ses-ai-forwarder/handler"
	"github.com/mbland/ses-ai-forwarder/routing"
	"github.com/mbland/ses-ai-forwarder/telemetry"
	"github.com/rs/zerolog"
)

// buildHandler creates every AWS client once per execution environment, so
// warm invocations reuse them.
func buildHandler(
	cfg aws.Config, log zerolog.Logger,
) (*handler.Handler, error) {
	opts, err := handler.GetOptions(os.Getenv)
	if err != nil {
		return nil, err
	}

	h := &handler.Handler{
		S3:      s3.NewFromConfig(cfg),
		Ses:     sesv2.NewFromConfig(cfg),
		Bounce:  ses.NewFromConfig(cfg),
		Options: opts,
		Log:     log,
	}
	if opts.AIRoutingEnabled {
		table := configstore.NewDynamoTable(
			cfg, opts.RoutingTable, os.Getenv("DYNAMODB_ENDPOINT"),
		)
		h.Config = configstore.New(table)
		h.Router = &routing.Router{
			Inference: &routing.BedrockInference{
				Client: bedrockruntime.NewFromConfig(cfg),
			},
			DefaultModelID:   opts.BedrockModelID,
			DefaultRecipient: opts.ForwardingAddress,
			Timeout:          opts.InferenceTimeout,
			Log:              log,
		}
	}
	log.Info().
		Bool("ai_routing_enabled", opts.AIRoutingEnabled).
		Str("routing_table", opts.RoutingTable).
		Str("model_id", opts.BedrockModelID).
		Msg("forwarder initialized")
	return h, nil
}

func main() {
	ctx := context.Background()
	log := telemetry.NewLogger(os.Stderr, os.Getenv)

	provider, err := telemetry.Init(
		ctx, telemetry.OptionsFromEnv(os.Getenv, "ses-ai-forwarder"), log,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load AWS config")
	}
	h, err := buildHandler(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize process")
	}

	lambda.Start(func(
		ctx context.Context, e *events.SimpleEmailEvent,
	) (*events.SimpleEmailDisposition, error) {
		defer func() {
			if err := provider.Flush(ctx); err != nil {
				log.Warn().Err(err).Msg("failed to flush traces")
			}
		}()
		return h.HandleEvent(ctx, e)
	})
}
