package main

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/mbland/ses-ai-forwarder/configstore"
	"github.com/mbland/ses-ai-forwarder/routectl"
)

func openStore(
	ctx context.Context, opts routectl.TableOptions,
) (routectl.Store, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	table := configstore.NewDynamoTable(cfg, opts.Table, opts.Endpoint)
	return configstore.New(table), nil
}

func main() {
	os.Exit(routectl.Run(
		context.Background(),
		os.Args[1:],
		routectl.Dependencies{OpenStore: openStore},
	))
}
