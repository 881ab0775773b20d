//go:build small_tests || all_tests

package handler

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"gotest.tools/assert"
)

func TestUndefinedEnvVarsErrorFormat(t *testing.T) {
	assert.ErrorContains(
		t,
		&UndefinedEnvVarsError{UndefinedVars: []string{"FOO", "BAR", "BAZ"}},
		"undefined environment variables: FOO, BAR, BAZ",
	)
}

func TestReportUndefinedEnviromentVariables(t *testing.T) {
	t.Run("ReportsRequiredVariables", func(t *testing.T) {
		_, err := GetOptions(func(string) string { return "" })

		assert.DeepEqual(
			t,
			err,
			&UndefinedEnvVarsError{
				UndefinedVars: []string{
					"BUCKET_NAME",
					"INCOMING_PREFIX",
					"SENDER_ADDRESS",
					"FORWARDING_ADDRESS",
				},
			},
		)
	})

	t.Run("RequiresRoutingTableWhenAIRoutingEnabled", func(t *testing.T) {
		env := requiredEnv()
		env["AI_ROUTING_ENABLED"] = "true"

		_, err := GetOptions(func(varname string) string { return env[varname] })

		assert.DeepEqual(
			t,
			err,
			&UndefinedEnvVarsError{UndefinedVars: []string{"ROUTING_TABLE"}},
		)
	})
}

func requiredEnv() map[string]string {
	return map[string]string{
		"BUCKET_NAME":        "my-bucket",
		"INCOMING_PREFIX":    "inbox",
		"SENDER_ADDRESS":     "forwarder@foo.com",
		"FORWARDING_ADDRESS": "me@bar.com",
	}
}

func TestAllRequiredEnvironmentVariablesDefined(t *testing.T) {
	env := requiredEnv()
	opts, err := GetOptions(func(varname string) string {
		return env[varname]
	})

	assert.NilError(t, err)
	assert.DeepEqual(
		t,
		opts,
		&Options{
			BucketName:        "my-bucket",
			IncomingPrefix:    "inbox",
			SenderAddress:     "forwarder@foo.com",
			ForwardingAddress: "me@bar.com",
			BedrockModelID:    DefaultBedrockModelID,
			InferenceTimeout:  DefaultInferenceTimeout,
			ConfigTimeout:     DefaultConfigTimeout,
			BounceSender:      "forwarder@foo.com",
		},
	)
}

func TestOptionalEnvironmentVariables(t *testing.T) {
	t.Run("AllDefined", func(t *testing.T) {
		env := requiredEnv()
		env["CONFIGURATION_SET"] = "forwarder"
		env["ROUTING_TABLE"] = "ai-email-routing"
		env["AI_ROUTING_ENABLED"] = "true"
		env["BEDROCK_MODEL_ID"] = "test-model"
		env["INFERENCE_TIMEOUT"] = "5s"
		env["CONFIG_TIMEOUT"] = "750ms"
		env["REJECT_SPAM"] = "1"
		env["BOUNCE_SENDER"] = "bounces@foo.com"

		opts, err := GetOptions(func(varname string) string {
			return env[varname]
		})

		assert.NilError(t, err)
		assert.Equal(t, "forwarder", opts.ConfigurationSet)
		assert.Equal(t, "ai-email-routing", opts.RoutingTable)
		assert.Equal(t, true, opts.AIRoutingEnabled)
		assert.Equal(t, "test-model", opts.BedrockModelID)
		assert.Equal(t, 5*time.Second, opts.InferenceTimeout)
		assert.Equal(t, 750*time.Millisecond, opts.ConfigTimeout)
		assert.Equal(t, true, opts.RejectSpam)
		assert.Equal(t, "bounces@foo.com", opts.BounceSender)
	})

	t.Run("ErrorsIfBoolInvalid", func(t *testing.T) {
		env := requiredEnv()
		env["REJECT_SPAM"] = "sometimes"

		_, err := GetOptions(func(varname string) string { return env[varname] })

		var invalid *InvalidEnvVarError
		assert.Assert(t, errors.As(err, &invalid))
		assert.Equal(t, "REJECT_SPAM", invalid.Name)
		assert.Assert(t, errors.Is(err, strconv.ErrSyntax))
		assert.ErrorContains(t, err, `invalid REJECT_SPAM value "sometimes"`)
	})

	t.Run("ErrorsIfDurationNotPositive", func(t *testing.T) {
		env := requiredEnv()
		env["INFERENCE_TIMEOUT"] = "0s"

		_, err := GetOptions(func(varname string) string { return env[varname] })

		assert.ErrorContains(
			t, err, `invalid INFERENCE_TIMEOUT value "0s": must be positive`,
		)
	})
}

func TestMessageKey(t *testing.T) {
	t.Run("JoinsPrefixWithSlash", func(t *testing.T) {
		opts := &Options{IncomingPrefix: "incoming"}

		assert.Equal(t, "incoming/deadbeef", opts.MessageKey("deadbeef"))
	})

	t.Run("KeepsTrailingSlash", func(t *testing.T) {
		opts := &Options{IncomingPrefix: "inbound/"}

		assert.Equal(t, "inbound/deadbeef", opts.MessageKey("deadbeef"))
	})
}
