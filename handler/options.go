package handler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBedrockModelID   = "us.anthropic.claude-sonnet-4-5-20250929-v1:0"
	DefaultInferenceTimeout = 10 * time.Second
	DefaultConfigTimeout    = 3 * time.Second
)

type Options struct {
	BucketName        string
	IncomingPrefix    string
	SenderAddress     string
	ForwardingAddress string
	ConfigurationSet  string
	RoutingTable      string
	AIRoutingEnabled  bool
	BedrockModelID    string
	InferenceTimeout  time.Duration
	ConfigTimeout     time.Duration
	RejectSpam        bool
	BounceSender      string
}

// MessageKey returns the S3 key of the raw message stored by the SES receipt
// rule.
func (opts *Options) MessageKey(messageId string) string {
	if opts.IncomingPrefix == "" || strings.HasSuffix(opts.IncomingPrefix, "/") {
		return opts.IncomingPrefix + messageId
	}
	return opts.IncomingPrefix + "/" + messageId
}

type UndefinedEnvVarsError struct {
	UndefinedVars []string
}

func (e *UndefinedEnvVarsError) Error() string {
	return "undefined environment variables: " +
		strings.Join(e.UndefinedVars, ", ")
}

type InvalidEnvVarError struct {
	Name  string
	Value string
	Err   error
}

func (e *InvalidEnvVarError) Error() string {
	return fmt.Sprintf("invalid %s value %q: %s", e.Name, e.Value, e.Err)
}

func (e *InvalidEnvVarError) Unwrap() error {
	return e.Err
}

func GetOptions(getenv func(string) string) (*Options, error) {
	env := environment{getenv: getenv}
	return env.options()
}

type environment struct {
	getenv        func(string) string
	undefinedVars []string
	invalid       *InvalidEnvVarError
}

func (env *environment) options() (*Options, error) {
	opts := Options{
		BedrockModelID:   DefaultBedrockModelID,
		InferenceTimeout: DefaultInferenceTimeout,
		ConfigTimeout:    DefaultConfigTimeout,
	}
	env.assign(&opts.BucketName, "BUCKET_NAME")
	env.assign(&opts.IncomingPrefix, "INCOMING_PREFIX")
	env.assign(&opts.SenderAddress, "SENDER_ADDRESS")
	env.assign(&opts.ForwardingAddress, "FORWARDING_ADDRESS")

	env.assignOptional(&opts.ConfigurationSet, "CONFIGURATION_SET")
	env.assignOptional(&opts.BedrockModelID, "BEDROCK_MODEL_ID")
	env.assignOptional(&opts.BounceSender, "BOUNCE_SENDER")
	env.assignBool(&opts.AIRoutingEnabled, "AI_ROUTING_ENABLED")
	env.assignBool(&opts.RejectSpam, "REJECT_SPAM")
	env.assignDuration(&opts.InferenceTimeout, "INFERENCE_TIMEOUT")
	env.assignDuration(&opts.ConfigTimeout, "CONFIG_TIMEOUT")

	if opts.AIRoutingEnabled {
		env.assign(&opts.RoutingTable, "ROUTING_TABLE")
	} else {
		env.assignOptional(&opts.RoutingTable, "ROUTING_TABLE")
	}
	if opts.BounceSender == "" {
		opts.BounceSender = opts.SenderAddress
	}

	if len(env.undefinedVars) != 0 {
		return nil, &UndefinedEnvVarsError{UndefinedVars: env.undefinedVars}
	} else if env.invalid != nil {
		return nil, env.invalid
	}
	return &opts, nil
}

func (env *environment) assign(opt *string, varname string) {
	if value := env.getenv(varname); value == "" {
		env.undefinedVars = append(env.undefinedVars, varname)
	} else {
		*opt = value
	}
}

func (env *environment) assignOptional(opt *string, varname string) {
	if value := env.getenv(varname); value != "" {
		*opt = value
	}
}

func (env *environment) assignBool(opt *bool, varname string) {
	value := env.getenv(varname)
	if value == "" {
		return
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		env.setInvalid(varname, value, err)
		return
	}
	*opt = b
}

func (env *environment) assignDuration(opt *time.Duration, varname string) {
	value := env.getenv(varname)
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err == nil && d <= 0 {
		err = fmt.Errorf("must be positive")
	}
	if err != nil {
		env.setInvalid(varname, value, err)
		return
	}
	*opt = d
}

func (env *environment) setInvalid(varname, value string, err error) {
	if env.invalid == nil {
		env.invalid = &InvalidEnvVarError{varname, value, err}
	}
}
