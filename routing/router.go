// Package routing decides, per inbound email, who receives the forwarded
// copy and which tags prefix its subject, by asking a model to apply the
// operator's rules text.
package routing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mbland/ses-ai-forwarder/configstore"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultTemperature = 0.1
	DefaultMaxTokens   = int32(500)
	DefaultTimeout     = 10 * time.Second
)

var tracer = otel.Tracer("github.com/mbland/ses-ai-forwarder/routing")

// Router turns an email and the current routing configuration into a
// Decision.
type Router struct {
	Inference        Inference
	DefaultModelID   string
	DefaultRecipient string
	Timeout          time.Duration
	Log              zerolog.Logger
}

// Route returns the classification for email, or nil whenever routing is
// disabled or classification fails for any reason. Failures are logged with
// a reason and never returned.
func (r *Router) Route(
	ctx context.Context, email EmailContext, cfg *configstore.RoutingConfig,
) *Decision {
	if cfg == nil || !cfg.Enabled || strings.TrimSpace(cfg.RulesText) == "" {
		return nil
	}

	ctx, span := tracer.Start(ctx, "routing.Route")
	defer span.End()

	req, err := r.request(email, cfg)
	if err != nil {
		r.fail(ctx, "prompt_render", err)
		return nil
	}
	span.SetAttributes(attribute.String("model_id", req.ModelID))

	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	text, err := r.Inference.Invoke(ctx, req)
	if err != nil {
		r.fail(ctx, invokeFailureReason(err), err)
		return nil
	}
	r.Log.Debug().Str("response", text).Msg("model response")

	d, err := ParseDecision(text)
	if err != nil {
		reason := "malformed_response"
		if errors.Is(err, ErrNoRecipients) {
			reason = "no_recipients"
		}
		r.fail(ctx, reason, err)
		return nil
	}

	span.SetAttributes(
		attribute.StringSlice("recipients", d.Recipients),
		attribute.StringSlice("tags", d.Tags),
		attribute.Float64("confidence", d.Confidence),
	)
	r.Log.Info().
		Strs("route_to", d.Recipients).
		Strs("tags", d.Tags).
		Float64("confidence", d.Confidence).
		Str("reasoning", d.Reasoning).
		Msg("routing decision")
	return d
}

func (r *Router) request(
	email EmailContext, cfg *configstore.RoutingConfig,
) (InferenceRequest, error) {
	req := InferenceRequest{
		ModelID:     r.DefaultModelID,
		MaxTokens:   DefaultMaxTokens,
		Temperature: DefaultTemperature,
	}
	if cfg.ModelID != "" {
		req.ModelID = cfg.ModelID
	}
	if cfg.MaxTokens != nil && *cfg.MaxTokens > 0 {
		req.MaxTokens = *cfg.MaxTokens
	}
	if cfg.Temperature != nil {
		req.Temperature = *cfg.Temperature
	}

	var err error
	if req.SystemPrompt, err = SystemPrompt(cfg.RulesText, r.DefaultRecipient); err != nil {
		return req, err
	}
	req.UserContent, err = UserContent(email)
	return req, err
}

func (r *Router) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return DefaultTimeout
}

func (r *Router) fail(ctx context.Context, reason string, err error) {
	span := trace.SpanFromContext(ctx)
	span.SetStatus(codes.Error, reason)
	span.RecordError(err)
	r.Log.Warn().
		Err(err).
		Str("reason", reason).
		Msg("AI routing failed, using default forwarding")
}

func invokeFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrThrottled):
		return "throttled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	default:
		return "invoke_failed"
	}
}
