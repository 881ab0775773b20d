// Package handler forwards email received by an SES receipt rule, optionally
// re-addressing and re-tagging it according to a model's classification.
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	sestypes "github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/mbland/ses-ai-forwarder/configstore"
	"github.com/mbland/ses-ai-forwarder/routing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/mbland/ses-ai-forwarder/handler")

type S3Api interface {
	GetObject(
		context.Context, *s3.GetObjectInput, ...func(*s3.Options),
	) (*s3.GetObjectOutput, error)
}

type SesApi interface {
	SendEmail(
		context.Context, *sesv2.SendEmailInput, ...func(*sesv2.Options),
	) (*sesv2.SendEmailOutput, error)
}

type BounceApi interface {
	SendBounce(
		context.Context, *ses.SendBounceInput, ...func(*ses.Options),
	) (*ses.SendBounceOutput, error)
}

type RoutingConfigSource interface {
	RoutingConfig(ctx context.Context) (*configstore.RoutingConfig, error)
}

type Classifier interface {
	Route(
		ctx context.Context,
		email routing.EmailContext,
		cfg *configstore.RoutingConfig,
	) *routing.Decision
}

type Handler struct {
	S3      S3Api
	Ses     SesApi
	Bounce  BounceApi
	Config  RoutingConfigSource
	Router  Classifier
	Options *Options
	Log     zerolog.Logger
	Now     func() time.Time
}

func (h *Handler) HandleEvent(
	ctx context.Context, e *events.SimpleEmailEvent,
) (*events.SimpleEmailDisposition, error) {
	if len(e.Records) == 0 {
		return nil, fmt.Errorf("SES event contained no records: %+v", e)
	}

	ctx, span := tracer.Start(ctx, "handler.HandleEvent")
	defer span.End()

	sesInfo := &e.Records[0].SES
	key := h.Options.MessageKey(sesInfo.Mail.MessageID)
	span.SetAttributes(attribute.String("message_key", key))

	if err := h.processMessage(ctx, sesInfo, key); err != nil {
		h.Log.Error().Err(err).Str("key", key).Msg("failed to forward message")
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return &events.SimpleEmailDisposition{
		Disposition: events.SimpleEmailStopRuleSet,
	}, nil
}

func (h *Handler) processMessage(
	ctx context.Context, sesInfo *events.SimpleEmailService, key string,
) error {
	log := h.Log.With().Str("key", key).Logger()
	log.Info().Msg("forwarding message")

	if h.Options.RejectSpam {
		if err := h.validateMessage(ctx, sesInfo); err != nil {
			log.Warn().Err(err).Msg("not forwarding message")
			return nil
		}
	}

	raw, err := h.getOriginalMessage(ctx, key)
	if err != nil {
		return err
	}

	orig, err := parseMessage(raw)
	if orig == nil {
		log.Warn().Err(err).Msg("using SES common headers")
		orig = messageFromCommonHeaders(&sesInfo.Mail)
	} else if err != nil {
		log.Warn().Err(err).Msg("using partially parsed message body")
	}

	recipients := []string{h.Options.ForwardingAddress}
	subject := orig.Subject
	var tags []string

	if d := h.route(ctx, orig, log); d != nil {
		recipients = d.Recipients
		tags = routing.NormalizeTags(d.Tags)
		subject = routing.TaggedSubject(orig.Subject, tags)
	}

	fm := &forwardedMessage{
		orig:          orig,
		raw:           raw,
		bannerTo:      bannerRecipient(orig, sesInfo),
		recipients:    recipients,
		subject:       subject,
		tags:          tags,
		senderAddress: h.Options.SenderAddress,
		origLink:      "s3://" + h.Options.BucketName + "/" + key,
		date:          h.now(),
	}
	msg, err := fm.build()
	if err != nil {
		return fmt.Errorf("failed to build forwarded message: %w", err)
	}

	fwdId, err := h.forwardMessage(ctx, recipients, msg)
	if err != nil {
		return err
	}
	log.Info().
		Strs("recipients", recipients).
		Strs("tags", tags).
		Str("subject", subject).
		Str("ses_message_id", fwdId).
		Msg("successfully forwarded message")
	return nil
}

func (h *Handler) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

// bannerRecipient prefers the address SES actually received the message at,
// since catch-all delivery may not match the To header.
func bannerRecipient(
	orig *parsedMessage, sesInfo *events.SimpleEmailService,
) string {
	if len(sesInfo.Receipt.Recipients) != 0 {
		return sesInfo.Receipt.Recipients[0]
	}
	return orig.To
}

// route returns nil whenever default forwarding applies.
func (h *Handler) route(
	ctx context.Context, orig *parsedMessage, log zerolog.Logger,
) *routing.Decision {
	if !h.Options.AIRoutingEnabled || h.Config == nil || h.Router == nil {
		return nil
	}

	cfg, err := h.routingConfig(ctx)
	if err != nil {
		log.Warn().
			Err(err).
			Str("reason", "config_unavailable").
			Msg("AI routing disabled for this message")
		return nil
	} else if !cfg.Enabled {
		log.Info().Msg("AI routing disabled in routing config")
		return nil
	}

	email := routing.NewEmailContext(
		decodeHeader(orig.From), orig.Subject, orig.BodyText(), orig.MessageID,
	)
	return h.Router.Route(ctx, email, cfg)
}

// routingConfig bounds the config read so a stalled table falls back to
// default forwarding instead of consuming the whole invocation.
func (h *Handler) routingConfig(
	ctx context.Context,
) (*configstore.RoutingConfig, error) {
	timeout := h.Options.ConfigTimeout
	if timeout <= 0 {
		timeout = DefaultConfigTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return h.Config.RoutingConfig(ctx)
}

func (h *Handler) validateMessage(
	ctx context.Context, info *events.SimpleEmailService,
) error {
	if bounceId, err := h.bounceIfDmarcFails(ctx, info); err != nil {
		return err
	} else if bounceId != "" {
		return errors.New("DMARC bounced with bounce ID: " + bounceId)
	} else if isSpam(info) {
		return errors.New("marked as spam, ignoring")
	}
	return nil
}

const dmarcBounceExplanation = "Unauthenticated email is not accepted due " +
	"to the sending domain's DMARC policy."

func (h *Handler) bounceIfDmarcFails(
	ctx context.Context, info *events.SimpleEmailService,
) (string, error) {
	receipt := &info.Receipt
	if !strings.EqualFold(receipt.DMARCVerdict.Status, "FAIL") ||
		!strings.EqualFold(receipt.DMARCPolicy, "REJECT") {
		return "", nil
	}

	recipients := make(
		[]sestypes.BouncedRecipientInfo, 0, len(receipt.Recipients),
	)
	for _, r := range receipt.Recipients {
		recipients = append(recipients, sestypes.BouncedRecipientInfo{
			Recipient:  aws.String(r),
			BounceType: sestypes.BounceTypeContentRejected,
		})
	}

	_, senderDomain, _ := strings.Cut(h.Options.BounceSender, "@")
	input := &ses.SendBounceInput{
		BounceSender:      aws.String(h.Options.BounceSender),
		OriginalMessageId: aws.String(info.Mail.MessageID),
		MessageDsn: &sestypes.MessageDsn{
			ReportingMta: aws.String("dns; " + senderDomain),
			ArrivalDate:  aws.Time(info.Mail.Timestamp),
		},
		Explanation:              aws.String(dmarcBounceExplanation),
		BouncedRecipientInfoList: recipients,
	}

	output, err := h.Bounce.SendBounce(ctx, input)
	if err != nil {
		return "", fmt.Errorf("DMARC bounce failed: %w", err)
	}
	return aws.ToString(output.MessageId), nil
}

func isSpam(info *events.SimpleEmailService) bool {
	receipt := &info.Receipt
	for _, verdict := range []*events.SimpleEmailVerdict{
		&receipt.SPFVerdict,
		&receipt.DKIMVerdict,
		&receipt.SpamVerdict,
		&receipt.VirusVerdict,
	} {
		if strings.EqualFold(verdict.Status, "FAIL") {
			return true
		}
	}
	return false
}

func (h *Handler) getOriginalMessage(
	ctx context.Context, key string,
) (msg []byte, err error) {
	input := &s3.GetObjectInput{Bucket: &h.Options.BucketName, Key: &key}
	var output *s3.GetObjectOutput

	if output, err = h.S3.GetObject(ctx, input); err == nil {
		defer output.Body.Close()
		msg, err = io.ReadAll(output.Body)
	}
	if err != nil {
		err = fmt.Errorf("failed to get original message: %w", err)
	}
	return
}

func (h *Handler) forwardMessage(
	ctx context.Context, recipients []string, msg []byte,
) (forwardedMessageId string, err error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(h.Options.SenderAddress),
		Destination:      &types.Destination{ToAddresses: recipients},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: msg},
		},
	}
	if h.Options.ConfigurationSet != "" {
		input.ConfigurationSetName = aws.String(h.Options.ConfigurationSet)
	}
	var output *sesv2.SendEmailOutput

	if output, err = h.Ses.SendEmail(ctx, input); err != nil {
		err = fmt.Errorf("send failed: %w", err)
	} else {
		forwardedMessageId = aws.ToString(output.MessageId)
	}
	return
}
