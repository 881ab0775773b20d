package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"
)

const anthropicVersion = "bedrock-2023-05-31"

// ErrThrottled marks inference failures caused by rate limits or quotas.
var ErrThrottled = errors.New("inference throttled")

var throttlingCodes = map[string]bool{
	"ThrottlingException":           true,
	"ServiceQuotaExceededException": true,
	"TooManyRequestsException":      true,
}

type InferenceRequest struct {
	ModelID      string
	SystemPrompt string
	UserContent  string
	MaxTokens    int32
	Temperature  float64
}

// Inference runs a single synchronous model call and returns its text.
type Inference interface {
	Invoke(ctx context.Context, req InferenceRequest) (string, error)
}

type BedrockApi interface {
	InvokeModel(
		context.Context,
		*bedrockruntime.InvokeModelInput,
		...func(*bedrockruntime.Options),
	) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockInference calls Anthropic models through the Bedrock runtime
// messages API.
type BedrockInference struct {
	Client BedrockApi
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int32              `json:"max_tokens"`
	Temperature      float64            `json:"temperature"`
	System           string             `json:"system,omitempty"`
	Messages         []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

func (b *BedrockInference) Invoke(
	ctx context.Context, req InferenceRequest,
) (string, error) {
	body, err := json.Marshal(&anthropicRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		System:           req.SystemPrompt,
		Messages: []anthropicMessage{
			{Role: "user", Content: req.UserContent},
		},
	})
	if err != nil {
		return "", fmt.Errorf("encoding inference request: %w", err)
	}

	output, err := b.Client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.ModelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", classifyInvokeError(err)
	}

	resp := &anthropicResponse{}
	if err := json.Unmarshal(output.Body, resp); err != nil {
		return "", fmt.Errorf("%w: decoding model output: %s", ErrMalformedResponse, err)
	}

	text := &strings.Builder{}
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("%w: model returned no text", ErrMalformedResponse)
	}
	return text.String(), nil
}

func classifyInvokeError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && throttlingCodes[apiErr.ErrorCode()] {
		return fmt.Errorf("%w: %w", ErrThrottled, err)
	}
	return fmt.Errorf("invoking model: %w", err)
}
