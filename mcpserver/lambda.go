package mcpserver

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/textproto"

	"github.com/aws/aws-lambda-go/events"
)

// HandleFunctionURL adapts Handle to Lambda function URL and API Gateway
// HTTP API (payload v2) events.
func (s *Server) HandleFunctionURL(
	ctx context.Context, e events.LambdaFunctionURLRequest,
) (events.LambdaFunctionURLResponse, error) {
	body := []byte(e.Body)
	if e.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(e.Body)
		if err != nil {
			s.Log.Debug().Err(err).Msg("invalid base64 request body")
			decoded = nil
		}
		body = decoded
	}

	resp := s.Handle(ctx, eventHeaders(e.Headers), body)
	return events.LambdaFunctionURLResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Body:       string(resp.Body),
	}, nil
}

// eventHeaders converts the event's lower-cased header map so that
// http.Header lookups match regardless of the case the client sent.
func eventHeaders(raw map[string]string) http.Header {
	h := make(http.Header, len(raw))
	for name, value := range raw {
		h.Set(textproto.CanonicalMIMEHeaderKey(name), value)
	}
	return h
}
