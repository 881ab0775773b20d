// Package mcpserver exposes the routing configuration to operators and
// agents as an MCP tool server speaking JSON-RPC 2.0 over HTTP.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/mbland/ses-ai-forwarder/configstore"
	"github.com/mbland/ses-ai-forwarder/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// MaxRequestBodySize is the largest request body the server will read.
const MaxRequestBodySize = 1 << 20

// DefaultStoreTimeout bounds each store call when Server.Timeout is zero.
const DefaultStoreTimeout = 5 * time.Second

const (
	ServerName         = "email-routing-mcp"
	serverInstructions = "MCP server for managing AI email routing " +
		"prompts. Use tools to view and update routing configuration."
	requestIDHeader = "X-Request-Id"
)

// SupportedProtocolVersions lists the MCP revisions initialize accepts,
// newest first.
var SupportedProtocolVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}

var tracer = otel.Tracer("github.com/mbland/ses-ai-forwarder/mcpserver")

// Store is the subset of *configstore.Store the server needs.
type Store interface {
	RoutingConfig(ctx context.Context) (*configstore.RoutingConfig, error)
	UpdateRoutingRules(
		ctx context.Context, rules string,
	) (*configstore.RulesUpdate, error)
	SetRoutingEnabled(
		ctx context.Context, enabled bool,
	) (*configstore.RoutingConfig, error)
	History(ctx context.Context, limit int) ([]configstore.HistoryEntry, error)
	APIKey(ctx context.Context, keyHash string) (*configstore.APIKeyRecord, error)
	TouchAPIKey(ctx context.Context, keyHash string) error
}

type Server struct {
	Store   Store
	Log     zerolog.Logger
	Now     func() time.Time
	Timeout time.Duration
}

// HTTPResponse is a transport-neutral reply, rendered by the Lambda and
// net/http adapters.
type HTTPResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
}

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type toolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

type Capabilities struct {
	Tools toolsCapability `json:"tools"`
}

type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
	Instructions    string       `json:"instructions"`
}

func (s *Server) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Server) storeContext(
	ctx context.Context,
) (context.Context, context.CancelFunc) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// Handle processes one JSON-RPC request body. Only transport-level failures
// and authentication failures produce non-200 statuses; every other error is
// reported inside a 200 JSON-RPC envelope.
func (s *Server) Handle(
	ctx context.Context, headers http.Header, body []byte,
) *HTTPResponse {
	requestID := uuid.NewString()
	log := s.Log.With().Str("request_id", requestID).Logger()
	ctx = log.WithContext(ctx)

	if len(body) > MaxRequestBodySize {
		err := newError(CodeInvalidRequest, "request body too large")
		return s.reply(requestID, http.StatusRequestEntityTooLarge, errorResponse(nil, err))
	}

	req := &Request{}
	if err := json.Unmarshal(body, req); err != nil {
		log.Debug().Err(err).Msg("unparseable request")
		rpcErr := newError(CodeParseError, "parse error")
		return s.reply(requestID, http.StatusBadRequest, errorResponse(nil, rpcErr))
	}
	if req.JSONRPC != jsonrpcVersion || req.Method == "" {
		rpcErr := newError(CodeInvalidRequest, "invalid request")
		return s.reply(requestID, http.StatusBadRequest, errorResponse(req.ID, rpcErr))
	}

	ctx, span := tracer.Start(ctx, "mcp "+req.Method)
	defer span.End()
	span.SetAttributes(
		attribute.String("rpc.method", req.Method),
		attribute.String("request_id", requestID),
	)
	log = log.With().Str("method", req.Method).Logger()

	rec, authErr := s.authenticate(ctx, log, headers)
	if authErr != nil {
		span.SetStatus(codes.Error, authErr.Message)
		return s.reply(requestID, http.StatusUnauthorized, errorResponse(req.ID, authErr))
	}
	s.touch(ctx, log, rec)
	log = log.With().Str("key_name", rec.KeyName).Logger()

	if req.IsNotification() {
		log.Debug().Msg("notification received")
		return &HTTPResponse{
			StatusCode: http.StatusAccepted,
			Headers:    map[string]string{requestIDHeader: requestID},
		}
	}

	status := http.StatusOK
	result, rpcErr := s.dispatch(ctx, log, rec, req)
	if rpcErr != nil {
		span.SetStatus(codes.Error, rpcErr.Message)
		if rpcErr.Code == CodeForbidden {
			status = http.StatusForbidden
		}
		return s.reply(requestID, status, errorResponse(req.ID, rpcErr))
	}
	return s.reply(requestID, status, resultResponse(req.ID, result))
}

func (s *Server) reply(requestID string, status int, resp *Response) *HTTPResponse {
	body, err := json.Marshal(resp)
	if err != nil {
		s.Log.Error().Err(err).Msg("failed to encode response")
		status = http.StatusInternalServerError
		body, _ = json.Marshal(errorResponse(
			resp.ID, newError(CodeInternalError, "internal error"),
		))
	}
	return &HTTPResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":  "application/json",
			requestIDHeader: requestID,
		},
		Body: body,
	}
}

func (s *Server) dispatch(
	ctx context.Context,
	log zerolog.Logger,
	rec *configstore.APIKeyRecord,
	req *Request,
) (any, *Error) {
	switch req.Method {
	case "initialize":
		return s.initialize(log, req.Params)
	case "ping":
		return struct{}{}, nil
	case "tools/list":
		return &ListToolsResult{Tools: toolInfos()}, nil
	case "tools/call":
		return s.callTool(ctx, log, rec, req.Params)
	default:
		return nil, newError(CodeMethodNotFound, "method not found: %s", req.Method)
	}
}

func (s *Server) initialize(
	log zerolog.Logger, raw json.RawMessage,
) (any, *Error) {
	params := &initializeParams{}
	if len(raw) != 0 {
		if err := json.Unmarshal(raw, params); err != nil {
			return nil, newError(CodeInvalidParams, "invalid params: %s", err)
		}
	}

	version := SupportedProtocolVersions[0]
	if slices.Contains(SupportedProtocolVersions, params.ProtocolVersion) {
		version = params.ProtocolVersion
	}
	log.Info().
		Str("client", params.ClientInfo.Name).
		Str("client_version", params.ClientInfo.Version).
		Str("requested_version", params.ProtocolVersion).
		Str("protocol_version", version).
		Msg("client initialized")

	return &InitializeResult{
		ProtocolVersion: version,
		Capabilities:    Capabilities{Tools: toolsCapability{ListChanged: false}},
		ServerInfo:      ServerInfo{Name: ServerName, Version: telemetry.Version},
		Instructions:    serverInstructions,
	}, nil
}

func (s *Server) callTool(
	ctx context.Context,
	log zerolog.Logger,
	rec *configstore.APIKeyRecord,
	raw json.RawMessage,
) (any, *Error) {
	params := &CallToolParams{}
	if len(raw) == 0 {
		return nil, newError(CodeInvalidParams, "missing params")
	} else if err := json.Unmarshal(raw, params); err != nil {
		return nil, newError(CodeInvalidParams, "invalid params: %s", err)
	}

	t, ok := toolsByName[params.Name]
	if !ok {
		return nil, newError(CodeInvalidParams, "unknown tool: %s", params.Name)
	}
	log = log.With().Str("tool", params.Name).Logger()

	if !rec.Allows(params.Name) {
		log.Warn().Msg("permission denied")
		return nil, newError(
			CodeForbidden, "API key does not have permission for tool: %s",
			params.Name,
		)
	}

	args, rpcErr := t.validateArgs(params.Arguments)
	if rpcErr != nil {
		return nil, rpcErr
	}

	ctx, span := tracer.Start(ctx, "mcp tool "+params.Name)
	defer span.End()

	callCtx, cancel := s.storeContext(ctx)
	result, err := t.call(s, callCtx, args)
	cancel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, toolError(log, err)
	}

	text, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("failed to encode tool result")
		return nil, newError(CodeInternalError, "internal error")
	}
	log.Info().Msg("tool call succeeded")
	return &CallToolResult{
		Content: []Content{{Type: "text", Text: string(text)}},
	}, nil
}

func toolError(log zerolog.Logger, err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		log.Info().Int("code", rpcErr.Code).Msg(rpcErr.Message)
		return rpcErr
	} else if errors.Is(err, configstore.ErrEmptyRules) {
		return newError(CodeInvalidParams, "%s", err)
	} else if errors.Is(err, configstore.ErrNotFound) {
		return newError(CodeNotFound, "routing configuration not found")
	}
	log.Error().Err(err).Msg("tool call failed")
	return newError(CodeInternalError, "internal error: %s", err)
}
