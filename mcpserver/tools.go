package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mbland/ses-ai-forwarder/configstore"
	"github.com/mbland/ses-ai-forwarder/routing"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type ListToolsResult struct {
	Tools []ToolInfo `json:"tools"`
}

type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type CallToolResult struct {
	Content []Content `json:"content"`
}

type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolFunc func(s *Server, ctx context.Context, args json.RawMessage) (any, error)

type tool struct {
	info   ToolInfo
	schema *jsonschema.Schema
	call   toolFunc
}

func newTool(name, description, schema string, call toolFunc) *tool {
	return &tool{
		info: ToolInfo{
			Name:        name,
			Description: description,
			InputSchema: json.RawMessage(schema),
		},
		schema: jsonschema.MustCompileString(name+".schema.json", schema),
		call:   call,
	}
}

const rulesArgSchema = `{
  "type": "object",
  "properties": {
    "prompt": {
      "type": "string",
      "description": "Routing rules describing where emails go and which tags they get, e.g. 'Route support emails to support@example.com with [SUPPORT] tag'"
    }
  },
  "required": ["prompt"]
}`

var tools = []*tool{
	newTool(
		"get_routing_prompt",
		"Get the current email routing rules and whether AI routing is "+
			"enabled. The system prompt and response format are fixed and "+
			"not part of the rules.",
		`{"type": "object", "properties": {}}`,
		(*Server).getRoutingPrompt,
	),
	newTool(
		"update_routing_prompt",
		"Replace the email routing rules. The previous rules are archived "+
			"to the history. Provide only routing logic: destinations, tags, "+
			"and conditions.",
		rulesArgSchema,
		(*Server).updateRoutingPrompt,
	),
	newTool(
		"get_prompt_history",
		"Get previously archived routing rules, newest first.",
		`{
  "type": "object",
  "properties": {
    "limit": {"type": "integer", "minimum": 1, "maximum": 100, "default": 10}
  }
}`,
		(*Server).getPromptHistory,
	),
	newTool(
		"validate_prompt_syntax",
		"Check routing rules without saving them. Rules must not be empty; "+
			"suggestions are advisory.",
		rulesArgSchema,
		(*Server).validatePromptSyntax,
	),
	newTool(
		"set_routing_enabled",
		"Turn AI routing on or off without changing the routing rules. "+
			"While off, all email goes to the default forwarding address.",
		`{
  "type": "object",
  "properties": {"enabled": {"type": "boolean"}},
  "required": ["enabled"]
}`,
		(*Server).setRoutingEnabled,
	),
}

var toolsByName = func() map[string]*tool {
	m := make(map[string]*tool, len(tools))
	for _, t := range tools {
		m[t.info.Name] = t
	}
	return m
}()

// ToolNames returns the name of every tool, each of which is also a valid
// API key permission.
func ToolNames() []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.info.Name)
	}
	return names
}

func toolInfos() []ToolInfo {
	infos := make([]ToolInfo, 0, len(tools))
	for _, t := range tools {
		infos = append(infos, t.info)
	}
	return infos
}

// validateArgs checks raw arguments against the tool's schema. Absent
// arguments count as an empty object.
func (t *tool) validateArgs(args json.RawMessage) (json.RawMessage, *Error) {
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}
	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return nil, newError(CodeInvalidParams, "invalid arguments: %s", err)
	}
	if err := t.schema.Validate(doc); err != nil {
		rpcErr := newError(CodeInvalidParams, "invalid arguments for %s", t.info.Name)
		rpcErr.Data = err.Error()
		return nil, rpcErr
	}
	return args, nil
}

type rulesArgs struct {
	Prompt string `json:"prompt"`
}

func (s *Server) getRoutingPrompt(
	ctx context.Context, _ json.RawMessage,
) (any, error) {
	cfg, err := s.Store.RoutingConfig(ctx)
	if errors.Is(err, configstore.ErrNotFound) {
		return nil, &Error{
			Code:    CodeNotFound,
			Message: "routing configuration not found",
			Data:    "use update_routing_prompt to set initial routing rules",
		}
	} else if err != nil {
		return nil, err
	}
	return cfg, nil
}

type updateResult struct {
	Success   bool      `json:"success"`
	UpdatedAt time.Time `json:"updated_at"`
	Archived  bool      `json:"archived"`
}

func (s *Server) updateRoutingPrompt(
	ctx context.Context, raw json.RawMessage,
) (any, error) {
	args := &rulesArgs{}
	if err := json.Unmarshal(raw, args); err != nil {
		return nil, newError(CodeInvalidParams, "invalid arguments: %s", err)
	}
	if report := routing.ValidateRules(args.Prompt); !report.Valid {
		return nil, &Error{
			Code:    CodeInvalidParams,
			Message: "routing rules cannot be empty",
			Data:    report,
		}
	}

	update, err := s.Store.UpdateRoutingRules(ctx, args.Prompt)
	if err != nil {
		return nil, err
	}
	return &updateResult{
		Success:   true,
		UpdatedAt: update.Config.UpdatedAt,
		Archived:  update.Archived,
	}, nil
}

// Limit is a float64 since JSON clients may send an integral limit as 1.0,
// which the schema accepts as an integer.
type historyArgs struct {
	Limit *float64 `json:"limit"`
}

type historyResult struct {
	Versions []configstore.HistoryEntry `json:"versions"`
}

func (s *Server) getPromptHistory(
	ctx context.Context, raw json.RawMessage,
) (any, error) {
	args := &historyArgs{}
	if err := json.Unmarshal(raw, args); err != nil {
		return nil, newError(CodeInvalidParams, "invalid arguments: %s", err)
	}
	limit := configstore.DefaultHistoryLimit
	if args.Limit != nil {
		limit = int(*args.Limit)
	}

	versions, err := s.Store.History(ctx, limit)
	if err != nil {
		return nil, err
	}
	return &historyResult{versions}, nil
}

func (s *Server) validatePromptSyntax(
	_ context.Context, raw json.RawMessage,
) (any, error) {
	args := &rulesArgs{}
	if err := json.Unmarshal(raw, args); err != nil {
		return nil, newError(CodeInvalidParams, "invalid arguments: %s", err)
	}
	report := routing.ValidateRules(args.Prompt)
	if !report.Valid {
		return nil, &Error{
			Code:    CodeInvalidParams,
			Message: "routing rules are invalid",
			Data:    report,
		}
	}
	return report, nil
}

type enabledArgs struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) setRoutingEnabled(
	ctx context.Context, raw json.RawMessage,
) (any, error) {
	args := &enabledArgs{}
	if err := json.Unmarshal(raw, args); err != nil {
		return nil, newError(CodeInvalidParams, "invalid arguments: %s", err)
	}

	cfg, err := s.Store.SetRoutingEnabled(ctx, args.Enabled)
	if errors.Is(err, configstore.ErrNotFound) {
		return nil, newError(CodeNotFound, "routing configuration not found")
	} else if err != nil {
		return nil, err
	}
	return cfg, nil
}
