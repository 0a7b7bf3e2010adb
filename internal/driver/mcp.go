package driver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/drover-sh/drover/pkg/schema"
)

const (
	toolSessionOpen   = "session.open"
	toolSessionExport = "session.export"
	toolSessionClose  = "session.close"

	initializeTimeout = 30 * time.Second
)

// MCPConfig describes how to launch the automation driver process. Each
// opened session spawns its own process, so accounts never share browser
// state.
type MCPConfig struct {
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// MCPDriver talks to a browser-automation MCP server over stdio. The server
// exposes session lifecycle tools plus one tool per automatable action.
type MCPDriver struct {
	cfg    MCPConfig
	logger *slog.Logger
}

// NewMCPDriver creates a driver from the given launch config.
func NewMCPDriver(cfg MCPConfig, logger *slog.Logger) (*MCPDriver, error) {
	if cfg.Command == "" {
		return nil, schema.NewError(schema.ErrCodeConfig, "driver command is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPDriver{cfg: cfg, logger: logger}, nil
}

// Open launches one driver process and opens a session for the account.
// The credential reference is passed through verbatim; the driver process
// resolves it against its own secret source.
func (d *MCPDriver) Open(ctx context.Context, account schema.AccountIdentity, state []byte) (Handle, error) {
	env := make([]string, 0, len(d.cfg.Env))
	for k, v := range d.cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	c, err := client.NewStdioMCPClient(d.cfg.Command, env, d.cfg.Args...)
	if err != nil {
		return nil, &Error{Message: "spawning driver process", Fatal: true, Cause: err}
	}
	if err := c.Start(ctx); err != nil {
		return nil, &Error{Message: "starting driver client", Fatal: true, Cause: err}
	}

	initCtx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()

	if _, err := c.Initialize(initCtx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "drover",
				Version: "1.0.0",
			},
		},
	}); err != nil {
		_ = c.Close()
		return nil, &Error{Message: "initializing driver connection", Fatal: true, Cause: err}
	}

	args := map[string]any{
		"account_id":     account.ID,
		"credential_ref": account.CredentialRef,
	}
	if account.Proxy != "" {
		args["proxy"] = account.Proxy
	}
	if account.UserAgent != "" {
		args["user_agent"] = account.UserAgent
	}
	if len(state) > 0 {
		args["state"] = base64.StdEncoding.EncodeToString(state)
	}

	h := &mcpHandle{client: c, accountID: account.ID, logger: d.logger}
	if _, err := h.call(ctx, toolSessionOpen, args); err != nil {
		_ = c.Close()
		return nil, err
	}

	d.logger.DebugContext(ctx, "driver session opened", "account_id", account.ID)
	return h, nil
}

type mcpHandle struct {
	client    *client.Client
	accountID string
	logger    *slog.Logger
}

func (h *mcpHandle) Invoke(ctx context.Context, payload Payload) (map[string]any, error) {
	return h.call(ctx, payload.Action, payload.Params)
}

func (h *mcpHandle) ExportState(ctx context.Context) ([]byte, error) {
	out, err := h.call(ctx, toolSessionExport, nil)
	if err != nil {
		return nil, err
	}
	encoded, _ := out["state"].(string)
	if encoded == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &Error{Message: "decoding exported session state", Cause: err}
	}
	return raw, nil
}

func (h *mcpHandle) Close(ctx context.Context) error {
	// Best effort: the process is torn down regardless of tool outcome.
	if _, err := h.call(ctx, toolSessionClose, nil); err != nil {
		h.logger.WarnContext(ctx, "driver session close tool failed",
			"account_id", h.accountID, "error", err)
	}
	if err := h.client.Close(); err != nil {
		return &Error{Message: "shutting down driver process", Cause: err}
	}
	return nil
}

// call invokes one tool and decodes the first text content block as a JSON
// object. Tool-level errors carry a "fatal" flag when the session itself is
// no longer usable.
func (h *mcpHandle) call(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	res, err := h.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      tool,
			Arguments: args,
		},
	})
	if err != nil {
		// Transport failure: the subprocess or its pipe is gone.
		return nil, &Error{Message: fmt.Sprintf("calling %s", tool), Fatal: true, Cause: err}
	}

	text := firstText(res.Content)
	if res.IsError {
		return nil, toolError(tool, text)
	}
	if text == "" {
		return map[string]any{}, nil
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		// Non-JSON text results are wrapped rather than rejected.
		out = map[string]any{"text": text}
	}
	return out, nil
}

func firstText(content []mcp.Content) string {
	for _, c := range content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

// toolError decodes a structured tool error of the form
// {"message": "...", "fatal": true} and falls back to the raw text.
func toolError(tool, text string) *Error {
	var body struct {
		Message string `json:"message"`
		Fatal   bool   `json:"fatal"`
	}
	if err := json.Unmarshal([]byte(text), &body); err == nil && body.Message != "" {
		return &Error{Message: fmt.Sprintf("%s: %s", tool, body.Message), Fatal: body.Fatal}
	}
	if text == "" {
		text = "tool reported an error"
	}
	return &Error{Message: fmt.Sprintf("%s: %s", tool, text)}
}
