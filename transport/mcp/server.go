package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/wricardo/mcp-training/toolgate/core/service"
)

// Version is reported to MCP clients during initialization
const Version = "1.0.0"

// Maximum accepted body for the HTTP endpoint.
const maxRequestBytes = 1 << 20

const instructions = `toolgate - session-isolated tool server

Every tool call runs in its own session with a timeout. When the server is at
capacity a call fails immediately with "server busy"; retry after a short
delay. During shutdown calls fail with "server draining".

TOOLS:
- echo, sleep, fail: built-in tools (see each tool's description)
- session_metrics: session counters and success rate
- session_events: lifecycle events recorded for one session
- lifecycle_stats: phase counts and latency percentiles

Every tool accepts an optional timeout_ms argument.`

// Server exposes a ToolService over MCP
type Server struct {
	svc       service.ToolService
	mcpServer *server.MCPServer
	log       zerolog.Logger
}

// NewServer creates an MCP server with every tool of svc plus the admin tools
func NewServer(svc service.ToolService, log zerolog.Logger) *Server {
	s := &Server{
		svc: svc,
		log: log.With().Str("component", "mcp").Logger(),
		mcpServer: server.NewMCPServer(
			"toolgate",
			Version,
			server.WithToolCapabilities(true),
			server.WithInstructions(instructions),
		),
	}

	s.registerTools()
	return s
}

// GetMCPServer returns the underlying MCP server for serving
func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio serves MCP over stdin/stdout until the input closes
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP handles a single JSON-RPC message posted to the /mcp endpoint
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "Failed to read request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	response := s.mcpServer.HandleMessage(r.Context(), body)

	w.Header().Set("Content-Type", "application/json")
	responseData, err := json.Marshal(response)
	if err != nil {
		http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
		return
	}
	w.Write(responseData)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	for _, info := range s.svc.ListTools(context.Background()) {
		s.mcpServer.AddTool(toolDefinition(info), s.handleInvoke(info.Name))
	}

	// Admin tools; these read state and do not take a session
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "session_metrics",
		Description: "Get session counters: created, completed, errored, timed out, rejected, active",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}, s.handleSessionMetrics)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "session_events",
		Description: "Get the lifecycle events recorded for a session",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": map[string]any{
					"type":        "string",
					"description": "Session ID returned by a previous tool call",
				},
			},
			Required: []string{"session_id"},
		},
	}, s.handleSessionEvents)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "lifecycle_stats",
		Description: "Get lifecycle phase counts and latency percentiles",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}, s.handleLifecycleStats)
}

func toolDefinition(info service.ToolInfo) mcp.Tool {
	properties := map[string]any{
		"timeout_ms": map[string]any{
			"type":        "number",
			"description": "Per-call timeout in milliseconds (optional)",
		},
	}
	var required []string
	for _, p := range info.Parameters {
		properties[p.Name] = map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}

	return mcp.Tool{
		Name:        info.Name,
		Description: info.Description,
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: properties,
			Required:   required,
		},
	}
}

// Tool handlers

func (s *Server) handleInvoke(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		req := service.InvokeRequest{Tool: name, Arguments: make(map[string]any, len(args))}
		for k, v := range args {
			if k == "timeout_ms" {
				if ms, ok := v.(float64); ok && ms > 0 {
					req.Timeout = time.Duration(ms) * time.Millisecond
				}
				continue
			}
			req.Arguments[k] = v
		}

		inv, err := s.svc.Invoke(ctx, req)
		if err != nil {
			s.log.Debug().Err(err).Str("tool", name).Msg("tool call failed")
			return mcp.NewToolResultError(describeError(err)), nil
		}

		result, err := formatJSON(inv)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(result), nil
	}
}

func (s *Server) handleSessionMetrics(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m := s.svc.Metrics(ctx)

	var b strings.Builder
	fmt.Fprintf(&b, "Sessions: %d active / %d max (%d resident)\n", m.CurrentActive, m.MaxConcurrent, m.Resident)
	fmt.Fprintf(&b, "Created: %d\n", m.TotalCreated)
	fmt.Fprintf(&b, "Completed: %d\n", m.TotalCompleted)
	fmt.Fprintf(&b, "Errored: %d\n", m.TotalErrored)
	fmt.Fprintf(&b, "Timed out: %d\n", m.TotalTimeout)
	fmt.Fprintf(&b, "Rejected: %d\n", m.TotalRejected)
	fmt.Fprintf(&b, "Success rate: %.1f%%\n", m.SuccessRate*100)
	fmt.Fprintf(&b, "Average duration: %s\n", m.AverageDuration.Round(time.Millisecond))

	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleSessionEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := request.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	events := s.svc.SessionEvents(ctx, sessionID)
	if len(events) == 0 {
		return mcp.NewToolResultError(fmt.Sprintf("no events recorded for session %s", sessionID)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Session %s (%d events):\n", sessionID, len(events))
	start := events[0].Timestamp
	for _, e := range events {
		fmt.Fprintf(&b, "  +%-8s %s", e.Timestamp.Sub(start).Round(time.Microsecond), e.Phase)
		if errMsg, ok := e.Payload["error"]; ok {
			fmt.Fprintf(&b, " (%v)", errMsg)
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleLifecycleStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := formatJSON(s.svc.LifecycleStats(ctx))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(result), nil
}

// describeError turns a service error into a message an agent can act on
func describeError(err error) string {
	switch service.Classify(err) {
	case service.KindBusy:
		return "server busy: too many concurrent calls, retry after a short delay"
	case service.KindDraining:
		return "server draining: shutting down, not accepting new calls"
	case service.KindPayloadTooLarge:
		return fmt.Sprintf("arguments too large: %v", err)
	case service.KindTimeout:
		return fmt.Sprintf("timed out: %v", err)
	default:
		return err.Error()
	}
}

func formatJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format result: %w", err)
	}
	return string(data), nil
}
