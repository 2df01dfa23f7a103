package mcpserver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/shannonlabs/shannon-mcp/internal/binary"
	"github.com/shannonlabs/shannon-mcp/internal/checkpoint"
	"github.com/shannonlabs/shannon-mcp/internal/common/errs"
	"github.com/shannonlabs/shannon-mcp/internal/common/logger"
	"github.com/shannonlabs/shannon-mcp/internal/session"
	"github.com/shannonlabs/shannon-mcp/internal/session/decoder"
	"github.com/shannonlabs/shannon-mcp/internal/supervisor"
)

// SessionService is the supervisor surface the tools call into.
type SessionService interface {
	CreateSession(ctx context.Context, req supervisor.CreateRequest) (session.Snapshot, error)
	SendMessage(ctx context.Context, sessionID, content string, timeout time.Duration) error
	CancelSession(ctx context.Context, sessionID, reason string, force bool) (session.Snapshot, error)
	ListSessions(ctx context.Context, f session.ListFilter) ([]session.Snapshot, int, error)
	SessionStream(sessionID string) ([]decoder.Message, error)
	CreateCheckpoint(ctx context.Context, sessionID, label, description string, tags []string) (*checkpoint.Checkpoint, error)
	RestoreSession(ctx context.Context, checkpointID string, overrides map[string]any) (session.Snapshot, error)
	BranchSession(ctx context.Context, checkpointID, label string, modifications map[string]any) (session.Snapshot, *checkpoint.Checkpoint, error)
}

// BinaryService resolves the CLI executable.
type BinaryService interface {
	Resolve(ctx context.Context, forceRefresh bool) (*binary.Ref, error)
}

// CheckpointService is the checkpoint metadata surface the tools query.
type CheckpointService interface {
	List(ctx context.Context, sessionID string, tags []string, offset, limit int) ([]*checkpoint.Checkpoint, int, error)
}

// Deps bundles the services behind the tool surface.
type Deps struct {
	Sessions    SessionService
	Binaries    BinaryService
	Checkpoints CheckpointService
}

func registerTools(s *server.MCPServer, deps Deps, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("find_binary",
			mcp.WithDescription("Locate and validate the Claude Code CLI binary. Returns the resolved path and version, or suggestions when no binary is found."),
			mcp.WithBoolean("force_refresh",
				mcp.Description("Bypass the resolution cache and re-run all strategies"),
			),
		),
		findBinaryHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("create_session",
			mcp.WithDescription("Create a new CLI session: spawns a child process, sends the prompt, and starts streaming its output."),
			mcp.WithString("prompt",
				mcp.Required(),
				mcp.Description("The initial user prompt"),
			),
			mcp.WithString("model",
				mcp.Description("Model identifier (defaults to the configured model)"),
			),
			mcp.WithString("parent_checkpoint",
				mcp.Description("Checkpoint ID to resume from"),
			),
			mcp.WithObject("context",
				mcp.Description("Key/value context attached to the session"),
			),
		),
		createSessionHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a follow-up user message to a running session."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The target session ID"),
			),
			mcp.WithString("content",
				mcp.Required(),
				mcp.Description("The message content"),
			),
			mcp.WithNumber("timeout",
				mcp.Description("Stdin write timeout in seconds (defaults to the configured timeout)"),
			),
		),
		sendMessageHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("cancel_session",
			mcp.WithDescription("Cancel a session: graceful signal to the child's process group, escalating to a forceful kill after the grace period. Idempotent on terminal sessions."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to cancel"),
			),
			mcp.WithString("reason",
				mcp.Description("Optional cancellation reason recorded on the session"),
			),
			mcp.WithBoolean("force",
				mcp.Description("Skip the graceful signal and kill immediately"),
			),
		),
		cancelSessionHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List sessions with optional phase filter, sorting, and pagination."),
			mcp.WithString("status",
				mcp.Description("Filter by phase: created, starting, running, completing, cancelling, completed, failed, cancelled, timed_out"),
			),
			mcp.WithString("sort_by",
				mcp.Description("Sort field: created_at, last_activity_at, phase"),
			),
			mcp.WithString("order",
				mcp.Description("Sort order: asc or desc"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of sessions to return (default 50)"),
			),
			mcp.WithNumber("offset",
				mcp.Description("Number of sessions to skip"),
			),
		),
		listSessionsHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("get_session_stream",
			mcp.WithDescription("Return the ordered decoded messages a live session has produced so far."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID"),
			),
		),
		getSessionStreamHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("create_checkpoint",
			mcp.WithDescription("Snapshot a session's state into a content-addressed checkpoint."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session to snapshot"),
			),
			mcp.WithString("label",
				mcp.Description("Human-readable label"),
			),
			mcp.WithString("description",
				mcp.Description("Longer description"),
			),
			mcp.WithArray("tags",
				mcp.Description("Free-form tags"),
			),
		),
		createCheckpointHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("restore_checkpoint",
			mcp.WithDescription("Instantiate a new session from a checkpoint, resuming the CLI child from the snapshot."),
			mcp.WithString("checkpoint_id",
				mcp.Required(),
				mcp.Description("The checkpoint to restore"),
			),
			mcp.WithObject("overrides",
				mcp.Description("Payload overrides, e.g. {\"model\": \"...\"} or context additions"),
			),
		),
		restoreCheckpointHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("branch_checkpoint",
			mcp.WithDescription("Fork a checkpoint: writes a new checkpoint parented on the source and starts a session from it."),
			mcp.WithString("checkpoint_id",
				mcp.Required(),
				mcp.Description("The checkpoint to branch from"),
			),
			mcp.WithString("label",
				mcp.Required(),
				mcp.Description("Label for the branch checkpoint"),
			),
			mcp.WithObject("modifications",
				mcp.Description("Payload modifications applied to the branch"),
			),
		),
		branchCheckpointHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("list_checkpoints",
			mcp.WithDescription("List checkpoints, optionally filtered by session and tags."),
			mcp.WithString("session_id",
				mcp.Description("Filter by originating session"),
			),
			mcp.WithArray("tags",
				mcp.Description("Require all of these tags"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of checkpoints to return (default 50)"),
			),
			mcp.WithNumber("offset",
				mcp.Description("Number of checkpoints to skip"),
			),
		),
		listCheckpointsHandler(deps, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 10))
}

// toolError renders an application error as the {code, message, details}
// envelope inside a tool error result.
func toolError(err error) *mcp.CallToolResult {
	envelope := map[string]any{
		"code":    string(errs.KindOf(err)),
		"message": err.Error(),
	}
	if details := errs.DetailsOf(err); details != nil {
		envelope["details"] = details
	}
	body, _ := json.Marshal(envelope)
	return mcp.NewToolResultError(string(body))
}

func toolResult(v any) *mcp.CallToolResult {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolError(errs.Wrap(errs.KindInternal, "failed to encode result", err))
	}
	return mcp.NewToolResultText(string(formatted))
}

func objectArg(req mcp.CallToolRequest, key string) map[string]any {
	if raw, ok := req.GetArguments()[key]; ok {
		if m, ok := raw.(map[string]any); ok {
			return m
		}
	}
	return nil
}

func stringSliceArg(req mcp.CallToolRequest, key string) []string {
	raw, ok := req.GetArguments()[key]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intArg(req mcp.CallToolRequest, key string) int {
	if raw, ok := req.GetArguments()[key]; ok {
		if f, ok := raw.(float64); ok {
			return int(f)
		}
	}
	return 0
}

func boolArg(req mcp.CallToolRequest, key string) bool {
	if raw, ok := req.GetArguments()[key]; ok {
		if b, ok := raw.(bool); ok {
			return b
		}
	}
	return false
}

func findBinaryHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ref, err := deps.Binaries.Resolve(ctx, boolArg(req, "force_refresh"))
		if err != nil {
			log.Warn("binary resolution failed", zap.Error(err))
			result := map[string]any{"status": "not_found"}
			if details := errs.DetailsOf(err); details != nil {
				result["suggestions"] = details
			}
			return toolResult(result), nil
		}
		return toolResult(map[string]any{
			"status": "found",
			"binary": ref,
		}), nil
	}
}

func createSessionHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		snap, err := deps.Sessions.CreateSession(ctx, supervisor.CreateRequest{
			Prompt:           prompt,
			Model:            req.GetString("model", ""),
			ParentCheckpoint: req.GetString("parent_checkpoint", ""),
			Context:          objectArg(req, "context"),
		})
		if err != nil {
			log.Error("create_session failed", zap.Error(err))
			return toolError(err), nil
		}
		return toolResult(snap), nil
	}
}

func sendMessageHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		timeout := time.Duration(intArg(req, "timeout")) * time.Second
		if err := deps.Sessions.SendMessage(ctx, sessionID, content, timeout); err != nil {
			log.Warn("send_message failed",
				zap.String("session_id", sessionID), zap.Error(err))
			return toolError(err), nil
		}
		return toolResult(map[string]any{"ok": true}), nil
	}
}

func cancelSessionHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		snap, err := deps.Sessions.CancelSession(ctx, sessionID,
			req.GetString("reason", ""), boolArg(req, "force"))
		if err != nil {
			log.Warn("cancel_session failed",
				zap.String("session_id", sessionID), zap.Error(err))
			return toolError(err), nil
		}
		return toolResult(map[string]any{
			"phase":       snap.Phase,
			"final_state": snap,
		}), nil
	}
}

func listSessionsHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessions, total, err := deps.Sessions.ListSessions(ctx, session.ListFilter{
			Phase:  session.Phase(req.GetString("status", "")),
			SortBy: req.GetString("sort_by", ""),
			Order:  req.GetString("order", ""),
			Limit:  intArg(req, "limit"),
			Offset: intArg(req, "offset"),
		})
		if err != nil {
			log.Error("list_sessions failed", zap.Error(err))
			return toolError(err), nil
		}
		if sessions == nil {
			sessions = []session.Snapshot{}
		}
		return toolResult(map[string]any{
			"sessions": sessions,
			"total":    total,
		}), nil
	}
}

func getSessionStreamHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		messages, err := deps.Sessions.SessionStream(sessionID)
		if err != nil {
			return toolError(err), nil
		}
		if messages == nil {
			messages = []decoder.Message{}
		}
		return toolResult(map[string]any{
			"session_id": sessionID,
			"messages":   messages,
		}), nil
	}
}

func createCheckpointHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		cp, err := deps.Sessions.CreateCheckpoint(ctx, sessionID,
			req.GetString("label", ""),
			req.GetString("description", ""),
			stringSliceArg(req, "tags"))
		if err != nil {
			log.Warn("create_checkpoint failed",
				zap.String("session_id", sessionID), zap.Error(err))
			return toolError(err), nil
		}
		return toolResult(map[string]any{"checkpoint": cp}), nil
	}
}

func restoreCheckpointHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		checkpointID, err := req.RequireString("checkpoint_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		snap, err := deps.Sessions.RestoreSession(ctx, checkpointID, objectArg(req, "overrides"))
		if err != nil {
			log.Warn("restore_checkpoint failed",
				zap.String("checkpoint_id", checkpointID), zap.Error(err))
			return toolError(err), nil
		}
		return toolResult(map[string]any{"session": snap}), nil
	}
}

func branchCheckpointHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		checkpointID, err := req.RequireString("checkpoint_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		label, err := req.RequireString("label")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		snap, cp, err := deps.Sessions.BranchSession(ctx, checkpointID, label,
			objectArg(req, "modifications"))
		if err != nil {
			log.Warn("branch_checkpoint failed",
				zap.String("checkpoint_id", checkpointID), zap.Error(err))
			return toolError(err), nil
		}
		return toolResult(map[string]any{
			"session":    snap,
			"checkpoint": cp,
		}), nil
	}
}

func listCheckpointsHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		checkpoints, total, err := deps.Checkpoints.List(ctx,
			req.GetString("session_id", ""),
			stringSliceArg(req, "tags"),
			intArg(req, "offset"),
			intArg(req, "limit"))
		if err != nil {
			log.Error("list_checkpoints failed", zap.Error(err))
			return toolError(err), nil
		}
		if checkpoints == nil {
			checkpoints = []*checkpoint.Checkpoint{}
		}
		return toolResult(map[string]any{
			"checkpoints": checkpoints,
			"total":       total,
		}), nil
	}
}
