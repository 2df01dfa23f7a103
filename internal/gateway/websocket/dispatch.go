package websocket

import (
	"context"

	"github.com/shannonlabs/shannon-mcp/internal/common/errs"
	"github.com/shannonlabs/shannon-mcp/internal/session"
	"github.com/shannonlabs/shannon-mcp/internal/session/decoder"
	ws "github.com/shannonlabs/shannon-mcp/pkg/websocket"
)

// SessionQueries is the read-only supervisor surface the gateway serves.
type SessionQueries interface {
	GetSession(ctx context.Context, sessionID string) (session.Snapshot, error)
	ListSessions(ctx context.Context, f session.ListFilter) ([]session.Snapshot, int, error)
	SessionStream(sessionID string) ([]decoder.Message, error)
}

// RegisterSessionHandlers registers the session query actions.
func RegisterSessionHandlers(d *ws.Dispatcher, queries SessionQueries) {
	d.RegisterFunc(ws.ActionSessionList, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			Status string `json:"status"`
			SortBy string `json:"sort_by"`
			Order  string `json:"order"`
			Limit  int    `json:"limit"`
			Offset int    `json:"offset"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}

		sessions, total, err := queries.ListSessions(ctx, session.ListFilter{
			Phase:  session.Phase(req.Status),
			SortBy: req.SortBy,
			Order:  req.Order,
			Limit:  req.Limit,
			Offset: req.Offset,
		})
		if err != nil {
			return errorResponse(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"sessions": sessions,
			"total":    total,
		})
	})

	d.RegisterFunc(ws.ActionSessionGet, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			SessionID string `json:"session_id"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		if req.SessionID == "" {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id is required", nil)
		}

		snap, err := queries.GetSession(ctx, req.SessionID)
		if err != nil {
			return errorResponse(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, snap)
	})

	d.RegisterFunc(ws.ActionSessionStream, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			SessionID string `json:"session_id"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, err.Error(), nil)
		}
		if req.SessionID == "" {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id is required", nil)
		}

		messages, err := queries.SessionStream(req.SessionID)
		if err != nil {
			return errorResponse(msg, err)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"session_id": req.SessionID,
			"messages":   messages,
		})
	})
}

// errorResponse maps application error kinds onto wire error codes.
func errorResponse(msg *ws.Message, err error) (*ws.Message, error) {
	code := ws.ErrorCodeInternalError
	switch errs.KindOf(err) {
	case errs.KindSessionNotFound, errs.KindCheckpointMissing:
		code = ws.ErrorCodeNotFound
	case errs.KindValidationFailed:
		code = ws.ErrorCodeValidation
	}
	return ws.NewError(msg.ID, msg.Action, code, err.Error(), errs.DetailsOf(err))
}
