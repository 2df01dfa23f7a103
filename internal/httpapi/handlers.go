package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shannonlabs/shannon-mcp/internal/checkpoint"
	"github.com/shannonlabs/shannon-mcp/internal/common/errs"
	"github.com/shannonlabs/shannon-mcp/internal/common/logger"
	"github.com/shannonlabs/shannon-mcp/internal/registry"
	"github.com/shannonlabs/shannon-mcp/internal/session"
	"github.com/shannonlabs/shannon-mcp/internal/session/decoder"
)

// SessionAPI is the supervisor surface the HTTP handlers read from.
type SessionAPI interface {
	GetSession(ctx context.Context, sessionID string) (session.Snapshot, error)
	ListSessions(ctx context.Context, f session.ListFilter) ([]session.Snapshot, int, error)
	SessionStream(sessionID string) ([]decoder.Message, error)
	StreamMetrics(sessionID string) (decoder.BackpressureMetrics, error)
}

// CheckpointAPI lists checkpoint metadata.
type CheckpointAPI interface {
	List(ctx context.Context, sessionID string, tags []string, offset, limit int) ([]*checkpoint.Checkpoint, int, error)
}

// ProcessAPI reads the process registry.
type ProcessAPI interface {
	List(ctx context.Context, f registry.Filter) ([]*registry.Record, error)
	Audit(ctx context.Context, pid int32, limit int) ([]registry.AuditEvent, error)
}

// Deps bundles the services behind the HTTP API.
type Deps struct {
	Sessions    SessionAPI
	Checkpoints CheckpointAPI
	Processes   ProcessAPI
	Version     string
}

type handlers struct {
	deps      Deps
	startedAt time.Time
	logger    *logger.Logger
}

func newHandlers(deps Deps, log *logger.Logger) *handlers {
	return &handlers{deps: deps, startedAt: time.Now().UTC(), logger: log}
}

func (h *handlers) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handlers) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()

	_, totalSessions, err := h.deps.Sessions.ListSessions(ctx, session.ListFilter{Limit: 1})
	if err != nil {
		h.renderError(c, err)
		return
	}
	running, runningCount, err := h.deps.Sessions.ListSessions(ctx, session.ListFilter{
		Phase: session.PhaseRunning,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}

	liveProcesses := 0
	if h.deps.Processes != nil {
		if records, err := h.deps.Processes.List(ctx, registry.Filter{LiveOnly: true}); err == nil {
			liveProcesses = len(records)
		}
	}

	// Backpressure counters for the running sessions that still stream.
	streams := make(map[string]decoder.BackpressureMetrics, len(running))
	for _, snap := range running {
		if metrics, err := h.deps.Sessions.StreamMetrics(snap.ID); err == nil {
			streams[snap.ID] = metrics
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"version":          h.deps.Version,
		"uptime_seconds":   int64(time.Since(h.startedAt).Seconds()),
		"total_sessions":   totalSessions,
		"running_sessions": runningCount,
		"live_processes":   liveProcesses,
		"stream_metrics":   streams,
	})
}

func (h *handlers) handleListSessions(c *gin.Context) {
	sessions, total, err := h.deps.Sessions.ListSessions(c.Request.Context(), session.ListFilter{
		Phase:  session.Phase(c.Query("status")),
		SortBy: c.Query("sort_by"),
		Order:  c.Query("order"),
		Limit:  intQuery(c, "limit"),
		Offset: intQuery(c, "offset"),
	})
	if err != nil {
		h.renderError(c, err)
		return
	}
	if sessions == nil {
		sessions = []session.Snapshot{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "total": total})
}

func (h *handlers) handleGetSession(c *gin.Context) {
	sessionID := c.Param("id")
	snap, err := h.deps.Sessions.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		h.renderError(c, err)
		return
	}

	resp := gin.H{"session": snap}
	if metrics, err := h.deps.Sessions.StreamMetrics(sessionID); err == nil {
		resp["stream_metrics"] = metrics
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) handleSessionStream(c *gin.Context) {
	sessionID := c.Param("id")
	messages, err := h.deps.Sessions.SessionStream(sessionID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	if messages == nil {
		messages = []decoder.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "messages": messages})
}

func (h *handlers) handleListCheckpoints(c *gin.Context) {
	checkpoints, total, err := h.deps.Checkpoints.List(c.Request.Context(),
		c.Query("session_id"),
		c.QueryArray("tag"),
		intQuery(c, "offset"),
		intQuery(c, "limit"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	if checkpoints == nil {
		checkpoints = []*checkpoint.Checkpoint{}
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": checkpoints, "total": total})
}

func (h *handlers) handleListProcesses(c *gin.Context) {
	records, err := h.deps.Processes.List(c.Request.Context(), registry.Filter{
		Status:    registry.Status(c.Query("status")),
		SessionID: c.Query("session_id"),
		LiveOnly:  c.Query("live") == "true",
	})
	if err != nil {
		h.renderError(c, err)
		return
	}
	if records == nil {
		records = []*registry.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"processes": records, "total": len(records)})
}

func (h *handlers) handleProcessAudit(c *gin.Context) {
	pid, err := strconv.ParseInt(c.Param("pid"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pid"})
		return
	}
	limit := intQuery(c, "limit")
	if limit <= 0 {
		limit = 100
	}

	events, err := h.deps.Processes.Audit(c.Request.Context(), int32(pid), limit)
	if err != nil {
		h.renderError(c, err)
		return
	}
	if events == nil {
		events = []registry.AuditEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "total": len(events)})
}

// renderError maps application error kinds onto HTTP status codes.
func (h *handlers) renderError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.KindSessionNotFound, errs.KindCheckpointMissing:
		status = http.StatusNotFound
	case errs.KindValidationFailed:
		status = http.StatusBadRequest
	case errs.KindCapacityExceeded:
		status = http.StatusTooManyRequests
	case errs.KindShutdownInProgress:
		status = http.StatusServiceUnavailable
	}

	body := gin.H{
		"code":    string(errs.KindOf(err)),
		"message": err.Error(),
	}
	if details := errs.DetailsOf(err); details != nil {
		body["details"] = details
	}
	c.JSON(status, body)
}

func intQuery(c *gin.Context, key string) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return 0
	}
	return v
}
