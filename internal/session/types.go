// Package session defines the session record: one conversation with one CLI
// child, its message log, lifecycle phase, and metrics.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/shannonlabs/shannon-mcp/internal/common/errs"
)

// Phase is the lifecycle phase of a session.
type Phase string

const (
	PhaseCreated    Phase = "created"
	PhaseStarting   Phase = "starting"
	PhaseRunning    Phase = "running"
	PhaseCompleting Phase = "completing"
	PhaseCancelling Phase = "cancelling"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
	PhaseCancelled  Phase = "cancelled"
	PhaseTimedOut   Phase = "timed_out"
)

// Terminal reports whether the phase is final.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseCancelled, PhaseTimedOut:
		return true
	}
	return false
}

// validTransitions encodes the session state machine.
var validTransitions = map[Phase][]Phase{
	PhaseCreated:    {PhaseStarting},
	PhaseStarting:   {PhaseRunning, PhaseFailed},
	PhaseRunning:    {PhaseCompleting, PhaseCancelling, PhaseTimedOut, PhaseFailed},
	PhaseCompleting: {PhaseCompleted, PhaseFailed},
	PhaseCancelling: {PhaseCancelled, PhaseFailed},
}

// CanTransition reports whether from -> to is a legal phase change.
func CanTransition(from, to Phase) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry in a session's log.
type Message struct {
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Metrics accumulates token and cost counters reported by the child.
type Metrics struct {
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	CostUSD       float64 `json:"cost_usd"`
	MessageCount  int     `json:"message_count"`
	PartialChunks int64   `json:"partial_chunks"`
	ParseErrors   int64   `json:"parse_errors"`
}

// Merge folds a metric update into the accumulated counters.
func (m *Metrics) Merge(update map[string]any) {
	if v, ok := asInt64(update["input_tokens"]); ok {
		m.InputTokens += v
	}
	if v, ok := asInt64(update["output_tokens"]); ok {
		m.OutputTokens += v
	}
	if v, ok := update["cost_usd"].(float64); ok {
		m.CostUSD += v
	}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// Session is one conversation with one CLI child. All mutation goes through
// methods holding the internal mutex; readers take snapshots.
type Session struct {
	mu sync.Mutex

	ID               string
	BinaryPath       string
	BinaryVersion    string
	Model            string
	Phase            Phase
	Messages         []Message
	ParentCheckpoint string
	OriginCheckpoint string
	Context          map[string]any
	Metrics          Metrics
	CheckpointIDs    []string

	// ProcessID references the registry record of the live child, if any.
	ProcessID string
	PID       int32

	CreatedAt      time.Time
	StartedAt      time.Time
	LastActivityAt time.Time
	EndedAt        time.Time
	ErrorMessage   string

	pending strings.Builder
}

// New creates a session in the created phase.
func New(id, model string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:             id,
		Model:          model,
		Phase:          PhaseCreated,
		Context:        make(map[string]any),
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// Transition moves the session to a new phase, enforcing the state machine.
// Transitioning to the current phase is a no-op.
func (s *Session) Transition(to Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Phase == to {
		return nil
	}
	if !CanTransition(s.Phase, to) {
		return errs.Newf(errs.KindSessionNotRunning,
			"illegal phase transition %s -> %s for session %s", s.Phase, to, s.ID)
	}
	s.Phase = to
	now := time.Now().UTC()
	s.LastActivityAt = now
	switch to {
	case PhaseStarting:
		s.StartedAt = now
	case PhaseCompleted, PhaseFailed, PhaseCancelled, PhaseTimedOut:
		s.EndedAt = now
	}
	return nil
}

// CurrentPhase returns the phase under the lock.
func (s *Session) CurrentPhase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Phase
}

// AppendMessage appends to the log. Timestamps are clamped to be
// monotonically non-decreasing, and terminal sessions reject appends.
func (s *Session) AppendMessage(role Role, content string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Phase.Terminal() {
		return errs.Newf(errs.KindSessionNotRunning,
			"session %s is terminal; log is immutable", s.ID)
	}
	ts := time.Now().UTC()
	if n := len(s.Messages); n > 0 && ts.Before(s.Messages[n-1].Timestamp) {
		ts = s.Messages[n-1].Timestamp
	}
	s.Messages = append(s.Messages, Message{
		Role: role, Content: content, Timestamp: ts, Metadata: metadata,
	})
	s.Metrics.MessageCount = len(s.Messages)
	s.LastActivityAt = ts
	return nil
}

// AppendPartial adds incremental assistant text to the pending-response
// buffer.
func (s *Session) AppendPartial(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.WriteString(text)
	s.Metrics.PartialChunks++
	s.LastActivityAt = time.Now().UTC()
}

// CommitPending commits the pending buffer as an assistant message and
// clears it. Empty buffers commit nothing.
func (s *Session) CommitPending() error {
	s.mu.Lock()
	text := s.pending.String()
	s.pending.Reset()
	s.mu.Unlock()
	if text == "" {
		return nil
	}
	return s.AppendMessage(RoleAssistant, text, nil)
}

// PendingSnapshot returns the current pending-response text.
func (s *Session) PendingSnapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.String()
}

// SetContextValue stores a value in the session's context bag.
func (s *Session) SetContextValue(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Context == nil {
		s.Context = make(map[string]any)
	}
	s.Context[key] = value
}

// MergeMetrics folds a metric update into the session.
func (s *Session) MergeMetrics(update map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Metrics.Merge(update)
}

// CountParseError bumps the parse-error counter.
func (s *Session) CountParseError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Metrics.ParseErrors++
}

// SetError records a child-reported error message.
func (s *Session) SetError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ErrorMessage = msg
}

// RecordCheckpoint appends a checkpoint id created from this session.
func (s *Session) RecordCheckpoint(checkpointID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CheckpointIDs = append(s.CheckpointIDs, checkpointID)
}

// AttachChild records the live child's registry handle.
func (s *Session) AttachChild(processID string, pid int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ProcessID = processID
	s.PID = pid
}

// Snapshot is an immutable copy of a session for readers.
type Snapshot struct {
	ID               string         `json:"id"`
	Model            string         `json:"model"`
	BinaryPath       string         `json:"binary_path,omitempty"`
	BinaryVersion    string         `json:"binary_version,omitempty"`
	Phase            Phase          `json:"phase"`
	Messages         []Message      `json:"messages"`
	ParentCheckpoint string         `json:"parent_checkpoint,omitempty"`
	OriginCheckpoint string         `json:"origin_checkpoint,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
	Metrics          Metrics        `json:"metrics"`
	CheckpointIDs    []string       `json:"checkpoint_ids,omitempty"`
	ProcessID        string         `json:"process_id,omitempty"`
	PID              int32          `json:"pid,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	StartedAt        time.Time      `json:"started_at,omitempty"`
	LastActivityAt   time.Time      `json:"last_activity_at"`
	EndedAt          time.Time      `json:"ended_at,omitempty"`
	ErrorMessage     string         `json:"error,omitempty"`
	PendingResponse  string         `json:"pending_response,omitempty"`
}

// Snapshot copies the session state under the lock.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages := make([]Message, len(s.Messages))
	copy(messages, s.Messages)
	ctx := make(map[string]any, len(s.Context))
	for k, v := range s.Context {
		ctx[k] = v
	}
	checkpoints := make([]string, len(s.CheckpointIDs))
	copy(checkpoints, s.CheckpointIDs)

	return Snapshot{
		ID:               s.ID,
		Model:            s.Model,
		BinaryPath:       s.BinaryPath,
		BinaryVersion:    s.BinaryVersion,
		Phase:            s.Phase,
		Messages:         messages,
		ParentCheckpoint: s.ParentCheckpoint,
		OriginCheckpoint: s.OriginCheckpoint,
		Context:          ctx,
		Metrics:          s.Metrics,
		CheckpointIDs:    checkpoints,
		ProcessID:        s.ProcessID,
		PID:              s.PID,
		CreatedAt:        s.CreatedAt,
		StartedAt:        s.StartedAt,
		LastActivityAt:   s.LastActivityAt,
		EndedAt:          s.EndedAt,
		ErrorMessage:     s.ErrorMessage,
		PendingResponse:  s.pending.String(),
	}
}

// Payload is the serializable state captured by a checkpoint and restored
// into a new session.
type Payload struct {
	SessionID string         `json:"session_id"`
	Model     string         `json:"model"`
	Messages  []Message      `json:"messages"`
	Context   map[string]any `json:"context,omitempty"`
	Metrics   Metrics        `json:"metrics"`
}

// BuildPayload captures the checkpointable state of the session.
func (s *Session) BuildPayload() Payload {
	snap := s.Snapshot()
	return Payload{
		SessionID: snap.ID,
		Model:     snap.Model,
		Messages:  snap.Messages,
		Context:   snap.Context,
		Metrics:   snap.Metrics,
	}
}

// RestoreInto seeds a fresh session from a checkpoint payload.
func (p Payload) RestoreInto(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Model != "" && s.Model == "" {
		s.Model = p.Model
	}
	s.Messages = append([]Message(nil), p.Messages...)
	if s.Context == nil {
		s.Context = make(map[string]any)
	}
	for k, v := range p.Context {
		s.Context[k] = v
	}
	s.Metrics = p.Metrics
	s.Metrics.MessageCount = len(s.Messages)
}
