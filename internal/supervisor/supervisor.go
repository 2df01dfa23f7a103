// Package supervisor owns the full session lifecycle: it spawns CLI
// children, attaches stream decoders, routes messages, enforces timeouts,
// and coordinates shutdown.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/shannonlabs/shannon-mcp/internal/binary"
	"github.com/shannonlabs/shannon-mcp/internal/checkpoint"
	"github.com/shannonlabs/shannon-mcp/internal/common/config"
	"github.com/shannonlabs/shannon-mcp/internal/common/errs"
	"github.com/shannonlabs/shannon-mcp/internal/common/logger"
	"github.com/shannonlabs/shannon-mcp/internal/events"
	"github.com/shannonlabs/shannon-mcp/internal/events/bus"
	"github.com/shannonlabs/shannon-mcp/internal/session"
	"github.com/shannonlabs/shannon-mcp/internal/session/cache"
	"github.com/shannonlabs/shannon-mcp/internal/session/decoder"
	"github.com/shannonlabs/shannon-mcp/internal/tracing"
)

const stderrTailBytes = 16 * 1024

// BinaryResolver yields a validated CLI executable.
type BinaryResolver interface {
	Resolve(ctx context.Context, forceRefresh bool) (*binary.Ref, error)
}

// ProcessRegistry is the subset of registry operations the supervisor uses.
type ProcessRegistry interface {
	Register(ctx context.Context, pid int32, kind, sessionID string) (string, error)
	Unregister(ctx context.Context, processID string) error
	Heartbeat(ctx context.Context, processID string)
}

// CreateRequest carries the inputs of session creation. Prompt may be
// empty when the session resumes entirely from a checkpoint.
type CreateRequest struct {
	Prompt           string
	Model            string
	ParentCheckpoint string
	Context          map[string]any

	// Overrides is applied to the restored payload (model swap, context
	// merge) when ParentCheckpoint is set.
	Overrides map[string]any
	// OriginCheckpoint marks the branch checkpoint this session was
	// instantiated from, when branching.
	OriginCheckpoint string
}

// handle pairs a live session with its child and decoder plumbing.
type handle struct {
	sess      *session.Session
	child     Child
	processID string
	stderr    *ringBuffer
	dec       *decoder.Decoder

	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
	autoStop   chan struct{}

	historyMu sync.Mutex
	history   []decoder.Message

	finalizeOnce sync.Once
	// release returns the concurrency permit; guarded by a Once shared
	// with the create path so failure and finalize cannot double-release.
	release func()
}

// Supervisor orchestrates sessions and their children.
type Supervisor struct {
	cfg          config.SessionConfig
	autoInterval time.Duration
	resolver     BinaryResolver
	registry     ProcessRegistry
	store        *session.Store
	cache        *cache.Cache
	checkpoints  *checkpoint.Store
	bus          bus.EventBus
	spawner      Spawner
	logger       *logger.Logger

	sem *semaphore.Weighted

	mu           sync.Mutex
	sessions     map[string]*handle
	shuttingDown bool
}

// New wires a Supervisor. The spawner defaults to real process spawning
// when nil.
func New(cfg config.SessionConfig, autoCheckpointInterval time.Duration,
	resolver BinaryResolver, reg ProcessRegistry, store *session.Store,
	sessionCache *cache.Cache, checkpoints *checkpoint.Store,
	eventBus bus.EventBus, spawner Spawner, log *logger.Logger) *Supervisor {

	if spawner == nil {
		spawner = ExecSpawner{}
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &Supervisor{
		cfg:          cfg,
		autoInterval: autoCheckpointInterval,
		resolver:     resolver,
		registry:     reg,
		store:        store,
		cache:        sessionCache,
		checkpoints:  checkpoints,
		bus:          eventBus,
		spawner:      spawner,
		logger:       log.WithFields(zap.String("component", "supervisor")),
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
		sessions:     make(map[string]*handle),
	}
}

// CreateSession runs the create protocol: permit, binary, session record,
// child spawn, decoder attach, initial prompt.
func (s *Supervisor) CreateSession(ctx context.Context, req CreateRequest) (session.Snapshot, error) {
	ctx, span := tracing.Tracer("supervisor").Start(ctx, "session.create")
	defer span.End()

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return session.Snapshot{}, errs.New(errs.KindShutdownInProgress, "daemon is shutting down")
	}
	s.mu.Unlock()

	// Fail fast past the concurrency cap; requests do not queue.
	if !s.sem.TryAcquire(1) {
		return session.Snapshot{}, errs.New(errs.KindCapacityExceeded,
			"maximum concurrent sessions reached").
			WithDetails(map[string]any{"max_concurrent": s.cfg.MaxConcurrent})
	}

	var once sync.Once
	release := func() { once.Do(func() { s.sem.Release(1) }) }

	snap, err := s.createSession(ctx, req, release)
	if err != nil {
		release()
		return session.Snapshot{}, err
	}
	return snap, nil
}

func (s *Supervisor) createSession(ctx context.Context, req CreateRequest, release func()) (session.Snapshot, error) {
	ref, err := s.resolver.Resolve(ctx, false)
	if err != nil {
		return session.Snapshot{}, err
	}

	// An explicit model wins; a restored payload may carry one; the
	// configured default fills the rest.
	sess := session.New(uuid.New().String(), req.Model)
	sess.BinaryPath = ref.Path
	sess.BinaryVersion = ref.Version

	if req.ParentCheckpoint != "" {
		_, payload, err := s.checkpoints.Restore(ctx, req.ParentCheckpoint, req.Overrides)
		if err != nil {
			return session.Snapshot{}, err
		}
		payload.RestoreInto(sess)
		sess.ParentCheckpoint = req.ParentCheckpoint
		sess.OriginCheckpoint = req.OriginCheckpoint
	}
	for k, v := range req.Context {
		sess.SetContextValue(k, v)
	}
	if req.Prompt != "" {
		if err := sess.AppendMessage(session.RoleUser, req.Prompt, nil); err != nil {
			return session.Snapshot{}, err
		}
	}
	if sess.Model == "" {
		sess.Model = s.cfg.DefaultModel
	}
	model := sess.Model
	if err := sess.Transition(session.PhaseStarting); err != nil {
		return session.Snapshot{}, err
	}

	resume := req.OriginCheckpoint
	if resume == "" {
		resume = req.ParentCheckpoint
	}
	child, err := s.spawner.Spawn(ctx, ChildSpec{
		Binary:           ref.Path,
		Model:            model,
		SessionID:        sess.ID,
		ResumeCheckpoint: resume,
	})
	if err != nil {
		_ = sess.Transition(session.PhaseFailed)
		sess.SetError(err.Error())
		s.persist(sess)
		return session.Snapshot{}, errs.Wrap(errs.KindSpawnFailed, "failed to spawn CLI child", err)
	}

	processID, err := s.registry.Register(ctx, child.PID(), "cli-session", sess.ID)
	if err != nil {
		s.logger.Warn("failed to register child process",
			zap.Int32("pid", child.PID()), zap.Error(err))
	}
	sess.AttachChild(processID, child.PID())

	h := &handle{
		sess:      sess,
		child:     child,
		processID: processID,
		stderr:    newRingBuffer(stderrTailBytes),
		autoStop:  make(chan struct{}),
		pumpDone:  make(chan struct{}),
		release:   release,
	}
	h.dec = decoder.New(child.Stdout(), decoder.Config{
		BufferMaxMessages: s.cfg.BufferMaxMessages,
		PartialLineMaxAge: s.cfg.PartialLineMaxAge,
		ReadTimeout:       s.cfg.ReadTimeout,
	}, child.Alive, s.logger.WithSessionID(sess.ID))

	s.mu.Lock()
	s.sessions[sess.ID] = h
	s.mu.Unlock()

	if err := sess.Transition(session.PhaseRunning); err != nil {
		return session.Snapshot{}, err
	}

	pumpCtx, pumpCancel := context.WithCancel(context.Background())
	h.pumpCancel = pumpCancel
	go func() { _, _ = io.Copy(h.stderr, child.Stderr()) }()
	go s.pump(pumpCtx, h)

	if req.Prompt != "" {
		if err := s.writeStdin(ctx, h, req.Prompt, s.cfg.SendTimeout); err != nil {
			s.logger.Error("failed to write initial prompt",
				zap.String("session_id", sess.ID), zap.Error(err))
			s.terminate(context.Background(), h, session.PhaseFailed, true)
			return session.Snapshot{}, err
		}
	}

	s.persist(sess)
	s.publishSession(ctx, events.SessionCreated, sess)
	if s.autoInterval > 0 {
		go s.runAutoCheckpoint(h)
	}

	s.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("model", model),
		zap.Int32("pid", child.PID()))
	return sess.Snapshot(), nil
}

// SendMessage appends a user message and writes it to the child's stdin.
func (s *Supervisor) SendMessage(ctx context.Context, sessionID, content string, timeout time.Duration) error {
	h, err := s.liveHandle(sessionID)
	if err != nil {
		return err
	}
	if phase := h.sess.CurrentPhase(); phase != session.PhaseRunning {
		return errs.Newf(errs.KindSessionNotRunning,
			"session %s is %s, not running", sessionID, phase)
	}
	if err := h.sess.AppendMessage(session.RoleUser, content, nil); err != nil {
		return err
	}

	if timeout <= 0 {
		timeout = s.cfg.SendTimeout
	}
	if err := s.writeStdin(ctx, h, content, timeout); err != nil {
		return err
	}

	if h.processID != "" {
		s.registry.Heartbeat(ctx, h.processID)
	}
	s.persist(h.sess)
	return nil
}

// writeStdin writes content plus a newline, bounded by a timeout since
// pipe writes can block on a wedged child.
func (s *Supervisor) writeStdin(ctx context.Context, h *handle, content string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	done := make(chan error, 1)
	go func() {
		_, err := io.WriteString(h.child.Stdin(), content+"\n")
		done <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return errs.Wrap(errs.KindInternal, "stdin write failed", err)
		}
		return nil
	case <-timer.C:
		return errs.Newf(errs.KindTimeout, "stdin write timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelSession cancels a session: graceful group signal, bounded grace,
// forceful escalation, decoder cancel, reap. Terminal sessions are a no-op.
func (s *Supervisor) CancelSession(ctx context.Context, sessionID, reason string, force bool) (session.Snapshot, error) {
	h, err := s.liveHandle(sessionID)
	if err != nil {
		// Terminal-but-cached sessions make cancel idempotent.
		if snap, lookupErr := s.GetSession(ctx, sessionID); lookupErr == nil && snap.Phase.Terminal() {
			return snap, nil
		}
		return session.Snapshot{}, err
	}

	if h.sess.CurrentPhase().Terminal() {
		return h.sess.Snapshot(), nil
	}
	if reason != "" {
		h.sess.SetContextValue("cancel_reason", reason)
	}
	s.terminate(ctx, h, session.PhaseCancelled, force)
	return h.sess.Snapshot(), nil
}

// terminate drives a live session to the given terminal phase. It is
// idempotent: concurrent calls collapse into the first.
func (s *Supervisor) terminate(ctx context.Context, h *handle, terminal session.Phase, force bool) {
	h.finalizeOnce.Do(func() {
		// The session must stay non-terminal until the pending buffer
		// commits below; a terminal phase freezes the message log.
		if terminal == session.PhaseCancelled && h.sess.CurrentPhase() == session.PhaseRunning {
			_ = h.sess.Transition(session.PhaseCancelling)
		}

		if h.child != nil && h.child.Alive() {
			_ = h.child.Signal(!force)
			if !force {
				grace := s.cfg.CancelGrace
				if grace <= 0 {
					grace = 5 * time.Second
				}
				waitCtx, cancel := context.WithTimeout(ctx, grace)
				err := h.child.Wait(waitCtx)
				cancel()
				if err != nil && h.child.Alive() {
					_ = h.child.Signal(false)
				}
			}
		}

		if h.pumpCancel != nil {
			h.pumpCancel()
			<-h.pumpDone
		}
		if h.child != nil {
			reapCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = h.child.Wait(reapCtx)
			cancel()
		}

		_ = h.sess.CommitPending()
		s.finishToPhase(h.sess, terminal)
		s.finalize(ctx, h)
	})
}

// finishToPhase walks the session to the requested terminal phase through
// whatever intermediate phase the state machine requires.
func (s *Supervisor) finishToPhase(sess *session.Session, terminal session.Phase) {
	switch terminal {
	case session.PhaseCompleted:
		_ = sess.Transition(session.PhaseCompleting)
		_ = sess.Transition(session.PhaseCompleted)
	case session.PhaseCancelled:
		_ = sess.Transition(session.PhaseCancelling)
		_ = sess.Transition(session.PhaseCancelled)
	case session.PhaseFailed:
		_ = sess.Transition(session.PhaseFailed)
	case session.PhaseTimedOut:
		if err := sess.Transition(session.PhaseTimedOut); err != nil {
			// The child answered inside the grace window and moved the
			// session to completing; honor the response over the timeout.
			_ = sess.Transition(session.PhaseCompleted)
		}
	}
}

// finalize unregisters the child, releases the permit, persists, caches,
// and emits the terminal lifecycle event.
func (s *Supervisor) finalize(ctx context.Context, h *handle) {
	select {
	case <-h.autoStop:
	default:
		close(h.autoStop)
	}

	if h.processID != "" {
		if err := s.registry.Unregister(ctx, h.processID); err != nil {
			s.logger.Warn("failed to unregister child",
				zap.String("process_id", h.processID), zap.Error(err))
		}
	}

	snap := h.sess.Snapshot()
	if tail := h.stderr.String(); tail != "" && snap.Phase == session.PhaseFailed {
		h.sess.SetContextValue("stderr_tail", tail)
		snap = h.sess.Snapshot()
	}
	s.persist(h.sess)
	if s.cache != nil {
		s.cache.Put(snap)
	}

	if h.release != nil {
		h.release()
	}

	eventType := map[session.Phase]string{
		session.PhaseCompleted: events.SessionCompleted,
		session.PhaseFailed:    events.SessionFailed,
		session.PhaseCancelled: events.SessionCancelled,
		session.PhaseTimedOut:  events.SessionTimedOut,
	}[snap.Phase]
	if eventType != "" {
		s.publishSession(ctx, eventType, h.sess)
	}

	s.logger.Info("session finalized",
		zap.String("session_id", snap.ID),
		zap.String("phase", string(snap.Phase)))
}

// GetSession returns a session snapshot from the live map, the cache, or
// the persistent store, in that order.
func (s *Supervisor) GetSession(ctx context.Context, sessionID string) (session.Snapshot, error) {
	s.mu.Lock()
	h, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if ok {
		return h.sess.Snapshot(), nil
	}
	if s.cache != nil {
		if snap, ok := s.cache.Get(sessionID); ok {
			return snap, nil
		}
	}
	snap, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return session.Snapshot{}, err
	}
	if snap == nil {
		return session.Snapshot{}, errs.Newf(errs.KindSessionNotFound, "session %s not found", sessionID)
	}
	return *snap, nil
}

// ListSessions lists persisted sessions; live sessions are persisted on
// every state change so the store is authoritative.
func (s *Supervisor) ListSessions(ctx context.Context, f session.ListFilter) ([]session.Snapshot, int, error) {
	return s.store.List(ctx, f)
}

// SessionStream returns the ordered decoded messages seen so far.
func (s *Supervisor) SessionStream(sessionID string) ([]decoder.Message, error) {
	s.mu.Lock()
	h, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, errs.Newf(errs.KindSessionNotFound, "session %s has no live stream", sessionID)
	}
	h.historyMu.Lock()
	defer h.historyMu.Unlock()
	out := make([]decoder.Message, len(h.history))
	copy(out, h.history)
	return out, nil
}

// StreamMetrics reports the decoder's backpressure counters for a live
// session.
func (s *Supervisor) StreamMetrics(sessionID string) (decoder.BackpressureMetrics, error) {
	s.mu.Lock()
	h, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return decoder.BackpressureMetrics{}, errs.Newf(errs.KindSessionNotFound,
			"session %s has no live stream", sessionID)
	}
	return h.dec.Metrics(), nil
}

// RestoreSession instantiates a live session from a checkpoint, resuming
// the child where the snapshot left off.
func (s *Supervisor) RestoreSession(ctx context.Context, checkpointID string, overrides map[string]any) (session.Snapshot, error) {
	return s.CreateSession(ctx, CreateRequest{
		ParentCheckpoint: checkpointID,
		Overrides:        overrides,
	})
}

// BranchSession forks a checkpoint: a new checkpoint parented on the
// source is written first, then a session is instantiated from it.
func (s *Supervisor) BranchSession(ctx context.Context, checkpointID, label string, modifications map[string]any) (session.Snapshot, *checkpoint.Checkpoint, error) {
	branch, _, err := s.checkpoints.Branch(ctx, checkpointID, label, modifications)
	if err != nil {
		return session.Snapshot{}, nil, err
	}
	snap, err := s.CreateSession(ctx, CreateRequest{
		ParentCheckpoint: checkpointID,
		Overrides:        modifications,
		OriginCheckpoint: branch.ID,
	})
	if err != nil {
		return session.Snapshot{}, nil, err
	}
	return snap, branch, nil
}

// CreateCheckpoint snapshots a session's current state.
func (s *Supervisor) CreateCheckpoint(ctx context.Context, sessionID, label, description string, tags []string) (*checkpoint.Checkpoint, error) {
	ctx, span := tracing.Tracer("supervisor").Start(ctx, "checkpoint.create")
	defer span.End()

	snap, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	payload := session.Payload{
		SessionID: snap.ID,
		Model:     snap.Model,
		Messages:  snap.Messages,
		Context:   snap.Context,
		Metrics:   snap.Metrics,
	}
	cp, err := s.checkpoints.Create(ctx, payload, label, description, tags)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	h, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if ok {
		h.sess.RecordCheckpoint(cp.ID)
		s.persist(h.sess)
	}
	return cp, nil
}

// liveHandle returns the handle of a live session.
func (s *Supervisor) liveHandle(sessionID string) (*handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.sessions[sessionID]
	if !ok {
		return nil, errs.Newf(errs.KindSessionNotFound, "session %s not found", sessionID)
	}
	return h, nil
}

// persist saves the session snapshot, logging rather than failing on
// store errors.
func (s *Supervisor) persist(sess *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Save(ctx, sess.Snapshot()); err != nil {
		s.logger.Error("failed to persist session",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
}

func (s *Supervisor) publishSession(ctx context.Context, eventType string, sess *session.Session) {
	if s.bus == nil {
		return
	}
	snap := sess.Snapshot()
	subject := eventType + "." + snap.ID
	err := s.bus.Publish(ctx, subject, bus.NewEvent(eventType, "supervisor", map[string]any{
		"session_id": snap.ID,
		"phase":      string(snap.Phase),
		"model":      snap.Model,
		"pid":        snap.PID,
	}))
	if err != nil {
		s.logger.Warn("failed to publish session event",
			zap.String("subject", subject), zap.Error(err))
	}
}

// Shutdown cancels every non-terminal session in parallel and persists the
// session cache. The context bounds the whole operation.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	handles := make([]*handle, 0, len(s.sessions))
	for _, h := range s.sessions {
		if !h.sess.CurrentPhase().Terminal() {
			handles = append(handles, h)
		}
	}
	s.mu.Unlock()

	window := s.cfg.ShutdownWindow
	if window <= 0 {
		window = 60 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	g, gctx := errgroup.WithContext(shutdownCtx)
	for _, h := range handles {
		h := h
		g.Go(func() error {
			s.terminate(gctx, h, session.PhaseCancelled, false)
			return nil
		})
	}
	err := g.Wait()

	if s.cache != nil {
		if persistErr := s.cache.Persist(); persistErr != nil {
			s.logger.Warn("failed to persist session cache", zap.Error(persistErr))
		}
	}

	s.logger.Info("supervisor stopped", zap.Int("cancelled_sessions", len(handles)))
	if err != nil {
		return fmt.Errorf("shutdown incomplete: %w", err)
	}
	return nil
}
