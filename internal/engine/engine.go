// Package engine submits scammer messages to the engagement backend and
// reconciles the responses into the local state container.
//
// Every submission follows the same three phases: apply tentative state,
// attempt the remote call, then commit or compensate depending on the
// attempt result. Failures never panic and always leave the container in a
// state the user can inspect and retry from.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"scamwatch/internal/api"
	"scamwatch/internal/intel"
	"scamwatch/internal/metrics"
	"scamwatch/internal/session"
	"scamwatch/internal/syncstate"
	"scamwatch/internal/transcript"
)

// DefaultRequestTimeout bounds a single engage/continue call.
const DefaultRequestTimeout = 45 * time.Second

var (
	ErrEmptyMessage       = errors.New("message is empty")
	ErrSubmissionInFlight = errors.New("a submission is already in flight")
	ErrRequestTimeout     = errors.New("engagement request timed out")
	ErrSuperseded         = errors.New("session was reset while the request was in flight")

	errMissingSessionID = errors.New("backend response carries no session id")
	errEmptyResponse    = errors.New("backend returned an empty response")
)

// Backend is the part of the remote API the engine drives.
type Backend interface {
	Engage(ctx context.Context, message, persona string) (*api.EngageResponse, error)
	Continue(ctx context.Context, sessionID, message string) (*api.EngageResponse, error)
}

// Action names the sub-protocol a result came from.
type Action string

const (
	ActionStart    Action = "start"
	ActionContinue Action = "continue"
	ActionRetry    Action = "retry"
)

// Outcome is the terminal state of one action.
type Outcome string

const (
	OutcomeSettled Outcome = "settled"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Result reports what an action did.
type Result struct {
	Action    Action
	Outcome   Outcome
	MessageID string
	// RetriedFrom is the id of the failed message a retry replaced.
	RetriedFrom string
	Reply       *api.EngageResponse
	Added       []intel.Entity
	Err         error
}

// Option configures an Engine.
type Option func(*Engine)

// WithPersona sets the persona requested when a session starts.
func WithPersona(p string) Option { return func(e *Engine) { e.SetPersona(p) } }

func WithRequestTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine is the synchronization engine of one dashboard.
type Engine struct {
	state   *syncstate.Container
	backend Backend
	persona atomic.Value
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
	newID   func() string
	now     func() time.Time

	inflight atomic.Bool
	epoch    atomic.Uint64
}

// New returns an engine operating on state.
func New(state *syncstate.Container, backend Backend, opts ...Option) *Engine {
	e := &Engine{
		state:   state,
		backend: backend,
		timeout: DefaultRequestTimeout,
		logger:  zap.NewNop(),
		newID:   func() string { return "local-" + uuid.NewString() },
		now:     time.Now,
	}
	e.persona.Store("")
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the container the engine writes to.
func (e *Engine) State() *syncstate.Container {
	return e.state
}

// Persona returns the persona requested when starting sessions.
func (e *Engine) Persona() string {
	return e.persona.Load().(string)
}

// SetPersona changes the persona used by the next session start.
func (e *Engine) SetPersona(p string) {
	e.persona.Store(strings.TrimSpace(p))
}

// InFlight reports whether a submission is outstanding.
func (e *Engine) InFlight() bool {
	return e.inflight.Load()
}

// Send submits content, starting a session when none exists and continuing
// the current one otherwise. The route is chosen once, at call time.
// Identical consecutive messages are submitted as they are.
func (e *Engine) Send(ctx context.Context, content string) Result {
	if strings.TrimSpace(content) == "" {
		return Result{Outcome: OutcomeSkipped, Err: ErrEmptyMessage}
	}
	if !e.inflight.CompareAndSwap(false, true) {
		return Result{Outcome: OutcomeSkipped, Err: ErrSubmissionInFlight}
	}
	defer e.inflight.Store(false)

	var r route
	e.state.View(func(tx syncstate.Tx) { r = e.route(tx) })
	if r.active {
		return e.continueSession(ctx, r, content)
	}
	return e.startSession(ctx, content)
}

// route is the session a submission continues, read together with the
// epoch it belongs to.
type route struct {
	session session.Session
	active  bool
	epoch   uint64
}

// route must run inside Container.View or Container.Apply; the epoch only
// moves under the container lock.
func (e *Engine) route(tx syncstate.Tx) route {
	s, ok := tx.Session.Current()
	return route{session: s, active: ok, epoch: e.epoch.Load()}
}

// Retry resubmits a failed message. Only messages in the error state are
// retried; the failed message is removed and a fresh optimistic one is
// created. Anything else is a no-op with OutcomeSkipped.
func (e *Engine) Retry(ctx context.Context, messageID string) Result {
	skipped := Result{Action: ActionRetry, Outcome: OutcomeSkipped, RetriedFrom: messageID}
	if !e.inflight.CompareAndSwap(false, true) {
		skipped.Err = ErrSubmissionInFlight
		return skipped
	}
	defer e.inflight.Store(false)

	var (
		content string
		removed bool
		r       route
	)
	_ = e.state.Apply(func(tx syncstate.Tx) error {
		msg, ok := tx.Messages.Get(messageID)
		if !ok || !msg.Retryable() {
			return nil
		}
		content = msg.Content
		removed = tx.Messages.Remove(messageID)
		r = e.route(tx)
		return nil
	})
	if !removed {
		e.logger.Debug("retry ignored", zap.String("message_id", messageID))
		return skipped
	}

	var res Result
	if r.active {
		res = e.continueSession(ctx, r, content)
	} else {
		res = e.startSession(ctx, content)
	}
	res.Action = ActionRetry
	res.RetriedFrom = messageID
	return res
}

// Reset ends the local session. Responses of requests still in flight are
// discarded when they arrive.
func (e *Engine) Reset() {
	_ = e.state.Apply(func(tx syncstate.Tx) error {
		e.epoch.Add(1)
		tx.Reset()
		return nil
	})
}

func (e *Engine) startSession(ctx context.Context, content string) Result {
	msg := transcript.Message{
		ID:         e.newID(),
		Role:       transcript.RoleScammer,
		Content:    content,
		Timestamp:  e.now(),
		TurnNumber: 1,
		Status:     transcript.StatusSent,
	}
	res := Result{Action: ActionStart, MessageID: msg.ID}

	var epoch uint64
	_ = e.state.Apply(func(tx syncstate.Tx) error {
		epoch = e.epoch.Add(1)
		tx.Reset()
		tx.Messages.Append(msg)
		tx.SetLoading(true)
		return nil
	})

	a := e.attempt(ctx, ActionStart, func(ctx context.Context) (*api.EngageResponse, error) {
		resp, err := e.backend.Engage(ctx, content, e.Persona())
		if err == nil && resp != nil && strings.TrimSpace(resp.SessionID) == "" {
			return nil, errMissingSessionID
		}
		return resp, err
	})

	var (
		merged     intel.MergeResult
		superseded bool
	)
	_ = e.state.Apply(func(tx syncstate.Tx) error {
		if e.epoch.Load() != epoch {
			superseded = true
			return nil
		}
		tx.SetLoading(false)
		if a.err != nil {
			tx.SetNotice("Could not start engagement: " + a.err.Error())
			return nil
		}
		tx.SetNotice("")
		merged = e.reconcile(tx, a.resp)
		return nil
	})

	switch {
	case superseded:
		res.Outcome, res.Err = OutcomeSkipped, ErrSuperseded
	case a.err != nil:
		res.Outcome, res.Err = OutcomeFailed, a.err
		e.logger.Warn("engage failed", zap.String("message_id", msg.ID), zap.Error(a.err))
	default:
		res.Outcome, res.Reply, res.Added = OutcomeSettled, a.resp, merged.Added
		e.observeMerge(a.resp.SessionID, merged)
		e.logger.Info("session started",
			zap.String("session_id", a.resp.SessionID),
			zap.String("scam_type", a.resp.ScamType),
			zap.Int("entities_added", len(merged.Added)),
		)
	}
	e.metrics.ObserveSubmission(string(ActionStart), string(res.Outcome), a.elapsed)
	return res
}

func (e *Engine) continueSession(ctx context.Context, r route, content string) Result {
	sess := r.session
	msg := transcript.Message{
		ID:         e.newID(),
		Role:       transcript.RoleScammer,
		Content:    content,
		Timestamp:  e.now(),
		TurnNumber: sess.TurnCount + 1,
		Status:     transcript.StatusSending,
	}
	res := Result{Action: ActionContinue, MessageID: msg.ID}

	superseded := false
	_ = e.state.Apply(func(tx syncstate.Tx) error {
		if e.epoch.Load() != r.epoch {
			superseded = true
			return nil
		}
		tx.Messages.Append(msg)
		tx.SetTyping(true)
		return nil
	})
	if superseded {
		res.Outcome, res.Err = OutcomeSkipped, ErrSuperseded
		return res
	}

	a := e.attempt(ctx, ActionContinue, func(ctx context.Context) (*api.EngageResponse, error) {
		return e.backend.Continue(ctx, sess.ID, content)
	})

	var merged intel.MergeResult
	_ = e.state.Apply(func(tx syncstate.Tx) error {
		if e.epoch.Load() != r.epoch {
			superseded = true
			return nil
		}
		tx.SetTyping(false)
		if a.err != nil {
			e.fail(tx, msg, a.err)
			tx.SetNotice("Message not delivered: " + a.err.Error())
			return nil
		}
		if delivered(tx.Messages.List(), transcript.RoleScammer, a.resp.TurnNumber, content, msg.ID) {
			tx.Messages.Remove(msg.ID)
		} else {
			e.patch(tx, msg.ID, transcript.StatusPatch(transcript.StatusSent))
		}
		tx.SetNotice("")
		merged = e.reconcile(tx, a.resp)
		return nil
	})

	switch {
	case superseded:
		res.Outcome, res.Err = OutcomeSkipped, ErrSuperseded
	case a.err != nil:
		res.Outcome, res.Err = OutcomeFailed, a.err
		e.logger.Warn("continue failed",
			zap.String("session_id", sess.ID),
			zap.String("message_id", msg.ID),
			zap.Error(a.err),
		)
	default:
		res.Outcome, res.Reply, res.Added = OutcomeSettled, a.resp, merged.Added
		e.observeMerge(sess.ID, merged)
		e.logger.Info("turn settled",
			zap.String("session_id", sess.ID),
			zap.Int("turn", a.resp.TurnNumber),
			zap.Int("entities_added", len(merged.Added)),
		)
	}
	e.metrics.ObserveSubmission(string(ActionContinue), string(res.Outcome), a.elapsed)
	return res
}

type attempt struct {
	resp    *api.EngageResponse
	err     error
	elapsed time.Duration
}

// attempt runs call under the request timeout. A timeout is reported as
// ErrRequestTimeout and follows the same path as any other failure.
func (e *Engine) attempt(ctx context.Context, action Action, call func(context.Context) (*api.EngageResponse, error)) attempt {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	started := time.Now()
	resp, err := call(ctx)
	a := attempt{resp: resp, err: err, elapsed: time.Since(started)}
	if a.err == nil && a.resp == nil {
		a.err = errEmptyResponse
	}
	if a.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		a.err = fmt.Errorf("%s after %s: %w", action, e.timeout, ErrRequestTimeout)
	}
	if a.err != nil {
		a.resp = nil
	}
	return a
}

// reconcile folds a successful response into the stores. It must run inside
// Container.Apply.
func (e *Engine) reconcile(tx syncstate.Tx, resp *api.EngageResponse) intel.MergeResult {
	reply := transcript.Message{
		ID:         e.newID(),
		Role:       transcript.RoleAgent,
		Content:    resp.AgentReply,
		Timestamp:  e.now(),
		TurnNumber: resp.TurnNumber,
		Status:     transcript.StatusSent,
	}
	if resp.PersonaUsed != "" {
		reply.Metadata = map[string]any{"persona": resp.PersonaUsed}
	}
	if strings.TrimSpace(reply.Content) != "" && !delivered(tx.Messages.List(), transcript.RoleAgent, reply.TurnNumber, reply.Content, "") {
		tx.Messages.Append(reply)
	}

	fields := session.Fields{
		ID:          &resp.SessionID,
		PersonaUsed: &resp.PersonaUsed,
		TurnCount:   &resp.TurnNumber,
		Confidence:  &resp.Confidence,
	}
	if st, ok := session.ParseStatus(resp.SessionStatus); ok {
		fields.Status = &st
	}
	if resp.ScamType != "" {
		risk := session.ClassifyRisk(resp.Confidence)
		fields.ScamType = &resp.ScamType
		fields.RiskLevel = &risk
	}
	tx.Session.Update(fields)

	return tx.Entities.Merge(intel.FromExtracted(resp.ExtractedIntelligence, resp.Confidence))
}

// delivered reports whether a poll already brought in the server copy of a
// turn's message. except skips the local message being settled.
func delivered(msgs []transcript.Message, role transcript.Role, turn int, content, except string) bool {
	if turn == 0 {
		return false
	}
	for _, m := range msgs {
		if m.ID != except && m.Status == transcript.StatusSent &&
			m.Role == role && m.TurnNumber == turn && m.Content == content {
			return true
		}
	}
	return false
}

func (e *Engine) patch(tx syncstate.Tx, id string, p transcript.Patch) {
	if _, err := tx.Messages.Patch(id, p); err != nil {
		e.logger.Warn("optimistic message patch skipped", zap.String("message_id", id), zap.Error(err))
	}
}

// fail moves the optimistic message to a retryable error. If the message is
// gone from the store it is put back, so the failure stays visible.
func (e *Engine) fail(tx syncstate.Tx, msg transcript.Message, cause error) {
	p := transcript.FailurePatch(cause.Error(), true)
	_, err := tx.Messages.Patch(msg.ID, p)
	switch {
	case err == nil:
	case errors.Is(err, transcript.ErrNotFound):
		msg.Status, msg.Failure = transcript.StatusError, p.Failure
		tx.Messages.Append(msg)
	default:
		e.logger.Warn("failed message not marked", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

func (e *Engine) observeMerge(sessionID string, merged intel.MergeResult) {
	types := make([]string, len(merged.Added))
	for i, ent := range merged.Added {
		types[i] = string(ent.Type)
	}
	e.metrics.ObserveEntities(types, len(merged.Collisions))
	for _, c := range merged.Collisions {
		e.logger.Warn("entity value already recorded under another type",
			zap.String("session_id", sessionID),
			zap.String("type", string(c.Type)),
			zap.String("value", c.Value),
		)
	}
}
