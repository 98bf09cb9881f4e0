package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/approval-engine/catalog"
	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

// RoleResolver expands a role into user identities.
type RoleResolver interface {
	UsersWithRole(ctx context.Context, role string) ([]string, error)
}

// CancelAuthorizer decides whether someone other than the requester may
// cancel a request.
type CancelAuthorizer interface {
	CanCancel(ctx context.Context, actor string, req types.RequestView) (bool, error)
}

// EventSink receives one event per committed transition.
type EventSink interface {
	Publish(ctx context.Context, event events.Event) error
}

// ViewCache serves request views for reads. The engine writes the committed
// view after every transition. Put must keep a cached view whose Version is
// at least the one offered, so a slow reader cannot restore an older view.
type ViewCache interface {
	Get(ctx context.Context, id uint64) (types.RequestView, error)
	Put(ctx context.Context, view types.RequestView) error
	Invalidate(ctx context.Context, id uint64) error
}

// MetricsRecorder counts engine activity.
type MetricsRecorder interface {
	ObserveTransition(eventType string)
	ObserveSweep(action string)
	ObserveConflict()
}

// Engine drives approval requests through their workflow.
type Engine struct {
	catalog    *catalog.Catalog
	store      storage.RequestStore
	generate   generator.Generator
	resolver   RoleResolver
	authorizer CancelAuthorizer
	sink       EventSink
	cache      ViewCache
	metrics    MetricsRecorder
	now        func() time.Time
	log        zerolog.Logger
	locks      *requestLocks
}

// Option configures an Engine.
type Option func(*Engine)

// WithResolver sets the role resolver. Without one, roles resolve to nobody.
func WithResolver(r RoleResolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithAuthorizer sets the authorizer consulted when a non-requester cancels.
func WithAuthorizer(a CancelAuthorizer) Option {
	return func(e *Engine) { e.authorizer = a }
}

// WithSink sets the event sink.
func WithSink(s EventSink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithCache sets the read cache.
func WithCache(c ViewCache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// NewEngine creates an Engine. A nil store keeps requests in memory.
func NewEngine(generate generator.Generator, cat *catalog.Catalog, store storage.RequestStore, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if cat == nil {
		return nil, errors.New("catalog is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}

	e := &Engine{
		catalog:  cat,
		store:    store,
		generate: generate,
		metrics:  noopMetrics{},
		now:      time.Now,
		log:      zerolog.Nop(),
		locks:    newRequestLocks(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Submit opens a request for ref. A zero workflowID selects the applicable
// definition; otherwise the named definition is used and must be active,
// of the object's type, and cover amount.
func (e *Engine) Submit(ctx context.Context, workflowID uint64, ref types.ObjectRef, amount int64, requester string) (types.RequestView, error) {
	select {
	case <-ctx.Done():
		return types.RequestView{}, ctx.Err()
	default:
	}

	def, err := e.definitionFor(ctx, workflowID, ref, amount)
	if err != nil {
		return types.RequestView{}, err
	}

	eligible, err := e.resolveStep(ctx, def.Steps[0])
	if err != nil {
		return types.RequestView{}, err
	}
	if err := checkReachable(def, 0, eligible); err != nil {
		return types.RequestView{}, err
	}

	id, err := e.generate.NextID()
	if err != nil {
		return types.RequestView{}, fmt.Errorf("failed to generate ID: %w", err)
	}

	now := e.now()
	req := types.ApprovalRequest{
		ID:               id,
		WorkflowID:       def.ID,
		ObjectRef:        ref,
		Amount:           amount,
		Requester:        requester,
		Status:           types.StatusPending,
		CurrentStepIndex: 0,
		PendingApprovers: eligible,
		StepEligible:     append([]string(nil), eligible...),
		CreatedAt:        now,
		ExpiresAt:        now.Add(time.Duration(def.ExpirationHours) * time.Hour),
		LastActionAt:     now,
		Version:          1,

		Steps:             def.Steps,
		EscalationEnabled: def.EscalationEnabled,
	}
	req = req.Clone()
	if err := e.store.CreateRequest(ctx, req); err != nil {
		return types.RequestView{}, fmt.Errorf("failed to create request: %w", err)
	}

	ev := e.newEvent(events.TypeSubmitted, &req, requester, now, "")
	ev.Recipients = append([]string(nil), eligible...)
	e.emit(ctx, ev)

	e.log.Info().
		Uint64("request_id", id).
		Uint64("workflow_id", def.ID).
		Str("object_type", ref.ObjectType).
		Str("object_id", ref.ObjectID).
		Int64("amount", amount).
		Strs("pending", eligible).
		Msg("approval request submitted")
	return view(req), nil
}

func (e *Engine) definitionFor(ctx context.Context, workflowID uint64, ref types.ObjectRef, amount int64) (types.WorkflowDefinition, error) {
	if workflowID == 0 {
		return e.catalog.FindApplicable(ctx, ref.ObjectType, amount, ref.Attributes)
	}

	def, err := e.catalog.Get(ctx, workflowID)
	if err != nil {
		return types.WorkflowDefinition{}, err
	}
	if !def.Active || def.ObjectType != ref.ObjectType {
		return types.WorkflowDefinition{}, fmt.Errorf("%w: workflow %d does not apply to active %s", catalog.ErrNoApplicableWorkflow, workflowID, ref.ObjectType)
	}
	if !def.Contains(amount) {
		return types.WorkflowDefinition{}, fmt.Errorf("%w: %d not in [%d, %d]", ErrAmountOutOfRange, amount, def.AmountMin, def.AmountMax)
	}
	return def, nil
}

// Decide records an APPROVE or REJECT by approver on the current step.
func (e *Engine) Decide(ctx context.Context, requestID uint64, approver string, decision types.ActionKind, comment string) (types.RequestView, error) {
	switch decision {
	case types.ActionApprove:
		return e.mutate(ctx, requestID, func(req *types.ApprovalRequest, def types.WorkflowDefinition, now time.Time) (*events.Event, error) {
			return e.approve(ctx, req, def, approver, comment, now)
		})
	case types.ActionReject:
		return e.mutate(ctx, requestID, func(req *types.ApprovalRequest, def types.WorkflowDefinition, now time.Time) (*events.Event, error) {
			next, err := transition(req.Status, EventReject)
			if err != nil {
				return nil, err
			}
			if !slices.Contains(req.PendingApprovers, approver) {
				return nil, fmt.Errorf("%w: %s is not pending on request %d", ErrNotAuthorized, approver, req.ID)
			}
			appendAction(req, types.ActionReject, approver, comment, now)
			req.PendingApprovers = without(req.PendingApprovers, approver)
			finalize(req, next, now)

			ev := e.newEvent(events.TypeRejected, req, approver, now, comment)
			ev.Recipients = []string{req.Requester}
			return &ev, nil
		})
	default:
		return types.RequestView{}, fmt.Errorf("%w: got %q", ErrInvalidDecision, decision)
	}
}

func (e *Engine) approve(ctx context.Context, req *types.ApprovalRequest, def types.WorkflowDefinition, approver, comment string, now time.Time) (*events.Event, error) {
	next, err := transition(req.Status, EventApprove)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(req.PendingApprovers, approver) {
		return nil, fmt.Errorf("%w: %s is not pending on request %d", ErrNotAuthorized, approver, req.ID)
	}
	step, err := currentStep(req, def)
	if err != nil {
		return nil, err
	}

	appendAction(req, types.ActionApprove, approver, comment, now)
	req.PendingApprovers = without(req.PendingApprovers, approver)
	req.Status = next

	if !IsSatisfied(step, approversAtStep(req.History, req.CurrentStepIndex)) {
		ev := e.newEvent(events.TypeApprovalRecorded, req, approver, now, comment)
		return &ev, nil
	}

	if req.CurrentStepIndex == len(def.Steps)-1 {
		final, err := transition(req.Status, EventComplete)
		if err != nil {
			return nil, err
		}
		finalize(req, final, now)
		ev := e.newEvent(events.TypeApproved, req, approver, now, comment)
		ev.Recipients = []string{req.Requester}
		return &ev, nil
	}

	nextIndex := req.CurrentStepIndex + 1
	eligible, err := e.resolveStep(ctx, def.Steps[nextIndex])
	if err != nil {
		return nil, err
	}
	if err := checkReachable(def, nextIndex, eligible); err != nil {
		return nil, err
	}
	req.CurrentStepIndex = nextIndex
	req.PendingApprovers = eligible
	req.StepEligible = append([]string(nil), eligible...)
	req.LastActionAt = now

	ev := e.newEvent(events.TypeStepApproved, req, approver, now, comment)
	ev.Recipients = append([]string(nil), eligible...)
	return &ev, nil
}

// Delegate hands approver's pending slot on the current step to delegateTo.
func (e *Engine) Delegate(ctx context.Context, requestID uint64, approver, delegateTo, comment string) (types.RequestView, error) {
	return e.mutate(ctx, requestID, func(req *types.ApprovalRequest, def types.WorkflowDefinition, now time.Time) (*events.Event, error) {
		next, err := transition(req.Status, EventDelegate)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(req.PendingApprovers, approver) {
			return nil, fmt.Errorf("%w: %s is not pending on request %d", ErrNotAuthorized, approver, req.ID)
		}
		if delegateTo == "" || delegateTo == approver {
			return nil, fmt.Errorf("%w: %q", ErrIneligibleDelegate, delegateTo)
		}
		done := approversAtStep(req.History, req.CurrentStepIndex)
		if slices.Contains(done, delegateTo) {
			return nil, fmt.Errorf("%w: %s already approved this step", ErrIneligibleDelegate, delegateTo)
		}

		step, err := currentStep(req, def)
		if err != nil {
			return nil, err
		}
		if !step.AllowFreeDelegation && !slices.Contains(req.StepEligible, delegateTo) {
			return nil, fmt.Errorf("%w: %s is not eligible for step %d", ErrIneligibleDelegate, delegateTo, step.Order)
		}
		// handing a slot to someone already pending merges two slots into one
		if slices.Contains(req.PendingApprovers, delegateTo) && len(req.PendingApprovers)-1+len(done) < RequiredApprovals(step) {
			return nil, fmt.Errorf("%w: %s is already pending and step %d would fall short of quorum", ErrIneligibleDelegate, delegateTo, step.Order)
		}

		action := appendAction(req, types.ActionDelegate, delegateTo, comment, now)
		action.DelegatedFrom = approver
		req.History[len(req.History)-1] = action

		pending := make([]string, 0, len(req.PendingApprovers))
		for _, p := range req.PendingApprovers {
			if p == approver {
				p = delegateTo
			}
			if !slices.Contains(pending, p) {
				pending = append(pending, p)
			}
		}
		req.PendingApprovers = pending
		req.Status = next

		ev := e.newEvent(events.TypeDelegated, req, approver, now, comment)
		ev.Recipients = []string{delegateTo}
		ev.Data["delegate_to"] = delegateTo
		return &ev, nil
	})
}

// Cancel withdraws a request. The requester may always cancel; anyone else
// needs the authorizer's consent.
func (e *Engine) Cancel(ctx context.Context, requestID uint64, actor, reason string) (types.RequestView, error) {
	return e.mutate(ctx, requestID, func(req *types.ApprovalRequest, def types.WorkflowDefinition, now time.Time) (*events.Event, error) {
		next, err := transition(req.Status, EventCancel)
		if err != nil {
			return nil, err
		}
		if actor != req.Requester {
			allowed := false
			if e.authorizer != nil {
				allowed, err = e.authorizer.CanCancel(ctx, actor, view(*req))
				if err != nil {
					return nil, fmt.Errorf("failed to authorize cancel: %w", err)
				}
			}
			if !allowed {
				return nil, fmt.Errorf("%w: %s may not cancel request %d", ErrNotAuthorized, actor, req.ID)
			}
		}

		appendAction(req, types.ActionCancel, actor, reason, now)
		finalize(req, next, now)

		ev := e.newEvent(events.TypeCancelled, req, actor, now, reason)
		ev.Recipients = union([]string{req.Requester}, req.PendingApprovers...)
		return &ev, nil
	})
}

// Escalate widens the current step's approver set once its delay has
// elapsed without action. It reports whether an escalation was applied.
func (e *Engine) Escalate(ctx context.Context, requestID uint64, now time.Time) (bool, error) {
	var applied bool
	_, err := e.mutateAt(ctx, requestID, now, func(req *types.ApprovalRequest, def types.WorkflowDefinition, now time.Time) (*events.Event, error) {
		next, err := transition(req.Status, EventEscalate)
		if errors.Is(err, ErrAlreadyFinalized) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if !def.EscalationEnabled {
			return nil, nil
		}
		step, err := currentStep(req, def)
		if err != nil {
			return nil, err
		}
		if step.MaxDelayHours <= 0 {
			return nil, nil
		}
		if !now.After(req.LastActionAt.Add(time.Duration(step.MaxDelayHours) * time.Hour)) {
			return nil, nil
		}

		targets := append([]string(nil), step.EscalateTo...)
		for _, role := range step.EscalateToRoles {
			users, err := e.usersWithRole(ctx, role)
			if err != nil {
				return nil, err
			}
			targets = append(targets, users...)
		}
		done := approversAtStep(req.History, req.CurrentStepIndex)
		targets = slices.DeleteFunc(targets, func(t string) bool { return slices.Contains(done, t) })
		var added []string
		for _, t := range targets {
			if t != "" && !slices.Contains(req.PendingApprovers, t) && !slices.Contains(added, t) {
				added = append(added, t)
			}
		}

		req.PendingApprovers = union(req.PendingApprovers, targets...)
		req.StepEligible = union(req.StepEligible, targets...)
		req.EscalationCount++
		req.LastActionAt = now
		req.Status = next
		appendAction(req, types.ActionEscalate, SystemActor, fmt.Sprintf("step %d exceeded %dh", step.Order, step.MaxDelayHours), now)
		applied = true

		ev := e.newEvent(events.TypeEscalated, req, SystemActor, now, "")
		ev.Recipients = added
		ev.Data["escalation_count"] = req.EscalationCount
		return &ev, nil
	})
	return applied, err
}

// Expire finalizes a request whose expiry has passed. It reports whether the
// request was expired by this call.
func (e *Engine) Expire(ctx context.Context, requestID uint64, now time.Time) (bool, error) {
	var applied bool
	_, err := e.mutateAt(ctx, requestID, now, func(req *types.ApprovalRequest, def types.WorkflowDefinition, now time.Time) (*events.Event, error) {
		next, err := transition(req.Status, EventExpire)
		if errors.Is(err, ErrAlreadyFinalized) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if !now.After(req.ExpiresAt) {
			return nil, nil
		}

		appendAction(req, types.ActionExpire, SystemActor, "", now)
		finalize(req, next, now)
		applied = true

		ev := e.newEvent(events.TypeExpired, req, SystemActor, now, "")
		ev.Recipients = union([]string{req.Requester}, req.PendingApprovers...)
		return &ev, nil
	})
	return applied, err
}

// GetRequest returns the current view of a request.
func (e *Engine) GetRequest(ctx context.Context, requestID uint64) (types.RequestView, error) {
	if e.cache != nil {
		if v, err := e.cache.Get(ctx, requestID); err == nil {
			return v, nil
		}
	}

	req, err := e.load(ctx, requestID)
	if err != nil {
		return types.RequestView{}, err
	}
	v := view(req)
	if e.cache != nil {
		// Put never replaces a newer view, so a read that raced a commit is dropped
		if err := e.cache.Put(ctx, v); err != nil {
			e.log.Warn().Err(err).Uint64("request_id", requestID).Msg("failed to cache request view")
		}
	}
	return v, nil
}

// History returns the request's audit trail in append order.
func (e *Engine) History(ctx context.Context, requestID uint64) ([]types.ApprovalAction, error) {
	v, err := e.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return v.History, nil
}

// PurgeFinalized removes terminal requests finalized before the cutoff.
func (e *Engine) PurgeFinalized(ctx context.Context, before time.Time) (int, error) {
	n, err := e.store.PurgeFinalized(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge finalized requests: %w", err)
	}
	if n > 0 {
		e.log.Info().Int("purged", n).Time("before", before).Msg("finalized requests purged")
	}
	return n, nil
}

// Summary returns the finalized-request counters.
func (e *Engine) Summary(ctx context.Context) (types.Summary, error) {
	return e.store.Summary(ctx)
}

type mutation func(req *types.ApprovalRequest, def types.WorkflowDefinition, now time.Time) (*events.Event, error)

func (e *Engine) mutate(ctx context.Context, requestID uint64, fn mutation) (types.RequestView, error) {
	return e.mutateAt(ctx, requestID, e.now(), fn)
}

// mutateAt runs fn on a private copy of the request under the request's lock
// and commits the copy with a version check. fn returns a nil event for a
// no-op, in which case nothing is written.
func (e *Engine) mutateAt(ctx context.Context, requestID uint64, now time.Time, fn mutation) (types.RequestView, error) {
	select {
	case <-ctx.Done():
		return types.RequestView{}, ctx.Err()
	default:
	}

	unlock := e.locks.lock(requestID)
	defer unlock()

	current, err := e.load(ctx, requestID)
	if err != nil {
		return types.RequestView{}, err
	}
	def, err := e.workflowOf(ctx, current)
	if err != nil {
		return types.RequestView{}, err
	}

	working := current.Clone()
	ev, err := fn(&working, def, now)
	if err != nil {
		return types.RequestView{}, err
	}
	if ev == nil {
		return view(current), nil
	}

	working.Version = current.Version + 1
	if err := e.store.UpdateRequest(ctx, working, current.Version); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			e.metrics.ObserveConflict()
			return types.RequestView{}, fmt.Errorf("%w: request %d at version %d", ErrConcurrentModification, requestID, current.Version)
		}
		return types.RequestView{}, fmt.Errorf("failed to update request %d: %w", requestID, err)
	}

	committed := view(working)
	if e.cache != nil {
		if err := e.cache.Put(ctx, committed); err != nil {
			e.log.Warn().Err(err).Uint64("request_id", requestID).Msg("failed to refresh request view")
			if err := e.cache.Invalidate(ctx, requestID); err != nil {
				e.log.Warn().Err(err).Uint64("request_id", requestID).Msg("failed to invalidate request view")
			}
		}
	}
	e.emit(ctx, *ev)

	e.log.Info().
		Uint64("request_id", requestID).
		Str("event", ev.Type).
		Str("actor", ev.Actor).
		Str("status", string(working.Status)).
		Int("step_index", working.CurrentStepIndex).
		Msg("approval request updated")
	return committed, nil
}

// workflowOf returns the workflow pinned on req at submit. Requests stored
// without a step snapshot fall back to the catalog's current definition.
func (e *Engine) workflowOf(ctx context.Context, req types.ApprovalRequest) (types.WorkflowDefinition, error) {
	if len(req.Steps) > 0 {
		return types.WorkflowDefinition{
			ID:                req.WorkflowID,
			Steps:             req.Steps,
			EscalationEnabled: req.EscalationEnabled,
		}, nil
	}
	def, err := e.catalog.Get(ctx, req.WorkflowID)
	if err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("failed to load workflow for request %d: %w", req.ID, err)
	}
	return def, nil
}

// currentStep returns the step req is waiting on.
func currentStep(req *types.ApprovalRequest, def types.WorkflowDefinition) (types.StepDefinition, error) {
	if req.CurrentStepIndex < 0 || req.CurrentStepIndex >= len(def.Steps) {
		return types.StepDefinition{}, fmt.Errorf("%w: request %d is at step %d of a %d-step workflow", ErrInvalidState, req.ID, req.CurrentStepIndex+1, len(def.Steps))
	}
	return def.Steps[req.CurrentStepIndex], nil
}

// checkReachable fails when the resolved approvers of step idx cannot meet
// its threshold.
func checkReachable(def types.WorkflowDefinition, idx int, eligible []string) error {
	if len(eligible) == 0 {
		return fmt.Errorf("%w: workflow %d step %d", ErrNoEligibleApprovers, def.ID, idx+1)
	}
	if need := RequiredApprovals(def.Steps[idx]); len(eligible) < need {
		return fmt.Errorf("%w: workflow %d step %d needs %d approvals, %d eligible", ErrNoEligibleApprovers, def.ID, idx+1, need, len(eligible))
	}
	return nil
}

func (e *Engine) load(ctx context.Context, requestID uint64) (types.ApprovalRequest, error) {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, storage.ErrRequestNotFound) {
			return types.ApprovalRequest{}, fmt.Errorf("%w: id=%d", ErrRequestNotFound, requestID)
		}
		return types.ApprovalRequest{}, fmt.Errorf("failed to get request: %w", err)
	}
	return req, nil
}

// resolveStep returns the step's explicit approvers followed by the members
// of its roles, without duplicates.
func (e *Engine) resolveStep(ctx context.Context, step types.StepDefinition) ([]string, error) {
	eligible := union(nil, step.Approvers...)
	for _, role := range step.Roles {
		users, err := e.usersWithRole(ctx, role)
		if err != nil {
			return nil, err
		}
		eligible = union(eligible, users...)
	}
	return eligible, nil
}

func (e *Engine) usersWithRole(ctx context.Context, role string) ([]string, error) {
	if e.resolver == nil {
		return nil, nil
	}
	users, err := e.resolver.UsersWithRole(ctx, role)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve role %s: %w", role, err)
	}
	return users, nil
}

func (e *Engine) newEvent(eventType string, req *types.ApprovalRequest, actor string, at time.Time, comment string) events.Event {
	ev := events.NewEvent(eventType, req.ID, actor, at)
	ev.Data["workflow_id"] = req.WorkflowID
	ev.Data["object_id"] = req.ObjectRef.ObjectID
	ev.Data["object_type"] = req.ObjectRef.ObjectType
	ev.Data["amount"] = req.Amount
	ev.Data["status"] = string(req.Status)
	ev.Data["step_index"] = req.CurrentStepIndex
	if comment != "" {
		ev.Data["comment"] = comment
	}
	return ev
}

// emit hands the event to the sink. Delivery failures never undo a commit.
func (e *Engine) emit(ctx context.Context, ev events.Event) {
	e.metrics.ObserveTransition(ev.Type)
	if e.sink == nil {
		return
	}
	if err := e.sink.Publish(ctx, ev); err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.log.Error().Err(err).
			Str("event_type", ev.Type).
			Uint64("request_id", ev.RequestID).
			Msg("failed to publish event")
	}
}

func finalize(req *types.ApprovalRequest, status types.Status, now time.Time) {
	req.Status = status
	t := now
	req.FinalizedAt = &t
	req.LastActionAt = now
}

func view(req types.ApprovalRequest) types.RequestView {
	return types.RequestView{ApprovalRequest: req.Clone()}
}

type noopMetrics struct{}

func (noopMetrics) ObserveTransition(string) {}
func (noopMetrics) ObserveSweep(string)      {}
func (noopMetrics) ObserveConflict()         {}
