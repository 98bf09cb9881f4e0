package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

// Standard error definitions
var (
	ErrNoApplicableWorkflow      = errors.New("no applicable workflow")
	ErrInvalidWorkflowDefinition = errors.New("invalid workflow definition")
	ErrWorkflowNotFound          = errors.New("workflow not found")
)

// compiler is implemented by evaluators that can validate a condition upfront.
type compiler interface {
	Compile(expression string) error
}

// Catalog holds workflow definitions and selects the one that applies to a
// business object. Definitions are persisted through a DefinitionStore and
// served from memory.
type Catalog struct {
	store     storage.DefinitionStore
	evaluator rules.Evaluator
	log       zerolog.Logger

	mu   sync.RWMutex
	defs map[uint64]types.WorkflowDefinition
	seq  uint64
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithEvaluator sets the condition evaluator.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(c *Catalog) {
		if evaluator != nil {
			c.evaluator = evaluator
		}
	}
}

// WithLogger sets the catalog logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Catalog) {
		c.log = log
	}
}

// New creates a catalog backed by store. A nil store keeps definitions in memory.
func New(store storage.DefinitionStore, opts ...Option) *Catalog {
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	c := &Catalog{
		store:     store,
		evaluator: rules.NewExprEvaluator(),
		log:       zerolog.Nop(),
		defs:      make(map[uint64]types.WorkflowDefinition),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load replaces the in-memory view with the store's contents.
func (c *Catalog) Load(ctx context.Context) error {
	defs, err := c.store.ListDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load definitions: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs = make(map[uint64]types.WorkflowDefinition, len(defs))
	c.seq = 0
	for _, def := range defs {
		c.defs[def.ID] = def
		if def.RegisteredSeq > c.seq {
			c.seq = def.RegisteredSeq
		}
	}
	c.log.Info().Int("definitions", len(defs)).Msg("workflow catalog loaded")
	return nil
}

// Register validates and stores a definition. Steps are sorted by order
// before validation. Registering an existing id replaces it and counts as
// the most recent registration.
func (c *Catalog) Register(ctx context.Context, def types.WorkflowDefinition) (types.WorkflowDefinition, error) {
	def.Steps = append([]types.StepDefinition(nil), def.Steps...)
	sort.SliceStable(def.Steps, func(i, j int) bool { return def.Steps[i].Order < def.Steps[j].Order })
	if err := c.validate(def); err != nil {
		return types.WorkflowDefinition{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	def.RegisteredSeq = c.seq + 1
	if err := c.store.SaveDefinition(ctx, def); err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("failed to save definition %d: %w", def.ID, err)
	}
	c.seq = def.RegisteredSeq
	c.defs[def.ID] = def

	c.log.Info().
		Uint64("workflow_id", def.ID).
		Str("object_type", def.ObjectType).
		Int64("amount_min", def.AmountMin).
		Int64("amount_max", def.AmountMax).
		Int("steps", len(def.Steps)).
		Msg("workflow definition registered")
	return def, nil
}

// Retire deactivates a definition; in-flight requests keep using it.
func (c *Catalog) Retire(ctx context.Context, id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	def, ok := c.defs[id]
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrWorkflowNotFound, id)
	}
	def.Active = false
	if err := c.store.SaveDefinition(ctx, def); err != nil {
		return fmt.Errorf("failed to retire definition %d: %w", id, err)
	}
	c.defs[id] = def
	c.log.Info().Uint64("workflow_id", id).Msg("workflow definition retired")
	return nil
}

// Get returns a definition, active or not.
func (c *Catalog) Get(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	select {
	case <-ctx.Done():
		return types.WorkflowDefinition{}, ctx.Err()
	default:
	}

	c.mu.RLock()
	def, ok := c.defs[id]
	c.mu.RUnlock()
	if ok {
		return def, nil
	}

	def, err := c.store.GetDefinition(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrDefinitionNotFound) {
			return types.WorkflowDefinition{}, fmt.Errorf("%w: id=%d", ErrWorkflowNotFound, id)
		}
		return types.WorkflowDefinition{}, err
	}

	c.mu.Lock()
	c.defs[def.ID] = def
	if def.RegisteredSeq > c.seq {
		c.seq = def.RegisteredSeq
	}
	c.mu.Unlock()
	return def, nil
}

// List returns all definitions ordered by id.
func (c *Catalog) List() []types.WorkflowDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.WorkflowDefinition, 0, len(c.defs))
	for _, def := range c.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindApplicable returns the active definition for objectType whose amount
// range contains amount and whose condition holds for attrs. Ties go to the
// highest priority, then to the most recent registration.
func (c *Catalog) FindApplicable(ctx context.Context, objectType string, amount int64, attrs map[string]interface{}) (types.WorkflowDefinition, error) {
	select {
	case <-ctx.Done():
		return types.WorkflowDefinition{}, ctx.Err()
	default:
	}

	c.mu.RLock()
	candidates := make([]types.WorkflowDefinition, 0, len(c.defs))
	for _, def := range c.defs {
		if def.Active && def.ObjectType == objectType && def.Contains(amount) {
			candidates = append(candidates, def)
		}
	}
	c.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].RegisteredSeq > candidates[j].RegisteredSeq
	})

	env := rules.ObjectEnv(objectType, amount, attrs)
	for _, def := range candidates {
		ok, err := c.evaluator.Evaluate(def.Condition, env)
		if err != nil {
			c.log.Warn().Err(err).
				Uint64("workflow_id", def.ID).
				Str("condition", def.Condition).
				Msg("workflow condition failed to evaluate; skipping definition")
			continue
		}
		if ok {
			return def, nil
		}
	}
	return types.WorkflowDefinition{}, fmt.Errorf("%w: object_type=%s amount=%d", ErrNoApplicableWorkflow, objectType, amount)
}

// AutoApproves reports whether a caller may skip the engine for amount.
func AutoApproves(def types.WorkflowDefinition, amount int64) bool {
	return def.AutoApproveBelow != nil && amount < *def.AutoApproveBelow
}

// validate checks the structural invariants of a definition.
func (c *Catalog) validate(def types.WorkflowDefinition) error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: workflow %d: %s", ErrInvalidWorkflowDefinition, def.ID, fmt.Sprintf(format, args...))
	}

	if def.ID == 0 {
		return invalid("id cannot be zero")
	}
	if def.ObjectType == "" {
		return invalid("object type is required")
	}
	if def.AmountMin > def.AmountMax {
		return invalid("amount_min %d exceeds amount_max %d", def.AmountMin, def.AmountMax)
	}
	if def.ExpirationHours <= 0 {
		return invalid("expiration_hours must be positive")
	}
	if len(def.Steps) == 0 {
		return invalid("at least one step is required")
	}
	for i, step := range def.Steps {
		if step.Order != i+1 {
			return invalid("step orders must be contiguous from 1, position %d has order %d", i+1, step.Order)
		}
		if len(step.Approvers) == 0 && len(step.Roles) == 0 {
			return invalid("step %d has neither approvers nor roles", step.Order)
		}
		if step.QuorumCount < 0 {
			return invalid("step %d has negative quorum", step.Order)
		}
		if step.Parallel && len(step.Roles) == 0 && step.QuorumCount > distinct(step.Approvers) {
			return invalid("step %d needs quorum %d from %d approvers", step.Order, step.QuorumCount, distinct(step.Approvers))
		}
		if step.MaxDelayHours < 0 {
			return invalid("step %d has negative max_delay_hours", step.Order)
		}
	}
	if def.Condition != "" {
		if cc, ok := c.evaluator.(compiler); ok {
			if err := cc.Compile(def.Condition); err != nil {
				return invalid("condition does not compile: %v", err)
			}
		}
	}
	return nil
}

func distinct(ids []string) int {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	return len(seen)
}
