package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mesh-intelligence/metafield/internal/pubsub"
	"github.com/mesh-intelligence/metafield/pkg/types"
)

// Action names an operation the PermissionChecker gates.
type Action string

const (
	ActionEdit          Action = "edit"
	ActionApprove       Action = "approve"
	ActionReject        Action = "reject"
	ActionRescore       Action = "rescore"
	ActionClearOverride Action = "clear_override"
)

// PermissionChecker is the authorization collaborator. A non-nil error
// denies the action; it is reported wrapped in types.ErrForbidden.
type PermissionChecker interface {
	Authorize(ctx context.Context, actor string, action Action, assetID string) error
}

// AllowAll permits every action.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, string, Action, string) error { return nil }

// Options configures a Service. The zero value is usable.
type Options struct {
	// Now supplies timestamps. Defaults to time.Now in UTC.
	Now func() time.Time

	Recorder    Recorder
	Permissions PermissionChecker

	// Events receives a ChangeEvent after every committed mutation.
	Events pubsub.Publisher[types.ChangeEvent]

	// Scorer computes compliance scores. Nil leaves scoring to an external
	// process that reports through AcceptScore.
	Scorer     Scorer
	Compliance InvalidatorConfig

	// CacheTTL is the field definition cache lifetime. Negative disables
	// the cache.
	CacheTTL time.Duration

	BrandDNAEnabled bool

	Tracer trace.Tracer
}

// Service is the engine facade used by the HTTP surface and the CLI.
type Service struct {
	core *core

	Registry   *Registry
	Values     *ValueStore
	Resolver   *OverrideResolver
	Queue      *ChangeQueue
	Workflow   *Workflow
	Ingestor   *Ingestor
	Compliance *Invalidator
	Review     *ReviewQueue

	perms    PermissionChecker
	brandDNA bool
	tracer   trace.Tracer
}

// NewService wires the engine components over store and starts the
// compliance workers. Call Close to stop them.
func NewService(ctx context.Context, store types.Store, opts Options) (*Service, error) {
	c := newCore(store, opts)
	c.registry = NewRegistry(store.Fields(), opts.CacheTTL)
	c.invalidator = newInvalidator(c, opts.Scorer, opts.Compliance)

	values := &ValueStore{core: c}
	resolver := &OverrideResolver{core: c, values: values}
	queue := &ChangeQueue{core: c}
	workflow := &Workflow{core: c, values: values, resolver: resolver}

	s := &Service{
		core:       c,
		Registry:   c.registry,
		Values:     values,
		Resolver:   resolver,
		Queue:      queue,
		Workflow:   workflow,
		Ingestor:   &Ingestor{queue: queue},
		Compliance: c.invalidator,
		Review:     newReviewQueue(),
		perms:      opts.Permissions,
		brandDNA:   opts.BrandDNAEnabled,
		tracer:     opts.Tracer,
	}
	if s.perms == nil {
		s.perms = AllowAll{}
	}
	if s.tracer == nil {
		s.tracer = noop.NewTracerProvider().Tracer("noop")
	}
	s.Review.Register(&metadataSource{queue: queue, workflow: workflow})

	if err := c.invalidator.start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close drains the compliance workers.
func (s *Service) Close() {
	s.Compliance.Close()
}

func (s *Service) authorize(ctx context.Context, actor string, action Action, assetID string) error {
	if actor == "" {
		return types.ErrInvalidActor
	}
	if err := s.perms.Authorize(ctx, actor, action, assetID); err != nil {
		return fmt.Errorf("%s %s on %s: %w: %v", actor, action, assetID, types.ErrForbidden, err)
	}
	return nil
}

func (s *Service) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "engine."+name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// FieldView is one field of an asset as the edit surface displays it.
type FieldView struct {
	FieldID            string               `json:"field_id"`
	Label              string               `json:"label"`
	Type               types.FieldType      `json:"type"`
	Scope              string               `json:"scope,omitempty"`
	Required           bool                 `json:"required"`
	PopulationMode     types.PopulationMode `json:"population_mode"`
	RequiresApproval   bool                 `json:"requires_approval"`
	ComplianceRelevant bool                 `json:"compliance_relevant"`
	Default            any                  `json:"default,omitempty"`
	Constraint         types.Constraint     `json:"constraint,omitempty"`

	State          types.ValueState     `json:"state"`
	Value          any                  `json:"value"`
	Provenance     types.Provenance     `json:"provenance,omitempty"`
	Origin         types.Origin         `json:"origin,omitempty"`
	Version        int64                `json:"version"`
	AutomaticValue any                  `json:"automatic_value,omitempty"`
	Pending        *types.PendingChange `json:"pending,omitempty"`
}

// AssetMetadata is the read model of the edit surface.
type AssetMetadata struct {
	AssetID             string                 `json:"asset_id"`
	Fields              []FieldView            `json:"fields"`
	PendingCount        int                    `json:"pending_count"`
	ComplianceScore     *int                   `json:"compliance_score"`
	ComplianceBreakdown []types.AxisScore      `json:"compliance_breakdown"`
	EvaluationStatus    types.EvaluationStatus `json:"evaluation_status"`

	// Recomputing is set whenever ComplianceScore predates the latest
	// change to a relevant field: the score is pending a recomputation or
	// one is running.
	Recomputing bool `json:"recomputing"`

	BrandDNAEnabled bool `json:"brand_dna_enabled"`
}

// EditableMetadata combines field definitions, authoritative values,
// pending changes and the compliance score of an asset. An empty scope
// lists fields of every scope.
func (s *Service) EditableMetadata(ctx context.Context, assetID, scope string) (_ *AssetMetadata, err error) {
	ctx, span := s.span(ctx, "editable_metadata", attribute.String("asset.id", assetID))
	defer func() { endSpan(span, err) }()

	if assetID == "" {
		return nil, fmt.Errorf("asset: %w", types.ErrInvalidID)
	}
	defs, err := s.Registry.Definitions(ctx, types.FieldFilter{Scope: scope})
	if err != nil {
		return nil, err
	}
	values, err := s.Values.ReadAll(ctx, assetID)
	if err != nil {
		return nil, err
	}
	pending, err := s.Queue.ListPending(ctx, types.ChangeFilter{AssetID: assetID})
	if err != nil {
		return nil, err
	}
	byField := make(map[string]*types.PendingChange, len(pending))
	for _, c := range pending {
		byField[c.FieldID] = c
	}
	valueOf := make(map[string]*types.MetadataValue, len(values))
	for _, v := range values {
		valueOf[v.FieldID] = v
	}

	out := &AssetMetadata{
		AssetID:             assetID,
		Fields:              make([]FieldView, 0, len(defs)),
		ComplianceBreakdown: []types.AxisScore{},
		EvaluationStatus:    types.EvaluationNotApplicable,
		BrandDNAEnabled:     s.brandDNA,
	}
	relevant := false
	for _, def := range defs {
		relevant = relevant || def.ComplianceRelevant
		view := FieldView{
			FieldID:            def.FieldID,
			Label:              def.Label,
			Type:               def.Type(),
			Scope:              def.Scope,
			Required:           def.Required,
			PopulationMode:     def.PopulationMode,
			RequiresApproval:   def.RequiresApproval,
			ComplianceRelevant: def.ComplianceRelevant,
			Default:            def.Default,
			Constraint:         def.Constraint,
		}
		v := valueOf[def.FieldID]
		if v != nil {
			view.Value = v.Value
			view.Provenance = v.Provenance
			view.Origin = v.Origin
			view.Version = v.Version
			view.AutomaticValue = v.AutomaticValue
		}
		view.Pending = byField[def.FieldID]
		if view.Pending != nil {
			out.PendingCount++
		}
		view.State = valueState(def, v, view.Pending)
		out.Fields = append(out.Fields, view)
	}

	if !relevant {
		return out, nil
	}
	score, err := s.Compliance.Score(ctx, assetID)
	switch {
	case errors.Is(err, types.ErrNotFound):
		out.EvaluationStatus = types.EvaluationPending
		return out, nil
	case err != nil:
		return nil, err
	}
	out.ComplianceScore = score.Score
	out.ComplianceBreakdown = score.Breakdown
	out.EvaluationStatus = score.Status
	out.Recomputing = score.InFlight || score.Status == types.EvaluationPending
	return out, nil
}

// valueState derives the display state of one field.
func valueState(def *types.FieldDefinition, v *types.MetadataValue, pending *types.PendingChange) types.ValueState {
	switch {
	case pending != nil:
		return types.ValueStatePending
	case v == nil:
		if def.PopulationMode == types.PopulationManual {
			return types.ValueStateUnset
		}
		return types.ValueStateAwaitingAutomation
	case v.Value == nil:
		if v.Provenance == types.ProvenanceAutomatic {
			return types.ValueStateAwaitingAutomation
		}
		return types.ValueStateCleared
	}
	return types.ValueStateSet
}

// EditRequest is a human edit from the edit surface.
type EditRequest struct {
	AssetID        string
	FieldID        string
	Value          any
	Actor          string
	OverrideIntent bool

	// ExpectedVersion is the version the editor saw; nil skips the check.
	// Automatic candidates recorded under a human value do not move it.
	ExpectedVersion *int64
}

// EditResult holds exactly one of Applied or Pending.
type EditResult struct {
	Applied *types.MetadataValue `json:"applied,omitempty"`
	Pending *types.PendingChange `json:"pending,omitempty"`
}

// ProposeEdit applies an edit to an ungoverned field immediately and
// queues it for approval on a governed one.
func (s *Service) ProposeEdit(ctx context.Context, req EditRequest) (_ *EditResult, err error) {
	ctx, span := s.span(ctx, "propose_edit",
		attribute.String("asset.id", req.AssetID),
		attribute.String("field.id", req.FieldID),
		attribute.Bool("override_intent", req.OverrideIntent))
	defer func() { endSpan(span, err) }()

	if err := s.authorize(ctx, req.Actor, ActionEdit, req.AssetID); err != nil {
		return nil, err
	}
	def, err := s.Registry.Definition(ctx, req.FieldID)
	if err != nil {
		return nil, err
	}

	if def.Governed() {
		change, err := s.Queue.Propose(ctx, types.Proposal{
			AssetID:        req.AssetID,
			FieldID:        req.FieldID,
			Value:          req.Value,
			Source:         types.SourceHuman,
			Actor:          req.Actor,
			OverrideIntent: req.OverrideIntent,
		}, ProposeOptions{ExpectedVersion: req.ExpectedVersion})
		if err != nil {
			return nil, err
		}
		span.SetAttributes(attribute.String("change.id", change.ChangeID))
		return &EditResult{Pending: change}, nil
	}

	var applied *types.MetadataValue
	err = s.core.atomic(ctx, func(t *txn) error {
		applied, err = s.Resolver.applyHuman(ctx, t, def, types.CommitRequest{
			AssetID:         req.AssetID,
			FieldID:         req.FieldID,
			Value:           req.Value,
			Origin:          types.OriginHuman,
			Actor:           req.Actor,
			ExpectedVersion: req.ExpectedVersion,
		}, req.OverrideIntent, types.AuditApplied, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	return &EditResult{Applied: applied}, nil
}

// Approve resolves a pending change in favour of its value.
func (s *Service) Approve(ctx context.Context, changeID, approver string) (_ *Resolution, err error) {
	ctx, span := s.span(ctx, "approve", attribute.String("change.id", changeID))
	defer func() { endSpan(span, err) }()

	change, err := s.Queue.Get(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, approver, ActionApprove, change.AssetID); err != nil {
		return nil, err
	}
	return s.Workflow.Approve(ctx, changeID, approver)
}

// Reject closes a pending change without applying it.
func (s *Service) Reject(ctx context.Context, changeID, rejector, reason string) (_ *Resolution, err error) {
	ctx, span := s.span(ctx, "reject", attribute.String("change.id", changeID))
	defer func() { endSpan(span, err) }()

	change, err := s.Queue.Get(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, rejector, ActionReject, change.AssetID); err != nil {
		return nil, err
	}
	return s.Workflow.Reject(ctx, changeID, rejector, reason)
}

// RecordAutomatic stores a value computed by automation.
func (s *Service) RecordAutomatic(ctx context.Context, assetID, fieldID string, value any, producer string) (result *AutomaticResult, err error) {
	ctx, span := s.span(ctx, "record_automatic",
		attribute.String("asset.id", assetID), attribute.String("field.id", fieldID))
	defer func() {
		if result != nil {
			span.SetAttributes(attribute.String("automatic.outcome", string(result.Outcome)))
		}
		endSpan(span, err)
	}()
	return s.Resolver.RecordAutomatic(ctx, assetID, fieldID, value, producer)
}

// ClearOverride hands a hybrid field back to automation.
func (s *Service) ClearOverride(ctx context.Context, assetID, fieldID, actor string) (_ *types.MetadataValue, err error) {
	ctx, span := s.span(ctx, "clear_override",
		attribute.String("asset.id", assetID), attribute.String("field.id", fieldID))
	defer func() { endSpan(span, err) }()

	if err := s.authorize(ctx, actor, ActionClearOverride, assetID); err != nil {
		return nil, err
	}
	return s.Resolver.ClearOverride(ctx, assetID, fieldID, actor)
}

// RequestRescore asks for a compliance recomputation.
func (s *Service) RequestRescore(ctx context.Context, assetID, actor string) (_ types.RescoreStatus, err error) {
	ctx, span := s.span(ctx, "request_rescore", attribute.String("asset.id", assetID))
	defer func() { endSpan(span, err) }()

	if err := s.authorize(ctx, actor, ActionRescore, assetID); err != nil {
		return "", err
	}
	return s.Compliance.RequestRescore(ctx, assetID, actor)
}

// AcceptScore stores a score reported by an external scorer.
func (s *Service) AcceptScore(ctx context.Context, assetID string, generation int64, result types.ScoreResult) (bool, error) {
	return s.Compliance.AcceptScore(ctx, assetID, generation, result)
}

// Ingest queues an AI candidate as a suggestion.
func (s *Service) Ingest(ctx context.Context, c CandidateEvent) (*types.PendingChange, error) {
	return s.Ingestor.Ingest(ctx, c)
}

// IngestBatch queues candidates, reporting failures per item.
func (s *Service) IngestBatch(ctx context.Context, candidates []CandidateEvent) ([]IngestResult, error) {
	return s.Ingestor.IngestBatch(ctx, candidates)
}

// ListReviewQueue lists pending items across every review source.
func (s *Service) ListReviewQueue(ctx context.Context, filter ReviewFilter) ([]ReviewItem, error) {
	return s.Review.List(ctx, filter)
}

// ResolveReview approves or rejects an item of any registered kind.
func (s *Service) ResolveReview(ctx context.Context, kind, id, actor string, approve bool, reason string) error {
	if kind == KindMetadata {
		var err error
		if approve {
			_, err = s.Approve(ctx, id, actor)
		} else {
			_, err = s.Reject(ctx, id, actor, reason)
		}
		return err
	}
	action := ActionReject
	if approve {
		action = ActionApprove
	}
	if err := s.authorize(ctx, actor, action, ""); err != nil {
		return err
	}
	if approve {
		return s.Review.Approve(ctx, kind, id, actor)
	}
	return s.Review.Reject(ctx, kind, id, actor, reason)
}

// History lists terminal changes.
func (s *Service) History(ctx context.Context, filter types.ChangeFilter) ([]*types.PendingChange, error) {
	return s.Queue.History(ctx, filter)
}

// Audit lists audit entries.
func (s *Service) Audit(ctx context.Context, filter types.AuditFilter) ([]*types.AuditEntry, error) {
	return s.core.store.Audit().List(ctx, filter)
}

// Purge deletes terminal changes older than the retention window.
func (s *Service) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	return s.Queue.Purge(ctx, retention)
}
