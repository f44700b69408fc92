package syncer

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"ucl/api/internal/events"
	"ucl/api/internal/store"
)

// ContextStore is the slice of the persistence layer the sync service
// needs to resolve targets and apply insight merges.
type ContextStore interface {
	GetGlobalContextByProject(ctx context.Context, projectID string) (store.GlobalContext, error)
	GetPlatformContextByType(ctx context.Context, projectID, platformType string) (store.PlatformContext, error)
	ListPlatformContexts(ctx context.Context, projectID string) ([]store.PlatformContext, error)
	UpdatePlatformContext(ctx context.Context, pc *store.PlatformContext) error
}

// Invalidator drops cached context entries after the sync service has
// written through to the store.
type Invalidator interface {
	InvalidateGlobalContext(ctx context.Context, projectID string)
	InvalidatePlatform(ctx context.Context, projectID, platformType string)
}

// Notifier fans sync outcomes out to live event subscribers.
type Notifier interface {
	NotifyGlobalContextUpdated(projectID string, changes map[string]any, sourcePlatform string)
	NotifyPlatformContextUpdated(projectID, platformType, contextID string, changes map[string]any)
	NotifyNewInsightsAvailable(projectID string, insights map[string]any, sourcePlatform string)
	NotifyDomainContextUpdated(projectID, domainType string, changes map[string]any)
	BroadcastToPlatform(platformType string, event events.Event)
}

// activePlatformWindow bounds how far back a platform context's last
// update may be for the platform to still count as a sync target.
const activePlatformWindow = 24 * time.Hour

const intakeQueueSize = 256

// Service propagates context changes between AI platforms. Producers
// hand changes in through an intake channel; a single loop goroutine
// owns the pending work, batches it per project and applies the
// propagation rules for each change type. Changes whose confidence
// falls below the policy threshold are parked for manual approval
// instead of being applied.
type Service struct {
	store  ContextStore
	cache  Invalidator
	events Notifier
	policy Policy

	// notifyPlatform pushes one change to one target platform. Tests
	// replace it to observe or fail individual deliveries.
	notifyPlatform func(ctx context.Context, change *Change, platformType string) error

	intake chan *Change

	mu        sync.Mutex
	pending   map[string]int
	approvals []*Change
	lastSync  time.Time
	running   bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService wires a sync service. cache may be nil when no Redis
// instance is configured.
func NewService(st ContextStore, cache Invalidator, notifier Notifier, policy Policy) *Service {
	s := &Service{
		store:   st,
		cache:   cache,
		events:  notifier,
		policy:  policy,
		intake:  make(chan *Change, intakeQueueSize),
		pending: make(map[string]int),
	}
	s.notifyPlatform = s.broadcastToPlatform
	return s
}

// SetPlatformNotifier overrides the per-platform delivery hook.
func (s *Service) SetPlatformNotifier(fn func(ctx context.Context, change *Change, platformType string) error) {
	s.notifyPlatform = fn
}

// Start launches the propagation loop. Calling Start on a running
// service is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.run(runCtx)
	log.Printf("sync: service started, poll interval %s", s.policy.PollInterval)
}

// Stop cancels the loop and waits for it to drain.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	log.Printf("sync: service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)
	for {
		if batch := s.drain(); len(batch) > 0 {
			if err := s.processBatch(ctx, batch); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("sync: batch failed: %v", err)
				if !sleepCtx(ctx, s.policy.ErrorBackoff) {
					return
				}
				continue
			}
		}
		s.mu.Lock()
		s.lastSync = time.Now().UTC()
		s.mu.Unlock()
		if !sleepCtx(ctx, s.policy.PollInterval) {
			return
		}
	}
}

// drain empties the intake channel without blocking.
func (s *Service) drain() []*Change {
	var batch []*Change
	for {
		select {
		case c := <-s.intake:
			batch = append(batch, c)
		default:
			return batch
		}
	}
}

// processBatch groups changes by project, preserving arrival order
// within each group, and applies them one at a time. A change that
// fails is logged and skipped so the rest of the batch still lands.
func (s *Service) processBatch(ctx context.Context, batch []*Change) error {
	var order []string
	byProject := make(map[string][]*Change)
	for _, c := range batch {
		if _, ok := byProject[c.ProjectID]; !ok {
			order = append(order, c.ProjectID)
		}
		byProject[c.ProjectID] = append(byProject[c.ProjectID], c)
	}

	for _, projectID := range order {
		for _, c := range byProject[projectID] {
			if err := ctx.Err(); err != nil {
				return err
			}
			if c.RequiresApproval() {
				s.parkForApproval(c)
				continue
			}
			if err := s.propagate(ctx, c); err != nil {
				log.Printf("sync: change %s (%s) failed: %v", c.ID, c.Type, err)
			}
		}
	}

	s.mu.Lock()
	for projectID, group := range byProject {
		s.pending[projectID] -= len(group)
		if s.pending[projectID] <= 0 {
			delete(s.pending, projectID)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *Service) parkForApproval(c *Change) {
	s.mu.Lock()
	s.approvals = append(s.approvals, c)
	s.mu.Unlock()
	log.Printf("sync: change %s held for approval, confidence %.2f below %.2f",
		c.ID, c.Confidence, s.policy.RequireApprovalThreshold)
}

// PendingApprovals returns the changes waiting on a human decision.
func (s *Service) PendingApprovals() []*Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Change, len(s.approvals))
	copy(out, s.approvals)
	return out
}

func (s *Service) propagate(ctx context.Context, c *Change) error {
	switch c.Type {
	case GlobalUpdated:
		s.propagateGlobal(ctx, c)
	case InsightsMerged:
		s.propagateInsights(ctx, c)
	case DomainUpdated:
		s.propagateDomain(ctx, c)
	case PlatformUpdated, PreferencesLearned:
		// Platform-local changes carry no cross-platform payload;
		// subscribers still hear about them below.
	}
	s.notifySubscribers(c)
	return nil
}

func (s *Service) propagateGlobal(ctx context.Context, c *Change) {
	for _, target := range c.TargetPlatforms {
		if err := s.notifyPlatform(ctx, c, target); err != nil {
			log.Printf("sync: notify %s of %s: %v", target, c.ID, err)
			continue
		}
		c.markPropagated(target)
	}
	log.Printf("sync: global change %s propagated to %d/%d platforms",
		c.ID, len(c.PropagatedTo), len(c.TargetPlatforms))
}

// propagateInsights adapts the insight set for each target platform
// and merges it into the target's shared_insights bucket.
func (s *Service) propagateInsights(ctx context.Context, c *Change) {
	if c.Insights == nil || c.Insights.Empty() {
		return
	}
	for _, target := range c.TargetPlatforms {
		pc, err := s.store.GetPlatformContextByType(ctx, c.ProjectID, target)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			log.Printf("sync: load %s context for %s: %v", target, c.ID, err)
			continue
		}

		adapted := AdaptInsightsForPlatform(c.Insights, target, c.SourcePlatform)
		if len(adapted) == 0 {
			continue
		}

		if pc.PlatformSpecificData == nil {
			pc.PlatformSpecificData = make(map[string]any)
		}
		shared, _ := pc.PlatformSpecificData["shared_insights"].(map[string]any)
		if shared == nil {
			shared = make(map[string]any)
		}
		for k, v := range adapted {
			shared[k] = v
		}
		pc.PlatformSpecificData["shared_insights"] = shared

		if err := s.store.UpdatePlatformContext(ctx, &pc); err != nil {
			log.Printf("sync: merge insights into %s for %s: %v", target, c.ID, err)
			continue
		}
		if s.cache != nil {
			s.cache.InvalidatePlatform(ctx, c.ProjectID, target)
		}
		c.markPropagated(target)
	}
	log.Printf("sync: insights %s shared with %d/%d platforms",
		c.ID, len(c.PropagatedTo), len(c.TargetPlatforms))
}

func (s *Service) propagateDomain(ctx context.Context, c *Change) {
	for _, target := range c.TargetPlatforms {
		if err := s.notifyPlatform(ctx, c, target); err != nil {
			log.Printf("sync: notify %s of %s: %v", target, c.ID, err)
			continue
		}
		c.markPropagated(target)
	}
}

// broadcastToPlatform is the default per-platform delivery: an event
// on the target platform's subscription queue.
func (s *Service) broadcastToPlatform(_ context.Context, c *Change, platformType string) error {
	event := events.Event{
		ProjectID:      c.ProjectID,
		SourcePlatform: c.SourcePlatform,
		Changes:        c.Changes,
		Timestamp:      time.Now().UTC(),
	}
	switch c.Type {
	case GlobalUpdated:
		event.Type = events.TypeGlobalContextUpdated
	case DomainUpdated:
		event.Type = events.TypeDomainContextUpdated
		event.DomainType = c.DomainType
	default:
		event.Type = events.TypePlatformContextUpdated
	}
	s.events.BroadcastToPlatform(platformType, event)
	return nil
}

// notifySubscribers emits the project-scoped event for a processed
// change.
func (s *Service) notifySubscribers(c *Change) {
	switch c.Type {
	case GlobalUpdated:
		s.events.NotifyGlobalContextUpdated(c.ProjectID, c.Changes, c.SourcePlatform)
	case InsightsMerged:
		var insights map[string]any
		if c.Insights != nil {
			insights = c.Insights.ToMap()
		}
		s.events.NotifyNewInsightsAvailable(c.ProjectID, insights, c.SourcePlatform)
	case DomainUpdated:
		s.events.NotifyDomainContextUpdated(c.ProjectID, c.DomainType, c.Changes)
	case PlatformUpdated, PreferencesLearned:
		s.events.NotifyPlatformContextUpdated(c.ProjectID, c.SourcePlatform, "", c.Changes)
	}
}

// OnGlobalContextChanged queues a GLOBAL_UPDATED change for every
// currently active platform.
func (s *Service) OnGlobalContextChanged(ctx context.Context, projectID string, changes map[string]any, sourcePlatform string) error {
	if !s.policy.AutoSyncGlobal {
		return nil
	}
	if sourcePlatform == "" {
		sourcePlatform = "system"
	}
	targets, err := s.activePlatforms(ctx, projectID, "")
	if err != nil {
		return err
	}
	c := newChange(GlobalUpdated, projectID, sourcePlatform)
	c.Changes = changes
	c.TargetPlatforms = targets
	return s.enqueue(ctx, c)
}

// OnPlatformContextChanged queues the platform-local change and, when
// the policy allows it and propagateInsights is set, extracts any
// shareable insights into a second INSIGHTS_MERGED change targeting
// every other active platform.
func (s *Service) OnPlatformContextChanged(ctx context.Context, projectID, platformType string, changes map[string]any, propagateInsights bool) error {
	c := newChange(PlatformUpdated, projectID, platformType)
	c.Changes = changes
	if err := s.enqueue(ctx, c); err != nil {
		return err
	}

	if !propagateInsights || !s.policy.AutoMergeInsights {
		return nil
	}
	set := ExtractInsights(changes, platformType)
	if set == nil || set.Empty() {
		return nil
	}
	targets, err := s.activePlatforms(ctx, projectID, platformType)
	if err != nil {
		return err
	}
	ic := newChange(InsightsMerged, projectID, platformType)
	ic.Insights = set
	ic.TargetPlatforms = targets
	ic.Confidence = ConfidenceScore(set, platformType)
	return s.enqueue(ctx, ic)
}

// OnDomainContextChanged queues a DOMAIN_UPDATED change for every
// active platform.
func (s *Service) OnDomainContextChanged(ctx context.Context, projectID, domainType string, changes map[string]any) error {
	targets, err := s.activePlatforms(ctx, projectID, "")
	if err != nil {
		return err
	}
	c := newChange(DomainUpdated, projectID, "system")
	c.DomainType = domainType
	c.Changes = changes
	c.TargetPlatforms = targets
	return s.enqueue(ctx, c)
}

// ForceSyncProject re-emits the project's current global context as a
// synthetic change and re-extracts insights from every platform
// context, then reports how much work was queued.
func (s *Service) ForceSyncProject(ctx context.Context, projectID string) (int, error) {
	queued := 0

	gc, err := s.store.GetGlobalContextByProject(ctx, projectID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}
	if err == nil {
		changes := map[string]any{
			"shared_knowledge":   gc.SharedKnowledge,
			"shared_conventions": gc.SharedConventions,
			"common_patterns":    gc.CommonPatterns,
		}
		if err := s.OnGlobalContextChanged(ctx, projectID, changes, "manual_sync"); err != nil {
			return queued, err
		}
		queued++
	}

	platforms, err := s.store.ListPlatformContexts(ctx, projectID)
	if err != nil {
		return queued, err
	}
	for _, pc := range platforms {
		source := map[string]any{
			"learned_preferences": pc.LearnedPreferences,
			"performance_metrics": pc.PerformanceMetrics,
			"interaction_history": pc.InteractionHistory,
		}
		set := ExtractInsights(source, pc.PlatformType)
		if set == nil || set.Empty() {
			continue
		}
		targets, err := s.activePlatforms(ctx, projectID, pc.PlatformType)
		if err != nil {
			return queued, err
		}
		ic := newChange(InsightsMerged, projectID, pc.PlatformType)
		ic.Insights = set
		ic.TargetPlatforms = targets
		ic.Confidence = ConfidenceScore(set, pc.PlatformType)
		if err := s.enqueue(ctx, ic); err != nil {
			return queued, err
		}
		queued++
	}

	log.Printf("sync: force sync queued %d changes for project %s", queued, projectID)
	return queued, nil
}

// Status reports the sync state for one project.
func (s *Service) Status(ctx context.Context, projectID string) (Status, error) {
	platforms, err := s.activePlatforms(ctx, projectID, "")
	if err != nil {
		return Status{}, err
	}
	s.mu.Lock()
	pending := s.pending[projectID]
	lastSync := s.lastSync
	s.mu.Unlock()
	return Status{
		ProjectID:       projectID,
		ActivePlatforms: platforms,
		PendingChanges:  pending,
		Policy: map[string]any{
			"auto_sync_global_context": s.policy.AutoSyncGlobal,
			"auto_merge_insights":      s.policy.AutoMergeInsights,
			"require_approval_below":   s.policy.RequireApprovalThreshold,
			"max_batch_size":           s.policy.MaxBatchSize,
		},
		LastSync: lastSync,
	}, nil
}

func (s *Service) enqueue(ctx context.Context, c *Change) error {
	c.requiresApproval = c.Confidence < s.policy.RequireApprovalThreshold
	select {
	case s.intake <- c:
		s.mu.Lock()
		s.pending[c.ProjectID]++
		s.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// activePlatforms lists platform types whose context was touched
// within the active window, excluding at most one source platform.
func (s *Service) activePlatforms(ctx context.Context, projectID, exclude string) ([]string, error) {
	contexts, err := s.store.ListPlatformContexts(ctx, projectID)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-activePlatformWindow)
	var active []string
	for _, pc := range contexts {
		if pc.PlatformType == exclude {
			continue
		}
		if pc.LastUpdated.Before(cutoff) {
			continue
		}
		active = append(active, pc.PlatformType)
	}
	return active, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
