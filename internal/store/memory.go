package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/gantry/pkg/schema"
)

// MemoryStore is a mutex-guarded in-memory Store. It mirrors the conditional
// update semantics of LibSQLStore and backs the engine and coordinator tests.
type MemoryStore struct {
	mu             sync.Mutex
	workflows      map[string]*Workflow
	definitions    map[string]*DefinitionRow
	executions     map[string]*Execution
	nodeExecutions map[string]*NodeExecution
	nodeOrder      []string
	approvals      map[string]*ApprovalRequest
	approvalOrder  []string
	wakes          map[string]*ScheduledWake
	audit          []*AuditEntry
	secrets        map[string][]byte
	nextAuditID    int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:      make(map[string]*Workflow),
		definitions:    make(map[string]*DefinitionRow),
		executions:     make(map[string]*Execution),
		nodeExecutions: make(map[string]*NodeExecution),
		approvals:      make(map[string]*ApprovalRequest),
		wakes:          make(map[string]*ScheduledWake),
		secrets:        make(map[string][]byte),
		nextAuditID:    1,
	}
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                      { return nil }

// --- Workflows ---

func (s *MemoryStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[wf.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s already exists", wf.ID)
	}
	cp := *wf
	cp.CreatedAt = timeOrNow(wf.CreatedAt)
	cp.UpdatedAt = timeOrNow(wf.UpdatedAt)
	s.workflows[wf.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	cp := *wf
	return &cp, nil
}

func (s *MemoryStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	if update.Name != nil {
		wf.Name = *update.Name
	}
	if update.Description != nil {
		wf.Description = *update.Description
	}
	if update.TriggerConfig != nil {
		wf.TriggerConfig = update.TriggerConfig
	}
	if update.IsPublished != nil {
		wf.IsPublished = *update.IsPublished
	}
	if update.DefinitionID != nil {
		wf.DefinitionID = *update.DefinitionID
	}
	if update.Version != nil {
		wf.Version = *update.Version
	}
	if update.Tags != nil {
		wf.Tags = update.Tags
	}
	wf.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Workflow
	for _, wf := range s.workflows {
		if filter.TeamID != "" && wf.TeamID != filter.TeamID {
			continue
		}
		if filter.Trigger != nil && wf.Trigger != *filter.Trigger {
			continue
		}
		if filter.IsPublished != nil && wf.IsPublished != *filter.IsPublished {
			continue
		}
		cp := *wf
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

// --- Definitions ---

func (s *MemoryStore) CreateDefinition(ctx context.Context, def *DefinitionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.definitions[def.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "definition %s already exists", def.ID)
	}
	cp := *def
	cp.CreatedAt = timeOrNow(def.CreatedAt)
	s.definitions[def.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDefinition(ctx context.Context, id string) (*DefinitionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.definitions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "definition %s not found", id)
	}
	cp := *def
	return &cp, nil
}

func (s *MemoryStore) ListDefinitions(ctx context.Context, workflowID string) ([]*DefinitionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*DefinitionRow
	for _, def := range s.definitions {
		if def.WorkflowID == workflowID {
			cp := *def
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

// --- Executions ---

func (s *MemoryStore) CreateExecution(ctx context.Context, ex *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[ex.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s already exists", ex.ID)
	}
	cp := *ex
	if cp.Context == nil {
		cp.Context = map[string]any{}
	} else {
		cp.Context = copyMap(ex.Context)
	}
	cp.TriggeredAt = timeOrNow(ex.TriggeredAt)
	cp.UpdatedAt = timeOrNow(ex.UpdatedAt)
	s.executions[ex.ID] = &cp
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.executions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
	}
	cp := *ex
	cp.Context = copyMap(ex.Context)
	return &cp, nil
}

func (s *MemoryStore) TransitionExecution(ctx context.Context, id string, from, to schema.ExecutionStatus, update ExecutionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.executions[id]
	if !ok || ex.Status != from {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s is no longer in status %s", id, from).
			WithDetails(map[string]any{"execution_id": id, "expected_status": string(from)})
	}
	ex.Status = to
	if update.Context != nil {
		ex.Context = copyMap(update.Context)
	}
	if update.Output != nil {
		ex.Output = update.Output
	}
	if update.CurrentNodeID != nil {
		ex.CurrentNodeID = *update.CurrentNodeID
	}
	if update.Error != nil {
		ex.Error = update.Error
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		ex.CompletedAt = &t
	}
	ex.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Execution
	for _, ex := range s.executions {
		if filter.WorkflowID != "" && ex.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && ex.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && ex.TriggeredAt.Before(*filter.Since) {
			continue
		}
		cp := *ex
		cp.Context = copyMap(ex.Context)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TriggeredAt.Equal(out[j].TriggeredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].TriggeredAt.After(out[j].TriggeredAt)
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

// --- Node executions ---

func (s *MemoryStore) CreateNodeExecution(ctx context.Context, ne *NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodeExecutions[ne.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "node execution %s already exists", ne.ID)
	}
	cp := *ne
	cp.StartedAt = timeOrNow(ne.StartedAt)
	s.nodeExecutions[ne.ID] = &cp
	s.nodeOrder = append(s.nodeOrder, ne.ID)
	return nil
}

func (s *MemoryStore) FinalizeNodeExecution(ctx context.Context, id string, update NodeExecutionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ne, ok := s.nodeExecutions[id]
	if !ok || ne.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "node execution %s is already finalized", id)
	}
	ne.Status = update.Status
	if update.Output != nil {
		ne.Output = update.Output
	}
	if update.Error != nil {
		ne.Error = update.Error
	}
	t := update.CompletedAt
	ne.CompletedAt = &t
	return nil
}

func (s *MemoryStore) GetOpenNodeExecution(ctx context.Context, executionID, nodeID string) (*NodeExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.nodeOrder) - 1; i >= 0; i-- {
		ne := s.nodeExecutions[s.nodeOrder[i]]
		if ne.ExecutionID == executionID && ne.NodeID == nodeID && !ne.Status.Terminal() {
			cp := *ne
			return &cp, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound,
		"no open node execution for execution %s node %s", executionID, nodeID)
}

func (s *MemoryStore) ListNodeExecutions(ctx context.Context, executionID string) ([]*NodeExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*NodeExecution
	for _, id := range s.nodeOrder {
		ne := s.nodeExecutions[id]
		if ne.ExecutionID == executionID {
			cp := *ne
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Approval requests ---

func (s *MemoryStore) CreateApproval(ctx context.Context, ar *ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.approvals[ar.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "approval request %s already exists", ar.ID)
	}
	cp := *ar
	cp.CreatedAt = timeOrNow(ar.CreatedAt)
	cp.Decisions = append([]ApprovalDecision(nil), ar.Decisions...)
	s.approvals[ar.ID] = &cp
	s.approvalOrder = append(s.approvalOrder, ar.ID)
	return nil
}

func (s *MemoryStore) GetApproval(ctx context.Context, id string) (*ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ar, ok := s.approvals[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "approval request %s not found", id)
	}
	cp := *ar
	cp.Decisions = append([]ApprovalDecision(nil), ar.Decisions...)
	return &cp, nil
}

func (s *MemoryStore) GetActiveApproval(ctx context.Context, executionID string) (*ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.approvalOrder) - 1; i >= 0; i-- {
		ar := s.approvals[s.approvalOrder[i]]
		if ar.ExecutionID == executionID && ar.Status == schema.ApprovalStatusPending {
			cp := *ar
			cp.Decisions = append([]ApprovalDecision(nil), ar.Decisions...)
			return &cp, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound,
		"no pending approval for execution %s", executionID)
}

func (s *MemoryStore) UpdateApprovalCAS(ctx context.Context, id string, expect schema.ApprovalStatus, expectVersion int, decisions []ApprovalDecision, status schema.ApprovalStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ar, ok := s.approvals[id]
	if !ok || ar.Status != expect || ar.Version != expectVersion {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"approval request %s changed since it was read (expected status %s, version %d)",
			id, expect, expectVersion)
	}
	ar.Decisions = append([]ApprovalDecision(nil), decisions...)
	ar.Status = status
	ar.Version++
	if status.Resolved() {
		t := time.Now().UTC()
		ar.ResolvedAt = &t
	}
	return nil
}

func (s *MemoryStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ApprovalRequest
	for _, id := range s.approvalOrder {
		ar := s.approvals[id]
		if filter.ExecutionID != "" && ar.ExecutionID != filter.ExecutionID {
			continue
		}
		if filter.Status != nil && ar.Status != *filter.Status {
			continue
		}
		if filter.ExpiresBefore != nil {
			if ar.ExpiresAt == nil || !ar.ExpiresAt.Before(*filter.ExpiresBefore) {
				continue
			}
		}
		cp := *ar
		cp.Decisions = append([]ApprovalDecision(nil), ar.Decisions...)
		out = append(out, &cp)
	}
	return paginate(out, filter.Limit, 0), nil
}

// --- Scheduled wakes ---

func (s *MemoryStore) CreateWake(ctx context.Context, w *ScheduledWake) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wakes[w.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "scheduled wake %s already exists", w.ID)
	}
	for _, existing := range s.wakes {
		if existing.ExecutionID == w.ExecutionID && existing.NodeID == w.NodeID && !existing.Fired {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"scheduled wake already exists for execution %s node %s", w.ExecutionID, w.NodeID)
		}
	}
	cp := *w
	cp.CreatedAt = timeOrNow(w.CreatedAt)
	s.wakes[w.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWake(ctx context.Context, executionID, nodeID string) (*ScheduledWake, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.wakes {
		if w.ExecutionID == executionID && w.NodeID == nodeID {
			cp := *w
			return &cp, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound,
		"no scheduled wake for execution %s node %s", executionID, nodeID)
}

func (s *MemoryStore) DueWakes(ctx context.Context, now time.Time) ([]*ScheduledWake, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ScheduledWake
	for _, w := range s.wakes {
		if !w.Fired && !w.WakeAt.After(now) {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WakeAt.Equal(out[j].WakeAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].WakeAt.Before(out[j].WakeAt)
	})
	return out, nil
}

func (s *MemoryStore) MarkWakeFired(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wakes[id]
	if !ok || w.Fired {
		return schema.NewErrorf(schema.ErrCodeConflict, "scheduled wake %s already fired", id)
	}
	w.Fired = true
	return nil
}

// --- Audit log ---

func (s *MemoryStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	cp.ID = s.nextAuditID
	s.nextAuditID++
	cp.Timestamp = timeOrNow(entry.Timestamp)
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *MemoryStore) ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if filter.TeamID != "" && e.TeamID != filter.TeamID {
			continue
		}
		if filter.ResourceType != "" && e.ResourceType != filter.ResourceType {
			continue
		}
		if filter.ResourceID != "" && e.ResourceID != filter.ResourceID {
			continue
		}
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return paginate(out, filter.Limit, 0), nil
}

// --- Secrets ---

func (s *MemoryStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.secrets[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %s not found", key)
	}
	return append([]byte(nil), value...), nil
}

func (s *MemoryStore) DeleteSecret(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[key]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "secret %s not found", key)
	}
	delete(s.secrets, key)
	return nil
}

func (s *MemoryStore) ListSecrets(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.secrets))
	for key := range s.secrets {
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

// --- Helpers ---

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*LibSQLStore)(nil)
