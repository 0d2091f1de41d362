// Package status tracks the federation's long-running asynchronous
// operations: new-family allocations resolving a client retry token,
// primary promotions, elections, and history replays onboarding a
// fresh backup. The router's and peer's HTTP status surfaces read the
// active set and history from here.
package status

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/replicafed/replicafed/pkg/errors"
	"github.com/replicafed/replicafed/pkg/health"
)

var opIDCounter uint64

// The operation types the federation runs. Everything tracked is one
// of these; the typed Start helpers below seed the right metadata for
// each.
const (
	OpTypeAllocation = "family_allocation"
	OpTypePromotion  = "primary_promotion"
	OpTypeElection   = "election"
	OpTypeReplay     = "history_replay"
)

// OperationStatus represents the status of a long-running operation
type OperationStatus int

const (
	// StatusPending indicates the operation has been queued but not started
	StatusPending OperationStatus = iota

	// StatusInProgress indicates the operation is currently executing
	StatusInProgress

	// StatusCompleted indicates the operation completed successfully
	StatusCompleted

	// StatusFailed indicates the operation failed
	StatusFailed

	// StatusCanceled indicates the operation was canceled
	StatusCanceled
)

// String returns the string representation of an operation status
func (s OperationStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Operation represents a tracked operation with progress reporting
type Operation struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Status    OperationStatus        `json:"status"`
	Progress  *Progress              `json:"progress,omitempty"`
	StartTime time.Time              `json:"start_time"`
	EndTime   *time.Time             `json:"end_time,omitempty"`
	Error     *errors.FedError       `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`

	mu         sync.RWMutex
	cancelFunc context.CancelFunc
}

// Progress tracks the progress of an operation. For a history replay,
// Current/Total count replayed operation records.
type Progress struct {
	Current    int64          `json:"current"`
	Total      int64          `json:"total"`
	Unit       string         `json:"unit"`
	Percentage float64        `json:"percentage"`
	Rate       float64        `json:"rate,omitempty"`  // items per second
	ETA        *time.Duration `json:"eta,omitempty"`   // estimated time to completion
	Phase      string         `json:"phase,omitempty"` // current phase of operation

	mu          sync.RWMutex
	lastUpdate  time.Time
	lastCurrent int64
}

// Tracker tracks all operations and provides status information
type Tracker struct {
	mu            sync.RWMutex
	operations    map[string]*Operation
	history       []*Operation
	maxHistory    int
	healthTracker *health.Tracker
}

// TrackerConfig configures operation tracking behavior
type TrackerConfig struct {
	MaxHistorySize int             `json:"max_history_size"`
	HealthTracker  *health.Tracker `json:"-"`
}

// DefaultTrackerConfig returns default configuration
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MaxHistorySize: 1000,
	}
}

// NewTracker creates a new operation tracker
func NewTracker(config TrackerConfig) *Tracker {
	if config.MaxHistorySize <= 0 {
		config.MaxHistorySize = 1000
	}

	return &Tracker{
		operations:    make(map[string]*Operation),
		history:       make([]*Operation, 0, config.MaxHistorySize),
		maxHistory:    config.MaxHistorySize,
		healthTracker: config.HealthTracker,
	}
}

// StartOperation creates and starts tracking a new operation
func (t *Tracker) StartOperation(ctx context.Context, opType string, metadata map[string]interface{}) (*Operation, context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	opCtx, cancel := context.WithCancel(ctx)

	op := &Operation{
		ID:         generateOperationID(opType),
		Type:       opType,
		Status:     StatusInProgress,
		StartTime:  time.Now(),
		Metadata:   metadata,
		cancelFunc: cancel,
	}

	t.operations[op.ID] = op

	return op, opCtx
}

// StartAllocation tracks a new-family allocation. The prospective
// family id doubles as the client's retry token, so the operation is
// what the router consults to answer "is token N ready yet".
func (t *Tracker) StartAllocation(familyID int) *Operation {
	op, _ := t.StartOperation(context.Background(), OpTypeAllocation, map[string]interface{}{
		"family_id": familyID,
		"token":     familyID,
	})
	return op
}

// StartPromotion tracks a backup-to-primary takeover.
func (t *Tracker) StartPromotion(familyID int, self string) *Operation {
	op, _ := t.StartOperation(context.Background(), OpTypePromotion, map[string]interface{}{
		"family_id": familyID,
		"self":      self,
	})
	return op
}

// StartElection tracks one election walk over a family's candidates.
func (t *Tracker) StartElection(familyID int, initiator string) *Operation {
	op, _ := t.StartOperation(context.Background(), OpTypeElection, map[string]interface{}{
		"family_id": familyID,
		"initiator": initiator,
	})
	return op
}

// StartReplay tracks a full-history replay onto a freshly onboarded
// backup, with progress pre-seeded so each replayed record advances
// Current toward the history length.
func (t *Tracker) StartReplay(target string, records int) *Operation {
	op, _ := t.StartOperation(context.Background(), OpTypeReplay, map[string]interface{}{
		"target": target,
	})
	op.mu.Lock()
	op.Progress = &Progress{
		Total:      int64(records),
		Unit:       "records",
		lastUpdate: time.Now(),
	}
	op.mu.Unlock()
	return op
}

// ActiveOfType counts in-flight operations of one type, e.g.
// ActiveOfType(OpTypeAllocation) for provisioning pressure.
func (t *Tracker) ActiveOfType(opType string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, op := range t.operations {
		if op.Type == opType {
			n++
		}
	}
	return n
}

// UpdateProgress updates the progress of an operation
func (t *Tracker) UpdateProgress(opID string, current, total int64, unit string) error {
	t.mu.RLock()
	op, exists := t.operations[opID]
	t.mu.RUnlock()

	if !exists {
		return errors.New(errors.ErrCodeNotFound, "operation not found").
			WithContext("operation_id", opID)
	}

	op.mu.Lock()
	defer op.mu.Unlock()

	if op.Progress == nil {
		op.Progress = &Progress{
			Unit:       unit,
			lastUpdate: time.Now(),
		}
	}

	op.Progress.Update(current, total)

	return nil
}

// SetPhase sets the current phase of an operation
func (t *Tracker) SetPhase(opID string, phase string) error {
	t.mu.RLock()
	op, exists := t.operations[opID]
	t.mu.RUnlock()

	if !exists {
		return errors.New(errors.ErrCodeNotFound, "operation not found").
			WithContext("operation_id", opID)
	}

	op.mu.Lock()
	defer op.mu.Unlock()

	if op.Progress == nil {
		op.Progress = &Progress{}
	}

	op.Progress.Phase = phase

	return nil
}

// CompleteOperation marks an operation as completed
func (t *Tracker) CompleteOperation(opID string) error {
	return t.finish(opID, StatusCompleted, nil)
}

// FailOperation marks an operation as failed
func (t *Tracker) FailOperation(opID string, err error) error {
	return t.finish(opID, StatusFailed, err)
}

// CancelOperation cancels an operation
func (t *Tracker) CancelOperation(opID string) error {
	return t.finish(opID, StatusCanceled, nil)
}

// finish retires an operation into history with a terminal status.
func (t *Tracker) finish(opID string, terminal OperationStatus, cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, exists := t.operations[opID]
	if !exists {
		return errors.New(errors.ErrCodeNotFound, "operation not found").
			WithContext("operation_id", opID)
	}

	op.mu.Lock()

	op.Status = terminal
	now := time.Now()
	op.EndTime = &now

	if cause != nil {
		if fedErr, ok := cause.(*errors.FedError); ok {
			op.Error = fedErr
		} else {
			op.Error = errors.New(errors.ErrCodeConflict, cause.Error())
		}
	}

	if op.cancelFunc != nil {
		op.cancelFunc()
	}
	op.mu.Unlock()

	t.moveToHistory(op)
	delete(t.operations, opID)

	return nil
}

// GetOperation returns an operation by ID
func (t *Tracker) GetOperation(opID string) (*Operation, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	op, exists := t.operations[opID]
	if !exists {
		return nil, errors.New(errors.ErrCodeNotFound, "operation not found").
			WithContext("operation_id", opID)
	}

	return op.Copy(), nil
}

// GetAllOperations returns all active operations
func (t *Tracker) GetAllOperations() []*Operation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ops := make([]*Operation, 0, len(t.operations))
	for _, op := range t.operations {
		ops = append(ops, op.Copy())
	}

	return ops
}

// GetHistory returns operation history
func (t *Tracker) GetHistory(limit int) []*Operation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > len(t.history) {
		limit = len(t.history)
	}

	result := make([]*Operation, limit)
	copy(result, t.history[:limit])

	return result
}

// GetSystemStatus returns overall system status including health
func (t *Tracker) GetSystemStatus() *SystemStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	status := &SystemStatus{
		Timestamp:        time.Now(),
		ActiveOps:        len(t.operations),
		OperationsByType: make(map[string]int),
	}

	for _, op := range t.operations {
		status.OperationsByType[op.Type]++
	}

	if t.healthTracker != nil {
		status.HealthState = t.healthTracker.GetOverallHealth()
		status.ComponentHealth = t.healthTracker.GetAllComponents()
	}

	return status
}

// SystemStatus represents the overall system status
type SystemStatus struct {
	Timestamp        time.Time                          `json:"timestamp"`
	ActiveOps        int                                `json:"active_operations"`
	OperationsByType map[string]int                     `json:"operations_by_type"`
	HealthState      health.HealthState                 `json:"health_state"`
	ComponentHealth  map[string]*health.ComponentHealth `json:"component_health,omitempty"`
}

// moveToHistory moves an operation to history (must be called with lock held)
func (t *Tracker) moveToHistory(op *Operation) {
	t.history = append([]*Operation{op.Copy()}, t.history...)
	if len(t.history) > t.maxHistory {
		t.history = t.history[:t.maxHistory]
	}
}

// Copy creates a deep copy of an operation
func (o *Operation) Copy() *Operation {
	o.mu.RLock()
	defer o.mu.RUnlock()

	copy := &Operation{
		ID:        o.ID,
		Type:      o.Type,
		Status:    o.Status,
		StartTime: o.StartTime,
		EndTime:   o.EndTime,
		Error:     o.Error,
		Metadata:  make(map[string]interface{}),
	}

	for k, v := range o.Metadata {
		copy.Metadata[k] = v
	}

	if o.Progress != nil {
		copy.Progress = o.Progress.Copy()
	}

	return copy
}

// Update updates progress metrics
func (p *Progress) Update(current, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()

	p.Current = current
	p.Total = total

	if total > 0 {
		p.Percentage = float64(current) / float64(total) * 100
	}

	// Calculate rate
	if !p.lastUpdate.IsZero() && current > p.lastCurrent {
		elapsed := now.Sub(p.lastUpdate).Seconds()
		if elapsed > 0 {
			p.Rate = float64(current-p.lastCurrent) / elapsed
		}

		// Calculate ETA
		if p.Rate > 0 && total > current {
			remaining := total - current
			etaSeconds := float64(remaining) / p.Rate
			eta := time.Duration(etaSeconds) * time.Second
			p.ETA = &eta
		}
	}

	p.lastUpdate = now
	p.lastCurrent = current
}

// Copy creates a deep copy of progress
func (p *Progress) Copy() *Progress {
	p.mu.RLock()
	defer p.mu.RUnlock()

	copy := &Progress{
		Current:     p.Current,
		Total:       p.Total,
		Unit:        p.Unit,
		Percentage:  p.Percentage,
		Rate:        p.Rate,
		Phase:       p.Phase,
		lastUpdate:  p.lastUpdate,
		lastCurrent: p.lastCurrent,
	}

	if p.ETA != nil {
		eta := *p.ETA
		copy.ETA = &eta
	}

	return copy
}

// shortTypePrefix maps an operation type to the short id prefix human
// operators see in /status/operations URLs.
func shortTypePrefix(opType string) string {
	switch opType {
	case OpTypeAllocation:
		return "alloc"
	case OpTypePromotion:
		return "promo"
	case OpTypeElection:
		return "elect"
	case OpTypeReplay:
		return "replay"
	default:
		return "op"
	}
}

// generateOperationID generates a unique, type-prefixed operation ID
func generateOperationID(opType string) string {
	counter := atomic.AddUint64(&opIDCounter, 1)
	return fmt.Sprintf("%s-%d-%d", shortTypePrefix(opType), time.Now().Unix(), counter)
}
