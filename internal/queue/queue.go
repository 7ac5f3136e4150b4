// Package queue implements the Queue Manager (C3): the mutable,
// lock-guarded state that answers "which jobs may start now?" and
// propagates dependency-failure cascades. Grounded on the teacher's
// map-plus-mutex job bookkeeping idiom (job-queue example in the
// retrieval pack) generalized to five disjoint status sets and a
// condition-variable completion signal rather than priority channels.
package queue

import (
	"sync"
	"time"

	"github.com/rezkam/flowrunner/internal/domain"
)

const reasonDependencyFailed = "dependency failed"

// Manager is the C3 Queue Manager for one attempt. One Manager is
// created per attempt and discarded when the attempt finishes.
type Manager struct {
	mu sync.Mutex

	specs map[string]domain.JobSpec
	order []string            // job ids in declaration order
	deps  map[string][]string // job id -> dependency ids
	rdeps map[string][]string // job id -> ids that depend on it

	queued    map[string]bool
	active    map[string]bool
	completed map[string]bool // terminal-successful (incl. skip-seeded)
	failed    map[string]bool
	skipped   map[string]bool

	failedReasons map[string]string
	readyQueue    []string

	cond *sync.Cond
}

// New builds a Manager for the given job specs, indexed by JobSpec.ID.
func New(specs []domain.JobSpec) *Manager {
	m := &Manager{
		specs:         make(map[string]domain.JobSpec, len(specs)),
		deps:          make(map[string][]string, len(specs)),
		rdeps:         make(map[string][]string, len(specs)),
		queued:        make(map[string]bool),
		active:        make(map[string]bool),
		completed:     make(map[string]bool),
		failed:        make(map[string]bool),
		skipped:       make(map[string]bool),
		failedReasons: make(map[string]string),
	}
	m.cond = sync.NewCond(&m.mu)
	for _, s := range specs {
		m.specs[s.ID] = s
		m.order = append(m.order, s.ID)
		m.deps[s.ID] = s.Dependencies
		for _, d := range s.Dependencies {
			m.rdeps[d] = append(m.rdeps[d], s.ID)
		}
	}
	return m
}

// Seed implements seed(skip_set): jobs in skipSet are treated as
// satisfied dependencies (added to completed); every remaining job whose
// dependencies are all satisfied becomes ready, in declaration order.
func (m *Manager) Seed(skipSet map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range skipSet {
		if _, ok := m.specs[id]; ok {
			m.completed[id] = true
		}
	}
	for _, id := range m.order {
		if m.completed[id] || m.skipped[id] {
			continue
		}
		if m.depsSatisfiedLocked(id) {
			m.queued[id] = true
			m.readyQueue = append(m.readyQueue, id)
		}
	}
}

func (m *Manager) depsSatisfiedLocked(id string) bool {
	for _, d := range m.deps[id] {
		if !m.completed[d] && !m.skipped[d] {
			return false
		}
	}
	return true
}

// PopReady removes and returns one id from ready_queue, moving it to
// active. Returns ok=false if ready_queue is empty.
func (m *Manager) PopReady() (id string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.readyQueue) == 0 {
		return "", false
	}
	id = m.readyQueue[0]
	m.readyQueue = m.readyQueue[1:]
	delete(m.queued, id)
	m.active[id] = true
	return id, true
}

// PopReadyN pops up to n ready ids, moving each to active. The
// orchestrator's strategies pop one id at a time via PopReady instead.
func (m *Manager) PopReadyN(n int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > len(m.readyQueue) {
		n = len(m.readyQueue)
	}
	ids := append([]string(nil), m.readyQueue[:n]...)
	m.readyQueue = m.readyQueue[n:]
	for _, id := range ids {
		delete(m.queued, id)
		m.active[id] = true
	}
	return ids
}

// MarkComplete implements mark_complete(job_id, status): moves job_id out
// of active into the terminal set matching status, signals waiters, and
// propagates SKIPPED to dependents whose dependency set includes a
// member of failed.
func (m *Manager) MarkComplete(jobID string, status domain.JobStatus, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markCompleteLocked(jobID, status, reason)
	m.cond.Broadcast()
}

func (m *Manager) markCompleteLocked(jobID string, status domain.JobStatus, reason string) {
	delete(m.active, jobID)
	delete(m.queued, jobID)

	switch {
	case status.IsTerminalSuccess():
		m.completed[jobID] = true
	case status == domain.JobSkipped:
		m.skipped[jobID] = true
		if reason != "" {
			m.failedReasons[jobID] = reason
		}
	default:
		m.failed[jobID] = true
		if reason != "" {
			m.failedReasons[jobID] = reason
		}
	}

	for _, dependent := range m.rdeps[jobID] {
		m.propagateLocked(dependent)
	}
}

// propagateLocked classifies dependent as SKIPPED (transitively) if any
// of its dependencies are failed; failure wins over a concurrently
// satisfied success path. Otherwise, if all its dependencies are now
// satisfied, it becomes ready.
func (m *Manager) propagateLocked(id string) {
	if m.completed[id] || m.failed[id] || m.skipped[id] || m.active[id] {
		return
	}
	if m.anyDependencyFailedLocked(id) {
		m.skipped[id] = true
		m.failedReasons[id] = reasonDependencyFailed
		delete(m.queued, id)
		m.removeFromReadyQueueLocked(id)
		for _, dependent := range m.rdeps[id] {
			m.propagateLocked(dependent)
		}
		return
	}
	if !m.queued[id] && m.depsSatisfiedLocked(id) {
		m.queued[id] = true
		m.readyQueue = append(m.readyQueue, id)
	}
}

// anyDependencyFailedLocked reports whether any dependency of id is in
// failed or skipped. Skip-seeded jobs (Seed's skip_set) are placed in
// completed, never in skipped, so every member of skipped here is a
// dependency-failure cascade — failure wins over a concurrently
// satisfied success path.
func (m *Manager) anyDependencyFailedLocked(id string) bool {
	for _, d := range m.deps[id] {
		if m.failed[d] || m.skipped[d] {
			return true
		}
	}
	return false
}

func (m *Manager) removeFromReadyQueueLocked(id string) {
	for i, q := range m.readyQueue {
		if q == id {
			m.readyQueue = append(m.readyQueue[:i], m.readyQueue[i+1:]...)
			return
		}
	}
}

// WaitForCompletion blocks, with no timeout, until the next broadcast
// after the call: from MarkComplete, AbortDrain or Broadcast. Grounded on the spec's
// completion_signal condition variable, implemented with sync.Cond since
// the Manager already serializes all access through mu.
func (m *Manager) WaitForCompletion() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cond.Wait()
}

// Broadcast wakes any goroutine blocked in WaitForCompletion without a
// state change; used by the orchestrator to unblock a wait on shutdown.
func (m *Manager) Broadcast() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cond.Broadcast()
}

// WaitForCompletionTimeout blocks until MarkComplete signals or timeout
// elapses, per §4.6.2's "wait on completion_signal with a short timeout
// (to bound latency)". sync.Cond has no native timeout, so the wait runs
// in its own goroutine; if the timeout fires first that goroutine stays
// blocked until the next Broadcast, a bounded leak of at most one
// goroutine per timed-out wait.
func (m *Manager) WaitForCompletionTimeout(d time.Duration) {
	done := make(chan struct{})
	go func() {
		m.WaitForCompletion()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
	}
}

// HasReady reports whether ready_queue is non-empty.
func (m *Manager) HasReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.readyQueue) > 0
}

// HasActive reports whether any job is currently active.
func (m *Manager) HasActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active) > 0
}

// Pending returns the ids that are neither completed, failed, skipped,
// active, nor queued/ready — i.e. still awaiting their dependencies.
func (m *Manager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []string
	for id := range m.specs {
		if m.completed[id] || m.failed[id] || m.skipped[id] || m.active[id] || m.queued[id] {
			continue
		}
		pending = append(pending, id)
	}
	return pending
}

// AbortDrain marks every PENDING and QUEUED job as SKIPPED with the
// given reason, draining ready_queue. Used on interrupt or on
// continue_on_error=false abort.
func (m *Manager) AbortDrain(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.readyQueue {
		m.skipped[id] = true
		m.failedReasons[id] = reason
		delete(m.queued, id)
	}
	m.readyQueue = nil
	for id := range m.specs {
		if m.completed[id] || m.failed[id] || m.skipped[id] || m.active[id] {
			continue
		}
		m.skipped[id] = true
		m.failedReasons[id] = reason
	}
	m.cond.Broadcast()
}

// Snapshot is a point-in-time, lock-free copy of the terminal sets, for
// State Manager.finish to compute the attempt's final status.
type Snapshot struct {
	Completed map[string]bool
	Failed    map[string]bool
	Skipped   map[string]bool
}

// Snapshot returns the current terminal sets.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Completed: copySet(m.completed),
		Failed:    copySet(m.failed),
		Skipped:   copySet(m.skipped),
	}
}

// FailReason returns the recorded reason for jobID, if any.
func (m *Manager) FailReason(jobID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failedReasons[jobID]
}

func copySet(src map[string]bool) map[string]bool {
	dst := make(map[string]bool, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
