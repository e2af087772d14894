package heartbeat

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/t77yq/agent-heartbeat/internal/model"
)

// Store owns the agent records and their metrics.
// Records and metrics are always created and deleted together.
type Store struct {
	mu      sync.RWMutex
	records map[string]*model.AgentRecord
	metrics map[string]*model.AgentMetrics
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		records: make(map[string]*model.AgentRecord),
		metrics: make(map[string]*model.AgentMetrics),
	}
}

// Ensure creates the record and metrics pair for an agent if it does not exist yet.
// An existing entry keeps its history and only has its endpoint refreshed.
// It reports whether a new entry was created.
func (s *Store) Ensure(agentID, endpoint string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[agentID]; ok {
		rec.Endpoint = endpoint
		return false
	}

	s.records[agentID] = &model.AgentRecord{
		AgentID:  agentID,
		Endpoint: endpoint,
		Status:   model.AgentStatusUnknown,
		LastSeen: now,
	}
	s.metrics[agentID] = &model.AgentMetrics{}
	return true
}

// Update applies fn to the record and metrics of an agent under the store lock
func (s *Store) Update(agentID string, fn func(rec *model.AgentRecord, m *model.AgentMetrics)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	fn(rec, s.metrics[agentID])
	return nil
}

// Status returns a snapshot of an agent's record
func (s *Store) Status(agentID string) (model.AgentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[agentID]
	if !ok {
		return model.AgentRecord{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return *rec, nil
}

// Metrics returns a snapshot of an agent's metrics
func (s *Store) Metrics(agentID string) (model.AgentMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.metrics[agentID]
	if !ok {
		return model.AgentMetrics{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return *m, nil
}

// Records returns snapshots of all records ordered by agent ID
func (s *Store) Records() []model.AgentRecord {
	s.mu.RLock()
	records := make([]model.AgentRecord, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, *rec)
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].AgentID < records[j].AgentID
	})
	return records
}

// Len returns the number of tracked agents
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Delete removes the record and metrics of an agent and reports whether it existed
func (s *Store) Delete(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[agentID]; !ok {
		return false
	}
	delete(s.records, agentID)
	delete(s.metrics, agentID)
	return true
}

// DeleteStale removes an agent last seen before cutoff unless keep reports it must stay.
// keep runs under the store lock so the decision and the deletion are atomic.
func (s *Store) DeleteStale(agentID string, cutoff time.Time, keep func(agentID string) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[agentID]
	if !ok || !rec.LastSeen.Before(cutoff) {
		return false
	}
	if keep != nil && keep(agentID) {
		return false
	}
	delete(s.records, agentID)
	delete(s.metrics, agentID)
	return true
}

// StaleBefore returns the IDs of agents last seen before cutoff
func (s *Store) StaleBefore(cutoff time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, rec := range s.records {
		if rec.LastSeen.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Overview aggregates status counts, mean response time and mean uptime.
// An empty store yields zeroed fields.
func (s *Store) Overview() model.Overview {
	s.mu.RLock()
	defer s.mu.RUnlock()

	overview := model.Overview{
		ByStatus:    make(map[model.AgentStatus]int, len(model.AgentStatuses)),
		GeneratedAt: time.Now(),
	}
	for _, status := range model.AgentStatuses {
		overview.ByStatus[status] = 0
	}
	if len(s.records) == 0 {
		return overview
	}

	var totalResponse, totalUptime time.Duration
	for id, rec := range s.records {
		m := s.metrics[id]
		overview.ByStatus[rec.Status]++
		totalResponse += m.AvgResponseTime
		totalUptime += m.Uptime
	}

	overview.Total = len(s.records)
	overview.AvgResponseTime = totalResponse / time.Duration(overview.Total)
	overview.AvgUptime = totalUptime / time.Duration(overview.Total)
	return overview
}
