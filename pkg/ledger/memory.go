package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"steward/pkg/models"
)

// MemoryStore keeps the ledger in process memory. It mirrors the postgres
// store's semantics exactly and backs tests and redis-less development.
type MemoryStore struct {
	mu         sync.Mutex
	counters   map[string]int64
	decisions  map[string]models.Decision
	challenges map[string]models.Challenge
	sessions   map[string]models.AgentSession
	audit      []models.AuditEntry
	order      []string
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		counters:   map[string]int64{},
		decisions:  map[string]models.Decision{},
		challenges: map[string]models.Challenge{},
		sessions:   map[string]models.AgentSession{},
	}
}

func (m *MemoryStore) NextDecisionNumber(ctx context.Context, project string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[project]++
	return m.counters[project], nil
}

func (m *MemoryStore) AppendDecision(ctx context.Context, d models.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.decisions[d.ID]; ok {
		return ErrDecisionExists
	}
	m.decisions[d.ID] = d
	m.order = append(m.order, d.ID)
	return nil
}

func (m *MemoryStore) GetDecision(ctx context.Context, id string) (models.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[id]
	if !ok {
		return models.Decision{}, ErrNotFound
	}
	return d, nil
}

// MarkDecisionStatus records supersession/reversal of an existing decision.
// The decision body is never edited; only the status moves, driven by a later
// decision or an accepted challenge.
func (m *MemoryStore) MarkDecisionStatus(ctx context.Context, id string, status models.DecisionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	m.decisions[id] = d
	return nil
}

func (m *MemoryStore) ListDecisions(ctx context.Context, f DecisionFilter) ([]models.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := normalizeLimit(f.Limit, 100, 1000)
	out := make([]models.Decision, 0, limit)
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		d, ok := m.decisions[m.order[i]]
		if !ok {
			continue
		}
		if f.Project != "" && d.Project != f.Project {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (m *MemoryStore) AppendChallenge(ctx context.Context, c models.Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.decisions[c.DecisionID]; !ok {
		return ErrNotFound
	}
	m.challenges[c.ID] = c
	return nil
}

func (m *MemoryStore) GetChallenge(ctx context.Context, id string) (models.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challenges[id]
	if !ok {
		return models.Challenge{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) RespondChallenge(ctx context.Context, id string, status models.ChallengeStatus, respondedBy, response, outcome string) (models.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challenges[id]
	if !ok {
		return models.Challenge{}, ErrNotFound
	}
	if c.Status.Terminal() {
		return models.Challenge{}, ErrChallengeFinalized
	}
	now := time.Now().UTC()
	c.Status = status
	c.RespondedBy = respondedBy
	c.RespondedAt = &now
	c.Response = response
	c.Outcome = outcome
	m.challenges[id] = c
	return c, nil
}

func (m *MemoryStore) ListChallenges(ctx context.Context, f ChallengeFilter) ([]models.Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := normalizeLimit(f.Limit, 100, 1000)
	out := make([]models.Challenge, 0, limit)
	for _, c := range m.challenges {
		if f.Project != "" && c.Project != f.Project {
			continue
		}
		if f.DecisionID != "" && c.DecisionID != f.DecisionID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AppendAudit(ctx context.Context, e models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.audit = append(m.audit, e)
	return nil
}

func (m *MemoryStore) ListAudit(ctx context.Context, f AuditFilter) ([]models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := normalizeLimit(f.Limit, 100, 1000)
	out := make([]models.AuditEntry, 0, limit)
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.audit[i]
		if f.Project != "" && e.Project != f.Project {
			continue
		}
		if f.SessionID != "" && e.SessionID != f.SessionID {
			continue
		}
		if f.EventType != "" && e.EventType != f.EventType {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryStore) SaveSession(ctx context.Context, s models.AgentSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (models.AgentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return models.AgentSession{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, f SessionFilter) ([]models.AgentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := normalizeLimit(f.Limit, 100, 1000)
	out := make([]models.AgentSession, 0, limit)
	for _, s := range m.sessions {
		if f.Project != "" && s.Project != f.Project {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Stats(ctx context.Context, project string) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{Project: project, SessionsByStatus: map[string]int{}}
	for _, d := range m.decisions {
		if d.Project == project {
			stats.Decisions++
		}
	}
	for _, s := range m.sessions {
		if s.Project == project {
			stats.Sessions++
			stats.SessionsByStatus[string(s.Status)]++
		}
	}
	for _, c := range m.challenges {
		if c.Project == project {
			stats.Challenges++
			if c.Status == models.ChallengePending {
				stats.PendingChallenges++
			}
		}
	}
	for i := len(m.audit) - 1; i >= 0 && len(stats.RecentAudit) < 20; i-- {
		if m.audit[i].Project == project {
			stats.RecentAudit = append(stats.RecentAudit, m.audit[i])
		}
	}
	return stats, nil
}
