package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"steward/pkg/models"
)

type ledgerDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists the ledger with pgx. Decision numbering uses a
// per-project counter row so assignment is linearizable under concurrent
// sessions.
type PostgresStore struct {
	DB ledgerDB
}

func NewPostgres(db ledgerDB) *PostgresStore {
	return &PostgresStore{DB: db}
}

// Migrate creates the ledger tables when they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS decision_counters (
			project TEXT PRIMARY KEY,
			n BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			decision_number BIGINT NOT NULL,
			status TEXT NOT NULL,
			body JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (project, decision_number)
		)`,
		`CREATE TABLE IF NOT EXISTS challenges (
			id TEXT PRIMARY KEY,
			decision_id TEXT NOT NULL REFERENCES decisions(id),
			project TEXT NOT NULL,
			status TEXT NOT NULL,
			body JSONB NOT NULL,
			submitted_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			status TEXT NOT NULL,
			body JSONB NOT NULL,
			started_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_entries (
			id TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			session_id TEXT,
			event_type TEXT NOT NULL,
			body JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS audit_entries_project_created_idx
			ON audit_entries (project, created_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) NextDecisionNumber(ctx context.Context, project string) (int64, error) {
	row := s.DB.QueryRow(ctx, `
		INSERT INTO decision_counters (project, n) VALUES ($1, 1)
		ON CONFLICT (project) DO UPDATE SET n = decision_counters.n + 1
		RETURNING n
	`, project)
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *PostgresStore) AppendDecision(ctx context.Context, d models.Decision) error {
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO decisions (id, project, decision_number, status, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, d.ID, d.Project, d.DecisionNumber, string(d.Status), body, d.Date)
	return err
}

func (s *PostgresStore) GetDecision(ctx context.Context, id string) (models.Decision, error) {
	row := s.DB.QueryRow(ctx, `SELECT body, status FROM decisions WHERE id=$1`, id)
	return scanDecision(row)
}

// MarkDecisionStatus amends only the status column; the decision body stays
// as written.
func (s *PostgresStore) MarkDecisionStatus(ctx context.Context, id string, status models.DecisionStatus) error {
	cmd, err := s.DB.Exec(ctx, `
		UPDATE decisions
		SET status=$2, body = jsonb_set(body, '{status}', to_jsonb($2::text))
		WHERE id=$1
	`, id, string(status))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListDecisions(ctx context.Context, f DecisionFilter) ([]models.Decision, error) {
	limit := normalizeLimit(f.Limit, 100, 1000)
	rows, err := s.DB.Query(ctx, `
		SELECT body, status FROM decisions
		WHERE ($1 = '' OR project = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, f.Project, string(f.Status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Decision, 0, limit)
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendChallenge(ctx context.Context, c models.Challenge) error {
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO challenges (id, decision_id, project, status, body, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.DecisionID, c.Project, string(c.Status), body, c.SubmittedAt)
	return err
}

func (s *PostgresStore) GetChallenge(ctx context.Context, id string) (models.Challenge, error) {
	row := s.DB.QueryRow(ctx, `SELECT body FROM challenges WHERE id=$1`, id)
	return scanChallenge(row)
}

func (s *PostgresStore) RespondChallenge(ctx context.Context, id string, status models.ChallengeStatus, respondedBy, response, outcome string) (models.Challenge, error) {
	c, err := s.GetChallenge(ctx, id)
	if err != nil {
		return models.Challenge{}, err
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
	body, err := json.Marshal(c)
	if err != nil {
		return models.Challenge{}, err
	}
	cmd, err := s.DB.Exec(ctx, `
		UPDATE challenges SET status=$2, body=$3
		WHERE id=$1 AND status='pending'
	`, id, string(status), body)
	if err != nil {
		return models.Challenge{}, err
	}
	if cmd.RowsAffected() == 0 {
		// Lost the race to another responder.
		return models.Challenge{}, ErrChallengeFinalized
	}
	return c, nil
}

func (s *PostgresStore) ListChallenges(ctx context.Context, f ChallengeFilter) ([]models.Challenge, error) {
	limit := normalizeLimit(f.Limit, 100, 1000)
	rows, err := s.DB.Query(ctx, `
		SELECT body FROM challenges
		WHERE ($1 = '' OR project = $1)
		  AND ($2 = '' OR decision_id = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY submitted_at DESC
		LIMIT $4
	`, f.Project, f.DecisionID, string(f.Status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Challenge, 0, limit)
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendAudit(ctx context.Context, e models.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO audit_entries (id, project, session_id, event_type, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, e.Project, e.SessionID, e.EventType, body, e.Timestamp)
	return err
}

func (s *PostgresStore) ListAudit(ctx context.Context, f AuditFilter) ([]models.AuditEntry, error) {
	limit := normalizeLimit(f.Limit, 100, 1000)
	rows, err := s.DB.Query(ctx, `
		SELECT body FROM audit_entries
		WHERE ($1 = '' OR project = $1)
		  AND ($2 = '' OR session_id = $2)
		  AND ($3 = '' OR event_type = $3)
		ORDER BY created_at DESC
		LIMIT $4
	`, f.Project, f.SessionID, f.EventType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.AuditEntry, 0, limit)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			continue
		}
		var e models.AuditEntry
		if err := json.Unmarshal(body, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveSession(ctx context.Context, sess models.AgentSession) error {
	body, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO sessions (id, project, status, body, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, body=EXCLUDED.body
	`, sess.ID, sess.Project, string(sess.Status), body, sess.StartedAt)
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (models.AgentSession, error) {
	row := s.DB.QueryRow(ctx, `SELECT body FROM sessions WHERE id=$1`, id)
	var body []byte
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.AgentSession{}, ErrNotFound
		}
		return models.AgentSession{}, err
	}
	var sess models.AgentSession
	if err := json.Unmarshal(body, &sess); err != nil {
		return models.AgentSession{}, err
	}
	return sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, f SessionFilter) ([]models.AgentSession, error) {
	limit := normalizeLimit(f.Limit, 100, 1000)
	rows, err := s.DB.Query(ctx, `
		SELECT body FROM sessions
		WHERE ($1 = '' OR project = $1) AND ($2 = '' OR status = $2)
		ORDER BY started_at DESC
		LIMIT $3
	`, f.Project, string(f.Status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.AgentSession, 0, limit)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			continue
		}
		var sess models.AgentSession
		if err := json.Unmarshal(body, &sess); err != nil {
			continue
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context, project string) (Stats, error) {
	stats := Stats{Project: project, SessionsByStatus: map[string]int{}}
	row := s.DB.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM decisions WHERE project=$1),
			(SELECT count(*) FROM sessions WHERE project=$1),
			(SELECT count(*) FROM challenges WHERE project=$1),
			(SELECT count(*) FROM challenges WHERE project=$1 AND status='pending')
	`, project)
	if err := row.Scan(&stats.Decisions, &stats.Sessions, &stats.Challenges, &stats.PendingChallenges); err != nil {
		return stats, err
	}
	rows, err := s.DB.Query(ctx, `
		SELECT status, count(*) FROM sessions WHERE project=$1 GROUP BY status
	`, project)
	if err == nil {
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err == nil {
				stats.SessionsByStatus[status] = n
			}
		}
		rows.Close()
	}
	recent, err := s.ListAudit(ctx, AuditFilter{Project: project, Limit: 20})
	if err == nil {
		stats.RecentAudit = recent
	}
	return stats, nil
}

type decisionRow interface {
	Scan(dest ...any) error
}

func scanDecision(row decisionRow) (models.Decision, error) {
	var body []byte
	var status string
	if err := row.Scan(&body, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Decision{}, ErrNotFound
		}
		return models.Decision{}, err
	}
	var d models.Decision
	if err := json.Unmarshal(body, &d); err != nil {
		return models.Decision{}, err
	}
	d.Status = models.DecisionStatus(status)
	return d, nil
}

func scanChallenge(row decisionRow) (models.Challenge, error) {
	var body []byte
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Challenge{}, ErrNotFound
		}
		return models.Challenge{}, err
	}
	var c models.Challenge
	if err := json.Unmarshal(body, &c); err != nil {
		return models.Challenge{}, err
	}
	return c, nil
}
