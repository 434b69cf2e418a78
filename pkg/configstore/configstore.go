package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"steward/pkg/models"
)

var ErrProjectUnknown = errors.New("configstore: project not registered")

// Provider serves per-project governance configuration. Implementations own
// their cache state explicitly; Invalidate drops it so the next Get re-reads
// the backing store.
type Provider interface {
	Get(ctx context.Context, project string) (models.ProjectConfig, error)
	Invalidate(project string)
	Register(ctx context.Context, project string, cfg models.ProjectConfig) error
	// EnsureRegistered registers the project only when no configuration
	// exists yet. Installation events re-deliver; an existing config must
	// never be overwritten by one.
	EnsureRegistered(ctx context.Context, project string, cfg models.ProjectConfig) error
	Suspend(ctx context.Context, project string) error
}

type configDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type cachedConfig struct {
	cfg       models.ProjectConfig
	expiresAt time.Time
}

// PostgresProvider reads project configuration rows and caches them with an
// explicit TTL; installation and push events invalidate through Invalidate.
type PostgresProvider struct {
	DB  configDB
	TTL time.Duration

	mu    sync.RWMutex
	items map[string]cachedConfig
}

func NewPostgres(db configDB, ttl time.Duration) *PostgresProvider {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &PostgresProvider{DB: db, TTL: ttl, items: map[string]cachedConfig{}}
}

// Migrate creates the project configuration table when missing.
func (p *PostgresProvider) Migrate(ctx context.Context) error {
	_, err := p.DB.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS project_configs (
			project TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'active',
			body JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}

func (p *PostgresProvider) Get(ctx context.Context, project string) (models.ProjectConfig, error) {
	p.mu.RLock()
	item, ok := p.items[project]
	p.mu.RUnlock()
	if ok && time.Now().UTC().Before(item.expiresAt) {
		return item.cfg, nil
	}
	row := p.DB.QueryRow(ctx, `SELECT status, body FROM project_configs WHERE project=$1`, project)
	var status string
	var body []byte
	if err := row.Scan(&status, &body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ProjectConfig{}, ErrProjectUnknown
		}
		return models.ProjectConfig{}, err
	}
	var cfg models.ProjectConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return models.ProjectConfig{}, err
	}
	cfg.Project = project
	cfg.Status = status
	cfg = cfg.Normalized()
	p.mu.Lock()
	p.items[project] = cachedConfig{cfg: cfg, expiresAt: time.Now().UTC().Add(p.TTL)}
	p.mu.Unlock()
	return cfg, nil
}

func (p *PostgresProvider) Invalidate(project string) {
	p.mu.Lock()
	delete(p.items, project)
	p.mu.Unlock()
}

func (p *PostgresProvider) Register(ctx context.Context, project string, cfg models.ProjectConfig) error {
	cfg.Project = project
	if cfg.Status == "" {
		cfg.Status = models.ProjectActive
	}
	cfg = cfg.Normalized()
	body, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = p.DB.Exec(ctx, `
		INSERT INTO project_configs (project, status, body, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (project) DO UPDATE SET status=EXCLUDED.status, body=EXCLUDED.body, updated_at=now()
	`, project, cfg.Status, body)
	if err != nil {
		return err
	}
	p.Invalidate(project)
	return nil
}

func (p *PostgresProvider) EnsureRegistered(ctx context.Context, project string, cfg models.ProjectConfig) error {
	cfg.Project = project
	if cfg.Status == "" {
		cfg.Status = models.ProjectActive
	}
	cfg = cfg.Normalized()
	body, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	cmd, err := p.DB.Exec(ctx, `
		INSERT INTO project_configs (project, status, body, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (project) DO NOTHING
	`, project, cfg.Status, body)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() > 0 {
		p.Invalidate(project)
	}
	return nil
}

func (p *PostgresProvider) Suspend(ctx context.Context, project string) error {
	cmd, err := p.DB.Exec(ctx, `UPDATE project_configs SET status=$2, updated_at=now() WHERE project=$1`,
		project, models.ProjectSuspended)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrProjectUnknown
	}
	p.Invalidate(project)
	return nil
}

// StaticProvider serves a fixed map of configurations. Used in tests and in
// single-project deployments configured at startup.
type StaticProvider struct {
	mu      sync.RWMutex
	configs map[string]models.ProjectConfig
}

func NewStatic(configs map[string]models.ProjectConfig) *StaticProvider {
	if configs == nil {
		configs = map[string]models.ProjectConfig{}
	}
	for project, cfg := range configs {
		cfg.Project = project
		if cfg.Status == "" {
			cfg.Status = models.ProjectActive
		}
		configs[project] = cfg.Normalized()
	}
	return &StaticProvider{configs: configs}
}

func (p *StaticProvider) Get(ctx context.Context, project string) (models.ProjectConfig, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cfg, ok := p.configs[project]
	if !ok {
		return models.ProjectConfig{}, ErrProjectUnknown
	}
	return cfg, nil
}

func (p *StaticProvider) Invalidate(string) {}

func (p *StaticProvider) Register(ctx context.Context, project string, cfg models.ProjectConfig) error {
	cfg.Project = project
	if cfg.Status == "" {
		cfg.Status = models.ProjectActive
	}
	cfg = cfg.Normalized()
	p.mu.Lock()
	p.configs[project] = cfg
	p.mu.Unlock()
	return nil
}

func (p *StaticProvider) EnsureRegistered(ctx context.Context, project string, cfg models.ProjectConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.configs[project]; ok {
		return nil
	}
	cfg.Project = project
	if cfg.Status == "" {
		cfg.Status = models.ProjectActive
	}
	p.configs[project] = cfg.Normalized()
	return nil
}

func (p *StaticProvider) Suspend(ctx context.Context, project string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg, ok := p.configs[project]
	if !ok {
		return ErrProjectUnknown
	}
	cfg.Status = models.ProjectSuspended
	p.configs[project] = cfg
	return nil
}
