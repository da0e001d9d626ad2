// Package configstore persists QC Config rows and resolves the
// effective config for a (tenant, survey) pair per §3's three-tier
// resolution order: survey-specific active config, then tenant-default
// active config, then the built-in domain.FallbackConfig() (the
// FallbackConfig field of internal/config's Config, set from the YAML
// file or FALLBACK_SAMPLE_PERCENTAGE, is not consulted). Resolved
// configs are cached for up to 60 seconds so the hot seal/dispatch
// paths do not round-trip to Postgres on every call.
package configstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	qcerrors "github.com/surveyqc/qcpipeline/internal/errors"
	"github.com/surveyqc/qcpipeline/internal/sqlutil"
	"github.com/surveyqc/qcpipeline/pkg/domain"
)

// CacheTTL bounds how long a resolved config may be served stale.
const CacheTTL = 60 * time.Second

// Store is the Postgres-backed QC Config store with an in-memory
// resolution cache.
type Store struct {
	db *sqlx.DB

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	config   domain.QCConfig
	expiresAt time.Time
}

// New builds a Store over an already-connected database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, cache: make(map[string]cacheEntry)}
}

type configRow struct {
	ID               uuid.UUID      `db:"id"`
	TenantID         uuid.UUID      `db:"tenant_id"`
	SurveyID         sql.NullString `db:"survey_id"`
	Active           bool           `db:"active"`
	SamplePercentage float64        `db:"sample_percentage"`
	ApprovalRules    []byte         `db:"approval_rules"`
	Notes            sql.NullString `db:"notes"`
	CreatedAt        time.Time      `db:"created_at"`
}

func (r configRow) toDomain() (domain.QCConfig, error) {
	cfg := domain.QCConfig{
		ID:               r.ID,
		TenantID:         r.TenantID,
		SurveyID:         sqlutil.FromNullUUID(r.SurveyID),
		Active:           r.Active,
		SamplePercentage: r.SamplePercentage,
		CreatedAt:        r.CreatedAt,
	}
	if n := sqlutil.FromNullString(r.Notes); n != nil {
		cfg.Notes = *n
	}
	if len(r.ApprovalRules) > 0 {
		if err := json.Unmarshal(r.ApprovalRules, &cfg.ApprovalRules); err != nil {
			return domain.QCConfig{}, err
		}
	}
	return cfg, nil
}

// Create persists a new QC config row. When cfg is Active, the
// previous active config for the same (tenant, survey) key — survey
// being either a specific survey or, for a tenant-default, NULL — is
// deactivated in the same transaction, so at most one active config
// ever exists per key (§6: creating a new active config supersedes the
// prior one rather than layering on top of it). The resolution cache is
// invalidated afterward so the new config takes effect immediately
// instead of waiting out the TTL.
func (s *Store) Create(ctx context.Context, cfg domain.QCConfig) error {
	rules, err := json.Marshal(cfg.ApprovalRules)
	if err != nil {
		return qcerrors.NewInvariantError("encode approval rules").WithDetails(err.Error())
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return qcerrors.NewDatabaseError("begin create qc config transaction", err)
	}
	defer tx.Rollback()

	if cfg.Active {
		if _, err := tx.ExecContext(ctx, `
			UPDATE qc_configs SET active = false
			WHERE tenant_id = $1 AND survey_id IS NOT DISTINCT FROM $2 AND active`,
			cfg.TenantID, sqlutil.ToNullUUID(cfg.SurveyID)); err != nil {
			return qcerrors.NewDatabaseError("deactivate previous qc config", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO qc_configs (id, tenant_id, survey_id, active, sample_percentage, approval_rules, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		cfg.ID, cfg.TenantID, sqlutil.ToNullUUID(cfg.SurveyID), cfg.Active, cfg.SamplePercentage, rules, sqlutil.ToNullStringValue(cfg.Notes)); err != nil {
		return qcerrors.NewDatabaseError("create qc config", err)
	}

	if err := tx.Commit(); err != nil {
		return qcerrors.NewDatabaseError("commit create qc config transaction", err)
	}

	if cfg.Active {
		if cfg.SurveyID != nil {
			s.Invalidate(cfg.TenantID, *cfg.SurveyID)
		} else {
			s.invalidateTenant(cfg.TenantID)
		}
	}
	return nil
}

// Resolve returns the effective config for (tenantID, surveyID) per
// §3's tiered resolution order, serving a cached value when fresh.
func (s *Store) Resolve(ctx context.Context, tenantID, surveyID uuid.UUID) (domain.QCConfig, error) {
	key := tenantID.String() + ":" + surveyID.String()

	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.config, nil
	}

	cfg, err := s.resolveUncached(ctx, tenantID, surveyID)
	if err != nil {
		return domain.QCConfig{}, err
	}

	s.mu.Lock()
	s.cache[key] = cacheEntry{config: cfg, expiresAt: time.Now().Add(CacheTTL)}
	s.mu.Unlock()
	return cfg, nil
}

func (s *Store) resolveUncached(ctx context.Context, tenantID, surveyID uuid.UUID) (domain.QCConfig, error) {
	var row configRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, tenant_id, survey_id, active, sample_percentage, approval_rules, notes, created_at
		FROM qc_configs WHERE tenant_id = $1 AND survey_id = $2 AND active`, tenantID, surveyID)
	if err == nil {
		return row.toDomain()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.QCConfig{}, qcerrors.NewDatabaseError("resolve survey config", err)
	}

	err = s.db.GetContext(ctx, &row, `
		SELECT id, tenant_id, survey_id, active, sample_percentage, approval_rules, notes, created_at
		FROM qc_configs WHERE tenant_id = $1 AND survey_id IS NULL AND active`, tenantID)
	if err == nil {
		return row.toDomain()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.QCConfig{}, qcerrors.NewDatabaseError("resolve tenant-default config", err)
	}

	return domain.FallbackConfig(), nil
}

// Invalidate drops the cached resolution for (tenantID, surveyID),
// forcing the next Resolve to hit Postgres. Callers invoke this after
// writing a new config so updates take effect before the TTL expires.
func (s *Store) Invalidate(tenantID, surveyID uuid.UUID) {
	key := tenantID.String() + ":" + surveyID.String()
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
}

// invalidateTenant drops every cached resolution for tenantID. A
// tenant-default config change can affect any survey under that
// tenant, and the cache key is keyed per (tenant, survey) pair, so
// there is no single key to target.
func (s *Store) invalidateTenant(tenantID uuid.UUID) {
	prefix := tenantID.String() + ":"
	s.mu.Lock()
	for key := range s.cache {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(s.cache, key)
		}
	}
	s.mu.Unlock()
}
