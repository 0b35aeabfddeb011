package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"riskmate-sync/internal/models"
)

// Store wraps pgxpool for the local snapshot cache and sync audit log.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// UpsertSnapshot records the latest server-confirmed state of an entity.
// A later successful fetch always replaces the previous snapshot; the
// cache never intentionally serves data older than the newest fetch.
func (s *Store) UpsertSnapshot(ctx context.Context, e models.Entity) error {
	fieldsJSON, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	// parent_id is stored as '' for top-level entities, never NULL, so
	// SnapshotsByParent("") finds cached job lists during fallback.
	_, err = s.pool.Exec(ctx, `
		INSERT INTO snapshots (entity_type, entity_id, parent_id, fields, fetched_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (entity_type, entity_id)
		DO UPDATE SET parent_id = EXCLUDED.parent_id, fields = EXCLUDED.fields, fetched_at = NOW()
	`, e.Type, e.ID, e.ParentID, fieldsJSON)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// GetSnapshot returns the cached canonical entity, if one exists.
func (s *Store) GetSnapshot(ctx context.Context, entityType, entityID string) (models.Entity, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT entity_id, parent_id, fields
		FROM snapshots WHERE entity_type = $1 AND entity_id = $2
	`, entityType, entityID)

	e, err := scanSnapshot(row, entityType)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Entity{}, false, nil
	}
	if err != nil {
		return models.Entity{}, false, err
	}
	return e, true, nil
}

// SnapshotsByParent returns cached canonical entities under a parent,
// oldest fetch first, used by the list-level read cascade.
func (s *Store) SnapshotsByParent(ctx context.Context, entityType, parentID string) ([]models.Entity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entity_id, parent_id, fields
		FROM snapshots WHERE entity_type = $1 AND parent_id = $2
		ORDER BY fetched_at ASC
	`, entityType, parentID)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.Entity
	for rows.Next() {
		e, err := scanSnapshot(rows, entityType)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteSnapshot drops a cached entity, used when upstream reports it gone.
func (s *Store) DeleteSnapshot(ctx context.Context, entityType, entityID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM snapshots WHERE entity_type = $1 AND entity_id = $2
	`, entityType, entityID)
	return err
}

// AppendAudit adds a sync audit row.
func (s *Store) AppendAudit(ctx context.Context, entityType, entityID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_audit (entity_type, entity_id, event, detail, ts)
		VALUES ($1, $2, $3, $4, NOW())
	`, entityType, entityID, event, detail)
	return err
}

// RecentAudit returns the newest audit rows, optionally filtered by entity id.
func (s *Store) RecentAudit(ctx context.Context, entityID string, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, entity_type, entity_id, event, detail, ts
		FROM sync_audit
	`
	args := []any{}
	if entityID != "" {
		query += ` WHERE entity_id = $1 ORDER BY id DESC LIMIT $2`
		args = append(args, entityID, limit)
	} else {
		query += ` ORDER BY id DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		var recorded time.Time
		if err := rows.Scan(&ev.ID, &ev.EntityType, &ev.EntityID, &ev.Event, &ev.Detail, &recorded); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		ev.Recorded = recorded
		out = append(out, ev)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner, entityType string) (models.Entity, error) {
	var e models.Entity
	var fieldsJSON []byte

	if err := row.Scan(&e.ID, &e.ParentID, &fieldsJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Entity{}, err
		}
		return models.Entity{}, fmt.Errorf("scan snapshot: %w", err)
	}
	if err := json.Unmarshal(fieldsJSON, &e.Fields); err != nil {
		return models.Entity{}, fmt.Errorf("unmarshal fields: %w", err)
	}
	e.Type = entityType
	return e, nil
}
