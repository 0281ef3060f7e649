package depgraph

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const graphSchemaSQL = `
CREATE TABLE IF NOT EXISTS dependency_relationships (
	source_repo       TEXT NOT NULL,
	target_repo       TEXT NOT NULL,
	relationship_type TEXT NOT NULL,
	strength          DOUBLE PRECISION NOT NULL DEFAULT 1.0,
	metadata          JSONB,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (source_repo, target_repo, relationship_type)
);

CREATE INDEX IF NOT EXISTS idx_deps_target
	ON dependency_relationships (target_repo, relationship_type);
`

// PGGraph stores relationships in PostgreSQL, sharing the task store's pool.
type PGGraph struct {
	db *sqlx.DB
}

func NewPGGraph(db *sqlx.DB) *PGGraph {
	return &PGGraph{db: db}
}

// InitSchema creates the relationships table and index.
func (g *PGGraph) InitSchema(ctx context.Context) error {
	if _, err := g.db.ExecContext(ctx, graphSchemaSQL); err != nil {
		return fmt.Errorf("init graph schema: %w", err)
	}
	return nil
}

func (g *PGGraph) Consumers(ctx context.Context, repo string) ([]Edge, error) {
	return g.queryEdges(ctx, `
		SELECT source_repo, relationship_type, strength
		FROM dependency_relationships
		WHERE target_repo = $1 AND relationship_type = $2
		ORDER BY strength DESC, source_repo ASC;
	`, repo, TypeConsumes)
}

func (g *PGGraph) Providers(ctx context.Context, repo string) ([]Edge, error) {
	return g.queryEdges(ctx, `
		SELECT target_repo, relationship_type, strength
		FROM dependency_relationships
		WHERE source_repo = $1
		ORDER BY strength DESC, target_repo ASC;
	`, repo)
}

func (g *PGGraph) TemplateDerivatives(ctx context.Context, repo string) ([]Edge, error) {
	return g.queryEdges(ctx, `
		SELECT source_repo, relationship_type, strength
		FROM dependency_relationships
		WHERE target_repo = $1 AND relationship_type = $2
		ORDER BY strength DESC, source_repo ASC;
	`, repo, TypeTemplate)
}

func (g *PGGraph) Upsert(ctx context.Context, rel Relationship) error {
	if rel.Source == "" || rel.Target == "" {
		return fmt.Errorf("relationship needs source and target")
	}
	if rel.Type == "" {
		rel.Type = TypeConsumes
	}
	var meta any
	if rel.Metadata != nil {
		raw, err := json.Marshal(rel.Metadata)
		if err != nil {
			return fmt.Errorf("encode relationship metadata: %w", err)
		}
		meta = raw
	}
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO dependency_relationships (source_repo, target_repo, relationship_type, strength, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (source_repo, target_repo, relationship_type)
		DO UPDATE SET strength = EXCLUDED.strength, metadata = EXCLUDED.metadata, updated_at = now();
	`, rel.Source, rel.Target, rel.Type, rel.Strength, meta)
	if err != nil {
		return fmt.Errorf("upsert relationship: %w", err)
	}
	return nil
}

func (g *PGGraph) queryEdges(ctx context.Context, query string, args ...any) ([]Edge, error) {
	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.Repository, &e.Type, &e.Strength); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("edge rows: %w", err)
	}
	return out, nil
}
