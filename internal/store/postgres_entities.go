package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/signal-engine/internal/model"
)

func (s *PostgresStore) UpsertEntity(ctx context.Context, e model.Entity, now time.Time) error {
	ref, err := model.NewEntityRef(string(e.Type), e.ID)
	if err != nil {
		return err
	}
	keywords := NormalizeKeywords(e.Keywords)
	domains := normalizeDomains(e.Domains)
	ts := pgTime(now)

	return s.write(ctx, "upsert_entity", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO entities (entity_type, entity_id, name, keywords, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $5)
			ON CONFLICT (entity_type, entity_id) DO UPDATE SET
				name = EXCLUDED.name,
				keywords = EXCLUDED.keywords,
				updated_at = EXCLUDED.updated_at`,
			string(ref.Type), ref.ID, e.Name, keywords, ts,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: upsert entity %s", ref)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM entity_domains WHERE entity_type = $1 AND entity_id = $2`,
			string(ref.Type), ref.ID,
		); err != nil {
			return eris.Wrapf(err, "postgres: clear domains %s", ref)
		}
		if len(domains) == 0 {
			return nil
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO entity_domains (domain, entity_type, entity_id)
			SELECT d, $2, $3 FROM unnest($1::text[]) AS d`,
			domains, string(ref.Type), ref.ID,
		)
		return eris.Wrapf(err, "postgres: insert domains %s", ref)
	})
}

func (s *PostgresStore) GetEntity(ctx context.Context, ref model.EntityRef) (*model.Entity, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT e.entity_type, e.entity_id, e.name, e.keywords, e.created_at, e.updated_at,
			COALESCE(array_agg(d.domain ORDER BY d.domain) FILTER (WHERE d.domain IS NOT NULL), '{}')
		FROM entities e
		LEFT JOIN entity_domains d ON d.entity_type = e.entity_type AND d.entity_id = e.entity_id
		WHERE e.entity_type = $1 AND e.entity_id = $2
		GROUP BY e.entity_type, e.entity_id`,
		string(ref.Type), ref.ID,
	)
	e, err := scanPgEntity(row)
	if err != nil {
		return nil, pgNotFound(err, "entity", ref.String())
	}
	return e, nil
}

func (s *PostgresStore) ListEntities(ctx context.Context, entityType model.EntityType) ([]model.Entity, error) {
	var a pgArgs
	where := "true"
	if entityType != "" {
		where = "e.entity_type = " + a.add(string(entityType))
	}
	rows, err := s.pool.Query(ctx,
		`SELECT e.entity_type, e.entity_id, e.name, e.keywords, e.created_at, e.updated_at,
			COALESCE(array_agg(d.domain ORDER BY d.domain) FILTER (WHERE d.domain IS NOT NULL), '{}')
		FROM entities e
		LEFT JOIN entity_domains d ON d.entity_type = e.entity_type AND d.entity_id = e.entity_id
		WHERE `+where+`
		GROUP BY e.entity_type, e.entity_id
		ORDER BY e.entity_type, e.entity_id`,
		a.args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list entities")
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		e, err := scanPgEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate entities")
}

func (s *PostgresStore) EntitiesByDomain(ctx context.Context, domains []string) (map[string][]model.EntityRef, error) {
	domains = normalizeDomains(domains)
	out := make(map[string][]model.EntityRef, len(domains))
	if len(domains) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT domain, entity_type, entity_id FROM entity_domains
		WHERE domain = ANY($1)
		ORDER BY domain, entity_id, entity_type`,
		domains,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: entities by domain")
	}
	defer rows.Close()

	for rows.Next() {
		var domain, typ, id string
		if err := rows.Scan(&domain, &typ, &id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity domain")
		}
		out[domain] = append(out[domain], model.EntityRef{Type: model.EntityType(typ), ID: id})
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate entity domains")
}

func (s *PostgresStore) MergeEntityKeywords(ctx context.Context, ref model.EntityRef, keywords []string, now time.Time) ([]string, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	var merged []string
	err := s.write(ctx, "merge_keywords", func(tx pgx.Tx) error {
		var existing []string
		err := tx.QueryRow(ctx,
			`SELECT keywords FROM entities WHERE entity_type = $1 AND entity_id = $2 FOR UPDATE`,
			string(ref.Type), ref.ID,
		).Scan(&existing)
		if errors.Is(err, pgx.ErrNoRows) {
			return unknownEntity(ref)
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: load keywords %s", ref)
		}
		merged = NormalizeKeywords(existing, keywords)
		_, err = tx.Exec(ctx,
			`UPDATE entities SET keywords = $1, updated_at = $2 WHERE entity_type = $3 AND entity_id = $4`,
			merged, pgTime(now), string(ref.Type), ref.ID,
		)
		return eris.Wrapf(err, "postgres: update keywords %s", ref)
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

func scanPgEntity(row pgx.Row) (*model.Entity, error) {
	var (
		e   model.Entity
		typ string
	)
	if err := row.Scan(&typ, &e.ID, &e.Name, &e.Keywords, &e.CreatedAt, &e.UpdatedAt, &e.Domains); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan entity")
	}
	e.Type = model.EntityType(typ)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	if len(e.Domains) == 0 {
		e.Domains = nil
	}
	return &e, nil
}
