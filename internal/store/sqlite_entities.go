package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/signal-engine/internal/model"
)

func (s *SQLiteStore) UpsertEntity(ctx context.Context, e model.Entity, now time.Time) error {
	ref, err := model.NewEntityRef(string(e.Type), e.ID)
	if err != nil {
		return err
	}
	keywords, err := marshalKeywords(NormalizeKeywords(e.Keywords))
	if err != nil {
		return eris.Wrap(err, "sqlite: upsert entity")
	}
	domains := normalizeDomains(e.Domains)

	return s.write(ctx, "upsert_entity", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO entities (entity_type, entity_id, name, keywords, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (entity_type, entity_id) DO UPDATE SET
				name = excluded.name,
				keywords = excluded.keywords,
				updated_at = excluded.updated_at`,
			string(ref.Type), ref.ID, e.Name, keywords, fmtTime(now), fmtTime(now),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert entity %s", ref)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entity_domains WHERE entity_type = ? AND entity_id = ?`,
			string(ref.Type), ref.ID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: clear domains %s", ref)
		}
		for _, d := range domains {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO entity_domains (domain, entity_type, entity_id) VALUES (?, ?, ?)`,
				d, string(ref.Type), ref.ID,
			); err != nil {
				return eris.Wrapf(err, "sqlite: insert domain %s", d)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetEntity(ctx context.Context, ref model.EntityRef) (*model.Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT entity_type, entity_id, name, keywords, created_at, updated_at
		FROM entities WHERE entity_type = ? AND entity_id = ?`,
		string(ref.Type), ref.ID,
	)
	e, err := scanSQLiteEntity(row)
	if err != nil {
		return nil, notFound(err, "entity", ref.String())
	}
	domains, err := s.domainsFor(ctx, ref)
	if err != nil {
		return nil, err
	}
	e.Domains = domains
	return e, nil
}

func (s *SQLiteStore) ListEntities(ctx context.Context, entityType model.EntityType) ([]model.Entity, error) {
	query := `SELECT entity_type, entity_id, name, keywords, created_at, updated_at FROM entities`
	var args []any
	if entityType != "" {
		query += ` WHERE entity_type = ?`
		args = append(args, string(entityType))
	}
	query += ` ORDER BY entity_type, entity_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list entities")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Entity
	for rows.Next() {
		e, err := scanSQLiteEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate entities")
	}

	domains, err := s.allDomains(ctx)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Domains = domains[out[i].EntityRef]
	}
	return out, nil
}

func (s *SQLiteStore) EntitiesByDomain(ctx context.Context, domains []string) (map[string][]model.EntityRef, error) {
	domains = normalizeDomains(domains)
	out := make(map[string][]model.EntityRef, len(domains))
	if len(domains) == 0 {
		return out, nil
	}
	args := make([]any, len(domains))
	for i, d := range domains {
		args[i] = d
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT domain, entity_type, entity_id FROM entity_domains
		WHERE domain IN (`+placeholders(len(domains))+`)
		ORDER BY domain, entity_id, entity_type`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: entities by domain")
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var domain, typ, id string
		if err := rows.Scan(&domain, &typ, &id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity domain")
		}
		out[domain] = append(out[domain], model.EntityRef{Type: model.EntityType(typ), ID: id})
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate entity domains")
}

func (s *SQLiteStore) MergeEntityKeywords(ctx context.Context, ref model.EntityRef, keywords []string, now time.Time) ([]string, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	var merged []string
	err := s.write(ctx, "merge_keywords", func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx,
			`SELECT keywords FROM entities WHERE entity_type = ? AND entity_id = ?`,
			string(ref.Type), ref.ID,
		).Scan(&raw)
		if err == sql.ErrNoRows {
			return unknownEntity(ref)
		}
		if err != nil {
			return eris.Wrapf(err, "sqlite: load keywords %s", ref)
		}
		existing, err := unmarshalKeywords(raw)
		if err != nil {
			return err
		}
		merged = NormalizeKeywords(existing, keywords)
		encoded, err := marshalKeywords(merged)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE entities SET keywords = ?, updated_at = ? WHERE entity_type = ? AND entity_id = ?`,
			encoded, fmtTime(now), string(ref.Type), ref.ID,
		)
		return eris.Wrapf(err, "sqlite: update keywords %s", ref)
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

func (s *SQLiteStore) domainsFor(ctx context.Context, ref model.EntityRef) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT domain FROM entity_domains WHERE entity_type = ? AND entity_id = ? ORDER BY domain`,
		string(ref.Type), ref.ID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: domains for %s", ref)
	}
	defer rows.Close() //nolint:errcheck

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan domain")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate domains")
}

func (s *SQLiteStore) allDomains(ctx context.Context) (map[model.EntityRef][]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT domain, entity_type, entity_id FROM entity_domains ORDER BY domain`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list domains")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[model.EntityRef][]string)
	for rows.Next() {
		var d, typ, id string
		if err := rows.Scan(&d, &typ, &id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan domain")
		}
		ref := model.EntityRef{Type: model.EntityType(typ), ID: id}
		out[ref] = append(out[ref], d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate domains")
}

func scanSQLiteEntity(row scannable) (*model.Entity, error) {
	var (
		e                model.Entity
		typ, raw         string
		created, updated string
	)
	if err := row.Scan(&typ, &e.ID, &e.Name, &raw, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan entity")
	}
	e.Type = model.EntityType(typ)
	var err error
	if e.Keywords, err = unmarshalKeywords(raw); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &e, nil
}
