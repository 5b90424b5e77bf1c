package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/bits-and-blooms/bloom/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/thoughtd/internal/eventlog"
	"github.com/fyrsmithlabs/thoughtd/internal/thought"
)

// AcceptResult is the outcome of AcceptThought.
type AcceptResult struct {
	Accepted bool
	// ThoughtID is the new record's id, or for a duplicate the id of the
	// earlier record with the same fingerprint when one exists. A
	// probabilistic false positive leaves it empty.
	ThoughtID string
	Position  int64
}

// AcceptThought atomically tests the record's fingerprint against the
// tenant's fingerprint set and, when absent, inserts the fingerprint, writes
// the record and appends a thought.created event. Either all three happen or
// none do.
func (s *SQLiteStore) AcceptThought(ctx context.Context, rec thought.Record) (AcceptResult, error) {
	ctx, span := s.tracer.Start(ctx, "Store.AcceptThought")
	defer span.End()
	span.SetAttributes(attribute.String("tenant", rec.Tenant))

	var res AcceptResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		m, k, err := s.bloomParams(ctx, tx, rec.Tenant)
		if err != nil {
			return err
		}
		bits := fingerprintBits(rec.Fingerprint, m, k)

		present, err := countBits(ctx, tx, rec.Tenant, bits)
		if err != nil {
			return err
		}
		if present == len(bits) {
			res.ThoughtID, err = existingThoughtID(ctx, tx, rec.Tenant, rec.Fingerprint)
			return err
		}

		for _, b := range bits {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO fingerprint_bits (tenant, bit) VALUES (?, ?)`,
				rec.Tenant, b); err != nil {
				return fmt.Errorf("setting fingerprint bit: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO thoughts (tenant, id, content, fingerprint, chain_id, sequence, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.Tenant, rec.ID, rec.Content, rec.Fingerprint, rec.ChainID, rec.Sequence, rec.CreatedAt.UTC().UnixNano(),
		); err != nil {
			return fmt.Errorf("inserting thought: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO thoughts_fts (content, tenant, thought_id) VALUES (?, ?, ?)`,
			rec.Content, rec.Tenant, rec.ID,
		); err != nil {
			return fmt.Errorf("indexing thought: %w", err)
		}

		pos, err := appendTx(ctx, tx, rec.Tenant, eventlog.CreatedFields(rec.ID))
		if err != nil {
			return err
		}
		res = AcceptResult{Accepted: true, ThoughtID: rec.ID, Position: pos}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "accept failed")
		return AcceptResult{}, unavailable("accepting thought", err)
	}

	span.SetAttributes(attribute.Bool("accepted", res.Accepted))
	if res.Accepted {
		s.signals.broadcast(rec.Tenant)
	}
	return res, nil
}

// bloomParams returns the tenant's pinned (bits, hashes), pinning the store
// defaults on first use.
func (s *SQLiteStore) bloomParams(ctx context.Context, tx *sql.Tx, tenant string) (uint, uint, error) {
	var m, k int64
	err := tx.QueryRowContext(ctx,
		`SELECT bits, hashes FROM fingerprint_params WHERE tenant = ?`, tenant,
	).Scan(&m, &k)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fingerprint_params (tenant, bits, hashes) VALUES (?, ?, ?)`,
			tenant, int64(s.bloomBits), int64(s.bloomHashes),
		); err != nil {
			return 0, 0, fmt.Errorf("pinning fingerprint params: %w", err)
		}
		s.logger.Debug("pinned fingerprint params", zap.String("tenant", tenant))
		return s.bloomBits, s.bloomHashes, nil
	case err != nil:
		return 0, 0, fmt.Errorf("reading fingerprint params: %w", err)
	}
	return uint(m), uint(k), nil
}

// fingerprintBits maps a fingerprint onto k distinct bit positions in [0, m).
func fingerprintBits(fingerprint string, m, k uint) []int64 {
	seen := make(map[int64]struct{}, k)
	bits := make([]int64, 0, k)
	for _, loc := range bloom.Locations([]byte(fingerprint), k) {
		b := int64(loc % uint64(m))
		if _, dup := seen[b]; dup {
			continue
		}
		seen[b] = struct{}{}
		bits = append(bits, b)
	}
	return bits
}

func countBits(ctx context.Context, tx *sql.Tx, tenant string, bits []int64) (int, error) {
	args := make([]any, 0, len(bits)+1)
	args = append(args, tenant)
	for _, b := range bits {
		args = append(args, b)
	}
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fingerprint_bits WHERE tenant = ? AND bit IN (`+placeholders(len(bits))+`)`,
		args...,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("testing fingerprint: %w", err)
	}
	return n, nil
}

func existingThoughtID(ctx context.Context, tx *sql.Tx, tenant, fingerprint string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM thoughts WHERE tenant = ? AND fingerprint = ? ORDER BY created_at LIMIT 1`,
		tenant, fingerprint,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("looking up duplicate: %w", err)
	}
	return id, nil
}

// GetThought returns a tenant's thought record.
func (s *SQLiteStore) GetThought(ctx context.Context, tenant, id string) (thought.Record, error) {
	rec := thought.Record{Tenant: tenant, ID: id}
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT content, fingerprint, chain_id, sequence, created_at
		FROM thoughts WHERE tenant = ? AND id = ?`,
		tenant, id,
	).Scan(&rec.Content, &rec.Fingerprint, &rec.ChainID, &rec.Sequence, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return thought.Record{}, fmt.Errorf("thought %s/%s: %w", tenant, id, ErrNotFound)
	}
	if err != nil {
		return thought.Record{}, unavailable("reading thought", err)
	}
	rec.CreatedAt = fromNanos(created)
	return rec, nil
}

// CountThoughts returns the number of records stored for the tenant.
func (s *SQLiteStore) CountThoughts(ctx context.Context, tenant string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM thoughts WHERE tenant = ?`, tenant,
	).Scan(&n); err != nil {
		return 0, unavailable("counting thoughts", err)
	}
	return n, nil
}

// LexicalSearch returns up to limit of the tenant's thoughts whose content
// shares at least one term with query, best full-text rank first.
func (s *SQLiteStore) LexicalSearch(ctx context.Context, tenant, query string, limit int) ([]thought.Record, error) {
	match := ftsQuery(query)
	if match == "" || limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.content, t.fingerprint, t.chain_id, t.sequence, t.created_at
		FROM thoughts_fts f
		JOIN thoughts t ON t.tenant = f.tenant AND t.id = f.thought_id
		WHERE thoughts_fts MATCH ? AND f.tenant = ?
		ORDER BY bm25(thoughts_fts)
		LIMIT ?`,
		match, tenant, limit,
	)
	if err != nil {
		return nil, unavailable("lexical search", err)
	}
	defer rows.Close()

	var out []thought.Record
	for rows.Next() {
		rec := thought.Record{Tenant: tenant}
		var created int64
		if err := rows.Scan(&rec.ID, &rec.Content, &rec.Fingerprint, &rec.ChainID, &rec.Sequence, &created); err != nil {
			return nil, unavailable("scanning lexical match", err)
		}
		rec.CreatedAt = fromNanos(created)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("lexical search", err)
	}
	return out, nil
}

// ftsQuery turns free text into an FTS5 OR query of quoted terms, so user
// input never reaches the FTS5 query syntax.
func ftsQuery(text string) string {
	terms := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	seen := make(map[string]struct{}, len(terms))
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " OR ")
}
