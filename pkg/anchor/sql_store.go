package anchor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/database"
)

// SQLStore keeps proofs in the shared database.
type SQLStore struct {
	db *database.DB
}

func NewSQLStore(ctx context.Context, db *database.DB) (*SQLStore, error) {
	err := db.Migrate(ctx,
		`CREATE TABLE IF NOT EXISTS anchor_proofs (
			id TEXT PRIMARY KEY,
			content_hash TEXT NOT NULL,
			network TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			seq BIGINT NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS anchor_proofs_content ON anchor_proofs (content_hash, seq)`,
	)
	if err != nil {
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Save(ctx context.Context, p Proof) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode proof: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO anchor_proofs (id, content_hash, network, kind, status, seq, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status, doc = excluded.doc`),
		p.ID, p.ContentHash, p.Network, string(p.Kind), string(p.Status), p.Timestamp.UnixNano(), string(doc))
	if err != nil {
		return fmt.Errorf("save proof %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLStore) ForContent(ctx context.Context, contentHash string) ([]Proof, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT doc FROM anchor_proofs WHERE content_hash = ? ORDER BY seq, id`), contentHash)
	if err != nil {
		return nil, fmt.Errorf("list proofs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Proof
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan proof: %w", err)
		}
		var p Proof
		if err := json.Unmarshal([]byte(doc), &p); err != nil {
			return nil, fmt.Errorf("decode proof: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
