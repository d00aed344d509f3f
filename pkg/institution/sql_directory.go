package institution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/database"
)

// SQLDirectory persists institutions in the shared database.
type SQLDirectory struct {
	db *database.DB
}

// NewSQLDirectory migrates the institutions table.
func NewSQLDirectory(ctx context.Context, db *database.DB) (*SQLDirectory, error) {
	err := db.Migrate(ctx, `CREATE TABLE IF NOT EXISTS institutions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		did TEXT NOT NULL DEFAULT '',
		settlement_account TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL,
		assets TEXT NOT NULL
	)`)
	if err != nil {
		return nil, err
	}
	return &SQLDirectory{db: db}, nil
}

func (d *SQLDirectory) Get(ctx context.Context, id string) (Institution, error) {
	row := d.db.QueryRowContext(ctx, d.db.Rebind(
		`SELECT id, name, did, settlement_account, active, assets FROM institutions WHERE id = ?`), id)
	inst, err := scanInstitution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Institution{}, ErrNotFound
	}
	return inst, err
}

func (d *SQLDirectory) Put(ctx context.Context, inst Institution) error {
	assets, err := json.Marshal(inst.Assets)
	if err != nil {
		return fmt.Errorf("encode assets: %w", err)
	}
	_, err = d.db.ExecContext(ctx, d.db.Rebind(`
		INSERT INTO institutions (id, name, did, settlement_account, active, assets)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, did = excluded.did,
			settlement_account = excluded.settlement_account,
			active = excluded.active, assets = excluded.assets`),
		inst.ID, inst.Name, inst.DID, inst.SettlementAccount, inst.Active, string(assets))
	if err != nil {
		return fmt.Errorf("put institution %s: %w", inst.ID, err)
	}
	return nil
}

func (d *SQLDirectory) List(ctx context.Context) ([]Institution, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, name, did, settlement_account, active, assets FROM institutions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list institutions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Institution
	for rows.Next() {
		inst, err := scanInstitution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstitution(s scanner) (Institution, error) {
	var inst Institution
	var assets string
	if err := s.Scan(&inst.ID, &inst.Name, &inst.DID, &inst.SettlementAccount, &inst.Active, &assets); err != nil {
		return Institution{}, err
	}
	if err := json.Unmarshal([]byte(assets), &inst.Assets); err != nil {
		return Institution{}, fmt.Errorf("decode assets of %s: %w", inst.ID, err)
	}
	return inst, nil
}
