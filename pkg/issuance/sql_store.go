package issuance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/database"
)

var sqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS issuance_intents (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL DEFAULT '',
		phase TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL,
		version BIGINT NOT NULL,
		doc TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS issuance_intents_request ON issuance_intents (request_id)`,
	`CREATE INDEX IF NOT EXISTS issuance_intents_phase ON issuance_intents (phase, expires_at)`,
	`CREATE TABLE IF NOT EXISTS issuance_payment_refs (
		ref TEXT PRIMARY KEY,
		intent_id TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS mint_records (
		asset_id TEXT NOT NULL,
		serial_number BIGINT NOT NULL,
		intent_id TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		doc TEXT NOT NULL,
		PRIMARY KEY (asset_id, serial_number)
	)`,
	`CREATE INDEX IF NOT EXISTS mint_records_intent ON mint_records (intent_id)`,
	`CREATE TABLE IF NOT EXISTS revocations (
		asset_id TEXT NOT NULL,
		serial_number BIGINT NOT NULL,
		doc TEXT NOT NULL,
		PRIMARY KEY (asset_id, serial_number)
	)`,
}

// SQLStore is a Store on Postgres or SQLite. Intents are stored as JSON
// documents beside the columns the engine queries by.
type SQLStore struct {
	db *database.DB
}

// NewSQLStore migrates the issuance tables.
func NewSQLStore(ctx context.Context, db *database.DB) (*SQLStore, error) {
	if err := db.Migrate(ctx, sqlSchema...); err != nil {
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) CreateIntent(ctx context.Context, in *Intent) error {
	doc, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode intent %s: %w", in.ID, err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO issuance_intents (id, request_id, phase, created_at, expires_at, version, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		in.ID, in.Request.RequestID, string(in.Phase), in.CreatedAt.UnixNano(), in.ExpiresAt.UnixNano(), in.Version, string(doc))
	if err != nil {
		return fmt.Errorf("create intent %s: %w", in.ID, err)
	}
	return nil
}

func (s *SQLStore) GetIntent(ctx context.Context, id string) (*Intent, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT doc FROM issuance_intents WHERE id = ?`), id)
	return scanIntent(row)
}

func (s *SQLStore) GetIntentByRequest(ctx context.Context, requestID string) (*Intent, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT doc FROM issuance_intents WHERE request_id = ? ORDER BY created_at DESC LIMIT 1`), requestID)
	return scanIntent(row)
}

func (s *SQLStore) UpdateIntent(ctx context.Context, in *Intent) error {
	expected := in.Version
	in.Version++
	doc, err := json.Marshal(in)
	if err != nil {
		in.Version = expected
		return fmt.Errorf("encode intent %s: %w", in.ID, err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE issuance_intents SET phase = ?, expires_at = ?, version = ?, doc = ?
		WHERE id = ? AND version = ?`),
		string(in.Phase), in.ExpiresAt.UnixNano(), in.Version, string(doc), in.ID, expected)
	if err != nil {
		in.Version = expected
		return fmt.Errorf("update intent %s: %w", in.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		in.Version = expected
		return fmt.Errorf("update intent %s: %w", in.ID, err)
	}
	if n == 0 {
		in.Version = expected
		if _, err := s.GetIntent(ctx, in.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	return nil
}

func (s *SQLStore) ListIntents(ctx context.Context, f IntentFilter) ([]*Intent, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Phases) > 0 {
		marks := make([]string, len(f.Phases))
		for i, p := range f.Phases {
			marks[i] = "?"
			args = append(args, string(p))
		}
		where = append(where, "phase IN ("+strings.Join(marks, ", ")+")")
	}
	if !f.ExpiresBefore.IsZero() {
		where = append(where, "expires_at < ?")
		args = append(args, f.ExpiresBefore.UnixNano())
	}
	q := `SELECT doc FROM issuance_intents`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *SQLStore) ClaimPaymentRef(ctx context.Context, ref, intentID string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO issuance_payment_refs (ref, intent_id) VALUES (?, ?)
		ON CONFLICT (ref) DO NOTHING`), ref, intentID)
	if err != nil {
		return fmt.Errorf("claim payment ref: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}
	var owner string
	err = s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT intent_id FROM issuance_payment_refs WHERE ref = ?`), ref).Scan(&owner)
	if err != nil {
		return fmt.Errorf("claim payment ref: %w", err)
	}
	if owner != intentID {
		return ErrPaymentRefUsed
	}
	return nil
}

func (s *SQLStore) SaveRecord(ctx context.Context, rec MintRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode mint record: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO mint_records (asset_id, serial_number, intent_id, content_hash, doc)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (asset_id, serial_number) DO NOTHING`),
		rec.AssetID, rec.SerialNumber, rec.IntentID, rec.ContentHash, string(doc))
	if err != nil {
		return fmt.Errorf("save mint record %s#%d: %w", rec.AssetID, rec.SerialNumber, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrDuplicateSerial
	}
	return nil
}

func (s *SQLStore) GetRecord(ctx context.Context, assetID string, serial int64) (MintRecord, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT doc FROM mint_records WHERE asset_id = ? AND serial_number = ?`), assetID, serial)
	rec, err := scanRecord(row)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return MintRecord{}, fmt.Errorf("get mint record %s#%d: %w", assetID, serial, err)
	}
	return rec, err
}

func (s *SQLStore) GetRecordByIntent(ctx context.Context, intentID string) (MintRecord, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT doc FROM mint_records WHERE intent_id = ? ORDER BY serial_number LIMIT 1`), intentID)
	rec, err := scanRecord(row)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return MintRecord{}, fmt.Errorf("get mint record for intent %s: %w", intentID, err)
	}
	return rec, err
}

func scanRecord(s scanner) (MintRecord, error) {
	var doc string
	if err := s.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MintRecord{}, ErrRecordNotFound
		}
		return MintRecord{}, err
	}
	var rec MintRecord
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return MintRecord{}, fmt.Errorf("decode: %w", err)
	}
	return rec, nil
}

func (s *SQLStore) SaveRevocation(ctx context.Context, rev Revocation) error {
	doc, err := json.Marshal(rev)
	if err != nil {
		return fmt.Errorf("encode revocation: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO revocations (asset_id, serial_number, doc) VALUES (?, ?, ?)
		ON CONFLICT (asset_id, serial_number) DO NOTHING`),
		rev.AssetID, rev.SerialNumber, string(doc))
	if err != nil {
		return fmt.Errorf("save revocation %s#%d: %w", rev.AssetID, rev.SerialNumber, err)
	}
	return nil
}

func (s *SQLStore) GetRevocation(ctx context.Context, assetID string, serial int64) (Revocation, bool, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT doc FROM revocations WHERE asset_id = ? AND serial_number = ?`), assetID, serial).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return Revocation{}, false, nil
	}
	if err != nil {
		return Revocation{}, false, fmt.Errorf("get revocation %s#%d: %w", assetID, serial, err)
	}
	var rev Revocation
	if err := json.Unmarshal([]byte(doc), &rev); err != nil {
		return Revocation{}, false, fmt.Errorf("decode revocation: %w", err)
	}
	return rev, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIntent(s scanner) (*Intent, error) {
	var doc string
	if err := s.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrIntentNotFound
		}
		return nil, fmt.Errorf("scan intent: %w", err)
	}
	var in Intent
	if err := json.Unmarshal([]byte(doc), &in); err != nil {
		return nil, fmt.Errorf("decode intent: %w", err)
	}
	return &in, nil
}
