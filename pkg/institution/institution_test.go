package institution

import (
	"context"
	"regexp"
	"testing"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/config"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/database"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectories(t *testing.T) {
	ctx := context.Background()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	defer db.Close()
	sqlDir, err := NewSQLDirectory(ctx, db)
	require.NoError(t, err)

	for name, d := range map[string]Directory{"memory": NewMemoryDirectory(), "sql": sqlDir} {
		t.Run(name, func(t *testing.T) {
			inactive := false
			require.NoError(t, Seed(ctx, d, []config.InstitutionSeed{
				{ID: "uni", Name: "Uni", SettlementAccount: "0.0.2001", Assets: []string{"0.0.5001"}},
				{ID: "closed", Name: "Closed", SettlementAccount: "0.0.2002", Active: &inactive},
			}))

			inst, err := d.Get(ctx, "uni")
			require.NoError(t, err)
			assert.True(t, inst.Active)
			assert.True(t, inst.OwnsAsset("0.0.5001"))
			assert.False(t, inst.OwnsAsset("0.0.9999"))

			closed, err := d.Get(ctx, "closed")
			require.NoError(t, err)
			assert.False(t, closed.Active)

			_, err = d.Get(ctx, "nobody")
			assert.ErrorIs(t, err, ErrNotFound)

			inst.Assets = append(inst.Assets, "0.0.5002")
			require.NoError(t, d.Put(ctx, inst))
			again, err := d.Get(ctx, "uni")
			require.NoError(t, err)
			assert.Equal(t, []string{"0.0.5001", "0.0.5002"}, again.Assets)

			all, err := d.List(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "closed", all[0].ID)
		})
	}
}

func TestSQLDirectory_PutUsesPostgresPlaceholders(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS institutions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1, $2, $3, $4, $5, $6)")).
		WithArgs("uni", "Uni", "", "0.0.2001", true, `["0.0.5001"]`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	d, err := NewSQLDirectory(context.Background(), database.Wrap(raw, database.Postgres))
	require.NoError(t, err)
	require.NoError(t, d.Put(context.Background(), Institution{
		ID: "uni", Name: "Uni", SettlementAccount: "0.0.2001", Active: true, Assets: []string{"0.0.5001"},
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}
