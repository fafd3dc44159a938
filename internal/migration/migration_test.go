package migration

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDriverURL(t *testing.T) {
	require.Equal(t, "pgx5://u:p@db:5432/resrv?sslmode=disable", DriverURL("postgres://u:p@db:5432/resrv?sslmode=disable"))
	require.Equal(t, "pgx5://db/resrv", DriverURL("postgresql://db/resrv"))
	require.Equal(t, "pgx5://db/resrv", DriverURL("pgx5://db/resrv"))
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(files, "sql")
	require.NoError(t, err)
	ups, downs := 0, 0
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			downs++
		}
	}
	require.Equal(t, 2, ups)
	require.Equal(t, ups, downs)

	schema, err := fs.ReadFile(files, "sql/000001_reservations.up.sql")
	require.NoError(t, err)
	require.Contains(t, string(schema), "reservations_payment_id_key")
}
