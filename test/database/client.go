// Package database provides test helpers that provision fully migrated
// database clients against an isolated per-test schema.
package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fuel-code/fuel-code/pkg/database"
	"github.com/fuel-code/fuel-code/test/util"
)

// NewTestClient creates a migrated database client bound to a fresh
// per-test schema. Cleanup (schema drop, pool close) is registered on t.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()

	connStr := util.CreateTestSchema(t)

	client, err := database.NewClient(context.Background(), database.Config{
		URL:          connStr,
		MaxOpenConns: 10,
		MaxIdleConns: 5,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}
