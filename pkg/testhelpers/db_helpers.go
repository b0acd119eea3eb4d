package testhelpers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/require"

	"bazaarchat/pkg/db"
)

var uniqueCounter int64

func nextSuffix() int64 {
	return atomic.AddInt64(&uniqueCounter, 1)
}

// SchemaPath returns the absolute path of pkg/db/schema.sql.
func SchemaPath() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "db", "schema.sql")
}

// NewTestPool connects to a real Postgres instance and applies the schema.
// Skips if DATABASE_URL_FOR_TEST is not set to keep CI deterministic.
func NewTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if err := godotenv.Load(); err != nil {
		t.Log("No .env file found, using environment variables")
	}
	dsn := os.Getenv("DATABASE_URL_FOR_TEST")
	if dsn == "" {
		t.Skip("DATABASE_URL_FOR_TEST not set; skipping integration tests")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.MaxConns = 4

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, db.ApplySchema(ctx, pool, SchemaPath()))

	truncate := func() {
		_, err := pool.Exec(context.Background(), "TRUNCATE messages, conversations, users CASCADE")
		require.NoError(t, err)
	}
	truncate()
	t.Cleanup(func() {
		truncate()
		pool.Close()
	})
	return pool
}

// CreateTestUser inserts a user with a unique id and email and returns the id.
func CreateTestUser(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	id := fmt.Sprintf("test-user-%d", nextSuffix())
	_, err := pool.Exec(context.Background(), "INSERT INTO users (id, email) VALUES ($1, $2)", id, id+"@example.com")
	require.NoError(t, err)
	return id
}

// CreateTestConversation inserts a conversation between buyer and seller and returns its id.
func CreateTestConversation(t *testing.T, pool *pgxpool.Pool, buyerID, sellerID string) string {
	t.Helper()

	id := fmt.Sprintf("test-conversation-%d", nextSuffix())
	_, err := pool.Exec(context.Background(),
		"INSERT INTO conversations (id, buyer_id, seller_id, ad_title) VALUES ($1, $2, $3, $4)",
		id, buyerID, sellerID, "ad "+id)
	require.NoError(t, err)
	return id
}
