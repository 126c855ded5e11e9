// sscdbinit creates the control plane SQL schema in the database named by
// DATABASE_URL. Run once against a fresh database before starting
// swarmserver.
package main

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"

	"go.cipherswarm.org/server/go/cslog"
	"go.cipherswarm.org/server/swarm/go/config"
	"go.cipherswarm.org/server/swarm/go/db/cdb"
)

func main() {
	ctx := context.Background()
	cfg, err := config.Load()
	if err != nil {
		cslog.Fatal(err)
	}
	if cfg.DatabaseURL == "" {
		cslog.Fatal("DATABASE_URL is required")
	}
	pool, err := pgxpool.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		cslog.Fatalf("failed to connect: %s", err)
	}
	defer pool.Close()
	store := cdb.New(pool)
	if err := store.ApplySchema(ctx); err != nil {
		cslog.Fatalf("failed to apply schema: %s", err)
	}
	cslog.Infof("schema applied")
}
