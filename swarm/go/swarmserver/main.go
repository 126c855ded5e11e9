// swarmserver is the agent-facing control plane server: it assigns tasks,
// ingests cracks and status updates, and runs the maintenance loop.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"go.cipherswarm.org/server/go/cache"
	"go.cipherswarm.org/server/go/cleanup"
	"go.cipherswarm.org/server/go/cslog"
	"go.cipherswarm.org/server/swarm/go/agentapi"
	"go.cipherswarm.org/server/swarm/go/config"
	"go.cipherswarm.org/server/swarm/go/cracks"
	"go.cipherswarm.org/server/swarm/go/db/cdb"
	"go.cipherswarm.org/server/swarm/go/eta"
	"go.cipherswarm.org/server/swarm/go/health"
	"go.cipherswarm.org/server/swarm/go/maintenance"
	"go.cipherswarm.org/server/swarm/go/objectstore"
	"go.cipherswarm.org/server/swarm/go/scheduling"
	"go.cipherswarm.org/server/swarm/go/taskstatus"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "swarmserver",
		Short: "CipherSwarm agent-facing control plane server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	if err := rootCmd.Execute(); err != nil {
		cslog.Fatal(err)
	}
}

func run(ctx context.Context) error {
	defer cslog.Flush()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	pool, err := pgxpool.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	store := cdb.New(pool)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	redisClient := redis.NewClient(redisOpts)
	c := cache.New(redisClient, "swarm")

	var objects *objectstore.Client
	if cfg.S3AccessKey != "" || cfg.S3Endpoint != "" {
		objects, err = objectstore.New(ctx, cfg)
		if err != nil {
			return err
		}
	} else {
		cslog.Warningf("no object store configured; resource downloads disabled")
	}

	sched := scheduling.New(store, cfg)
	crackSvc := cracks.New(store, c)
	statusSvc := taskstatus.New(store)
	etaCalc := eta.New(store, c)
	// A nil *objectstore.Client must not reach the prober as a non-nil
	// interface.
	var objPinger health.Pinger
	if objects != nil {
		objPinger = objects
	}
	prober := health.New(store, c, objPinger, cfg)

	loop := maintenance.New(store, cfg, sched)
	cleanup.Repeat(maintenance.TickFrequency, func(ctx context.Context) {
		loop.Tick(ctx)
		prober.TouchQueue(ctx)
	}, nil)

	server := agentapi.New(store, cfg, sched, crackSvc, statusSvc, etaCalc, prober, objects)

	go func() {
		promRouter := chi.NewRouter()
		promRouter.Handle("/metrics", promhttp.Handler())
		cslog.Infof("serving metrics on :%d", cfg.PromPort)
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.PromPort), promRouter); err != nil {
			cslog.Errorf("metrics server stopped: %s", err)
		}
	}()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server.Router(),
	}
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cleanup.Cleanup()
		if err := httpServer.Shutdown(context.Background()); err != nil {
			cslog.Errorf("server shutdown failed: %s", err)
		}
		pool.Close()
	}()

	cslog.Infof("serving agent API on :%d", cfg.Port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
