// Command orchestrator runs the on-demand AceStream fleet orchestrator:
// it loads configuration, opens the database, reconciles state against
// the live container runtime, and serves the HTTP API until a shutdown
// signal arrives.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/krinkuto11/aceorchestrator/internal/api"
	"github.com/krinkuto11/aceorchestrator/internal/autoscale"
	"github.com/krinkuto11/aceorchestrator/internal/auth"
	"github.com/krinkuto11/aceorchestrator/internal/config"
	"github.com/krinkuto11/aceorchestrator/internal/events"
	"github.com/krinkuto11/aceorchestrator/internal/naming"
	"github.com/krinkuto11/aceorchestrator/internal/ports"
	"github.com/krinkuto11/aceorchestrator/internal/provision"
	"github.com/krinkuto11/aceorchestrator/internal/reindex"
	"github.com/krinkuto11/aceorchestrator/internal/runtime"
	"github.com/krinkuto11/aceorchestrator/internal/stats"
	"github.com/krinkuto11/aceorchestrator/internal/store"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("panic", r).Error("recovered from panic in main, exiting")
			os.Exit(1)
		}
	}()

	setupLogging()

	if err := run(); err != nil {
		logrus.WithError(err).Fatal("orchestrator exited with error")
	}
}

func setupLogging() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetOutput(os.Stdout)
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := store.Open(ctx, cfg.DBURL)
	if err != nil {
		return err
	}
	defer db.Close()

	rt, err := runtime.NewDockerAdapter(ctx)
	if err != nil {
		return err
	}

	pa := ports.New(cfg)
	nm := naming.New(db, rt)
	pv := provision.New(cfg, rt, pa, nm)
	as := autoscale.New(cfg, rt, pv)
	st := store.New(db, cfg.StatsHistoryMax)
	rx := reindex.New(cfg, rt, pa, st)
	ev := events.New(cfg, st, rt, pv)
	col := stats.New(st, time.Duration(cfg.CollectIntervalS)*time.Second)

	// Boot sequence: schema is already migrated by store.Open. Ensure the
	// replica floor is met, start the stats collector, hydrate state from
	// the database, then reconcile against whatever the runtime is
	// actually running -- in that order, matching app/main.py's lifespan.
	if err := as.EnsureMinimum(ctx); err != nil {
		return err
	}
	col.Start(ctx)
	defer col.Stop()
	if err := st.LoadFromDB(ctx); err != nil {
		return err
	}
	if err := rx.Reindex(ctx); err != nil {
		return err
	}

	srv := api.New(cfg, st, rt, pv, as, ev)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.AppPort),
		Handler: srv.Router(auth.Middleware(cfg.APIKey)),
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logrus.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
