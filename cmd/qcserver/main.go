// Command qcserver runs the QC pipeline: the HTTP API, and the
// background scheduler that seals due batches and reconciles expired
// dispatch leases.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/surveyqc/qcpipeline/internal/config"
	"github.com/surveyqc/qcpipeline/internal/database"
	"github.com/surveyqc/qcpipeline/pkg/audit"
	"github.com/surveyqc/qcpipeline/pkg/batching"
	"github.com/surveyqc/qcpipeline/pkg/dispatcher"
	"github.com/surveyqc/qcpipeline/pkg/httpapi"
	"github.com/surveyqc/qcpipeline/pkg/sampling"
	"github.com/surveyqc/qcpipeline/pkg/scheduler"
	"github.com/surveyqc/qcpipeline/pkg/store/assignmentview"
	"github.com/surveyqc/qcpipeline/pkg/store/batchstore"
	"github.com/surveyqc/qcpipeline/pkg/store/configstore"
	"github.com/surveyqc/qcpipeline/pkg/store/responsestore"
	"github.com/surveyqc/qcpipeline/pkg/verification"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	entry := logrus.NewEntry(log)

	if err := run(entry); err != nil {
		entry.WithError(err).Fatal("qcserver exited with an error")
	}
}

func run(log *logrus.Entry) error {
	cfgPath := os.Getenv("QC_CONFIG_FILE")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	watcher, err := config.NewWatcher(cfgPath, cfg, log)
	if err != nil {
		return err
	}
	defer watcher.Close()

	db, err := database.Connect(cfg.Database, log.Logger)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	responses := responsestore.New(db)
	batches := batchstore.New(db)
	configs := configstore.New(db)
	assignments := assignmentview.New(db)

	auditClient := audit.NewClient(nil, logr.Discard())

	samplingProcessor := sampling.New(batches, responses, assignments, auditClient, log)
	batchingEngine := batching.New(responses, batches, configs, samplingProcessor, samplingProcessor, log)
	dispatch := dispatcher.New(redisClient, assignments, cfg.LeaseDuration, cfg.MaxDispatchRetries, log)
	verificationHandler := verification.New(responses, batches, samplingProcessor, assignments, dispatch, auditClient, log)

	location, err := cfg.Location()
	if err != nil {
		return err
	}
	sched := scheduler.New(batches, configs, samplingProcessor, dispatch, assignments, samplingProcessor, responses, location, log)

	api := httpapi.New(batchingEngine, dispatch, verificationHandler, configs, batches, samplingProcessor, sched, log)
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: api.Router()}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx, cfg.DailySealCheckInterval, cfg.LeaseGCInterval, cfg.ViewRefreshInterval) })
	g.Go(func() error {
		log.WithField("addr", cfg.HTTPAddr).Info("starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
