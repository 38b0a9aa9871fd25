package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/mongo"
	mongoopts "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/gin-gonic/gin"

	"github.com/simrail-mirror/collector/internal/cache"
	"github.com/simrail-mirror/collector/internal/cleanup"
	"github.com/simrail-mirror/collector/internal/collector/dispatch"
	collectorserver "github.com/simrail-mirror/collector/internal/collector/server"
	"github.com/simrail-mirror/collector/internal/collector/timetable"
	"github.com/simrail-mirror/collector/internal/collector/train"
	"github.com/simrail-mirror/collector/internal/config"
	"github.com/simrail-mirror/collector/internal/eventbus"
	"github.com/simrail-mirror/collector/internal/logger"
	"github.com/simrail-mirror/collector/internal/models"
	"github.com/simrail-mirror/collector/internal/realtime"
	"github.com/simrail-mirror/collector/internal/refdata"
	"github.com/simrail-mirror/collector/internal/scheduler"
	"github.com/simrail-mirror/collector/internal/store"
	"github.com/simrail-mirror/collector/internal/upstream"
)

// fixedScenery is the default scenery tag applied to a server that
// reports none (spec.md §4.5).
const fixedScenery = "eu1"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.LogLevel, cfg.Environment)
	log.WithFields(logger.Fields{"environment": cfg.Environment}).Info("starting simrail collector")

	db, err := store.Open(cfg.Database, log)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to durable store")
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Host + ":" + strconv.Itoa(cfg.Redis.Port),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.Database,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	defer rdb.Close()

	mongoCtx, mongoCancel := context.WithTimeout(context.Background(), cfg.Mongo.ConnectTimeout)
	mongoClient, err := mongo.Connect(mongoCtx, mongoopts.Client().
		ApplyURI(cfg.Mongo.URI).
		SetMaxPoolSize(cfg.Mongo.MaxPoolSize).
		SetServerSelectionTimeout(cfg.Mongo.ServerSelectionTimeout))
	mongoCancel()
	if err != nil {
		log.WithError(err).Fatal("failed to connect to persistent mirror")
	}
	defer mongoClient.Disconnect(context.Background())
	mirror := mongoClient.Database(cfg.Mongo.Database).Collection("snapshots")

	bus, err := eventbus.Connect(cfg.NATS.URL, cfg.NATS.Name, log)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to event bus")
	}
	defer bus.Close()

	snapshotCache := cache.New(rdb, mirror, log)
	rehydrateCtx, rehydrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := snapshotCache.PullFromStorage(rehydrateCtx); err != nil {
		log.WithError(err).Fatal("failed to rehydrate snapshot cache from persistent mirror")
	}
	rehydrateCancel()

	refStore := refdata.NewStore(db.Conn(), rdb, fixedScenery)
	reloadCtx, reloadCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := refStore.Reload(reloadCtx); err != nil {
		log.WithError(err).Fatal("failed to load reference data")
	}
	reloadCancel()

	panelClient := upstream.NewPanel(cfg.PanelBaseURL, cfg.UpstreamKey, log)
	awsClient := upstream.NewAWS(cfg.AWSBaseURL, cfg.UpstreamKey, log)

	serverRepo := store.NewServerRepository(db)
	journeyRepo := store.NewJourneyRepository(db)
	dispatchRepo := store.NewDispatchPostRepository(db)

	platformLookup := &refdata.PlatformLookupAdapter{Store: refStore}
	updater := realtime.New(1024, journeyRepo, refStore, platformLookup, log)

	serverCollector := collectorserver.New(panelClient, awsClient, snapshotCache, bus, serverRepo, refStore, log)
	timetableCollector := timetable.New(awsClient, journeyRepo, refStore, refStore, log)
	trainCollector := train.New(20, panelClient, snapshotCache, bus, journeyRepo, refStore, updater, log)
	dispatchCollectors := make(map[string]*dispatch.Collector)

	cleanupTask := cleanup.New(journeyRepo, serverRepo, cleanup.NewRepositoryTimeSource(serverRepo), log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go updater.Run(ctx)

	sched := scheduler.New(log)
	sched.Every(ctx, "server", 30*time.Second, 0, func(ctx context.Context) {
		serverCollector.Run(ctx)
	})
	sched.Every(ctx, "timetable", 15*time.Minute, 30*time.Second, func(ctx context.Context) {
		for _, srv := range serverCollector.Known() {
			timetableCollector.Run(ctx, srv.ServerID, srv.Code, srv.UTCOffsetSec)
		}
	})
	sched.Every(ctx, "train", 2*time.Second, 3*time.Second, func(ctx context.Context) {
		known := serverCollector.Known()
		servers := make([]*train.Server, 0, len(known))
		for _, srv := range known {
			servers = append(servers, &train.Server{
				ServerID:   srv.ServerID,
				ServerCode: srv.Code,
				Data:       models.NewServerCollectorData(),
			})
		}
		trainCollector.Run(ctx, servers)
	})
	sched.Every(ctx, "dispatch", 2*time.Second, 4*time.Second, func(ctx context.Context) {
		for _, srv := range serverCollector.Known() {
			dc, ok := dispatchCollectors[srv.Code]
			if !ok {
				dc = dispatch.New(panelClient, snapshotCache, bus, dispatchRepo, log)
				dispatchCollectors[srv.Code] = dc
			}
			dc.Run(ctx, srv.ServerID, srv.Code)
		}
	})
	sched.Every(ctx, "cancellation", 2*time.Minute, time.Minute, func(ctx context.Context) {
		cleanupTask.RunCancellation(ctx)
	})
	if err := sched.Cron(cfg.CleanupCron, func(ctx context.Context) {
		cleanupTask.RunDailyCleanup(ctx)
	}); err != nil {
		log.WithError(err).Fatal("failed to register daily cleanup cron")
	}
	sched.Start()

	router := gin.New()
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/ready", func(c *gin.Context) {
		if err := db.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	httpServer := &http.Server{Addr: ":" + strconv.Itoa(cfg.HTTPPort), Handler: router}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("failed to start HTTP server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down simrail collector")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()
	sched.Stop(shutdownCtx)
	updater.Wait()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("failed to shut down HTTP server")
	}

	log.Info("simrail collector stopped")
}

