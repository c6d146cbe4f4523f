package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"server/internal/eventing"
	"server/internal/gen"
	"server/internal/gwconfig"
	"server/internal/httpapi"
	"server/internal/infra"
	"server/internal/infra/geoip"
	"server/internal/quota"
	"server/internal/storage"
	"server/internal/task"
	"server/internal/upload"
)

func main() {
	cfg, err := gwconfig.Load()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	ledger, closeLedger, err := buildLedger(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build quota ledger")
	}
	defer closeLedger()

	eventCfg, err := gwconfig.LoadEventingConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load eventing config")
	}
	if eventCfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: eventCfg.RedisAddr})
		ledger = quota.NewCachingLedger(ledger, redisClient, time.Duration(eventCfg.RedisTTLSeconds)*time.Second, logger)
		defer redisClient.Close()
	}

	mwebBase := func(region upload.Region) string {
		switch region {
		case upload.RegionUS:
			return orDefault(cfg.Mirrors.DreaminaUS, "https://mweb-api-sg.dreamina.com")
		case upload.RegionHK:
			return orDefault(cfg.Mirrors.DreaminaHK, "https://mweb-api-hk.dreamina.com")
		default:
			return orDefault(cfg.Mirrors.JimengCN, "https://mweb-api.jimeng.com")
		}
	}

	transport, err := buildTransport(ctx, cfg, mwebBase)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build upload transport")
	}
	pipeline := upload.New(transport, logger)
	upstream := gen.NewHTTPUpstreamClient(&http.Client{Timeout: 30 * time.Second})
	models := defaultModelTable()

	controller := gen.New(ledger, pipeline, upstream, models, mwebBase, logger)

	store := task.NewStore(cfg.TaskRetention)
	defer store.Close()

	worker := &task.Worker{Controller: controller}
	scheduler := task.NewScheduler(store, worker, cfg.TaskMaxConcurrent, cfg.SchedulerTick, cfg.ImageTaskTimeout, cfg.VideoTaskTimeout, logger)
	if len(eventCfg.KafkaBrokers) > 0 {
		publisher := eventing.NewKafkaPublisher(eventCfg.KafkaBrokers, eventCfg.KafkaTopic)
		scheduler.SetPublisher(publisher)
		defer publisher.Close()
	}
	go scheduler.Start()
	defer scheduler.Stop()

	geoResolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip resolver unavailable, country logging disabled")
		geoResolver = nil
	}

	uploadsStore, err := storage.NewFileStore(cfg.LocalUploadPath)
	if err != nil {
		logger.Warn().Err(err).Msg("local upload directory unavailable, file_paths requests disabled")
		uploadsStore = nil
	}

	app := httpapi.NewApp(controller, store, scheduler, ledger, cfg, logger, geoResolver, uploadsStore)
	router := httpapi.NewRouter(app)

	server := infra.NewHTTPServer(&infra.Config{
		Port:             cfg.Port,
		HTTPReadTimeout:  15 * time.Second,
		HTTPWriteTimeout: 60 * time.Second,
		HTTPIdleTimeout:  60 * time.Second,
	}, router)

	go func() {
		logger.Info().Msgf("gateway listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("gateway stopped")
}

// buildLedger constructs the configured quota ledger backend and returns a
// close function releasing whatever resources it opened.
func buildLedger(ctx context.Context, cfg *gwconfig.Config, logger infra.Logger) (quota.Ledger, func(), error) {
	limits := quota.Limits{Image: cfg.QuotaLimits.Image, Video: cfg.QuotaLimits.Video, Avatar: cfg.QuotaLimits.Avatar}

	if cfg.QuotaBackend == "postgres" {
		dbCfg := &infra.Config{DatabaseURL: cfg.DatabaseURL}
		pool, err := infra.NewDBPool(ctx, dbCfg)
		if err != nil {
			return nil, func() {}, err
		}
		runner := infra.NewSQLRunner(pool, logger)
		return quota.NewPGLedger(runner, limits), func() { pool.Close() }, nil
	}

	fl, err := quota.NewFileLedger(cfg.QuotaStorePath, limits, logger)
	if err != nil {
		return nil, func() {}, err
	}
	return fl, func() {}, nil
}

// buildTransport constructs the Upload Pipeline's Transport per
// cfg.UploadBackend: "http" talks to the real upstream ImageX handshake,
// "minio" targets a local/dev S3-compatible bucket, and "file" writes to
// a local directory with no external dependency at all.
func buildTransport(ctx context.Context, cfg *gwconfig.Config, mwebBase func(upload.Region) string) (upload.Transport, error) {
	switch cfg.UploadBackend {
	case "minio":
		return upload.NewMinioTransport(ctx, cfg.MinioAddr, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	case "file":
		return upload.NewFileTransport(cfg.LocalUploadPath)
	default:
		return upload.NewHTTPTransport(&http.Client{Timeout: 30 * time.Second}, mwebBase), nil
	}
}

// defaultModelTable returns a fixed, hard-coded table of per-region model
// availability and defaults; it reads no configuration. Its shape matches
// §4.5's substitution rule.
func defaultModelTable() gen.ModelTable {
	return gen.ModelTable{
		Available: map[upload.Region]map[string]bool{
			upload.RegionCN: {"jimeng-4.5": true, "jimeng-3.0": true},
			upload.RegionUS: {"dreamina-4.5": true},
			upload.RegionHK: {"dreamina-4.5": true},
		},
		Default: map[upload.Region]string{
			upload.RegionCN: "jimeng-4.5",
			upload.RegionUS: "dreamina-4.5",
			upload.RegionHK: "dreamina-4.5",
		},
	}
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
