package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/paulmach/orb"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/i474232898/airquality-fusion/internal/airquality"
	"github.com/i474232898/airquality-fusion/internal/airquality/adapters"
	httpapi "github.com/i474232898/airquality-fusion/internal/api/http"
	"github.com/i474232898/airquality-fusion/internal/cache"
	"github.com/i474232898/airquality-fusion/internal/config"
	"github.com/i474232898/airquality-fusion/internal/logger"
	"github.com/i474232898/airquality-fusion/internal/notify"
	"github.com/i474232898/airquality-fusion/internal/scheduler"
	"github.com/i474232898/airquality-fusion/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	lg, err := logger.NewLogger(cfg.LogLevel, cfg.LogFormat, "airquality-fusion")
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obsStore, closeStore := openStore(ctx, cfg, lg)
	defer closeStore()

	// Shared HTTP client for outbound feed calls.
	httpCfg := adapters.DefaultHTTPConfig(&http.Client{Timeout: cfg.HTTPTimeout})
	httpCfg.Logger = lg.Named("feeds")

	jobs := feedJobs(cfg, httpCfg)
	sources := make([]airquality.Source, 0, len(jobs))
	for _, j := range jobs {
		sources = append(sources, j.Source)
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
	}

	cacheOpts := []cache.Option{cache.WithLogger(lg.Named("cache"))}
	if rdb != nil {
		cacheOpts = append(cacheOpts, cache.WithMirror(cache.NewRedisMirror(rdb, "aqfusion:cache:"), airquality.DecodeCached))
	}
	resultCache := cache.New(cache.Policy{FusedTTL: cfg.CacheFusedTTL, ForecastTTL: cfg.CacheForecastTTL}, cacheOpts...)

	alerts := notify.NewBroadcaster()
	sinks := []notify.Sink{alerts}
	if rdb != nil {
		sinks = append(sinks, notify.NewRedisStreamSink(rdb, cfg.EventStream))
	}
	if cfg.MQTTBroker != "" {
		client, err := notify.ConnectMQTT(cfg.MQTTBroker, cfg.MQTTClientID)
		if err != nil {
			lg.Warn("mqtt alerts disabled", zap.String("broker", cfg.MQTTBroker), zap.Error(err))
		} else {
			defer client.Disconnect(250)
			sinks = append(sinks, notify.NewMQTTSink(client, cfg.MQTTTopicPrefix))
		}
	}
	detector := notify.NewDetector(sinks,
		notify.WithCellPrecision(cfg.CacheCellPrecision),
		notify.WithLogger(lg.Named("alerts")))

	service := airquality.NewService(obsStore, sources, serviceConfig(cfg, lg),
		airquality.WithCache(resultCache),
		airquality.WithNotifier(detector),
		airquality.WithLogger(lg.Named("service")),
		airquality.WithAligner(airquality.NewAligner(alignConfig(cfg))),
		airquality.WithEstimator(airquality.NewEstimator(airquality.FuseConfig{OutlierZ: cfg.FusionOutlierZ})),
		airquality.WithForecastEngine(airquality.NewForecastEngine(airquality.NewStatisticalModel(statisticalConfig(cfg)))),
	)

	sched := scheduler.New(service, jobs,
		scheduler.WithSweeper(resultCache, time.Minute),
		scheduler.WithLogger(lg.Named("scheduler")))
	if err := sched.Start(); err != nil {
		lg.Fatal("failed to start scheduler", zap.Error(err))
	}
	defer sched.Stop()

	app := fiber.New(fiber.Config{
		AppName:               "airquality-fusion",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          30 * time.Second,
		ErrorHandler:          httpapi.ErrorHandler,
	})
	app.Use(fiberlogger.New())
	app.Use(recover.New())
	httpapi.RegisterRoutes(app, service,
		httpapi.WithTrigger(sched),
		httpapi.WithAlerts(alerts))

	go func() {
		lg.Info("listening", zap.String("port", cfg.Port), zap.Int("feeds", len(sources)))
		if err := app.Listen(":" + cfg.Port); err != nil {
			lg.Error("fiber server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		lg.Error("error during shutdown", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg *config.AppConfig, lg *zap.Logger) (airquality.Store, func()) {
	if cfg.StoreBackend != "postgres" {
		return store.NewMemoryStore(cfg.StoreMaxAge), func() {}
	}
	pg, err := store.OpenPostgres(cfg.DatabaseURL, lg.Named("store"))
	if err != nil {
		lg.Fatal("failed to open postgres", zap.Error(err))
	}
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := pg.EnsureSchema(initCtx); err != nil {
		lg.Fatal("failed to prepare schema", zap.Error(err))
	}
	return pg, func() { _ = pg.Close() }
}

// feedJobs builds one polling job per configured feed. A feed without an
// endpoint or credentials is skipped.
func feedJobs(cfg *config.AppConfig, httpCfg adapters.HTTPConfig) []scheduler.Job {
	var jobs []scheduler.Job
	if len(cfg.GroundFeedURLs) > 0 {
		jobs = append(jobs, scheduler.Job{
			Source: adapters.NewGroundStationSource(adapters.GroundStationConfig{
				Endpoints: cfg.GroundFeedURLs,
				APIKey:    cfg.GroundAPIKey,
			}, httpCfg),
			Interval: cfg.GroundInterval,
		})
	}
	if len(cfg.SatelliteFeedURLs) > 0 {
		jobs = append(jobs, scheduler.Job{
			Source: adapters.NewSatelliteSource(adapters.SatelliteConfig{
				Endpoints: cfg.SatelliteFeedURLs,
				Token:     cfg.SatelliteToken,
			}, httpCfg),
			Interval: cfg.SatelliteInterval,
		})
	}

	locations := make([]adapters.Location, 0, len(cfg.WeatherLocations))
	for _, l := range cfg.WeatherLocations {
		locations = append(locations, adapters.Location{Lat: l.Lat, Lon: l.Lon})
	}
	if len(locations) == 0 {
		return jobs
	}
	if cfg.OpenWeatherAPIKey != "" {
		jobs = append(jobs, scheduler.Job{
			Source:   adapters.NewOpenWeatherSource(cfg.OpenWeatherAPIKey, locations, httpCfg),
			Interval: cfg.WeatherInterval,
		})
	}
	if cfg.WeatherAPIKey != "" {
		jobs = append(jobs, scheduler.Job{
			Source:   adapters.NewWeatherAPISource(cfg.WeatherAPIKey, locations, httpCfg),
			Interval: cfg.WeatherInterval,
		})
	}
	if cfg.OpenMeteoEnabled {
		jobs = append(jobs, scheduler.Job{
			Source:   adapters.NewOpenMeteoSource(locations, httpCfg),
			Interval: cfg.WeatherInterval,
		})
	}
	return jobs
}

func serviceConfig(cfg *config.AppConfig, lg *zap.Logger) airquality.ServiceConfig {
	sc := airquality.DefaultServiceConfig()
	sc.CellPrecision = cfg.CacheCellPrecision
	sc.TimeBucket = cfg.CacheTimeBucket
	sc.LagHours = cfg.ForecastLagHours
	sc.ChangeTolerance = cfg.FusionChangeTolerance

	if len(cfg.Pollutants) > 0 {
		sc.Pollutants = sc.Pollutants[:0:0]
		for _, name := range cfg.Pollutants {
			v, err := airquality.ParseVariable(name)
			if err != nil || !v.IsPollutant() {
				lg.Warn("ignoring unknown pollutant", zap.String("pollutant", name))
				continue
			}
			sc.Pollutants = append(sc.Pollutants, v)
		}
	}
	if c := cfg.Coverage; c != nil {
		sc.Coverage = &orb.Bound{Min: orb.Point{c.MinLon, c.MinLat}, Max: orb.Point{c.MaxLon, c.MaxLat}}
	}
	return sc
}

func alignConfig(cfg *config.AppConfig) airquality.AlignConfig {
	ac := airquality.DefaultAlignConfig()
	ac.RadiusKm = cfg.FusionRadiusKm
	ac.Window = cfg.FusionWindow
	ac.SpatialScaleKm = cfg.FusionSpatialScaleKm
	ac.TemporalScale = cfg.FusionTemporalScale
	ac.QuerySupportKm = cfg.QuerySupportKm
	return ac
}

func statisticalConfig(cfg *config.AppConfig) airquality.StatisticalConfig {
	sc := airquality.DefaultStatisticalConfig()
	sc.MinHistory = cfg.ForecastMinHistory
	return sc
}
