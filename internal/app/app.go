package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"geocountry/internal/app/server"
	"geocountry/internal/clientip"
	"geocountry/internal/config"
	"geocountry/internal/geoip"
	"geocountry/internal/jobs/runtime"
	"geocountry/internal/ranges"
	"geocountry/internal/resolver"
	"geocountry/internal/support"
)

const defaultPort = 8090

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	portFlag := flag.Int("port", defaultPort, "Port for the HTTP API")
	settingsFlag := flag.String("settings", "", "Path to the settings file")
	debugFlag := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugFlag || support.GetEnvBool("DEBUG", false) {
		log.SetLevel(log.DebugLevel)
	}

	config.SetSettingsPath(strings.TrimSpace(*settingsFlag))
	config.ReadSettings()
	cfg := config.GetConfig()

	port := resolvePort("GEOCOUNTRY_PORT", "PORT", *portFlag)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db := ranges.NewDatabase(cfg.GeoIP.DataDir)
	updater := geoip.NewUpdater(db,
		geoip.WithSources(cfg.GeoIP.IPv4URL, cfg.GeoIP.IPv6URL),
		geoip.WithTimeout(config.GetDownloadTimeout()),
	)

	redisClient := connectRedis(cfg)
	if redisClient != nil {
		defer func() {
			if err := support.CloseRedisClient(); err != nil {
				log.Warn("error closing redis client", "error", err)
			}
		}()

		log.Info("Joined range distribution", "node", runtime.NodeID())
		heartbeatCancel := runtime.LaunchNodeHeartbeat(ctx, redisClient)
		defer heartbeatCancel()

		distributor := geoip.NewDistributor(redisClient, db)
		updater.SetPublisher(distributor)

		// Pull what the leader already published so a fresh node skips the download.
		if updated, err := distributor.Sync(ctx, nil); err != nil {
			log.Warn("Could not pull range files from redis", "error", err)
		} else if updated {
			log.Info("Loaded range files from redis")
		}
		distributor.Start(ctx)
	}

	log.Info("Starting range database", "dir", db.Dir(), "mode", describeMode(redisClient))
	if err := db.Initialize(ctx, updater); err != nil {
		log.Error("Range database initialization incomplete", "error", err)
	}

	res, closeResolver := buildResolver(cfg, db)
	defer closeResolver()

	go runtime.StartRangeUpdateRoutine(ctx, updater, db, redisClient)

	deps := server.Dependencies{
		Resolver:   res,
		Database:   db,
		Updater:    updater,
		AdminToken: strings.TrimSpace(support.GetEnv("GEOCOUNTRY_ADMIN_TOKEN", "")),
	}
	if redisClient != nil {
		deps.Nodes = func(ctx context.Context) (int, error) {
			return runtime.CountActiveNodes(ctx, redisClient)
		}
	}

	return server.OpenRoutes(ctx, port, server.NewRouter(deps))
}

func connectRedis(cfg config.Config) *redis.Client {
	if !cfg.Distribution.Enabled {
		log.Info("Range distribution disabled, running standalone")
		return nil
	}

	client, err := support.GetRedisClient()
	if err != nil {
		log.Warn("Redis unavailable, running standalone", "error", err)
		return nil
	}
	return client
}

func buildResolver(cfg config.Config, db *ranges.Database) (*resolver.Resolver, func()) {
	var opts []resolver.Option
	closers := []func(){}

	if cfg.Resolver.ReverseGeocoding {
		geocoder, err := resolver.NewGeobedGeocoder()
		if err != nil {
			log.Error("Reverse geocoding disabled", "error", err)
		} else {
			opts = append(opts, resolver.WithReverseGeocoder(geocoder))
		}
	}

	if path := strings.TrimSpace(cfg.GeoIP.MaxMindCountryPath); path != "" {
		locator, err := resolver.OpenMaxMindLocator(path)
		if err != nil {
			log.Warn("MaxMind fallback disabled", "path", path, "error", err)
		} else {
			opts = append(opts, resolver.WithFallback(locator))
			closers = append(closers, func() {
				if err := locator.Close(); err != nil {
					log.Warn("error closing maxmind database", "error", err)
				}
			})
		}
	}

	opts = append(opts, resolver.WithLookupCache(cfg.Resolver.LookupCacheSize, config.GetLookupCacheTTL()))

	res := resolver.New(db, clientip.New(cfg.Resolver.TrustedProxyDepth), opts...)
	db.OnReload(res.PurgeCache)
	return res, func() {
		for _, c := range closers {
			c()
		}
	}
}

func resolvePort(primaryEnv, legacyEnv string, fallback int) int {
	if port := readPort(primaryEnv); port != 0 {
		return port
	}
	if port := readPort(legacyEnv); port != 0 {
		return port
	}
	return fallback
}

func readPort(envKey string) int {
	raw := os.Getenv(envKey)
	if raw == "" {
		return 0
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port == 0 {
		log.Warn("invalid port override", "env", envKey, "value", raw)
		return 0
	}
	return port
}

func describeMode(client *redis.Client) string {
	if client == nil {
		return "standalone"
	}
	return fmt.Sprintf("distributed (%s)", client.Options().Addr)
}
