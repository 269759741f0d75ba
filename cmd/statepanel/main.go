// statepanel - home automation state dashboard backend
//
// This is the main entry point for the statepanel service. It serves a
// read-mostly view over the JSON state snapshots that home automation
// devices post, coordinating cache reloads safely across processes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/statepanel/migrations"

	"github.com/nerrad567/statepanel/internal/api"
	"github.com/nerrad567/statepanel/internal/artifact"
	"github.com/nerrad567/statepanel/internal/history"
	"github.com/nerrad567/statepanel/internal/infrastructure/config"
	"github.com/nerrad567/statepanel/internal/infrastructure/database"
	"github.com/nerrad567/statepanel/internal/infrastructure/influxdb"
	"github.com/nerrad567/statepanel/internal/infrastructure/logging"
	"github.com/nerrad567/statepanel/internal/infrastructure/mqtt"
	"github.com/nerrad567/statepanel/internal/state"
	"github.com/nerrad567/statepanel/internal/statecache"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// historyRetention is how long accepted submissions are kept before the
// hourly housekeeping pass prunes them.
const historyRetention = 30 * 24 * time.Hour

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Run the application
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting statepanel",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	historyRepo := history.NewRepository(db.DB)

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Build the state cache coordinator over the store directory
	generator := artifact.NewChartGenerator(cfg.Artifacts.Path, log)
	coordinator := statecache.New(cfg.Store, generator, log)

	// Fan reload events out to the optional sinks
	if mqttClient != nil {
		coordinator.OnReload(func(devices state.Collection, _ time.Time) {
			mqttClient.PublishReload(len(devices))
		})
	}
	if influxClient != nil {
		coordinator.OnReload(func(devices state.Collection, _ time.Time) {
			influxClient.WriteProbeReadings(devices)
		})
	}

	// Hourly maintenance: prune old submissions, notice config edits
	coordinator.RegisterHousekeepingTask("history-prune", func() error {
		pruned, pruneErr := historyRepo.Prune(context.Background(), historyRetention)
		if pruneErr != nil {
			return pruneErr
		}
		if pruned > 0 {
			log.Info("pruned submission history", "entries", pruned)
		}
		return nil
	})
	coordinator.RegisterHousekeepingTask("config-watch", func() error {
		changed, checkErr := cfg.CheckForChanges()
		if checkErr != nil {
			return checkErr
		}
		if !changed {
			return nil
		}
		fresh, loadErr := config.Load(cfg.Path())
		if loadErr != nil {
			return fmt.Errorf("reloading changed config: %w", loadErr)
		}
		if fresh.Logging.Level != cfg.Logging.Level {
			log.SetLevel(fresh.Logging.Level)
			log.Info("log level re-applied from configuration", "level", fresh.Logging.Level)
		}
		*cfg = *fresh
		log.Warn("configuration file changed on disk, restart to apply remaining settings", "path", cfg.Path())
		return nil
	})

	// Load the initial snapshot and start the background worker
	if err := coordinator.EnsureFresh(ctx); err != nil {
		return fmt.Errorf("loading state cache: %w", err)
	}
	log.Info("state cache loaded", "devices", len(coordinator.Devices()))

	coordinator.StartWorker()
	defer func() {
		log.Info("stopping state cache worker")
		coordinator.StopWorker()
	}()

	// Start the HTTP API server
	var notifier api.Notifier
	if mqttClient != nil {
		notifier = mqttClient
	}
	server, err := api.New(api.Deps{
		Config:       cfg.API,
		WS:           cfg.WebSocket,
		Logger:       log,
		Cache:        coordinator,
		History:      historyRepo,
		Notifier:     notifier,
		ArtifactsDir: cfg.Artifacts.Path,
		Version:      version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started", "address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port))

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, server, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls will run in reverse order:
	// 1. API server (graceful drain)
	// 2. Cache worker
	// 3. InfluxDB (if enabled)
	// 4. MQTT (if enabled)
	// 5. Database

	log.Info("statepanel stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses STATEPANEL_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("STATEPANEL_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - server: API server to check
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, server *api.Server, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := server.HealthCheck(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
