// Gray Logic Naim Bridge
//
// This is the main entry point for the Naim bridge. It keeps the playback,
// power, volume and source state of Naim streamers synchronised with the
// Gray Logic MQTT bus and serves the same devices over REST and WebSocket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/nerrad567/gray-logic-naim/internal/api"
	"github.com/nerrad567/gray-logic-naim/internal/bridges/naim"
	"github.com/nerrad567/gray-logic-naim/internal/device"
	"github.com/nerrad567/gray-logic-naim/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-naim/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-naim/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-naim/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-naim/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-naim/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
func run(ctx context.Context) error {
	// .env is optional outside development.
	_ = godotenv.Load()

	log := logging.Default()
	log.Info("starting Gray Logic Naim bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(cfg.Database)
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

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	devices, err := loadDevices(ctx, cfg, db, log)
	if err != nil {
		return err
	}

	mqttClient, err := mqtt.Connect(cfg.MQTT, mqtt.Topics{}.BridgeHealth(naim.Protocol))
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

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
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	bridge, err := startBridge(ctx, cfg, mqttClient, devices, influxClient, log)
	if err != nil {
		return fmt.Errorf("starting Naim bridge: %w", err)
	}
	defer func() {
		log.Info("stopping Naim bridge")
		bridge.Stop()
	}()

	server, err := api.New(api.Deps{
		Config:  cfg.API,
		WS:      cfg.WebSocket,
		Logger:  log.Component("api"),
		Devices: devices,
		Bridge:  bridge,
		MQTT:    mqttClient,
		DB:      db.DB,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse: API, bridge, InfluxDB, MQTT, database.
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadDevices builds the device registry and seeds it from configuration.
// Devices already in the database keep their stored settings.
func loadDevices(ctx context.Context, cfg *config.Config, db *database.DB, log *logging.Logger) (*device.Registry, error) {
	registry := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	registry.SetLogger(log.Component("device"))

	if err := registry.RefreshCache(ctx); err != nil {
		return nil, fmt.Errorf("loading device registry: %w", err)
	}
	created, err := registry.Seed(ctx, configDevices(cfg.Naim.Devices))
	if err != nil {
		return nil, fmt.Errorf("seeding devices: %w", err)
	}
	log.Info("device registry initialised", "devices", registry.DeviceCount(), "seeded", created)
	return registry, nil
}

// configDevices converts configured devices to registry devices.
func configDevices(in []config.NaimDeviceConfig) []device.Device {
	out := make([]device.Device, 0, len(in))
	for _, d := range in {
		out = append(out, device.Device{
			ID:                d.ID,
			Name:              d.Name,
			Address:           d.Address,
			Port:              d.Port,
			Enabled:           d.IsEnabled(),
			StandbyMonitoring: d.StandbyMonitoring,
		})
	}
	return out
}

// startBridge creates and starts the Naim bridge.
func startBridge(ctx context.Context, cfg *config.Config, mqttClient *mqtt.Client, devices *device.Registry, influxClient *influxdb.Client, log *logging.Logger) (*naim.Bridge, error) {
	opts := naim.BridgeOptions{
		Config:     cfg.Naim,
		MQTTClient: &mqttBridgeAdapter{client: mqttClient},
		Store:      devices,
		Logger:     log.Component("naim"),
		Version:    version,
	}
	// A nil *influxdb.Client stored in the interface would not compare
	// equal to nil.
	if influxClient != nil {
		opts.Telemetry = influxClient
	}

	bridge, err := naim.NewBridge(opts)
	if err != nil {
		return nil, err
	}
	if err := bridge.Start(ctx); err != nil {
		bridge.Stop()
		return nil, err
	}
	log.Info("Naim bridge started", "devices", bridge.Registry().Len())
	return bridge, nil
}

// healthCheck verifies all infrastructure connections are healthy.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. Infrastructure handlers return an error; bridge
// handlers do not.
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements naim.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements naim.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements naim.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
