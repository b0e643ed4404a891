// Package logging provides structured logging for the Naim bridge.
//
// A Logger embeds *slog.Logger, so every slog method is available. Each
// entry carries service and version. Components derive child loggers
// rather than repeating attributes:
//
//	log := logging.New(cfg.Logging, version)
//	bridgeLog := log.Component("naim")
//	bridgeLog.ForDevice("living-room").Warn("refresh failed", "error", err)
//
// Configuration comes from the logging section of config.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Before the config is loaded, use Default, which writes JSON at info level.
//
// Device addresses are fine to log. MQTT and InfluxDB credentials are not.
package logging
