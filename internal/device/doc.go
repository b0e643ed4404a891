// Package device stores the Naim devices the bridge manages.
//
// Each Device records where a streamer lives on the network (address and
// port), whether the bridge should drive it, and the identity the device
// reported the last time it was reached (model, hostname, serial,
// firmware). Live playback state is not persisted; it belongs to the
// naim client owned by the bridge.
//
// # Architecture
//
//	┌──────────────────┐    ┌──────────────────┐    ┌──────────────────┐
//	│     Registry     │───▶│    Repository    │    │    Validation    │
//	│  (registry.go)   │    │  (repository.go) │    │ (validation.go)  │
//	│ • in-memory cache│    │ • SQLite queries │    │ • id / address   │
//	│ • config seeding │    │ • command history│    │ • slug generation│
//	└──────────────────┘    └──────────────────┘    └──────────────────┘
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db.DB)
//	registry := device.NewRegistry(repo)
//	registry.SetLogger(log)
//
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//	created, err := registry.Seed(ctx, devicesFromConfig)
//
// # Thread Safety
//
// The Registry is safe for concurrent use. The Repository implementation
// must also be thread-safe.
package device
