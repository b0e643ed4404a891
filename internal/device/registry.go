package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry caches devices in memory in front of a Repository.
//
// The cache is filled by RefreshCache and kept in sync by the CRUD
// methods. Returned devices are copies; callers may modify them.
type Registry struct {
	repo    Repository
	cache   map[string]*Device
	cacheMu sync.RWMutex
	logger  Logger
}

// NewRegistry creates a new device registry.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]*Device),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all devices from the repository.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	cache := make(map[string]*Device, len(devices))
	for i := range devices {
		cache[devices[i].ID] = devices[i].Clone()
	}

	r.cacheMu.Lock()
	r.cache = cache
	r.cacheMu.Unlock()

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// GetDevice returns ErrDeviceNotFound if the device does not exist.
func (r *Registry) GetDevice(ctx context.Context, id string) (*Device, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()
	if ok {
		return cached.Clone(), nil
	}

	d, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.store(d)
	return d, nil
}

// ListDevices returns all cached devices ordered by name then ID.
func (r *Registry) ListDevices(_ context.Context) []Device {
	r.cacheMu.RLock()
	devices := make([]Device, 0, len(r.cache))
	for _, d := range r.cache {
		devices = append(devices, *d)
	}
	r.cacheMu.RUnlock()

	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Name != devices[j].Name {
			return devices[i].Name < devices[j].Name
		}
		return devices[i].ID < devices[j].ID
	})
	return devices
}

// ListEnabled returns the devices the bridge should connect.
func (r *Registry) ListEnabled(ctx context.Context) []Device {
	all := r.ListDevices(ctx)
	enabled := all[:0]
	for _, d := range all {
		if d.Enabled {
			enabled = append(enabled, d)
		}
	}
	return enabled
}

// CreateDevice validates and persists a new device.
func (r *Registry) CreateDevice(ctx context.Context, d *Device) error {
	if err := ValidateDevice(d); err != nil {
		return err
	}
	if err := r.repo.Create(ctx, d); err != nil {
		return err
	}
	r.store(d)
	r.logger.Info("device created", "device_id", d.ID, "address", d.HostPort())
	return nil
}

// UpdateDevice validates and persists changes to an existing device.
func (r *Registry) UpdateDevice(ctx context.Context, d *Device) error {
	if err := ValidateDevice(d); err != nil {
		return err
	}
	if err := r.repo.Update(ctx, d); err != nil {
		return err
	}

	// Identity and creation time are not user editable; keep the stored values.
	stored, err := r.repo.GetByID(ctx, d.ID)
	if err != nil {
		return err
	}
	*d = *stored
	r.store(stored)
	r.logger.Info("device updated", "device_id", d.ID)
	return nil
}

// DeleteDevice removes a device.
func (r *Registry) DeleteDevice(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}
	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()
	r.logger.Info("device deleted", "device_id", id)
	return nil
}

// SetIdentity stores the identity reported by the device. Unchanged
// identities are not written.
func (r *Registry) SetIdentity(ctx context.Context, id string, identity Identity) error {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()
	if ok && cached.Model == identity.Model && cached.Hostname == identity.Hostname &&
		cached.Serial == identity.Serial && cached.Firmware == identity.Firmware {
		return nil
	}

	if err := r.repo.UpdateIdentity(ctx, id, identity); err != nil {
		return err
	}

	r.cacheMu.Lock()
	if d, ok := r.cache[id]; ok {
		d.Model = identity.Model
		d.Hostname = identity.Hostname
		d.Serial = identity.Serial
		d.Firmware = identity.Firmware
	}
	r.cacheMu.Unlock()
	return nil
}

// Seed creates each device that does not already exist. Existing devices
// are left untouched so edits made through the API survive restarts.
//
// Returns:
//   - int: Number of devices created
//   - error: First validation or persistence failure
func (r *Registry) Seed(ctx context.Context, devices []Device) (int, error) {
	created := 0
	for i := range devices {
		d := devices[i]
		err := r.CreateDevice(ctx, &d)
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrDeviceExists):
			r.logger.Debug("seed device already present", "device_id", d.ID)
		default:
			return created, fmt.Errorf("seeding device %q: %w", devices[i].ID, err)
		}
	}
	return created, nil
}

// RecordCommand appends a command outcome to the history.
func (r *Registry) RecordCommand(ctx context.Context, rec *CommandRecord) error {
	return r.repo.RecordCommand(ctx, rec)
}

// CommandHistory returns recent commands for a known device.
func (r *Registry) CommandHistory(ctx context.Context, deviceID string, limit int) ([]CommandRecord, error) {
	if _, err := r.GetDevice(ctx, deviceID); err != nil {
		return nil, err
	}
	return r.repo.CommandHistory(ctx, deviceID, limit)
}

// DeviceCount returns the number of cached devices.
func (r *Registry) DeviceCount() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

func (r *Registry) store(d *Device) {
	r.cacheMu.Lock()
	r.cache[d.ID] = d.Clone()
	r.cacheMu.Unlock()
}
