package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Repository defines device persistence operations.
type Repository interface {
	// GetByID returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// List returns every device ordered by name.
	List(ctx context.Context) ([]Device, error)

	// Create returns ErrDeviceExists if the ID is taken.
	Create(ctx context.Context, device *Device) error

	// Update returns ErrDeviceNotFound if the device does not exist.
	Update(ctx context.Context, device *Device) error

	// Delete returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, id string) error

	// UpdateIdentity stores what the device reported about itself.
	UpdateIdentity(ctx context.Context, id string, identity Identity) error

	// RecordCommand appends to the command history.
	RecordCommand(ctx context.Context, rec *CommandRecord) error

	// CommandHistory returns the newest records first.
	CommandHistory(ctx context.Context, deviceID string, limit int) ([]CommandRecord, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const deviceColumns = `id, name, address, port, enabled, standby_monitoring,
	model, hostname, serial, firmware, created_at, updated_at`

// GetByID retrieves a device by its identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+deviceColumns+" FROM naim_devices WHERE id = ?", id)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return d, nil
}

// List retrieves all devices.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+deviceColumns+" FROM naim_devices ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// Create inserts a new device.
func (r *SQLiteRepository) Create(ctx context.Context, d *Device) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO naim_devices (`+deviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.Address, d.Port, boolToInt(d.Enabled), boolToInt(d.StandbyMonitoring),
		d.Model, d.Hostname, d.Serial, d.Firmware,
		d.CreatedAt.Format(time.RFC3339), d.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// Update modifies the user-editable fields of a device.
func (r *SQLiteRepository) Update(ctx context.Context, d *Device) error {
	d.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE naim_devices
		SET name = ?, address = ?, port = ?, enabled = ?, standby_monitoring = ?, updated_at = ?
		WHERE id = ?`,
		d.Name, d.Address, d.Port, boolToInt(d.Enabled), boolToInt(d.StandbyMonitoring),
		d.UpdatedAt.Format(time.RFC3339), d.ID,
	)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	return expectOneRow(result)
}

// Delete removes a device and, by cascade, its command history.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM naim_devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return expectOneRow(result)
}

// UpdateIdentity stores the device-reported identity fields.
func (r *SQLiteRepository) UpdateIdentity(ctx context.Context, id string, identity Identity) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE naim_devices
		SET model = ?, hostname = ?, serial = ?, firmware = ?, updated_at = ?
		WHERE id = ?`,
		identity.Model, identity.Hostname, identity.Serial, identity.Firmware,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("updating device identity: %w", err)
	}
	return expectOneRow(result)
}

// RecordCommand inserts a command history row and sets rec.ID.
func (r *SQLiteRepository) RecordCommand(ctx context.Context, rec *CommandRecord) error {
	if rec.DeviceID == "" || rec.Command == "" {
		return fmt.Errorf("%w: command record requires device id and command", ErrInvalidDevice)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	params := rec.Parameters
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshalling parameters: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO command_history
			(device_id, command_id, command, parameters, source, error_code, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.DeviceID, rec.CommandID, rec.Command, string(paramsJSON), rec.Source,
		rec.ErrorCode, rec.LatencyMs, rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting command history: %w", err)
	}
	if rec.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("reading command history id: %w", err)
	}
	return nil
}

// CommandHistory returns recent commands for a device, newest first.
// limit defaults to 50 and is capped at 200.
func (r *SQLiteRepository) CommandHistory(ctx context.Context, deviceID string, limit int) ([]CommandRecord, error) {
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, device_id, command_id, command, parameters, source, error_code, latency_ms, created_at
		FROM command_history
		WHERE device_id = ?
		ORDER BY id DESC
		LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying command history: %w", err)
	}
	defer rows.Close()

	records := make([]CommandRecord, 0)
	for rows.Next() {
		var rec CommandRecord
		var params, createdAt string
		if err := rows.Scan(&rec.ID, &rec.DeviceID, &rec.CommandID, &rec.Command, &params,
			&rec.Source, &rec.ErrorCode, &rec.LatencyMs, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning command history: %w", err)
		}
		if params != "" && params != "{}" {
			if err := json.Unmarshal([]byte(params), &rec.Parameters); err != nil {
				return nil, fmt.Errorf("unmarshalling parameters: %w", err)
			}
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt) //nolint:errcheck // Format is controlled
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command history: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var enabled, standby int
	var createdAt, updatedAt string

	if err := row.Scan(&d.ID, &d.Name, &d.Address, &d.Port, &enabled, &standby,
		&d.Model, &d.Hostname, &d.Serial, &d.Firmware, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	d.Enabled = enabled != 0
	d.StandbyMonitoring = standby != 0
	d.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // Format is controlled
	d.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // Format is controlled
	return &d, nil
}

func expectOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation matches SQLite's constraint error text so callers
// do not need the driver's error type.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}
