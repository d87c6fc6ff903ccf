package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertKnownDevice records the latest endpoint for a device.
//
// An empty LastTransport keeps the previously stored value.
func (s *Store) UpsertKnownDevice(device KnownDevice) error {
	if device.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if device.Address == "" {
		return errors.New("address is required")
	}
	if device.LastSeen == 0 {
		device.LastSeen = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO known_devices (
			device_id,
			device_name,
			address,
			port,
			last_transport,
			last_seen
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = CASE WHEN excluded.device_name = '' THEN known_devices.device_name ELSE excluded.device_name END,
			address = excluded.address,
			port = excluded.port,
			last_transport = CASE WHEN excluded.last_transport = '' THEN known_devices.last_transport ELSE excluded.last_transport END,
			last_seen = excluded.last_seen`,
		device.DeviceID,
		device.DeviceName,
		device.Address,
		device.Port,
		device.LastTransport,
		device.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("upsert known device %q: %w", device.DeviceID, err)
	}
	return nil
}

// GetKnownDevice loads one device by id.
func (s *Store) GetKnownDevice(deviceID string) (*KnownDevice, error) {
	row := s.db.QueryRow(
		`SELECT device_id, device_name, address, port, last_transport, last_seen
		FROM known_devices
		WHERE device_id = ?`,
		deviceID,
	)
	device, err := scanKnownDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get known device %q: %w", deviceID, err)
	}
	return device, nil
}

// FindKnownDeviceByEndpoint returns the device last seen at address:port.
func (s *Store) FindKnownDeviceByEndpoint(address string, port int) (*KnownDevice, error) {
	row := s.db.QueryRow(
		`SELECT device_id, device_name, address, port, last_transport, last_seen
		FROM known_devices
		WHERE address = ? AND port = ?
		ORDER BY last_seen DESC
		LIMIT 1`,
		address,
		port,
	)
	device, err := scanKnownDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find known device %s:%d: %w", address, port, err)
	}
	return device, nil
}

// ListKnownDevices returns devices ordered by most recently seen.
func (s *Store) ListKnownDevices() ([]KnownDevice, error) {
	rows, err := s.db.Query(
		`SELECT device_id, device_name, address, port, last_transport, last_seen
		FROM known_devices
		ORDER BY last_seen DESC, device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list known devices: %w", err)
	}
	defer rows.Close()

	devices := make([]KnownDevice, 0)
	for rows.Next() {
		device, err := scanKnownDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan known device row: %w", err)
		}
		devices = append(devices, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate known device rows: %w", err)
	}
	return devices, nil
}

func scanKnownDevice(row scanner) (*KnownDevice, error) {
	var device KnownDevice
	if err := row.Scan(
		&device.DeviceID,
		&device.DeviceName,
		&device.Address,
		&device.Port,
		&device.LastTransport,
		&device.LastSeen,
	); err != nil {
		return nil, err
	}
	return &device, nil
}

// PruneKnownDevices deletes devices last seen before cutoff and reports how
// many were removed.
func (s *Store) PruneKnownDevices(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM known_devices WHERE last_seen < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune known devices: %w", err)
	}
	return result.RowsAffected()
}
