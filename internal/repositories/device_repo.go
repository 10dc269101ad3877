package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/aegis/internal/database"
	"github.com/BradenHooton/aegis/internal/models"
)

// DeviceRepository is the Postgres-backed device registry.
type DeviceRepository struct {
	db *database.DB
}

func NewDeviceRepository(db *database.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

const deviceColumns = `account_id, device_id, name, trusted, first_seen_at, last_seen_at`

func scanDeviceRow(scanner rowScanner) (*models.Device, error) {
	var d models.Device
	if err := scanner.Scan(&d.AccountID, &d.DeviceID, &d.Name, &d.Trusted, &d.FirstSeenAt, &d.LastSeenAt); err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &d, nil
}

func (r *DeviceRepository) Get(ctx context.Context, accountID, deviceID string) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE account_id = $1 AND device_id = $2`
	return scanDeviceRow(r.db.Pool.QueryRow(ctx, query, accountID, deviceID))
}

// Touch records that the device was seen, registering it untrusted on
// first sight.
func (r *DeviceRepository) Touch(ctx context.Context, accountID, deviceID string, at time.Time) (*models.Device, error) {
	query := `
		INSERT INTO devices (account_id, device_id, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (account_id, device_id) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at
		RETURNING ` + deviceColumns

	device, err := scanDeviceRow(r.db.Pool.QueryRow(ctx, query, accountID, deviceID, at))
	if err != nil {
		return nil, fmt.Errorf("failed to record device: %w", err)
	}
	return device, nil
}

func (r *DeviceRepository) SetTrusted(ctx context.Context, accountID, deviceID string, trusted bool) (*models.Device, error) {
	query := `
		UPDATE devices SET trusted = $3
		WHERE account_id = $1 AND device_id = $2
		RETURNING ` + deviceColumns

	return scanDeviceRow(r.db.Pool.QueryRow(ctx, query, accountID, deviceID, trusted))
}

func (r *DeviceRepository) ListByAccount(ctx context.Context, accountID string) ([]*models.Device, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE account_id = $1 ORDER BY last_seen_at DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	devices := make([]*models.Device, 0)
	for rows.Next() {
		d, err := scanDeviceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}
