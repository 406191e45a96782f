package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	wtypes "go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
)

const createSessionsTable = `CREATE TABLE IF NOT EXISTS gateway_sessions (
	instance_key TEXT PRIMARY KEY,
	jid          TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL
)`

// SQLAuthStore keeps whatsmeow devices in sqlite and maps each gateway
// session key to the device it paired.
type SQLAuthStore struct {
	db        *sql.DB
	container *sqlstore.Container
}

func NewSQLAuthStore(ctx context.Context, db *sql.DB, log waLog.Logger) (*SQLAuthStore, error) {
	container := sqlstore.NewWithDB(db, "sqlite", log)
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("failed to upgrade device store: %w", err)
	}
	if _, err := db.ExecContext(ctx, createSessionsTable); err != nil {
		return nil, fmt.Errorf("failed to create gateway_sessions table: %w", err)
	}
	return &SQLAuthStore{db: db, container: container}, nil
}

func (s *SQLAuthStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT instance_key FROM gateway_sessions ORDER BY created_at, instance_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLAuthStore) jid(ctx context.Context, key string) (string, error) {
	var jid string
	err := s.db.QueryRowContext(ctx, `SELECT jid FROM gateway_sessions WHERE instance_key = ?`, key).Scan(&jid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return jid, err
}

func (s *SQLAuthStore) device(ctx context.Context, key string) (*store.Device, error) {
	raw, err := s.jid(ctx, key)
	if err != nil || raw == "" {
		return nil, err
	}
	jid, err := wtypes.ParseJID(raw)
	if err != nil {
		return nil, fmt.Errorf("stored jid %q for %s: %w", raw, key, err)
	}
	return s.container.GetDevice(ctx, jid)
}

// Load registers key if needed and returns its paired device, or a fresh
// unpaired one.
func (s *SQLAuthStore) Load(ctx context.Context, key string) (AuthState, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_sessions (instance_key, jid, created_at) VALUES (?, '', ?)
		ON CONFLICT(instance_key) DO NOTHING`, key, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to register session %s: %w", key, err)
	}

	dev, err := s.device(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load device for %s: %w", key, err)
	}
	if dev == nil {
		dev = s.container.NewDevice()
	}
	return &DeviceState{key: key, device: dev, store: s}, nil
}

func (s *SQLAuthStore) Drop(ctx context.Context, key string) error {
	dev, err := s.device(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load device for %s: %w", key, err)
	}
	if dev != nil {
		if err := s.container.DeleteDevice(ctx, dev); err != nil {
			return fmt.Errorf("failed to delete device for %s: %w", key, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM gateway_sessions WHERE instance_key = ?`, key); err != nil {
		return fmt.Errorf("failed to unregister session %s: %w", key, err)
	}
	return nil
}

func (s *SQLAuthStore) DropAll(ctx context.Context) error {
	devices, err := s.container.GetAllDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	var errs []error
	for _, dev := range devices {
		if err := s.container.DeleteDevice(ctx, dev); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM gateway_sessions`); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DeviceState is the AuthState handed to WhatsmeowDialer
type DeviceState struct {
	key    string
	device *store.Device
	store  *SQLAuthStore
}

func (d *DeviceState) Key() string {
	return d.key
}

func (d *DeviceState) Device() *store.Device {
	return d.device
}

// Save writes the device and remembers which JID the key paired with.
func (d *DeviceState) Save(ctx context.Context) error {
	if d.device.ID == nil {
		return nil
	}
	if err := d.store.container.PutDevice(ctx, d.device); err != nil {
		return fmt.Errorf("failed to save device for %s: %w", d.key, err)
	}
	_, err := d.store.db.ExecContext(ctx, `UPDATE gateway_sessions SET jid = ? WHERE instance_key = ?`, d.device.ID.String(), d.key)
	if err != nil {
		return fmt.Errorf("failed to record jid for %s: %w", d.key, err)
	}
	return nil
}
