package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pfcoder/lcd-core/internal/miner"
)

// SQLiteStorage persists telemetry records and the device registry.
type SQLiteStorage struct {
	db *sql.DB
}

// parseTimestamp parses a timestamp string from SQLite in multiple formats.
// All timestamps are stored in UTC.
func parseTimestamp(s string) time.Time {
	// modernc/sqlite hands DATETIME columns back as RFC3339
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.DateTime, s); err == nil {
		return t
	}
	return time.Time{}
}

// NewSQLiteStorage opens a SQLite database at the given path,
// runs migrations, and enables WAL mode
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection: batch goroutines write concurrently
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	s := &SQLiteStorage{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ip TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		work_mode INTEGER NOT NULL DEFAULT 0,
		hash_real REAL NOT NULL DEFAULT 0,
		hash_avg REAL NOT NULL DEFAULT 0,
		temp_0 REAL NOT NULL DEFAULT 0,
		temp_1 REAL NOT NULL DEFAULT 0,
		temp_2 REAL NOT NULL DEFAULT 0,
		power INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_created_at ON records(created_at);
	CREATE INDEX IF NOT EXISTS idx_records_ip_created_at ON records(ip, created_at);

	CREATE TABLE IF NOT EXISTS devices (
		ip TEXT PRIMARY KEY,
		vendor TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL DEFAULT '',
		pool1 TEXT NOT NULL DEFAULT '',
		worker1 TEXT NOT NULL DEFAULT '',
		hash_avg TEXT NOT NULL DEFAULT '',
		last_seen DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// InsertRecord appends a telemetry record and sets its ID.
func (s *SQLiteStorage) InsertRecord(ctx context.Context, rec *miner.Record) error {
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}

	query := `
	INSERT INTO records (ip, model, work_mode, hash_real, hash_avg, temp_0, temp_1, temp_2, power, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		rec.IP, rec.Model, int(rec.WorkMode),
		rec.HashReal, rec.HashAvg,
		rec.Temp0, rec.Temp1, rec.Temp2,
		rec.Power, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert record for %s: %w", rec.IP, err)
	}

	if id, err := result.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// QueryRecordsByTime returns records with start <= created_at <= end in
// ascending time order. An empty ip matches every device.
func (s *SQLiteStorage) QueryRecordsByTime(ctx context.Context, ip string, start, end int64) ([]miner.Record, error) {
	query := `
	SELECT id, ip, model, work_mode, hash_real, hash_avg, temp_0, temp_1, temp_2, power, created_at
	FROM records
	WHERE created_at >= ? AND created_at <= ? AND (? = '' OR ip = ?)
	ORDER BY created_at, id
	`

	rows, err := s.db.QueryContext(ctx, query, start, end, ip, ip)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []miner.Record{}
	for rows.Next() {
		var r miner.Record
		var workMode int
		err := rows.Scan(&r.ID, &r.IP, &r.Model, &workMode,
			&r.HashReal, &r.HashAvg, &r.Temp0, &r.Temp1, &r.Temp2,
			&r.Power, &r.CreatedAt)
		if err != nil {
			return nil, err
		}
		r.WorkMode = miner.WorkMode(workMode)
		records = append(records, r)
	}

	return records, rows.Err()
}

// ClearRecordsBefore deletes records created before the given epoch second.
func (s *SQLiteStorage) ClearRecordsBefore(ctx context.Context, before int64) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM records WHERE created_at < ?", before)
	if err != nil {
		return 0, fmt.Errorf("failed to clear records: %w", err)
	}

	deleted, _ := result.RowsAffected()
	return deleted, nil
}

// PurgeOldRecords removes records older than retention.
func (s *SQLiteStorage) PurgeOldRecords(ctx context.Context, retention time.Duration) (int64, error) {
	return s.ClearRecordsBefore(ctx, time.Now().Add(-retention).Unix())
}

// UpsertDevice records that info.IP answered a query.
func (s *SQLiteStorage) UpsertDevice(ctx context.Context, info *miner.MachineInfo) error {
	query := `
	INSERT INTO devices (ip, vendor, model, mode, pool1, worker1, hash_avg, last_seen)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(ip) DO UPDATE SET
		vendor = excluded.vendor,
		model = excluded.model,
		mode = excluded.mode,
		pool1 = excluded.pool1,
		worker1 = excluded.worker1,
		hash_avg = excluded.hash_avg,
		last_seen = excluded.last_seen
	`

	_, err := s.db.ExecContext(ctx, query,
		info.IP, info.Vendor.String(), info.Model, info.Mode,
		info.Pool1, info.Worker1, info.HashAvg,
		time.Now().UTC().Format(time.DateTime),
	)
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", info.IP, err)
	}
	return nil
}

// GetDevices returns every known device ordered by IP.
func (s *SQLiteStorage) GetDevices(ctx context.Context) ([]*Device, error) {
	query := `
	SELECT ip, vendor, model, mode, pool1, worker1, hash_avg, last_seen
	FROM devices
	ORDER BY ip
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := []*Device{}
	for rows.Next() {
		d := &Device{}
		var lastSeen string
		err := rows.Scan(&d.IP, &d.Vendor, &d.Model, &d.Mode, &d.Pool1, &d.Worker1, &d.HashAvg, &lastSeen)
		if err != nil {
			return nil, err
		}
		d.LastSeen = parseTimestamp(lastSeen)
		devices = append(devices, d)
	}

	return devices, rows.Err()
}

// DeviceIPs returns the addresses of every known device.
func (s *SQLiteStorage) DeviceIPs(ctx context.Context) ([]string, error) {
	devices, err := s.GetDevices(ctx)
	if err != nil {
		return nil, err
	}
	ips := make([]string, 0, len(devices))
	for _, d := range devices {
		ips = append(ips, d.IP)
	}
	return ips, nil
}

// Vacuum compacts the database file to reclaim disk space after deletions
func (s *SQLiteStorage) Vacuum() error {
	_, err := s.db.Exec("VACUUM")
	if err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}
