package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	labagent "github.com/httprunner/LabAgent"
)

const (
	defaultDBDirName  = ".labagent"
	defaultDBFileName = "lab.sqlite"

	devicesTable   = "devices"
	stabilityTable = "stability_events"
	taskRunsTable  = "task_runs"
)

// Store persists device snapshots, stability events and run summaries in a
// local SQLite database. It implements labagent.DeviceRecorder and
// labagent.RunRecorder.
type Store struct {
	db   *sql.DB
	path string
}

// StabilityEvent is one reported device failure.
type StabilityEvent struct {
	Serial    string
	Reason    string
	CreatedAt time.Time
}

// ResolveDatabasePath returns path, or ~/.labagent/lab.sqlite when empty,
// creating the parent directory.
func ResolveDatabasePath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "storage: locate user home failed")
		}
		path = filepath.Join(home, defaultDBDirName, defaultDBFileName)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.Wrapf(err, "storage: create dir for %s failed", path)
	}
	return path, nil
}

// Open opens (and migrates) the database at path.
func Open(path string) (*Store, error) {
	resolved, err := ResolveDatabasePath(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", resolved)
	if err != nil {
		return nil, errors.Wrap(err, "storage: open sqlite database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug().Str("path", resolved).Msg("storage: sqlite ready")
	return &Store{db: db, path: resolved}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=60000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return errors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + devicesTable + ` (
			serial TEXT PRIMARY KEY,
			name TEXT,
			model TEXT,
			platform TEXT,
			status TEXT NOT NULL,
			os_version TEXT,
			agent_version TEXT,
			provider_uuid TEXT,
			running_task TEXT,
			last_error TEXT,
			last_seen_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS ` + stabilityTable + ` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			serial TEXT NOT NULL,
			reason TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_stability_serial_time ON ` + stabilityTable + ` (serial, created_at);`,
		`CREATE TABLE IF NOT EXISTS ` + taskRunsTable + ` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			device_serial TEXT NOT NULL,
			device_name TEXT,
			package_name TEXT,
			status TEXT NOT NULL,
			rounds INTEGER,
			actions INTEGER,
			recoveries INTEGER,
			aborted INTEGER,
			screenshots INTEGER,
			log_path TEXT,
			video_path TEXT,
			error_message TEXT,
			start_at INTEGER,
			end_at INTEGER,
			UNIQUE(task_id, device_serial)
		);`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "storage: prepare schema failed")
		}
	}
	return nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		log.Debug().Str("sql", FormatSQLForLog(query, args...)).Msg("storage: statement failed")
		return err
	}
	return nil
}

// UpsertDevices stores the latest snapshot of each device.
func (s *Store) UpsertDevices(ctx context.Context, devices []labagent.DeviceInfoUpdate) error {
	const query = `INSERT INTO ` + devicesTable + ` (serial, name, model, platform, status, os_version,
		agent_version, provider_uuid, running_task, last_error, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(serial) DO UPDATE SET
			name = excluded.name, model = excluded.model, platform = excluded.platform,
			status = excluded.status, os_version = excluded.os_version,
			agent_version = excluded.agent_version, provider_uuid = excluded.provider_uuid,
			running_task = excluded.running_task, last_error = excluded.last_error,
			last_seen_at = excluded.last_seen_at`
	for _, d := range devices {
		serial := strings.TrimSpace(d.DeviceSerial)
		if serial == "" {
			log.Warn().Str("status", d.Status).Msg("storage: skip device without serial")
			continue
		}
		err := s.exec(ctx, query, serial, d.Name, d.Model, string(d.Platform), d.Status, d.OSVersion,
			d.AgentVersion, d.ProviderUUID, d.RunningTask, d.LastError, unixMilli(d.LastSeenAt))
		if err != nil {
			return errors.Wrapf(err, "storage: upsert device %s failed", serial)
		}
	}
	return nil
}

// Devices returns the stored device rows ordered by serial.
func (s *Store) Devices(ctx context.Context) ([]labagent.DeviceInfoUpdate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT serial, name, model, platform, status, os_version,
		agent_version, provider_uuid, running_task, last_error, last_seen_at
		FROM `+devicesTable+` ORDER BY serial`)
	if err != nil {
		return nil, errors.Wrap(err, "storage: query devices failed")
	}
	defer rows.Close()

	var out []labagent.DeviceInfoUpdate
	for rows.Next() {
		var (
			d        labagent.DeviceInfoUpdate
			platform string
			seen     int64
		)
		if err := rows.Scan(&d.DeviceSerial, &d.Name, &d.Model, &platform, &d.Status, &d.OSVersion,
			&d.AgentVersion, &d.ProviderUUID, &d.RunningTask, &d.LastError, &seen); err != nil {
			return nil, errors.Wrap(err, "storage: scan device failed")
		}
		d.Platform = labagent.Platform(platform)
		d.LastSeenAt = fromUnixMilli(seen)
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecordRun upserts one device run summary keyed by (task id, serial).
func (s *Store) RecordRun(ctx context.Context, rec labagent.RunRecord) error {
	const query = `INSERT INTO ` + taskRunsTable + ` (task_id, device_serial, device_name, package_name,
		status, rounds, actions, recoveries, aborted, screenshots, log_path, video_path, error_message,
		start_at, end_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, device_serial) DO UPDATE SET
			device_name = excluded.device_name, package_name = excluded.package_name,
			status = excluded.status, rounds = excluded.rounds, actions = excluded.actions,
			recoveries = excluded.recoveries, aborted = excluded.aborted,
			screenshots = excluded.screenshots, log_path = excluded.log_path,
			video_path = excluded.video_path, error_message = excluded.error_message,
			start_at = excluded.start_at, end_at = excluded.end_at`
	err := s.exec(ctx, query, rec.TaskID, rec.DeviceSerial, rec.DeviceName, rec.PackageName,
		rec.Status, rec.Rounds, rec.Actions, rec.Recoveries, boolInt(rec.Aborted), rec.Screenshots,
		rec.LogPath, rec.VideoPath, rec.ErrorMessage, unixMilli(rec.StartAt), unixMilli(rec.EndAt))
	if err != nil {
		return errors.Wrapf(err, "storage: record run %s/%s failed", rec.TaskID, rec.DeviceSerial)
	}
	return nil
}

// Runs returns the run summaries of taskID ordered by device serial.
func (s *Store) Runs(ctx context.Context, taskID string) ([]labagent.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, device_serial, device_name, package_name, status,
		rounds, actions, recoveries, aborted, screenshots, log_path, video_path, error_message, start_at, end_at
		FROM `+taskRunsTable+` WHERE task_id = ? ORDER BY device_serial`, taskID)
	if err != nil {
		return nil, errors.Wrap(err, "storage: query runs failed")
	}
	defer rows.Close()

	var out []labagent.RunRecord
	for rows.Next() {
		var (
			rec        labagent.RunRecord
			aborted    int
			start, end int64
		)
		if err := rows.Scan(&rec.TaskID, &rec.DeviceSerial, &rec.DeviceName, &rec.PackageName, &rec.Status,
			&rec.Rounds, &rec.Actions, &rec.Recoveries, &aborted, &rec.Screenshots, &rec.LogPath,
			&rec.VideoPath, &rec.ErrorMessage, &start, &end); err != nil {
			return nil, errors.Wrap(err, "storage: scan run failed")
		}
		rec.Aborted = aborted != 0
		rec.StartAt = fromUnixMilli(start)
		rec.EndAt = fromUnixMilli(end)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordStabilityEvent appends a device failure.
func (s *Store) RecordStabilityEvent(ctx context.Context, serial, reason string, at time.Time) error {
	err := s.exec(ctx, `INSERT INTO `+stabilityTable+` (serial, reason, created_at) VALUES (?, ?, ?)`,
		serial, reason, unixMilli(at))
	return errors.Wrapf(err, "storage: record stability event for %s failed", serial)
}

// StabilityEventsSince returns failures at or after since, oldest first.
func (s *Store) StabilityEventsSince(ctx context.Context, since time.Time) ([]StabilityEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT serial, reason, created_at FROM `+stabilityTable+`
		WHERE created_at >= ? ORDER BY created_at, id`, unixMilli(since))
	if err != nil {
		return nil, errors.Wrap(err, "storage: query stability events failed")
	}
	defer rows.Close()

	var out []StabilityEvent
	for rows.Next() {
		var (
			ev StabilityEvent
			at int64
		)
		if err := rows.Scan(&ev.Serial, &ev.Reason, &at); err != nil {
			return nil, errors.Wrap(err, "storage: scan stability event failed")
		}
		ev.CreatedAt = fromUnixMilli(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var (
	_ labagent.DeviceRecorder = (*Store)(nil)
	_ labagent.RunRecorder    = (*Store)(nil)
)
