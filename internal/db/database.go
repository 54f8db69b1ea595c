package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"obd2relay/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a preference or a levels entry does not exist.
var ErrNotFound = errors.New("not found")

// Preference keys
const (
	PrefTankCapacity = "tank_capacity_l"
	PrefRelayURL     = "relay_url"
	PrefBaseDistance = "base_distance_km"
)

// DefaultTankCapacity is used until the user sets a capacity.
const DefaultTankCapacity = 50.0

// Database wraps the SQLite connection
type Database struct {
	conn *sql.DB
	now  func() time.Time
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	// Enable WAL mode via connection string
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with single writer; this also keeps :memory: on one connection
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	db := &Database{conn: conn, now: time.Now}

	if err := db.initialize(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return db, nil
}

// initialize creates tables and indexes
func (db *Database) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS preferences (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tank_levels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		main_tank_level REAL NOT NULL,
		main_tank_unit TEXT NOT NULL,
		aux_tank_level REAL NOT NULL,
		aux_tank_unit TEXT NOT NULL,
		main_tank_price REAL NOT NULL,
		price_unit TEXT NOT NULL,
		odometer REAL NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tank_levels_created_at ON tank_levels(created_at);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.conn.Close()
}

// Ping checks the connection is usable
func (db *Database) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// GetPreference returns the stored value of key
func (db *Database) GetPreference(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get preference %s: %w", key, err)
	}
	return value, nil
}

// SetPreference inserts or replaces the value of key
func (db *Database) SetPreference(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO preferences (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	if _, err := db.conn.ExecContext(ctx, query, key, value, db.now().UTC()); err != nil {
		return fmt.Errorf("set preference %s: %w", key, err)
	}
	return nil
}

// ListPreferences returns every stored preference
func (db *Database) ListPreferences(ctx context.Context) (map[string]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT key, value FROM preferences ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	prefs := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		prefs[k] = v
	}
	return prefs, rows.Err()
}

// FloatPreference returns key parsed as a float, or def when unset
func (db *Database) FloatPreference(ctx context.Context, key string, def float64) (float64, error) {
	raw, err := db.GetPreference(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def, fmt.Errorf("preference %s=%q is not a number: %w", key, raw, err)
	}
	return v, nil
}

// TankCapacity returns the configured tank capacity in liters
func (db *Database) TankCapacity(ctx context.Context) (float64, error) {
	return db.FloatPreference(ctx, PrefTankCapacity, DefaultTankCapacity)
}

// RelayURL returns the saved upstream controller URL
func (db *Database) RelayURL(ctx context.Context) (string, error) {
	return db.GetPreference(ctx, PrefRelayURL)
}

// InsertLevels appends a tank levels entry and fills in its ID and CreatedAt
func (db *Database) InsertLevels(ctx context.Context, l *models.TankLevels) error {
	query := `
		INSERT INTO tank_levels
		(main_tank_level, main_tank_unit, aux_tank_level, aux_tank_unit,
		 main_tank_price, price_unit, odometer, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	createdAt := db.now().UTC()
	result, err := db.conn.ExecContext(ctx, query,
		l.MainTankLevel, l.MainTankUnit, l.AuxTankLevel, l.AuxTankUnit,
		l.MainTankPrice, l.PriceUnit, l.Odometer, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert tank levels: %w", err)
	}

	id, _ := result.LastInsertId()
	l.ID = id
	l.CreatedAt = createdAt
	return nil
}

// LatestLevels returns the most recent entry
func (db *Database) LatestLevels(ctx context.Context) (*models.TankLevels, error) {
	levels, err := db.ListLevels(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(levels) == 0 {
		return nil, ErrNotFound
	}
	return &levels[0], nil
}

// ListLevels returns entries most recent first; limit <= 0 returns all
func (db *Database) ListLevels(ctx context.Context, limit int) ([]models.TankLevels, error) {
	query := `
		SELECT id, main_tank_level, main_tank_unit, aux_tank_level, aux_tank_unit,
		       main_tank_price, price_unit, odometer, created_at
		FROM tank_levels
		ORDER BY id DESC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tank levels: %w", err)
	}
	defer rows.Close()

	results := make([]models.TankLevels, 0)
	for rows.Next() {
		var l models.TankLevels
		err := rows.Scan(
			&l.ID, &l.MainTankLevel, &l.MainTankUnit, &l.AuxTankLevel, &l.AuxTankUnit,
			&l.MainTankPrice, &l.PriceUnit, &l.Odometer, &l.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		results = append(results, l)
	}

	return results, rows.Err()
}

// GetStats returns database statistics
func (db *Database) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var levels int64
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM tank_levels").Scan(&levels); err != nil {
		return nil, err
	}
	stats["tank_level_entries"] = levels

	var prefs int64
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM preferences").Scan(&prefs); err != nil {
		return nil, err
	}
	stats["preferences"] = prefs

	return stats, nil
}
