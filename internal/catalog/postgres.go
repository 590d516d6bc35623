package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"restaurant-agent/internal/domain"
)

// PostgresConfig configures the catalog database. DSN may be an "ssm:"
// parameter reference, resolved at startup.
type PostgresConfig struct {
	DSN             string        `envconfig:"DSN"`
	MaxOpenConns    int           `envconfig:"MAX_OPEN_CONNS" split_words:"true" default:"25"`
	MaxIdleConns    int           `envconfig:"MAX_IDLE_CONNS" split_words:"true" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"CONN_MAX_LIFETIME" split_words:"true" default:"1h"`
}

// OpenPostgres opens and pings a pooled connection.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("catalog: postgres DSN must not be empty")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("catalog: open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: ping postgres: %w", err)
	}
	return db, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS restaurants (
		key TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		timezone TEXT NOT NULL DEFAULT '',
		policies JSONB NOT NULL DEFAULT '{}'::jsonb,
		deals JSONB NOT NULL DEFAULT '[]'::jsonb
	)`,
	`CREATE TABLE IF NOT EXISTS restaurant_locations (
		restaurant_key TEXT NOT NULL REFERENCES restaurants(key) ON DELETE CASCADE,
		position INT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		latitude DOUBLE PRECISION NOT NULL CHECK (latitude BETWEEN -90 AND 90),
		longitude DOUBLE PRECISION NOT NULL CHECK (longitude BETWEEN -180 AND 180),
		PRIMARY KEY (restaurant_key, position)
	)`,
	`CREATE TABLE IF NOT EXISTS menu_items (
		restaurant_key TEXT NOT NULL REFERENCES restaurants(key) ON DELETE CASCADE,
		item_id TEXT NOT NULL,
		position INT NOT NULL,
		name TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		price NUMERIC(10,2) NOT NULL CHECK (price >= 0),
		description TEXT NOT NULL DEFAULT '',
		available BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (restaurant_key, item_id)
	)`,
	`CREATE INDEX IF NOT EXISTS menu_items_available_idx ON menu_items (restaurant_key, position) WHERE available`,
}

const (
	selectProfile = `SELECT key, display_name, timezone, policies, deals FROM restaurants WHERE key = $1`

	selectLocations = `SELECT name, address, phone, latitude, longitude
		FROM restaurant_locations WHERE restaurant_key = $1 ORDER BY position`

	selectAvailableItems = `SELECT item_id, name, category, price, description, available
		FROM menu_items WHERE restaurant_key = $1 AND available ORDER BY position`

	selectRestaurants = `SELECT key, display_name FROM restaurants ORDER BY key`

	upsertRestaurant = `INSERT INTO restaurants (key, display_name, timezone, policies, deals)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET display_name = EXCLUDED.display_name,
			timezone = EXCLUDED.timezone, policies = EXCLUDED.policies, deals = EXCLUDED.deals`

	insertLocation = `INSERT INTO restaurant_locations (restaurant_key, position, name, address, phone, latitude, longitude)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	insertMenuItem = `INSERT INTO menu_items (restaurant_key, item_id, position, name, category, price, description, available)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	deleteStaleRows = `DELETE FROM %s WHERE restaurant_key = ANY($1)`
)

// pgUndefinedTable is the SQLSTATE for a missing relation.
const pgUndefinedTable = "42P01"

// Postgres serves the catalog from the restaurants, restaurant_locations
// and menu_items tables.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) (*Postgres, error) {
	if db == nil {
		return nil, errors.New("catalog: db must not be nil")
	}
	return &Postgres{db: db}, nil
}

// EnsureSchema creates the catalog tables when they are missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("catalog: ensure schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Profile(ctx context.Context, key string) (domain.RestaurantProfile, error) {
	profile, err := scanProfile(p.db.QueryRowContext(ctx, selectProfile, key))
	if err != nil {
		return domain.RestaurantProfile{}, wrapQueryErr("profile", err)
	}

	rows, err := p.db.QueryContext(ctx, selectLocations, key)
	if err != nil {
		return domain.RestaurantProfile{}, wrapQueryErr("locations", err)
	}
	defer rows.Close()
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return domain.RestaurantProfile{}, wrapQueryErr("locations", err)
		}
		profile.Locations = append(profile.Locations, loc)
	}
	if err := rows.Err(); err != nil {
		return domain.RestaurantProfile{}, wrapQueryErr("locations", err)
	}
	return profile, nil
}

// AvailableItems returns the restaurant's available items in menu order.
// An unknown key yields an empty menu; Profile reports unknown restaurants.
func (p *Postgres) AvailableItems(ctx context.Context, key string) ([]domain.MenuItem, error) {
	rows, err := p.db.QueryContext(ctx, selectAvailableItems, key)
	if err != nil {
		return nil, wrapQueryErr("menu", err)
	}
	defer rows.Close()

	items := []domain.MenuItem{}
	for rows.Next() {
		it, err := scanMenuItem(rows)
		if err != nil {
			return nil, wrapQueryErr("menu", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapQueryErr("menu", err)
	}
	return items, nil
}

func (p *Postgres) List(ctx context.Context) ([]domain.RestaurantSummary, error) {
	rows, err := p.db.QueryContext(ctx, selectRestaurants)
	if err != nil {
		return nil, wrapQueryErr("list", err)
	}
	defer rows.Close()

	list := []domain.RestaurantSummary{}
	for rows.Next() {
		var s domain.RestaurantSummary
		if err := rows.Scan(&s.Key, &s.DisplayName); err != nil {
			return nil, wrapQueryErr("list", err)
		}
		list = append(list, s)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapQueryErr("list", err)
	}
	return list, nil
}

// Seed upserts the given restaurants and replaces their locations and menus
// in one transaction.
func (p *Postgres) Seed(ctx context.Context, restaurants []Restaurant) error {
	if len(restaurants) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: seed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	keys := make([]string, 0, len(restaurants))
	for _, r := range restaurants {
		keys = append(keys, r.Profile.Key)
	}
	for _, table := range []string{"restaurant_locations", "menu_items"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(deleteStaleRows, table), pq.Array(keys)); err != nil {
			return wrapQueryErr("seed "+table, err)
		}
	}

	for _, r := range restaurants {
		args, err := restaurantArgs(r.Profile)
		if err != nil {
			return fmt.Errorf("catalog: seed %s: %w", r.Profile.Key, err)
		}
		if _, err := tx.ExecContext(ctx, upsertRestaurant, args...); err != nil {
			return wrapQueryErr("seed restaurants", err)
		}
		for i, l := range r.Profile.Locations {
			if _, err := tx.ExecContext(ctx, insertLocation, r.Profile.Key, i, l.Name, l.Address, l.Phone, l.Latitude, l.Longitude); err != nil {
				return wrapQueryErr("seed restaurant_locations", err)
			}
		}
		for i, it := range r.Menu {
			if _, err := tx.ExecContext(ctx, insertMenuItem, r.Profile.Key, it.ItemID, i, it.Name, it.Category, it.Price, it.Description, it.Available); err != nil {
				return wrapQueryErr("seed menu_items", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: seed commit: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (domain.RestaurantProfile, error) {
	var (
		p               domain.RestaurantProfile
		policies, deals []byte
	)
	if err := row.Scan(&p.Key, &p.DisplayName, &p.Timezone, &policies, &deals); err != nil {
		return domain.RestaurantProfile{}, err
	}
	if len(policies) > 0 {
		if err := json.Unmarshal(policies, &p.Policies); err != nil {
			return domain.RestaurantProfile{}, fmt.Errorf("decode policies: %w", err)
		}
	}
	if len(deals) > 0 {
		if err := json.Unmarshal(deals, &p.Deals); err != nil {
			return domain.RestaurantProfile{}, fmt.Errorf("decode deals: %w", err)
		}
	}
	return p, nil
}

func scanLocation(row rowScanner) (domain.Location, error) {
	var l domain.Location
	err := row.Scan(&l.Name, &l.Address, &l.Phone, &l.Latitude, &l.Longitude)
	return l, err
}

func scanMenuItem(row rowScanner) (domain.MenuItem, error) {
	var it domain.MenuItem
	err := row.Scan(&it.ItemID, &it.Name, &it.Category, &it.Price, &it.Description, &it.Available)
	return it, err
}

func restaurantArgs(p domain.RestaurantProfile) ([]any, error) {
	policies := p.Policies
	if policies == nil {
		policies = map[string]any{}
	}
	deals := p.Deals
	if deals == nil {
		deals = []string{}
	}
	pj, err := json.Marshal(policies)
	if err != nil {
		return nil, fmt.Errorf("encode policies: %w", err)
	}
	dj, err := json.Marshal(deals)
	if err != nil {
		return nil, fmt.Errorf("encode deals: %w", err)
	}
	return []any{p.Key, p.DisplayName, p.Timezone, string(pj), string(dj)}, nil
}

func wrapQueryErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrRestaurantNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pgUndefinedTable {
		return fmt.Errorf("catalog: %s: schema missing, run migrate: %w", op, err)
	}
	return fmt.Errorf("catalog: %s: %w", op, err)
}
