// Package catalog caches the secondary marketplace name-to-id mapping.
//
// The full mapping is published as a single all.json document. It is large
// and changes rarely, so a refreshed copy is kept in sqlite and served from
// an in-memory map until the TTL expires.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const defaultTTL = time.Hour

// Options parameterise the catalog cache.
type Options struct {
	BaseURL string
	Path    string // sqlite file; a temp-dir default is used when empty
	TTL     time.Duration
	Timeout time.Duration
}

// Catalog resolves item names to marketplace ids.
type Catalog struct {
	baseURL string
	ttl     time.Duration
	client  *http.Client
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	db       *sql.DB
	mapping  map[string]int64
	loadedAt time.Time
}

// New opens (or creates) the sqlite cache at opts.Path. No network request
// is made until the first lookup.
func New(opts Options, logger zerolog.Logger) (*Catalog, error) {
	path := opts.Path
	if path == "" {
		path = filepath.Join(os.TempDir(), "floorwatch", "catalog.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
	}
	// modernc sqlite does not support concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(catalogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply catalog schema: %w", err)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Catalog{
		baseURL: opts.BaseURL,
		ttl:     ttl,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "catalog").Logger(),
		now:     time.Now,
		db:      db,
	}, nil
}

const catalogSchema = `
CREATE TABLE IF NOT EXISTS items (
    name TEXT PRIMARY KEY,
    id   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// Close releases the sqlite handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Resolve returns the marketplace id for the given item name. The mapping
// is loaded from sqlite when fresh enough and re-downloaded otherwise.
func (c *Catalog) Resolve(ctx context.Context, name string) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureFresh(ctx); err != nil {
		return 0, false, err
	}
	id, ok := c.mapping[name]
	return id, ok, nil
}

// Refresh forces a re-download of the mapping regardless of TTL.
func (c *Catalog) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refresh(ctx)
}

// Size reports the number of cached names; zero before the first lookup.
func (c *Catalog) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.mapping)
}

func (c *Catalog) ensureFresh(ctx context.Context) error {
	if c.mapping != nil && c.now().Sub(c.loadedAt) < c.ttl {
		return nil
	}
	if ok, err := c.loadStored(); err != nil {
		c.logger.Warn().Err(err).Msg("stored catalog unreadable, re-downloading")
	} else if ok {
		return nil
	}
	return c.refresh(ctx)
}

// loadStored reads the sqlite copy; reports false when absent or expired.
func (c *Catalog) loadStored() (bool, error) {
	var raw string
	err := c.db.QueryRow(`SELECT value FROM meta WHERE key = 'refreshed_at'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	refreshed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, err
	}
	if c.now().Sub(time.Unix(refreshed, 0)) >= c.ttl {
		return false, nil
	}

	rows, err := c.db.Query(`SELECT name, id FROM items`)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	mapping := make(map[string]int64)
	for rows.Next() {
		var name string
		var id int64
		if err := rows.Scan(&name, &id); err != nil {
			return false, err
		}
		mapping[name] = id
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	if len(mapping) == 0 {
		return false, nil
	}

	c.mapping = mapping
	c.loadedAt = time.Unix(refreshed, 0)
	c.logger.Debug().Int("items", len(mapping)).Msg("catalog loaded from disk")
	return true, nil
}

func (c *Catalog) refresh(ctx context.Context) error {
	if c.baseURL == "" {
		return errors.New("catalog base url not configured")
	}

	url := strings.TrimRight(c.baseURL, "/") + "/full-history/all.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("download catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("catalog download status: %d", resp.StatusCode)
	}

	var decoded struct {
		History map[string]json.Number `json:"history"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decode catalog: %w", err)
	}
	if len(decoded.History) == 0 {
		return errors.New("catalog download returned no items")
	}

	mapping := make(map[string]int64, len(decoded.History))
	for name, raw := range decoded.History {
		id, err := raw.Int64()
		if err != nil || id <= 0 {
			continue
		}
		mapping[name] = id
	}
	if len(mapping) == 0 {
		return errors.New("catalog download had no usable ids")
	}

	now := c.now()
	if err := c.store(mapping, now); err != nil {
		return fmt.Errorf("persist catalog: %w", err)
	}

	c.mapping = mapping
	c.loadedAt = now
	c.logger.Info().Int("items", len(mapping)).Msg("catalog refreshed")
	return nil
}

func (c *Catalog) store(mapping map[string]int64, refreshed time.Time) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM items`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO items (name, id) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for name, id := range mapping {
		if _, err := stmt.Exec(name, id); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(
		`INSERT INTO meta (key, value) VALUES ('refreshed_at', ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		strconv.FormatInt(refreshed.Unix(), 10),
	); err != nil {
		return err
	}
	return tx.Commit()
}
