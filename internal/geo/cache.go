package geo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// cacheMaxAge bounds how long a geocoded place is trusted.
const cacheMaxAge = 180 * 24 * time.Hour

// Cache persists geocoded hub locations so restarts do not hit Nominatim again.
// Queries are matched case-insensitively and ignoring surrounding spaces.
type Cache struct {
	db     *sql.DB
	maxAge time.Duration
	now    func() time.Time
}

// NewCache creates a geocode cache on the geocache table.
func NewCache(db *sql.DB) *Cache {
	return &Cache{db: db, maxAge: cacheMaxAge, now: time.Now}
}

func cacheKey(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

// Get returns the cached location for query. Expired or unreadable
// entries are reported as a miss.
func (c *Cache) Get(ctx context.Context, query string) (*Location, bool) {
	key := cacheKey(query)

	var (
		loc     Location
		created int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT display_name, latitude, longitude, created_at FROM geocache WHERE query = ?`,
		key,
	).Scan(&loc.Name, &loc.Latitude, &loc.Longitude, &created)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false
	case err != nil:
		log.Warn().Err(err).Str("query", key).Msg("Failed to read geocache")
		return nil, false
	}

	if age := c.now().Sub(time.Unix(created, 0)); age > c.maxAge {
		log.Debug().Str("query", key).Dur("age", age).Msg("Geocache entry expired")
		return nil, false
	}

	log.Debug().Str("query", key).Float64("lat", loc.Latitude).Float64("lon", loc.Longitude).Msg("Geocache hit")
	return &loc, true
}

// Put stores a geocoded location, replacing any previous entry.
func (c *Cache) Put(ctx context.Context, query string, loc *Location) error {
	key := cacheKey(query)
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO geocache (query, display_name, latitude, longitude, created_at) VALUES (?, ?, ?, ?, ?)`,
		key, loc.Name, loc.Latitude, loc.Longitude, c.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store geocache entry %q: %w", key, err)
	}
	log.Info().Str("query", key).Float64("lat", loc.Latitude).Float64("lon", loc.Longitude).Msg("Geocache stored")
	return nil
}
