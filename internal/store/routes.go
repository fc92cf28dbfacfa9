package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Route is one row of the route ledger: a single request's final routing
// outcome after all fallback levels were tried.
type Route struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Tier      string    `json:"tier"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	Rounds    int       `json:"rounds"`
	LatencyMS int64     `json:"latency_ms"`
	CacheHit  bool      `json:"cache_hit"`
	ErrorKind string    `json:"error_kind,omitempty"`
}

// RecordRoute inserts one ledger row. A missing ID or timestamp is filled in.
func (s *Store) RecordRoute(r *Route) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	_, err := s.writer.Exec(`
		INSERT INTO routes (id, timestamp, provider, model, tier, tokens_in, tokens_out, rounds, latency_ms, cache_hit, error_kind)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Timestamp.Format(time.RFC3339Nano), r.Provider, r.Model, r.Tier,
		r.TokensIn, r.TokensOut, r.Rounds, r.LatencyMS, boolToInt(r.CacheHit), r.ErrorKind)
	if err != nil {
		return fmt.Errorf("insert route: %w", err)
	}
	return nil
}

// RecentRoutes returns the most recent ledger rows, newest first.
func (s *Store) RecentRoutes(limit int) ([]*Route, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.reader.Query(`
		SELECT id, timestamp, provider, model, tier, tokens_in, tokens_out, rounds, latency_ms, cache_hit, error_kind
		FROM routes ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	defer rows.Close()

	var routes []*Route
	for rows.Next() {
		var r Route
		var ts string
		var cacheHit int
		err := rows.Scan(&r.ID, &ts, &r.Provider, &r.Model, &r.Tier,
			&r.TokensIn, &r.TokensOut, &r.Rounds, &r.LatencyMS, &cacheHit, &r.ErrorKind)
		if err != nil {
			return nil, fmt.Errorf("scan route: %w", err)
		}
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		r.CacheHit = cacheHit != 0
		routes = append(routes, &r)
	}
	return routes, rows.Err()
}

// PruneOlderThan deletes ledger rows older than the cutoff and returns the
// number of rows removed.
func (s *Store) PruneOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.writer.Exec("DELETE FROM routes WHERE timestamp < ?",
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune routes: %w", err)
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
