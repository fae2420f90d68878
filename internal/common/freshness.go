// Package common provides shared utilities for the sahm ingestion pipeline.
package common

import "time"

// Freshness TTLs per source capability. An entity whose last successful
// ingestion is within the TTL is skipped by resume-from-last runs and by the
// staleness scan.
const (
	FreshnessQuote      = 5 * time.Minute
	FreshnessIntraday   = 15 * time.Minute
	FreshnessDailyBar   = 20 * time.Hour
	FreshnessProfile    = 7 * 24 * time.Hour
	FreshnessStatements = 7 * 24 * time.Hour
	FreshnessRatios     = 7 * 24 * time.Hour
	FreshnessDividends  = 24 * time.Hour
	FreshnessActions    = 24 * time.Hour
	FreshnessOwnership  = 7 * 24 * time.Hour
	FreshnessAnalyst    = 24 * time.Hour
	FreshnessEarnings   = 24 * time.Hour
	FreshnessFundList   = 7 * 24 * time.Hour
	FreshnessFundNAV    = 20 * time.Hour
	FreshnessFundMeta   = 7 * 24 * time.Hour
)

// IsFresh returns true if the given timestamp is within the TTL.
func IsFresh(updated time.Time, ttl time.Duration) bool {
	if updated.IsZero() {
		return false
	}
	return time.Since(updated) < ttl
}
