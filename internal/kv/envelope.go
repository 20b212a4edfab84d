// ABOUTME: Persistence envelope wrapped around every stored value
// ABOUTME: Carries write timestamp, optional version and optional expiry

package kv

import (
	"encoding/json"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Envelope is the on-disk representation of a stored value.
// Timestamp and Expiry are in milliseconds.
type Envelope struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	Version   string          `json:"version"`
	Expiry    *int64          `json:"expiry,omitempty"`
}

// Expired reports whether the envelope is older than its expiry at now.
func (e *Envelope) Expired(now time.Time) bool {
	if e.Expiry == nil {
		return false
	}
	return now.UnixMilli()-e.Timestamp > *e.Expiry
}

// VersionMatches reports whether the envelope version equals expected.
// Two valid semantic versions compare by semver equality, anything else by string.
func (e *Envelope) VersionMatches(expected string) bool {
	if e.Version == expected {
		return true
	}

	have, err := semver.NewVersion(e.Version)
	if err != nil {
		return false
	}
	want, err := semver.NewVersion(expected)
	if err != nil {
		return false
	}
	return have.Equal(want)
}
