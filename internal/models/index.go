package models

import (
	"strings"
	"time"
)

// IndexStatus is the state of a download index row
type IndexStatus string

const (
	IndexStatusPending IndexStatus = "pending"
	IndexStatusReady   IndexStatus = "ready"
	IndexStatusFailed  IndexStatus = "failed"
)

// DownloadIndexEntry caches the outcome of a fetch for a given
// url + kind + quality + format combination
type DownloadIndexEntry struct {
	Key        string      `json:"-" badgerhold:"key"`
	URL        string      `json:"url"`
	Kind       JobKind     `json:"kind"`
	Quality    string      `json:"quality,omitempty"`
	Format     string      `json:"format,omitempty"`
	Files      []string    `json:"files"`
	Status     IndexStatus `json:"status" badgerhold:"index"`
	JobID      string      `json:"job_id,omitempty" badgerhold:"index"`
	CreatedAt  time.Time   `json:"created_at"`
	LastAccess *time.Time  `json:"last_access,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// IndexKey builds the composite key for an index row.
// Quality and format are optional; an empty value is part of the key.
func IndexKey(url string, kind JobKind, quality, format string) string {
	return strings.Join([]string{url, string(kind), quality, format}, "|")
}

// AvailabilityStatus is the result of an index lookup
type AvailabilityStatus string

const (
	AvailabilityReady   AvailabilityStatus = "ready"
	AvailabilityPending AvailabilityStatus = "pending"
	AvailabilityMiss    AvailabilityStatus = "miss"
)

// Availability is returned by the availability check
type Availability struct {
	Status AvailabilityStatus `json:"status"`
	JobID  string             `json:"job_id,omitempty"`
	Files  []string           `json:"files,omitempty"`
}
