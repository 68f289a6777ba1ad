package models

import (
	"fmt"
	"time"
)

// CleanupTarget names a resource category managed by the retention engine
type CleanupTarget string

const (
	CleanupTargetDownloads CleanupTarget = "downloads"
	CleanupTargetLogs      CleanupTarget = "logs"
	CleanupTargetMetadata  CleanupTarget = "metadata"
	CleanupTargetTemp      CleanupTarget = "temp"
	CleanupTargetDatabase  CleanupTarget = "database"
	CleanupTargetAll       CleanupTarget = "all"
)

// AllCleanupTargets lists every concrete target in scan order.
// Files go before the records that reference them.
var AllCleanupTargets = []CleanupTarget{
	CleanupTargetTemp,
	CleanupTargetDownloads,
	CleanupTargetLogs,
	CleanupTargetMetadata,
	CleanupTargetDatabase,
}

// ExpandCleanupTargets expands "all", drops duplicates and rejects unknown names.
// The result follows AllCleanupTargets order. An empty input expands to all targets.
func ExpandCleanupTargets(in []CleanupTarget) ([]CleanupTarget, error) {
	if len(in) == 0 {
		return append([]CleanupTarget(nil), AllCleanupTargets...), nil
	}

	want := make(map[CleanupTarget]bool, len(in))
	for _, t := range in {
		switch t {
		case CleanupTargetAll:
			return append([]CleanupTarget(nil), AllCleanupTargets...), nil
		case CleanupTargetDownloads, CleanupTargetLogs, CleanupTargetMetadata, CleanupTargetTemp, CleanupTargetDatabase:
			want[t] = true
		default:
			return nil, fmt.Errorf("unknown cleanup target %q", t)
		}
	}

	out := make([]CleanupTarget, 0, len(want))
	for _, t := range AllCleanupTargets {
		if want[t] {
			out = append(out, t)
		}
	}
	return out, nil
}

// TargetStats is the per-target breakdown of a run
type TargetStats struct {
	Scanned    int     `json:"scanned"`
	Selected   int     `json:"selected"` // matched age and activity rules
	Deleted    int     `json:"deleted"`  // confirmed removed; always 0 in dry-run
	Marked     int     `json:"marked,omitempty"`
	BytesFreed int64   `json:"bytes_freed"` // would-free bytes in dry-run
	Skipped    int     `json:"skipped_active"`
	Errors     int     `json:"errors"`
	Duration   float64 `json:"duration_seconds"`
}

// CleanupRunRecord is the result of one retention engine invocation.
// Read-only once persisted.
type CleanupRunRecord struct {
	ID           string                        `json:"id" badgerhold:"key"`
	StartedAt    time.Time                     `json:"started_at" badgerhold:"index"`
	FinishedAt   time.Time                     `json:"finished_at"`
	Trigger      string                        `json:"trigger"` // "schedule:<group>" or "manual"
	Targets      []CleanupTarget               `json:"targets"`
	DryRun       bool                          `json:"dry_run"`
	ItemsScanned int                           `json:"items_scanned"`
	ItemsDeleted int                           `json:"items_deleted"`
	BytesFreed   int64                         `json:"bytes_freed"`
	Errors       []string                      `json:"errors"`
	Interrupted  bool                          `json:"interrupted"`
	PerTarget    map[CleanupTarget]TargetStats `json:"per_target"`
}

// CategoryStats describes one storage category
type CategoryStats struct {
	SizeBytes int64  `json:"size_bytes"`
	SizeHuman string `json:"size_human"`
	Count     int    `json:"count"`
}

// StorageStats is the storage summary served by the admin surface
type StorageStats struct {
	Downloads      CategoryStats `json:"downloads"`
	Logs           CategoryStats `json:"logs"`
	Temp           CategoryStats `json:"temp"`
	Metadata       CategoryStats `json:"metadata"` // Count = job records
	Database       CategoryStats `json:"database"` // Count = download index rows
	TotalBytes     int64         `json:"total_bytes"`
	TotalHuman     string        `json:"total_human"`
	ActiveJobCount int           `json:"active_jobs"`
	CollectedAt    time.Time     `json:"collected_at"`
}

// RetentionConfig is the active retention policy
type RetentionConfig struct {
	Enabled             bool    `json:"enabled"`
	RetentionHours      float64 `json:"retention_hours"`
	TempRetentionHours  float64 `json:"temp_retention_hours"`
	Cron                string  `json:"cron"`
	TempCron            string  `json:"temp_cron"`
	DryRun              bool    `json:"dry_run"`
	RunLogRetentionDays int     `json:"run_log_retention_days"`
}

// ScheduleInfo describes one scheduled cleanup group
type ScheduleInfo struct {
	Name      string          `json:"name"`
	Schedule  string          `json:"schedule"`
	Targets   []CleanupTarget `json:"targets"`
	Enabled   bool            `json:"enabled"`
	NextRun   *time.Time      `json:"next_run,omitempty"`
	LastRun   *time.Time      `json:"last_run,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	IsRunning bool            `json:"is_running"`
}
