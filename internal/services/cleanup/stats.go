package cleanup

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/ternarybob/snapload/internal/artifacts"
	"github.com/ternarybob/snapload/internal/models"
)

// Stats summarizes storage usage per category
func (e *Engine) Stats(ctx context.Context) (*models.StorageStats, error) {
	stats := &models.StorageStats{CollectedAt: e.now()}

	var err error
	if stats.Downloads, err = dirCategory(e.locator.DownloadsRoot()); err != nil {
		return nil, err
	}
	if stats.Logs, err = dirCategory(e.locator.LogsRoot()); err != nil {
		return nil, err
	}
	if stats.Temp, err = dirCategory(e.locator.TempRoot()); err != nil {
		return nil, err
	}

	jobCount, err := e.storage.JobStorage().CountJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	stats.Metadata = category(0, jobCount)

	rows := 0
	if e.index != nil {
		if rows, err = e.index.Count(ctx); err != nil {
			return nil, fmt.Errorf("failed to count index rows: %w", err)
		}
	}
	stats.Database = category(e.storage.DiskUsage(), rows)

	act, err := e.snapshotActivity(ctx)
	if err != nil {
		return nil, err
	}
	stats.ActiveJobCount = len(act.ids)

	stats.TotalBytes = stats.Downloads.SizeBytes + stats.Logs.SizeBytes + stats.Temp.SizeBytes + stats.Database.SizeBytes
	stats.TotalHuman = humanize.Bytes(uint64(stats.TotalBytes))
	return stats, nil
}

func dirCategory(root string) (models.CategoryStats, error) {
	size, count, err := artifacts.DirStats(root)
	if err != nil {
		return models.CategoryStats{}, fmt.Errorf("failed to stat %s: %w", root, err)
	}
	return category(size, count), nil
}

func category(size int64, count int) models.CategoryStats {
	return models.CategoryStats{
		SizeBytes: size,
		SizeHuman: humanize.Bytes(uint64(size)),
		Count:     count,
	}
}

