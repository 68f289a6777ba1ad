package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/snapload/internal/common"
	"github.com/ternarybob/snapload/internal/models"
)

// DefaultVariant is the output sub-directory used when neither quality nor format is set
const DefaultVariant = "default"

// Locator maps job ids and kinds to on-disk locations. It holds no state
// beyond the resolved roots and is safe for concurrent use.
type Locator struct {
	downloads string
	logs      string
	temp      string
}

// NewLocator resolves the configured roots against the data dir
func NewLocator(paths common.PathsConfig) *Locator {
	return &Locator{
		downloads: paths.ResolvePath(paths.Downloads),
		logs:      paths.ResolvePath(paths.Logs),
		temp:      paths.ResolvePath(paths.Temp),
	}
}

// EnsureRoots creates the downloads, logs and temp directories
func (l *Locator) EnsureRoots() error {
	for _, dir := range []string{l.downloads, l.logs, l.temp} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

func (l *Locator) DownloadsRoot() string { return l.downloads }
func (l *Locator) LogsRoot() string      { return l.logs }
func (l *Locator) TempRoot() string      { return l.temp }

// LogPath returns logs/<job_id>.log
func (l *Locator) LogPath(jobID string) string {
	return filepath.Join(l.logs, jobID+".log")
}

// TempDir returns tmp/<job_id>
func (l *Locator) TempDir(jobID string) string {
	return filepath.Join(l.temp, jobID)
}

// OutputDir returns downloads/<kind>/<variant>. The variant is the quality,
// else the format, else DefaultVariant.
func (l *Locator) OutputDir(kind models.JobKind, quality, format string) string {
	if kind == "" {
		kind = models.JobKindUnspecified
	}
	variant := SanitizeFilename(quality, 64)
	if variant == "" {
		variant = SanitizeFilename(format, 64)
	}
	if variant == "" {
		variant = DefaultVariant
	}
	return filepath.Join(l.downloads, string(kind), variant)
}

// JobIDFromLog returns the job id encoded in a log file name, or "" when the
// name is not a job log (the service log shares the directory).
func JobIDFromLog(name string) string {
	if filepath.Ext(name) != ".log" {
		return ""
	}
	id := strings.TrimSuffix(filepath.Base(name), ".log")
	if !common.IsJobID(id) {
		return ""
	}
	return id
}

// IsWithin reports whether path is root or lies under it
func IsWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
