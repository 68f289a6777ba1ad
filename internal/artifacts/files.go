package artifacts

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"unicode"
	"unicode/utf8"

	"github.com/ternarybob/snapload/internal/models"
	"golang.org/x/text/unicode/norm"
)

var (
	audioExtensions = map[string]bool{".mp3": true, ".m4a": true, ".flac": true, ".wav": true, ".aac": true, ".ogg": true}
	videoExtensions = map[string]bool{".webm": true, ".mp4": true, ".mkv": true, ".mov": true, ".avi": true}
)

// IsMediaFile reports whether name carries an extension accepted for kind.
// Unspecified accepts audio and video.
func IsMediaFile(kind models.JobKind, name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	switch kind {
	case models.JobKindAudio:
		return audioExtensions[ext]
	case models.JobKindVideo:
		return videoExtensions[ext]
	default:
		return audioExtensions[ext] || videoExtensions[ext]
	}
}

// ListMediaFiles returns the recognized media files directly inside dir,
// sorted by name. Partial downloads (.part, .ytdl) never match.
func ListMediaFiles(dir string, kind models.JobKind) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !IsMediaFile(kind, e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// SanitizeFilename NFC-normalizes name, replaces path separators with '-',
// drops control characters, collapses whitespace and caps the result at
// maxLen bytes while keeping the extension. maxLen <= 0 means no cap.
func SanitizeFilename(name string, maxLen int) string {
	name = norm.NFC.String(name)

	var b strings.Builder
	lastSpace := false
	for _, r := range name {
		switch {
		case r == '/' || r == '\\':
			b.WriteRune('-')
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
			}
			lastSpace = true
		case unicode.IsControl(r) || r == utf8.RuneError:
			continue
		default:
			b.WriteRune(r)
			lastSpace = false
		}
	}

	out := strings.Trim(b.String(), " .")
	if out == "." || out == ".." {
		return ""
	}
	if maxLen <= 0 || len(out) <= maxLen {
		return out
	}

	ext := filepath.Ext(out)
	if len(ext) >= maxLen {
		ext = ""
	}
	stem := truncateBytes(strings.TrimSuffix(out, ext), maxLen-len(ext))
	return strings.TrimRight(stem, " .") + ext
}

func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// UniquePath returns dir/name, or dir/stem-N.ext for the first N >= 1 that
// does not exist yet.
func UniquePath(dir, name string) string {
	candidate := filepath.Join(dir, name)
	if _, err := os.Lstat(candidate); errors.Is(err, fs.ErrNotExist) {
		return candidate
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s-%d%s", stem, i, ext))
		if _, err := os.Lstat(candidate); errors.Is(err, fs.ErrNotExist) {
			return candidate
		}
	}
}

// rename is swapped in tests to simulate a cross-device move
var rename = os.Rename

// MoveFile renames src to dst, falling back to copy+remove only when the
// rename crosses a filesystem boundary. Any other rename error is returned.
func MoveFile(src, dst string) error {
	err := rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("failed to rename file: %w", err)
	}

	if err := copyFile(src, dst); err != nil {
		os.Remove(dst)
		return err
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("failed to remove source after copy: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close destination file: %w", err)
	}
	return nil
}

// DirStats walks root and returns the total size and count of regular files.
// A missing root is reported as empty.
func DirStats(root string) (int64, int, error) {
	var size int64
	var count int

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		size += info.Size()
		count++
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	return size, count, nil
}

// PathSize returns the size of a file, or the total size of a directory tree
func PathSize(path string) int64 {
	info, err := os.Lstat(path)
	if err != nil {
		return 0
	}
	if !info.IsDir() {
		return info.Size()
	}
	size, _, _ := DirStats(path)
	return size
}

// FileExists reports whether path is an existing non-empty regular file
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}
