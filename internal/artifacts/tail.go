package artifacts

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
)

// MaxTailBytes bounds how much of a log file TailLines reads
const MaxTailBytes int64 = 256 * 1024

// TailLines returns up to n trailing lines of the file at path, reading at
// most maxBytes from its end. A partial first line is dropped when the read
// starts mid-file.
func TailLines(path string, n int, maxBytes int64) ([]string, error) {
	if n <= 0 {
		return []string{}, nil
	}
	if maxBytes <= 0 {
		maxBytes = MaxTailBytes
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat log: %w", err)
	}

	offset := info.Size() - maxBytes
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek log: %w", err)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	if offset > 0 {
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			data = data[i+1:]
		}
	}

	lines := make([]string, 0, n)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), int(maxBytes)+1)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines, scanner.Err()
}
