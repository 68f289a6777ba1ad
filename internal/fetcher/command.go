// -----------------------------------------------------------------------
// Fetch command builders for the external media tools
// -----------------------------------------------------------------------

package fetcher

import (
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ternarybob/snapload/internal/common"
	"github.com/ternarybob/snapload/internal/models"
)

// Source identifies which external tool handles a reference
type Source string

const (
	SourceYtDlp  Source = "yt-dlp"
	SourceSpotdl Source = "spotdl"
)

// Command is a fully resolved subprocess invocation
type Command struct {
	Source Source
	Path   string
	Args   []string
}

// Request carries the fetch parameters of one job
type Request struct {
	URL     string
	Kind    models.JobKind
	Quality string
	Format  string
	OutDir  string // per-job temp dir; the tool writes only here
}

var heightPattern = regexp.MustCompile(`^(\d{3,4})p?$`)

// DetectSource routes spotify references to spotdl and everything else to yt-dlp
func DetectSource(ref string) Source {
	if strings.HasPrefix(ref, "spotify:") {
		return SourceSpotdl
	}
	u, err := url.Parse(ref)
	if err != nil {
		return SourceYtDlp
	}
	host := strings.ToLower(u.Hostname())
	if host == "spotify.com" || strings.HasSuffix(host, ".spotify.com") {
		return SourceSpotdl
	}
	return SourceYtDlp
}

// Builder turns a Request into a Command using the configured tool paths
type Builder struct {
	ytdlpPath  string
	spotdlPath string
}

// NewBuilder creates a Builder from the downloads config
func NewBuilder(cfg common.DownloadsConfig) *Builder {
	ytdlp := cfg.YtDlpPath
	if ytdlp == "" {
		ytdlp = "yt-dlp"
	}
	spotdl := cfg.SpotdlPath
	if spotdl == "" {
		spotdl = "spotdl"
	}
	return &Builder{ytdlpPath: ytdlp, spotdlPath: spotdl}
}

// Build returns the command for req
func (b *Builder) Build(req Request) Command {
	if DetectSource(req.URL) == SourceSpotdl {
		return Command{Source: SourceSpotdl, Path: b.spotdlPath, Args: spotdlArgs(req)}
	}
	return Command{Source: SourceYtDlp, Path: b.ytdlpPath, Args: ytdlpArgs(req)}
}

func spotdlArgs(req Request) []string {
	args := []string{
		"download", req.URL,
		"--output", filepath.Join(req.OutDir, "{title}.{output-ext}"),
		"--format", "mp3",
	}
	if req.Quality != "" {
		args = append(args, "--bitrate", req.Quality)
	}
	return args
}

func ytdlpArgs(req Request) []string {
	output := filepath.Join(req.OutDir, "%(title)s.%(ext)s")

	if req.Kind == models.JobKindAudio {
		quality := req.Quality
		if quality == "" {
			quality = "0"
		}
		return []string{
			"-x", "--audio-format", "mp3", "--audio-quality", quality,
			"--no-progress",
			"-o", output,
			req.URL,
		}
	}

	format := req.Format
	if format == "" {
		format = "webm"
	}
	return []string{
		"-f", VideoSelector(req.Format, req.Quality),
		"--merge-output-format", format,
		"--restrict-filenames",
		"--no-progress",
		"-o", output,
		req.URL,
	}
}

// VideoSelector builds the yt-dlp -f selector for a container and an
// optional height cap ("720" or "720p").
func VideoSelector(format, quality string) string {
	height := ""
	if m := heightPattern.FindStringSubmatch(strings.ToLower(quality)); m != nil {
		height = "[height<=" + m[1] + "]"
	}

	switch strings.ToLower(format) {
	case "mp4":
		return "bestvideo[ext=mp4]" + height + "+bestaudio[ext=m4a]/bestvideo" + height + "+bestaudio/best" + height
	case "webm":
		return "bestvideo[ext=webm]" + height + "+bestaudio[ext=webm]/bestvideo" + height + "+bestaudio/best" + height
	default:
		return "bestvideo" + height + "+bestaudio/best" + height
	}
}
