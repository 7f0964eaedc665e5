// Package artifact pulls guest-produced files back across the trust boundary.
//
// Patterns use shell-style globs with `**` matching across directory
// separators, matched case-sensitively against paths relative to the guest
// output directory (the `out/` convention). `out/*.json` therefore matches one
// level, `out/**/*.json` any depth.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog/log"
)

// ErrExtraction marks a failure of the extraction subsystem itself. Zero
// matches is not an error.
var ErrExtraction = errors.New("artifact extraction failed")

// Artifact describes one matched output file. Content is present only when the
// file fit under the inline threshold; otherwise callers get path and size and
// must fetch the bytes through another channel.
type Artifact struct {
	GuestPath string `json:"guest_path"`
	SizeBytes int64  `json:"size_bytes"`
	Content   []byte `json:"content,omitempty"`
}

// Extract matches patterns against the host-side mirror of the guest output
// directory. Matches are deduplicated across patterns in first-match order.
// Files that vanish between matching and reading are skipped: the guest
// filesystem is gone by now and a racing cleanup is not our failure.
func Extract(outputDir string, patterns []string, inlineThreshold int64) ([]Artifact, error) {
	if inlineThreshold < 0 {
		return nil, fmt.Errorf("%w: negative inline threshold", ErrExtraction)
	}

	root := os.DirFS(outputDir)
	seen := make(map[string]bool)
	artifacts := make([]Artifact, 0)

	for _, pattern := range patterns {
		rel := normalizePattern(pattern)
		if rel == "" {
			continue
		}
		if !doublestar.ValidatePattern(rel) {
			return nil, fmt.Errorf("%w: bad pattern %q", ErrExtraction, pattern)
		}

		matches, err := doublestar.Glob(root, rel, doublestar.WithFilesOnly())
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("%w: matching %q: %v", ErrExtraction, pattern, err)
		}

		for _, m := range matches {
			if seen[m] {
				continue
			}
			seen[m] = true

			a, ok := readOne(outputDir, m, inlineThreshold)
			if !ok {
				continue
			}
			artifacts = append(artifacts, a)
		}
	}

	return artifacts, nil
}

// readOne stats and optionally inlines a single match. ok is false when the
// file disappeared or turned into something unreadable under our feet.
func readOne(outputDir, rel string, inlineThreshold int64) (Artifact, bool) {
	hostPath := filepath.Join(outputDir, filepath.FromSlash(rel))

	info, err := os.Stat(hostPath)
	if err != nil || !info.Mode().IsRegular() {
		log.Debug().Str("path", rel).Msg("matched artifact vanished, skipping")
		return Artifact{}, false
	}

	a := Artifact{
		GuestPath: path.Join("out", rel),
		SizeBytes: info.Size(),
	}

	if info.Size() <= inlineThreshold {
		content, err := os.ReadFile(hostPath)
		if err != nil {
			log.Debug().Str("path", rel).Err(err).Msg("matched artifact unreadable, skipping")
			return Artifact{}, false
		}
		a.Content = content
		// The file may have grown between stat and read; report what we hold.
		a.SizeBytes = int64(len(content))
	}

	return a, true
}

// normalizePattern strips the conventional "out/" prefix so callers may write
// patterns either relative to the work dir ("out/*.csv") or to the output dir
// ("*.csv"). Absolute patterns and parent escapes are rejected by reduction to
// an empty, matchless pattern.
func normalizePattern(pattern string) string {
	p := strings.TrimPrefix(filepath.ToSlash(pattern), "out/")
	p = path.Clean(p)
	if p == "." || p == "/" || strings.HasPrefix(p, "/") || strings.HasPrefix(p, "..") {
		return ""
	}
	return p
}
