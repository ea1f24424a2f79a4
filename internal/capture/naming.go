package capture

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

// FallbackLabel replaces labels that sanitize to nothing
const FallbackLabel = "Event"

// ErrNameExhausted is returned when every suffixed candidate name already exists
var ErrNameExhausted = errors.New("no free artifact name")

var pathSpecial = strings.NewReplacer(
	`\`, "_", "/", "_", "*", "_", "?", "_", ":", "_",
	`"`, "_", "<", "_", ">", "_", "|", "_",
)

// SanitizeLabel makes label safe to embed in a file name.
// Path-special characters become '_', whitespace runs collapse to a single '_',
// control characters become '_', and leading/trailing '_' are stripped.
func SanitizeLabel(label string) string {
	s := pathSpecial.Replace(label)
	s = strings.Join(strings.Fields(s), "_")
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return '_'
		}
		return r
	}, s)
	s = strings.Trim(s, "_")
	if s == "" {
		return FallbackLabel
	}
	return s
}

// ArtifactName builds {YYYY-MM-DD}_{label}[_N]{ext}. label must already be sanitized.
func ArtifactName(date time.Time, label, ext string, n int) string {
	base := date.Format("2006-01-02") + "_" + label
	if n > 0 {
		base = fmt.Sprintf("%s_%d", base, n)
	}
	return base + ext
}

// UniqueArtifactPath returns the first non-existing path in dir for label,
// trying the plain name and then suffixes _1.._maxSuffix.
func UniqueArtifactPath(dir string, date time.Time, label, ext string, maxSuffix int) (string, error) {
	label = SanitizeLabel(label)
	for n := 0; n <= maxSuffix; n++ {
		candidate := filepath.Join(dir, ArtifactName(date, label, ext, n))
		_, err := os.Stat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("capture: stat %s: %w", candidate, err)
		}
	}
	return "", fmt.Errorf("capture: %s after %d attempts: %w", label, maxSuffix, ErrNameExhausted)
}

// tempName builds rec_{YYYYmmdd_HHMMSS_mmm}_temp{ext}
func tempName(now time.Time, ext string, n int) string {
	stamp := fmt.Sprintf("%s_%03d", now.Format("20060102_150405"), now.Nanosecond()/int(time.Millisecond))
	if n > 0 {
		stamp = fmt.Sprintf("%s_%d", stamp, n)
	}
	return "rec_" + stamp + "_temp" + ext
}

// freeTempPath returns a temp path in dir that does not exist yet
func freeTempPath(dir string, now time.Time, ext string) string {
	for n := 0; ; n++ {
		p := filepath.Join(dir, tempName(now, ext, n))
		if _, err := os.Stat(p); err != nil {
			return p
		}
	}
}

// isDir reports whether path names an existing directory
func isDir(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// removeQuietly deletes path if it exists
func removeQuietly(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
