package blob

import (
	"fmt"
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	originalsPrefix  = "videos/originals"
	processedPrefix  = "videos/processed"
	thumbnailsPrefix = "videos/thumbnails"
)

// OriginalKey builds the storage key for an uploaded source file.
func OriginalKey(videoID, filename string) string {
	return path.Join(originalsPrefix, videoID+"-"+NormalizeFilename(filename))
}

// ProcessedKey builds the storage key for one transcoded rendition.
func ProcessedKey(quality, videoID string) string {
	return path.Join(processedPrefix, quality, videoID+".mp4")
}

// ThumbnailKey builds the storage key for a thumbnail candidate.
func ThumbnailKey(videoID string, index int) string {
	return path.Join(thumbnailsPrefix, fmt.Sprintf("%s-%02d.jpg", videoID, index))
}

var filenameStripper = transform.Chain(
	norm.NFKD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// NormalizeFilename flattens a user-supplied filename to a safe ASCII-ish key
// segment: diacritics are stripped, path separators and control characters are
// replaced, and whitespace collapses to single dashes.
func NormalizeFilename(name string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if base == "." || base == "/" || base == "" {
		return "upload"
	}
	if stripped, _, err := transform.String(filenameStripper, base); err == nil {
		base = stripped
	}
	var builder strings.Builder
	lastDash := false
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			builder.WriteRune(unicode.ToLower(r))
			lastDash = false
		default:
			if !lastDash {
				builder.WriteByte('-')
				lastDash = true
			}
		}
	}
	normalized := strings.Trim(builder.String(), "-.")
	if normalized == "" {
		return "upload"
	}
	return normalized
}
