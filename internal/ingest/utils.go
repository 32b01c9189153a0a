package ingest

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joseph-ayodele/docextract/constants"
)

// unsafeBatchChars matches anything that may not appear in a batch directory name.
var unsafeBatchChars = regexp.MustCompile(`[^a-zA-Z0-9\x{4e00}-\x{9fa5}_-]`)

// SanitizeBatchName maps a batch name to a directory-safe form.
func SanitizeBatchName(name string) string {
	return unsafeBatchChars.ReplaceAllString(name, "_")
}

// AllowedExt checks if a file extension is in the allowed set (pdf/jpg/jpeg/png).
func AllowedExt(ext string) bool {
	ext = constants.NormalizeExt(ext)
	_, ok := constants.AllowedExtensions[ext]
	return ok
}

// IsHidden checks if a file or directory is hidden (starts with '.').
func IsHidden(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".")
}
