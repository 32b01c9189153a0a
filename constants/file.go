package constants

import "strings"

// AllowedExtensions holds the upload extensions the worker understands.
var AllowedExtensions = map[string]struct{}{
	"pdf":  {},
	"jpg":  {},
	"jpeg": {},
	"png":  {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// Execution modes handed to the worker.
const (
	ModeNormal   = "normal"
	ModeFast     = "fast"
	ModeAccurate = "accurate"
)

// ModelModes lists the accepted values for a submission's mode flag.
var ModelModes = []string{ModeNormal, ModeFast, ModeAccurate}
