package model

import (
	"os"
	"path/filepath"
	"strings"
)

// quantizedSuffixes are tried in order when a quantized variant is preferred.
var quantizedSuffixes = []string{"_int8", "_fp16"}

// ResolveVariant returns the asset to load for path. When quantized is set
// and a sibling such as spatial_int8.ssdn exists, the sibling wins;
// otherwise path is returned unchanged.
func ResolveVariant(path string, quantized bool) string {
	if !quantized || path == "" {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for _, suffix := range quantizedSuffixes {
		if strings.HasSuffix(base, suffix) {
			return path
		}
	}
	for _, suffix := range quantizedSuffixes {
		candidate := base + suffix + ext
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return path
}
