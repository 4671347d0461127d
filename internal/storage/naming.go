package storage

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const nameTimeLayout = "20060102_150405"

// UniqueName builds the stored object name shared by every provider:
// {yyyymmdd_hhmmss}_{8 hex}_{filename}.
func UniqueName(filename string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return now.UTC().Format(nameTimeLayout) + "_" + suffix + "_" + sanitizeName(filename)
}

// sanitizeName keeps the base name and replaces anything outside a
// conservative URL- and filesystem-safe set.
func sanitizeName(filename string) string {
	name := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return "file"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// joinKey prefixes name with prefix, normalising the separator.
func joinKey(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
