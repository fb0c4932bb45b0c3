package filetransfer

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseRate parses a transfer rate such as "10MB", "512KiB" or "1024"
// (bytes per second). The empty string and "0" disable limiting.
func ParseRate(s string) (int64, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "/s")
	if s == "" {
		return 0, nil
	}

	bytes, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid rate '%s': %w", s, err)
	}
	return int64(bytes), nil
}

// FormatSize formats bytes using IEC units (KiB, MiB, ...).
func FormatSize(bytes int64) string {
	if bytes < 0 {
		return fmt.Sprintf("%d B", bytes)
	}
	return humanize.IBytes(uint64(bytes))
}
