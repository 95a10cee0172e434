package report

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/endharassment/surveillance-reports/internal/model"
)

// maxEvidenceBytesPerReport caps the combined size of a report's evidence.
// It also bounds the size of the complaint mail, which carries every file.
const maxEvidenceBytesPerReport int64 = 100 << 20 // 100 MiB

// maxFilenameLen is the longest filename kept, in bytes.
const maxFilenameLen = 255

var ErrTotalSizeExceeded = errors.New("total evidence size exceeds per-report limit of 100MB")

// sanitizeFilename reduces a client-supplied filename to a safe base name.
// Directory parts are dropped for both separator styles, control characters
// are removed and long names are shortened keeping the extension.
func sanitizeFilename(filename string) (string, error) {
	filename = strings.ReplaceAll(strings.TrimSpace(filename), `\`, "/")
	name := filepath.Base(filename)

	var sb strings.Builder
	for _, r := range name {
		if unicode.IsControl(r) {
			continue
		}
		sb.WriteRune(r)
	}
	name = strings.TrimSpace(sb.String())

	switch name {
	case "", ".", "..", "/":
		return "", ErrFilenameEmpty
	}

	if len(name) > maxFilenameLen {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = truncateUTF8(name[:len(name)-len(ext)], maxFilenameLen-len(ext)) + ext
	}
	return name, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// evidenceBytes sums the stored size of a report's evidence.
func evidenceBytes(evidence []*model.Evidence) int64 {
	var total int64
	for _, ev := range evidence {
		total += ev.SizeBytes
	}
	return total
}

// checkEvidenceQuota reports whether adding newBytes to a report that holds
// existing evidence stays within maxEvidenceBytesPerReport.
func checkEvidenceQuota(existing []*model.Evidence, newBytes int64) error {
	total := evidenceBytes(existing)
	if total+newBytes > maxEvidenceBytesPerReport {
		return fmt.Errorf("%w: current %d + new %d", ErrTotalSizeExceeded, total, newBytes)
	}
	return nil
}
