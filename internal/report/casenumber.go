package report

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// DefaultCasePrefix starts every case number unless configured otherwise.
const DefaultCasePrefix = "CAM"

// maxCaseNumberAttempts bounds retries after a case number collision.
const maxCaseNumberAttempts = 5

// NewCaseNumber returns a human-readable case number of the form
// PREFIX-YYMM-NNNN. Uniqueness is enforced by the store, not here.
func NewCaseNumber(prefix string, now time.Time) string {
	if prefix == "" {
		prefix = DefaultCasePrefix
	}
	return fmt.Sprintf("%s-%s-%04d", strings.ToUpper(prefix), now.UTC().Format("0601"), 1000+rand.IntN(9000))
}

// mailLocalPart derives the per-case mailbox used as sender and reply-to.
func mailLocalPart(caseNumber string) string {
	return strings.ToLower(caseNumber)
}
