// Package ticketnum generates and recognizes ticket numbers. Two independent
// schemes exist: email-originated numbers (EML-...) which the ingest engine
// both generates and scans for in inbound mail, and manual numbers (T-...)
// generated by the web layer. The schemes do not overlap; only the EML shape
// is recognized when threading by embedded token.
package ticketnum

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var emailNumberPattern = regexp.MustCompile(`(?i)\bEML-\d{8}-[0-9A-F]{8}\b`)

// GenerateEmail returns a new email-originated ticket number,
// "EML-<UTC yyyyMMdd>-<8 uppercase hex>".
func GenerateEmail(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
	return fmt.Sprintf("EML-%s-%s", now.UTC().Format("20060102"), suffix)
}

// GenerateManual returns a new manually-created ticket number,
// "T-<yyyyMMdd>-<HHmmss>-<4-digit random>". Uniqueness against the store is
// the caller's responsibility.
func GenerateManual(now time.Time) string {
	t := now.UTC()
	return fmt.Sprintf("T-%s-%s-%04d", t.Format("20060102"), t.Format("150405"), 1000+rand.Intn(9000))
}

// ExtractEmail scans text for an embedded email-originated ticket number and
// returns it normalized to uppercase, or "" when none is present. Manual
// (T-...) numbers are deliberately not matched.
func ExtractEmail(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	return strings.ToUpper(emailNumberPattern.FindString(text))
}
