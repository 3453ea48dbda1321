package dedup

import (
	"encoding/hex"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/rcourtman/sentineld/internal/model"
)

// LabelKeys restricts which alert.Labels entries participate in the
// fingerprint, per spec.md §4.2 "a policy-selected subset of labels". An
// empty set means no labels contribute.
type LabelKeys []string

// severityBucket coarsens severity the way spec.md §4.2 calls for: the
// fingerprint groups P0/P1 vs P2+ rather than keying on exact severity, so a
// minor severity re-classification of the same underlying signal does not
// fork the fingerprint.
func severityBucket(s model.Severity) string {
	switch s {
	case model.SeverityP0, model.SeverityP1:
		return "high"
	default:
		return "low"
	}
}

func normalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

// Fingerprint computes the stable hash described in spec.md §4.2: source,
// type, severity bucket, normalized title, sorted affected resources, and
// the configured label subset. blake2b-256 gives the "128-bit or wider"
// margin the spec asks for without reaching for a dependency absent from
// the retrieved example pack (see DESIGN.md).
func Fingerprint(alert *model.Alert, labelKeys LabelKeys) string {
	resources := append([]string(nil), alert.AffectedServices...)
	sort.Strings(resources)

	var b strings.Builder
	b.WriteString(alert.Source)
	b.WriteByte('\x1f')
	b.WriteString(string(alert.Type))
	b.WriteByte('\x1f')
	b.WriteString(severityBucket(alert.Severity))
	b.WriteByte('\x1f')
	b.WriteString(normalizeTitle(alert.Title))
	b.WriteByte('\x1f')
	b.WriteString(strings.Join(resources, ","))

	if len(labelKeys) > 0 && alert.Labels != nil {
		keys := append([]string(nil), labelKeys...)
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteByte('\x1f')
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(alert.Labels[k])
		}
	}

	sum := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
