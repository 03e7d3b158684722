package notify

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DedupKey computes the stable identity of a logical message. Two enqueues
// that agree on every component collapse into a single live outbox row.
//
// The key is a hex-encoded sha256 over the components joined with a
// separator that cannot appear in any of them after normalization, so
// ("a|b", "c") and ("a", "b|c") never collide.
func DedupKey(tenantID, siteID, referenceID, recipient string, channel Channel, templateKey, templateVersion string) string {
	parts := []string{
		normalizeDedupPart(tenantID),
		normalizeDedupPart(siteID),
		normalizeDedupPart(referenceID),
		normalizeDedupPart(recipient),
		normalizeDedupPart(string(channel)),
		normalizeDedupPart(templateKey),
		normalizeDedupPart(templateVersion),
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func normalizeDedupPart(part string) string {
	part = strings.ToLower(strings.TrimSpace(part))
	return strings.ReplaceAll(part, "|", "||")
}
