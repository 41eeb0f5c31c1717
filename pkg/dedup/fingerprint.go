package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gowebpki/jcs"
)

// Fingerprint reduces an alert identity to a stable hash. The
// (source, alert_id) pair is serialized, canonicalized per RFC 8785 and
// digested with SHA-256, so equal identities hash equal regardless of
// upstream field ordering or escaping.
func Fingerprint(source, alertID string) string {
	raw, _ := json.Marshal(map[string]string{
		"alert_id": alertID,
		"source":   source,
	})
	canon, err := jcs.Transform(raw)
	if err != nil {
		canon = raw
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}
