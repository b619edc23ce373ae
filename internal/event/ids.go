package event

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Canonical ids are BLAKE3 digests of the source-native identifier, truncated
// to 128 bits. Hashing keeps ids uniform across sources with wildly different
// native formats (40-char shas, numeric pipeline ids, PD-style keys).
//
// Change ids are NOT namespaced by source: a CI pipeline reporting the commit
// shas it shipped must derive the same change_id the VCS webhook produced, or
// deployments would never join to their changes.

// ChangeID derives a canonical change id from a source-native identifier
// (commit sha, merge commit sha, MR iid).
func ChangeID(nativeID string) string {
	return derive("change/" + nativeID)
}

// DeployID derives a canonical deployment id. Deployment ids are local to the
// emitting source, so the source participates in the derivation.
func DeployID(src Source, nativeID string) string {
	return derive("deploy/" + string(src) + "/" + nativeID)
}

// IncidentID derives a canonical incident id, namespaced by source.
func IncidentID(src Source, nativeID string) string {
	return derive("incident/" + string(src) + "/" + nativeID)
}

// DigestBody returns a stable fallback identifier for payloads that carry no
// usable native id. Two byte-identical bodies digest to the same id, which is
// the right dedup behavior for sources that resend verbatim payloads.
func DigestBody(body []byte) string {
	h := blake3.Sum256(body)
	return hex.EncodeToString(h[:16])
}

func derive(s string) string {
	h := blake3.Sum256([]byte(s))
	return hex.EncodeToString(h[:16])
}
