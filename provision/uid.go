package provision

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/openrp/openrp/oidc"
)

// maxUIDLength is the longest local user id the backends accept.  Anything
// longer is replaced by its hash, which always fits.
const maxUIDLength = 64

// DeriveUID turns the raw uid claim into the local user id.  The derivation
// is deterministic: the same provider, federation flag and subject always
// yield the same id.
//
// With UniqueUID the id is a hash over provider identifier, federation flag
// and subject, so subjects from different providers (or the same subject
// arriving federated and non-federated) can never collide.  Otherwise
// ProviderBasedID prefixes the subject with the provider identifier, and
// without either the subject is used as-is.  Ids longer than 64 characters
// are always rehashed.
func DeriveUID(p *oidc.Provider, federated bool, rawUID string) string {
	if p.Settings.UniqueUID {
		return hashUID(p.Identifier, federated, rawUID)
	}
	uid := rawUID
	if p.Settings.ProviderBasedID {
		uid = p.Identifier + "-" + rawUID
	}
	if len(uid) > maxUIDLength {
		return hashUID(p.Identifier, federated, rawUID)
	}
	return uid
}

func hashUID(providerID string, federated bool, rawUID string) string {
	fedFlag := "0"
	if federated {
		fedFlag = "1"
	}
	sum := sha256.Sum256([]byte(providerID + "/" + fedFlag + "/" + rawUID))
	return hex.EncodeToString(sum[:])
}
