package oauth

import (
	"crypto/subtle"

	"github.com/aspect-build/notion-mcp/internal/crypto"
)

// PKCEMethodS256 is the only supported code challenge method.
const PKCEMethodS256 = "S256"

// VerifyPKCE reports whether verifier hashes to challenge under method.
func VerifyPKCE(verifier, challenge, method string) bool {
	if verifier == "" || challenge == "" || method != PKCEMethodS256 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(crypto.S256Challenge(verifier)), []byte(challenge)) == 1
}
