package directory

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// dummyHash is compared against when the principal does not
// exist, so a miss costs the same as a mismatch.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// verifySecret checks a presented secret against stored
// credential material. Stored bcrypt hashes are recognised by
// their "$2" prefix; anything else is compared directly in
// constant time.
func verifySecret(stored, presented string) bool {
	if stored == "" {
		return false
	}

	if strings.HasPrefix(stored, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(presented)) == nil
	}

	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

// burnVerify spends the same work as a failed bcrypt check.
func burnVerify(presented string) {
	bcrypt.CompareHashAndPassword(dummyHash, []byte(presented))
}
