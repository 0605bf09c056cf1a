package crypto

import "crypto/subtle"

// digestEqual compares got against want in time that depends only on len(want).
// got is copied into a buffer of want's length, so a length mismatch neither
// short-circuits nor changes the amount of work; it only flips the result.
func digestEqual(got, want []byte) bool {
	if len(want) == 0 {
		return false
	}
	buf := make([]byte, len(want))
	copy(buf, got)
	sameLen := subtle.ConstantTimeEq(int32(len(got)), int32(len(want)))
	return subtle.ConstantTimeCompare(buf, want)&sameLen == 1
}
