package approval

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// Sign produces an HMAC-SHA256 signature over requestID and action,
// length-prefixing each field so "a:b"+"c" can never collide with
// "a"+"b:c" regardless of what either field contains.
func Sign(secret, requestID, action string) string {
	message := fmt.Sprintf("%d:%s:%d:%s", len(requestID), requestID, len(action), action)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the correct HMAC-SHA256 signature
// for requestID and action, comparing in constant time.
func Verify(secret, requestID, action, signature string) bool {
	expected := Sign(secret, requestID, action)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
