package crypto

import "errors"

// ErrAuthFailed is returned when a box or sealed-box decryption fails
// authentication (tampered ciphertext, wrong key, or wrong nonce).
var ErrAuthFailed = errors.New("crypto: authentication failed")
