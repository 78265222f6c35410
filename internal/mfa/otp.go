// Package mfa holds the second-factor primitives: emailed or texted one-time codes, RFC 6238 TOTP
// and single-use backup codes. Only hashes of codes are ever stored.
package mfa

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"strings"

	"acad-system/backend/internal/security"
)

const otpDigits = 6

var otpSpace = big.NewInt(1_000_000)

// GenerateOTP returns a uniformly random 6-digit code, e.g. "042917".
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, otpSpace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", otpDigits, n.Int64()), nil
}

// HashOTP returns the hex SHA-256 of the code as stored on a challenge.
func HashOTP(otp string) string {
	return security.HashToken(strings.TrimSpace(otp))
}

// OTPEqual compares a submitted code with a stored hash in constant time.
func OTPEqual(providedOTP, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashOTP(providedOTP)), []byte(storedHash)) == 1
}
