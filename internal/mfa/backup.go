package mfa

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"strings"
)

const (
	// BackupCodeCount is the size of a backup code set.
	BackupCodeCount  = 10
	backupCodeLength = 8
	// backupAlphabet drops 0/O, 1/I/L and similar look-alikes.
	backupAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
)

// NewBackupCodes returns a fresh set of codes formatted XXXX-XXXX.
func NewBackupCodes() ([]string, error) {
	codes := make([]string, 0, BackupCodeCount)
	seen := make(map[string]bool, BackupCodeCount)
	space := big.NewInt(int64(len(backupAlphabet)))
	for len(codes) < BackupCodeCount {
		var b strings.Builder
		for i := 0; i < backupCodeLength; i++ {
			n, err := rand.Int(rand.Reader, space)
			if err != nil {
				return nil, err
			}
			b.WriteByte(backupAlphabet[n.Int64()])
		}
		c := b.String()
		if seen[c] {
			continue
		}
		seen[c] = true
		codes = append(codes, c[:4]+"-"+c[4:])
	}
	return codes, nil
}

// CanonicalBackupCode uppercases and strips separators so "abcd efgh" matches "ABCD-EFGH".
func CanonicalBackupCode(code string) string {
	s := strings.ToUpper(strings.TrimSpace(code))
	s = strings.ReplaceAll(s, "-", "")
	return strings.ReplaceAll(s, " ", "")
}

// LooksLikeBackupCode reports whether code has backup-code shape rather than a 6-digit OTP.
func LooksLikeBackupCode(code string) bool {
	c := CanonicalBackupCode(code)
	if len(c) != backupCodeLength {
		return false
	}
	for i := 0; i < len(c); i++ {
		if !strings.ContainsRune(backupAlphabet, rune(c[i])) {
			return false
		}
	}
	return true
}

// HashBackupCode binds the code to its owner so equal codes of different users hash apart.
func HashBackupCode(userID, code string) string {
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(CanonicalBackupCode(code)))
	return hex.EncodeToString(h.Sum(nil))
}
