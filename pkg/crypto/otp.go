package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	CodeMin        = 100000
	CodeMax        = 999999
	CodeBcryptCost = 10

	BackupCodeCount      = 10
	backupCodeGroups     = 3
	backupCodeGroupWidth = 4
)

var backupCodes = MustNanoID(BackupCodeAlphabet)

// GenerateNumericCode returns a uniformly distributed 6-digit code in
// [CodeMin, CodeMax].
func GenerateNumericCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(CodeMax-CodeMin+1))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+CodeMin), nil
}

func HashCode(code string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(code), CodeBcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CompareCode reports whether code matches a bcrypt hash produced by
// HashCode. Malformed hashes are reported as errors, mismatches are not.
func CompareCode(hash, code string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(code))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, err
}

// GenerateBackupCode returns a code shaped XXXX-XXXX-XXXX.
func GenerateBackupCode() (string, error) {
	raw, err := backupCodes.Generate(backupCodeGroups * backupCodeGroupWidth)
	if err != nil {
		return "", err
	}
	return groupBackupCode(raw), nil
}

func groupBackupCode(raw string) string {
	groups := make([]string, 0, backupCodeGroups)
	for i := 0; i < len(raw); i += backupCodeGroupWidth {
		groups = append(groups, raw[i:i+backupCodeGroupWidth])
	}
	return strings.Join(groups, "-")
}

// GenerateBackupCodes returns n fresh backup codes.
func GenerateBackupCodes(n int) ([]string, error) {
	codes := make([]string, n)
	for i := range codes {
		code, err := GenerateBackupCode()
		if err != nil {
			return nil, err
		}
		codes[i] = code
	}
	return codes, nil
}

// NormalizeBackupCode brings user input into the XXXX-XXXX-XXXX form codes
// are hashed in. Case, whitespace and dashes are ignored. Input of the wrong
// length is returned ungrouped and will never match.
func NormalizeBackupCode(code string) string {
	raw := strings.Map(func(r rune) rune {
		if r == '-' || unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, code)
	if len(raw) != backupCodeGroups*backupCodeGroupWidth {
		return raw
	}
	return groupBackupCode(raw)
}
