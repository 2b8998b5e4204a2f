package security

import (
	"golang.org/x/crypto/bcrypt"
)

// Manual-entry admissions bypass the optical/proximity credential path, so
// they are gated behind an operator PIN.

func HashOperatorPIN(pin string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func VerifyOperatorPIN(hash, pin string) bool {
	if hash == "" || pin == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)) == nil
}
