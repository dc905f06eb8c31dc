package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"math/big"
	"strings"
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// codeLength is the length of an email verification code.
const codeLength = 6

// newCode returns a verification code of uppercase letters and digits.
func newCode() (string, error) {
	var b strings.Builder
	limit := big.NewInt(int64(len(codeAlphabet)))
	for range codeLength {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// randomToken returns 256 random bits encoded URL-safe.
func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// digest is the stored form of a reset secret.
func digest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func equalSecret(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// resetToken joins the player id and a random secret so the owner can be
// found without scanning users.
func resetToken(playerID, secret string) string {
	return playerID + "." + secret
}

func splitResetToken(token string) (playerID, secret string, ok bool) {
	playerID, secret, ok = strings.Cut(token, ".")
	return playerID, secret, ok && playerID != "" && secret != ""
}
