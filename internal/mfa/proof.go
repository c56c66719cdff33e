package mfa

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math/big"

	"golang.org/x/crypto/scrypt"
)

const (
	codeDigits   = 6
	saltBytes    = 32
	proofKeyLen  = 64
	lowNonceLen  = 32
	highNonceLen = 64
)

// Mode is the assurance tier of a challenge
type Mode string

const (
	ModeLow  Mode = "LOW"
	ModeHigh Mode = "HIGH"
)

func (m Mode) nonceBytes() int {
	if m == ModeHigh {
		return highNonceLen
	}
	return lowNonceLen
}

// ScryptParams are the work factors of the HIGH tier key derivation
type ScryptParams struct {
	N int
	R int
	P int
}

// DefaultScryptParams returns N=131072, r=8, p=1
func DefaultScryptParams() ScryptParams {
	return ScryptParams{N: 131072, R: 8, P: 1}
}

func (p ScryptParams) derive(code string, salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(code), salt, p.N, p.R, p.P, proofKeyLen)
}

// generateCode returns a uniformly random zero-padded numeric code
func generateCode() (string, error) {
	max := big.NewInt(1_000_000)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n), nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return b, nil
}

func newNonce(mode Mode) (string, error) {
	b, err := randomBytes(mode.nonceBytes())
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// validNonce rejects values that could not have been issued
func validNonce(nonce string) bool {
	if n := len(nonce); n == 0 || n > base64.RawURLEncoding.EncodedLen(highNonceLen) {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(nonce)
	return err == nil
}

func hashCode(code string) []byte {
	sum := sha512.Sum512([]byte(code))
	return sum[:]
}

// matches compares code against the stored material in constant time
func (c *storedChallenge) matches(code string) (bool, error) {
	switch c.Mode {
	case ModeLow:
		return subtle.ConstantTimeCompare(hashCode(code), c.Proof) == 1, nil
	case ModeHigh:
		derived, err := c.Params.derive(code, c.Salt)
		if err != nil {
			return false, err
		}
		return subtle.ConstantTimeCompare(derived, c.Proof) == 1, nil
	default:
		return false, fmt.Errorf("unknown challenge mode %q", c.Mode)
	}
}
