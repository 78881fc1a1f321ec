package webhook

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"math/big"
	"strings"

	"github.com/ManuelReschke/HookFox/app/models"
)

// SecretLength is the number of characters in a generated signing secret.
const SecretLength = 64

const secretAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var hashFactories = map[string]func() hash.Hash{
	models.WebhookAlgorithmSHA256: sha256.New,
	models.WebhookAlgorithmSHA1:   sha1.New,
	models.WebhookAlgorithmMD5:    md5.New,
}

// SupportedAlgorithm reports whether the signature algorithm is one the
// engine can sign with.
func SupportedAlgorithm(algorithm string) bool {
	_, ok := hashFactories[algorithm]
	return ok
}

// GenerateSecret returns a new signing secret: 64 characters drawn from
// [a-zA-Z0-9] using crypto/rand. rand.Int keeps the draw unbiased across the
// 62-character alphabet.
func GenerateSecret() (string, error) {
	alphabetLen := big.NewInt(int64(len(secretAlphabet)))
	secret := make([]byte, SecretLength)
	for i := range secret {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", fmt.Errorf("generate webhook secret: %w", err)
		}
		secret[i] = secretAlphabet[n.Int64()]
	}
	return string(secret), nil
}

// SignPayload computes the HMAC signature of the payload and returns it in
// wire format: "<algorithm>=<hexdigest>".
func SignPayload(payload []byte, secret, algorithm string) (string, error) {
	factory, ok := hashFactories[algorithm]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}
	mac := hmac.New(factory, []byte(secret))
	mac.Write(payload)
	return algorithm + "=" + hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifySignature checks a received "<algorithm>=<hexdigest>" signature
// against the payload, recomputed under the given algorithm. A signature
// carrying a different algorithm prefix fails regardless of its digest. The
// comparison runs over fixed-size digests of both strings, so neither a
// length mismatch nor a prefix match leaks timing.
func VerifySignature(payload []byte, signature, secret, algorithm string) bool {
	sig := strings.TrimSpace(signature)
	if sig == "" || strings.TrimSpace(secret) == "" {
		return false
	}
	expected, err := SignPayload(payload, secret, algorithm)
	if err != nil {
		return false
	}
	expectedSum := sha256.Sum256([]byte(expected))
	providedSum := sha256.Sum256([]byte(sig))
	return subtle.ConstantTimeCompare(expectedSum[:], providedSum[:]) == 1
}
