package stream

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Token prefixes distinguish the two credentials at a glance; the random
	// portions encode to 24 and 48 hex characters respectively.
	StreamIDPrefix  = "stream_"
	StreamKeyPrefix = "sk_"

	streamIDBytes  = 12
	streamKeyBytes = 24

	keyDigestSaltLength = 16
	keyDigestLength     = 32
	keyDigestIterations = 120000
)

func generateStreamID() (string, error) {
	buf := make([]byte, streamIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate stream id: %w", err)
	}
	return StreamIDPrefix + hex.EncodeToString(buf), nil
}

func generateStreamKey() (string, error) {
	buf := make([]byte, streamKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate stream key: %w", err)
	}
	return StreamKeyPrefix + hex.EncodeToString(buf), nil
}

// encodeKeyDigest derives a salted PBKDF2 digest of the stream key for
// storage in the KV store. Only the digest ever leaves the process.
func encodeKeyDigest(key string) (string, error) {
	salt := make([]byte, keyDigestSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate key salt: %w", err)
	}
	digest := pbkdf2.Key([]byte(key), salt, keyDigestIterations, keyDigestLength, sha256.New)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(digest), nil
}

// matchKeyDigest re-derives the digest for candidate and compares it in
// constant time against the stored encoding.
func matchKeyDigest(encoded, candidate string) bool {
	parts := strings.SplitN(encoded, ":", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return false
	}
	stored, err := hex.DecodeString(parts[1])
	if err != nil || len(stored) != keyDigestLength {
		return false
	}
	derived := pbkdf2.Key([]byte(candidate), salt, keyDigestIterations, keyDigestLength, sha256.New)
	return subtle.ConstantTimeCompare(derived, stored) == 1
}
