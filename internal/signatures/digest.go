package signatures

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

// DigestPrefix identifies the only digest algorithm the scheme accepts.
const DigestPrefix = "sha-256="

var (
	// ErrDigestAlgorithm is returned when a Digest header does not use
	// SHA-256.
	ErrDigestAlgorithm = errors.New("digest algorithm should be sha-256")

	// ErrDigestMismatch is returned when a Digest header does not match the
	// body it claims to cover.
	ErrDigestMismatch = errors.New("given digest does not match content")
)

// BodyDigest computes the Digest header value binding a request body to its
// signature: "sha-256=" followed by the base 64 encoded SHA-256 of the body.
func BodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return DigestPrefix + base64.StdEncoding.EncodeToString(sum[:])
}

// VerifyDigest checks a received Digest header against the actual body.
func VerifyDigest(header string, body []byte) error {
	given, ok := strings.CutPrefix(header, DigestPrefix)
	if !ok {
		return ErrDigestAlgorithm
	}
	sum := sha256.Sum256(body)
	if base64.StdEncoding.EncodeToString(sum[:]) != given {
		return ErrDigestMismatch
	}
	return nil
}
