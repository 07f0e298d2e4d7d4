// Package signatures implements the SECCHIWARE-HMAC-256 scheme used to
// authenticate HTTP requests between the coordinator, its operators and the
// managed nodes.
//
// A signature is the base 64 encoding of an HMAC-SHA256 digest computed over
// a canonical string built from the request: the lowercased method, the
// canonical path, the URL-encoded query (if any) and one "name: value" line
// per signed header, in the order the signer declared them. The Authorization
// header then carries the key identifier, the list of signed headers and the
// signature itself:
//
//	SECCHIWARE-HMAC-256 keyId=<id>,[headers=<h1;h2;...>,]signature=<b64>
package signatures

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Scheme is the authentication scheme name carried by Authorization headers.
const Scheme = "SECCHIWARE-HMAC-256"

var (
	// ErrMalformedHeader is returned when an Authorization header does not
	// follow the SECCHIWARE-HMAC-256 format.
	ErrMalformedHeader = errors.New("authorization header does not follow the SECCHIWARE-HMAC-256 scheme")

	// ErrUnknownKeyID is returned when no key matches the keyId parameter.
	ErrUnknownKeyID = errors.New("no key matches the given keyId")

	// ErrMissingMandatoryHeader is returned when a header the endpoint
	// requires to be signed is absent from the headers parameter.
	ErrMissingMandatoryHeader = errors.New("mandatory header not specified in signature")

	// ErrHeaderNotPresent is returned when a signed header is not present in
	// the request being verified.
	ErrHeaderNotPresent = errors.New("header specified in signature but not present in request")

	// ErrInvalidSignature is returned when the recomputed signature does not
	// match the one carried by the Authorization header.
	ErrInvalidSignature = errors.New("invalid signature")
)

// NewSignature computes a signature over the canonical representation of a
// request.
//
// The canonical string is assembled as:
//
//  1. The method in lowercase, followed by a newline.
//  2. The canonical URI (path without query string), followed by a newline.
//  3. If query is not empty, the URL-encoded query (space as %20), followed
//     by a newline.
//  4. For every name in headers, in order, "name: value\n" with the name
//     lowercased and the value obtained through recover.
//  5. Trailing whitespace stripped.
//
// recover may be nil only when headers is empty. A header whose recovered
// value is empty is treated as absent and yields ErrHeaderNotPresent.
func NewSignature(key []byte, method, canonicalURI, query string, headers []string, recoverHeader func(string) string) (string, error) {
	var b strings.Builder
	b.WriteString(strings.ToLower(method))
	b.WriteByte('\n')
	b.WriteString(canonicalURI)
	b.WriteByte('\n')
	if query != "" {
		b.WriteString(quote(query))
		b.WriteByte('\n')
	}

	if len(headers) > 0 {
		if recoverHeader == nil {
			return "", errors.New("headers given but no header recoverer provided")
		}
		for _, h := range headers {
			h = strings.ToLower(h)
			value := recoverHeader(h)
			if value == "" {
				return "", fmt.Errorf("%w: %s", ErrHeaderNotPresent, h)
			}
			b.WriteString(h)
			b.WriteString(": ")
			b.WriteString(value)
			b.WriteByte('\n')
		}
	}

	canonical := strings.TrimRight(b.String(), " \t\r\n")
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(canonical))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// NewAuthorizationHeader composes the value of an Authorization header for a
// previously computed signature. headers must list the signed header names in
// the same order used when signing; it may be empty.
func NewAuthorizationHeader(keyID, signature string, headers []string) string {
	var b strings.Builder
	b.WriteString(Scheme)
	b.WriteString(" keyId=")
	b.WriteString(keyID)
	b.WriteByte(',')
	if len(headers) > 0 {
		lowered := make([]string, len(headers))
		for i, h := range headers {
			lowered[i] = strings.ToLower(h)
		}
		b.WriteString("headers=")
		b.WriteString(strings.Join(lowered, ";"))
		b.WriteByte(',')
	}
	b.WriteString("signature=")
	b.WriteString(signature)
	return b.String()
}

// VerifyAuthorizationHeader checks that header authenticates a request with
// the given method, canonical URI and query.
//
// recoverKey maps a keyId to its secret, returning nil for unknown ids.
// recoverHeader returns the value of a request header, or "" when absent.
// Every name in mandatory must appear in the header's headers parameter.
//
// The signature comparison is constant time. A nil return means the header
// is authentic; any other outcome is reported through the package's error
// variables (possibly wrapped with detail).
func VerifyAuthorizationHeader(header string, recoverKey func(string) []byte, recoverHeader func(string) string, method, canonicalURI, query string, mandatory []string) error {
	rest, ok := strings.CutPrefix(header, Scheme+" ")
	if !ok {
		return fmt.Errorf("%w: invalid scheme", ErrMalformedHeader)
	}
	params := strings.Split(rest, ",")

	keyID, ok := strings.CutPrefix(params[0], "keyId=")
	if !ok {
		return fmt.Errorf("%w: missing keyId parameter", ErrMalformedHeader)
	}
	key := recoverKey(keyID)
	if key == nil {
		return ErrUnknownKeyID
	}

	var (
		expected string
		err      error
		final    int
	)
	if len(params) < 2 {
		return fmt.Errorf("%w: missing signature parameter", ErrMalformedHeader)
	}
	if list, ok := strings.CutPrefix(params[1], "headers="); ok {
		final = 2
		signed := strings.Split(list, ";")
		if err := checkMandatory(signed, mandatory); err != nil {
			return err
		}
		expected, err = NewSignature(key, method, canonicalURI, query, signed, recoverHeader)
		if err != nil {
			return err
		}
	} else {
		final = 1
		if len(mandatory) > 0 {
			return fmt.Errorf("%w: %s", ErrMissingMandatoryHeader, strings.Join(mandatory, ","))
		}
		expected, err = NewSignature(key, method, canonicalURI, query, nil, nil)
		if err != nil {
			return err
		}
	}

	if final >= len(params) {
		return fmt.Errorf("%w: missing signature parameter", ErrMalformedHeader)
	}
	given, ok := strings.CutPrefix(params[final], "signature=")
	if !ok {
		return fmt.Errorf("%w: missing signature parameter", ErrMalformedHeader)
	}

	if !hmac.Equal([]byte(expected), []byte(given)) {
		return ErrInvalidSignature
	}
	return nil
}

// checkMandatory verifies that every mandatory header name appears in the
// signed set, case insensitively.
func checkMandatory(signed, mandatory []string) error {
	if len(mandatory) == 0 {
		return nil
	}
	present := make(map[string]bool, len(signed))
	for _, h := range signed {
		present[strings.ToLower(h)] = true
	}
	var missing []string
	for _, m := range mandatory {
		if !present[strings.ToLower(m)] {
			missing = append(missing, strings.ToLower(m))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingMandatoryHeader, strings.Join(missing, ","))
	}
	return nil
}

const upperhex = "0123456789ABCDEF"

// quote percent-encodes a query string the way both sides of the scheme
// canonicalise it: unreserved characters (RFC 3986) and "/" pass through,
// everything else, including "=", "&" and spaces, is encoded.
func quote(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
			b.WriteByte(c)
		case c == '-' || c == '.' || c == '_' || c == '~' || c == '/':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(upperhex[c>>4])
			b.WriteByte(upperhex[c&0xf])
		}
	}
	return b.String()
}
