// Package digest computes HTTP Digest Access Authentication responses
// (RFC 2617, MD5) for servers that reject Basic credentials with a
// WWW-Authenticate: Digest challenge. Pure functions, no I/O.
package digest

import (
	"crypto/md5" //nolint:gosec // MD5 is what RFC 2617 Digest auth specifies
	"encoding/hex"
	"fmt"
	"strings"
)

// Challenge is a parsed WWW-Authenticate Digest challenge.
type Challenge struct {
	Realm     string
	Nonce     string
	Opaque    string
	QOP       string // selected quality of protection: "", "auth" or "auth-int"
	Algorithm string
}

// IsDigest reports whether a WWW-Authenticate header value carries a Digest
// challenge.
func IsDigest(header string) bool {
	return strings.HasPrefix(strings.TrimSpace(header), "Digest ")
}

// ParseChallenge parses the value of a WWW-Authenticate header. When the
// server offers several qop values, "auth" is preferred over "auth-int".
func ParseChallenge(header string) (*Challenge, error) {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "Digest ") {
		return nil, fmt.Errorf("not a Digest challenge: %q", header)
	}

	ch := &Challenge{Algorithm: "MD5"}
	for _, part := range splitChallenge(strings.TrimPrefix(header, "Digest ")) {
		key, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)

		switch strings.ToLower(strings.TrimSpace(key)) {
		case "realm":
			ch.Realm = value
		case "nonce":
			ch.Nonce = value
		case "opaque":
			ch.Opaque = value
		case "algorithm":
			ch.Algorithm = value
		case "qop":
			ch.QOP = selectQOP(value)
		}
	}

	if ch.Nonce == "" {
		return nil, fmt.Errorf("digest challenge missing nonce")
	}

	return ch, nil
}

// splitChallenge splits on commas outside quoted strings.
func splitChallenge(s string) []string {
	var parts []string
	var current strings.Builder
	inQuotes := false

	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			current.WriteRune(r)
		case r == ',' && !inQuotes:
			parts = append(parts, strings.TrimSpace(current.String()))
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		parts = append(parts, strings.TrimSpace(current.String()))
	}

	return parts
}

func selectQOP(offered string) string {
	for _, qop := range strings.Split(offered, ",") {
		if strings.TrimSpace(qop) == "auth" {
			return "auth"
		}
	}
	for _, qop := range strings.Split(offered, ",") {
		if strings.TrimSpace(qop) == "auth-int" {
			return "auth-int"
		}
	}
	return ""
}

// Authorize computes the Authorization header value for one request.
// nc is the nonce count (1 for the first use of a nonce); body is only
// consulted for qop=auth-int.
func (c *Challenge) Authorize(method, uri, username, password, cnonce string, nc int, body []byte) string {
	ha1 := md5Hex(username + ":" + c.Realm + ":" + password)

	var ha2 string
	if c.QOP == "auth-int" {
		ha2 = md5Hex(method + ":" + uri + ":" + md5Hex(string(body)))
	} else {
		ha2 = md5Hex(method + ":" + uri)
	}

	ncValue := fmt.Sprintf("%08x", nc)

	var response string
	if c.QOP == "" {
		response = md5Hex(ha1 + ":" + c.Nonce + ":" + ha2)
	} else {
		response = md5Hex(strings.Join([]string{ha1, c.Nonce, ncValue, cnonce, c.QOP, ha2}, ":"))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `Digest username=%q, realm=%q, nonce=%q, uri=%q, response=%q`,
		username, c.Realm, c.Nonce, uri, response)
	if c.QOP != "" {
		fmt.Fprintf(&sb, `, qop=%s, nc=%s, cnonce=%q`, c.QOP, ncValue, cnonce)
	}
	if c.Opaque != "" {
		fmt.Fprintf(&sb, `, opaque=%q`, c.Opaque)
	}
	if c.Algorithm != "" {
		fmt.Fprintf(&sb, `, algorithm=%s`, c.Algorithm)
	}

	return sb.String()
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec // required by the Digest scheme
	return hex.EncodeToString(sum[:])
}
