// Package identity derives stable, opaque client identifiers from the loosely
// typed contact fields a submitter provides (email, phone, name).
//
// All per-client protective state (rate windows, fingerprints, blocks,
// violations) is keyed by the ID computed here. Derivation is pure: two
// submissions whose fields normalize to the same triple always map to the same
// ID, regardless of casing, spacing, or phone punctuation.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// ClientData carries the submitter fields used to compute an ID. None of
// these values are persisted by the admission core.
type ClientData struct {
	Email string `json:"email" example:"a@x.com"`
	Name  string `json:"name" example:"Ada Lovelace"`
	Phone string `json:"phone" example:"+44 20 7946 0958"`
	// IP is only consulted when every contact field is empty.
	IP string `json:"-"`
}

// ID is the opaque client identity (lower-case hex SHA-256).
type ID string

// String implements fmt.Stringer.
func (id ID) String() string { return string(id) }

// Short returns a log-friendly prefix of the identity.
func (id ID) Short() string {
	if len(id) <= 12 {
		return string(id)
	}
	return string(id[:12])
}

// ParseID validates s as an identity: 64 lower-case hex characters.
func ParseID(s string) (ID, bool) {
	if len(s) != sha256.Size*2 {
		return "", false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", false
		}
	}
	return ID(s), true
}

// Derive computes the client identity for c.
//
// The hash input is versioned so the normalization rules can evolve without
// silently colliding with identities computed under older rules.
func Derive(c ClientData) ID {
	email := NormalizeEmail(c.Email)
	phone := NormalizePhone(c.Phone)
	name := NormalizeName(c.Name)

	h := sha256.New()
	if email == "" && phone == "" && name == "" {
		h.Write([]byte("v1\x00ip\x00"))
		h.Write([]byte(strings.TrimSpace(c.IP)))
	} else {
		h.Write([]byte("v1\x00"))
		h.Write([]byte(email))
		h.Write([]byte{0})
		h.Write([]byte(phone))
		h.Write([]byte{0})
		h.Write([]byte(name))
	}
	return ID(hex.EncodeToString(h.Sum(nil)))
}

// NormalizeEmail trims, NFKC-normalizes and lower-cases an address.
func NormalizeEmail(s string) string {
	s = strings.TrimSpace(norm.NFKC.String(s))
	if s == "" {
		return ""
	}
	return cases.Lower(language.Und).String(s)
}

// NormalizePhone keeps only the decimal digits of s.
func NormalizePhone(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range norm.NFKC.String(s) {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeName lower-cases s and collapses internal whitespace runs.
func NormalizeName(s string) string {
	return strings.Join(strings.Fields(lower(s)), " ")
}

// NormalizeText is the canonical form used for free-text fingerprint fields
// such as addresses: lower-cased, punctuation dropped, whitespace collapsed.
func NormalizeText(s string) string {
	s = lower(s)
	mapped := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return r
		case unicode.IsSpace(r), unicode.IsPunct(r), unicode.IsSymbol(r):
			return ' '
		}
		return -1
	}, s)
	return strings.Join(strings.Fields(mapped), " ")
}

// lower applies NFKC and Unicode lower-casing. A Caser is stateful, so a new
// one is built per call.
func lower(s string) string {
	s = strings.TrimSpace(norm.NFKC.String(s))
	if s == "" {
		return ""
	}
	return cases.Lower(language.Und).String(s)
}
