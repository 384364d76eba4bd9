// Package normalize canonicalizes and hashes the identity fields of a lead.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/sells-group/lead-converter/internal/model"
)

// DefaultCountryPrefix is prepended to phone numbers that lack it.
const DefaultCountryPrefix = "55"

// HashIdentity lowercases and trims value and returns its SHA-256 digest as
// lowercase hex. Empty or whitespace-only input yields model.Missing.
func HashIdentity(value string) model.Value {
	v := strings.TrimSpace(strings.ToLower(value))
	if v == "" {
		return model.Missing
	}
	sum := sha256.Sum256([]byte(v))
	return model.Some(hex.EncodeToString(sum[:]))
}

// NormalizePhone keeps only the ASCII digits of value and prepends prefix
// unless the digits already start with it.
func NormalizePhone(value, prefix string) model.Value {
	var b strings.Builder
	b.Grow(len(value) + len(prefix))
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return model.Missing
	}
	if !strings.HasPrefix(digits, prefix) {
		digits = prefix + digits
	}
	return model.Some(digits)
}

// Normalizer derives a row's identity using a fixed country prefix.
type Normalizer struct {
	CountryPrefix string
}

// New returns a Normalizer. An empty prefix falls back to DefaultCountryPrefix.
func New(prefix string) *Normalizer {
	if prefix == "" {
		prefix = DefaultCountryPrefix
	}
	return &Normalizer{CountryPrefix: prefix}
}

// Identity hashes the email and the canonical phone of row and passes the
// client IP through unhashed.
func (n *Normalizer) Identity(row model.RawRecord, m model.FieldMapping) model.Identity {
	email, _ := m.Lookup(row, model.FieldEmail)
	phone, _ := m.Lookup(row, model.FieldPhone)
	ip, _ := m.Lookup(row, model.FieldIPAddress)

	id := model.Identity{
		HashedEmail: HashIdentity(email),
		HashedPhone: model.Missing,
		ClientIP:    model.Some(strings.TrimSpace(ip)),
	}
	if digits, ok := NormalizePhone(phone, n.CountryPrefix).Get(); ok {
		id.HashedPhone = HashIdentity(digits)
	}
	return id
}
