package dedupe

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/map-harvester/internal/harvest"
)

// IdentityMode selects how a listing's identity is derived.
type IdentityMode string

// Supported identity modes.
const (
	// IdentityProvider prefers the provider-assigned id and falls back to a name+address hash.
	IdentityProvider IdentityMode = "provider"
	// IdentityNameAddress always hashes the normalized name and address.
	IdentityNameAddress IdentityMode = "name_address"
)

// Identity prefixes keep provider ids and hashes from colliding.
const (
	providerPrefix = "id:"
	hashPrefix     = "h:"
)

// Identifier derives normalized listing identities.
type Identifier struct {
	mode   IdentityMode
	hasher harvest.Hasher
}

// NewIdentifier builds an Identifier for mode.
func NewIdentifier(mode IdentityMode, hasher harvest.Hasher) (Identifier, error) {
	switch mode {
	case "":
		mode = IdentityProvider
	case IdentityProvider, IdentityNameAddress:
	default:
		return Identifier{}, harvest.NewConfigurationError("unknown identity mode %q", mode)
	}
	if hasher == nil {
		return Identifier{}, fmt.Errorf("hasher is required")
	}
	return Identifier{mode: mode, hasher: hasher}, nil
}

// Identity returns the listing's identity, or false when it cannot be identified.
func (i Identifier) Identity(l harvest.RawListing) (string, bool, error) {
	if i.mode == IdentityProvider {
		if id := strings.ToLower(strings.TrimSpace(l.ProviderID)); id != "" {
			return providerPrefix + id, true, nil
		}
	}
	name := NormalizeText(l.Name)
	if name == "" {
		return "", false, nil
	}
	// NormalizeText strips NUL, so it cannot appear inside either field.
	sum, err := i.hasher.Hash([]byte(name + "\x00" + NormalizeText(l.Address)))
	if err != nil {
		return "", false, fmt.Errorf("hash identity: %w", err)
	}
	return hashPrefix + sum, true, nil
}

// NormalizeText lowercases s, drops bracketed segments and NUL runes, and
// collapses whitespace.
func NormalizeText(s string) string {
	var b strings.Builder
	depth := 0
	for _, r := range strings.ToLower(s) {
		switch r {
		case 0:
			continue
		case '(', '[', '{':
			depth++
			continue
		case ')', ']', '}':
			if depth > 0 {
				depth--
			}
			continue
		}
		if depth == 0 {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// scrub removes NUL runes from every text field. Scraped pages occasionally
// carry them and PostgreSQL rejects them in text and jsonb values.
func scrub(l harvest.RawListing) harvest.RawListing {
	clean := func(v string) string { return strings.ReplaceAll(v, "\x00", "") }
	l.ProviderID = clean(l.ProviderID)
	l.Name = clean(l.Name)
	l.Address = clean(l.Address)
	l.Phone = clean(l.Phone)
	l.Website = clean(l.Website)
	l.Rating = clean(l.Rating)
	l.Reviews = clean(l.Reviews)
	l.URL = clean(l.URL)
	if len(l.Attributes) > 0 {
		attrs := make(map[string]string, len(l.Attributes))
		for k, v := range l.Attributes {
			attrs[clean(k)] = clean(v)
		}
		l.Attributes = attrs
	}
	return l
}
