package store

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeTerm applies NFC normalization and lowercasing, matching how
// search tokens are produced.
func NormalizeTerm(s string) string {
	return strings.ToLower(norm.NFC.String(s))
}

// MatchEmailField reports whether an email record matches a substring search
// term on one field. It backs the in-process SearchMail implementations; a
// real deployment can swap in an external index behind the same Store method.
func MatchEmailField(rec *Record, field, term string) bool {
	term = NormalizeTerm(term)
	if term == "" {
		return true
	}

	switch field {
	case "subject":
		return contains(rec.String("subject"), term)
	case "body":
		return contains(rec.String("textBody"), term) || contains(rec.String("preview"), term)
	case "from", "to", "cc", "bcc":
		return matchAddresses(rec.Properties[field], term)
	case "text":
		return contains(rec.String("subject"), term) ||
			contains(rec.String("textBody"), term) ||
			contains(rec.String("preview"), term) ||
			matchAddresses(rec.Properties["from"], term) ||
			matchAddresses(rec.Properties["to"], term) ||
			matchAddresses(rec.Properties["cc"], term) ||
			matchAddresses(rec.Properties["bcc"], term)
	default:
		// Unknown field: treat as a header search over the raw header map.
		headers, _ := rec.Properties["headers"].(map[string]any)
		value, _ := headers[field].(string)
		return contains(value, term)
	}
}

func contains(haystack, term string) bool {
	return strings.Contains(NormalizeTerm(haystack), term)
}

func matchAddresses(value any, term string) bool {
	list, _ := value.([]any)
	for _, elem := range list {
		addr, _ := elem.(map[string]any)
		name, _ := addr["name"].(string)
		email, _ := addr["email"].(string)
		if contains(name, term) || contains(email, term) {
			return true
		}
	}
	return false
}
