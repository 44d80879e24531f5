package delivery

import "strings"

const countryCode = "34"

// NormalizeRecipient turns a raw recipient into the canonical
// country-code form the transport expects: exactly "34" followed by nine
// digits.
//
// Rules:
//   - separators (spaces, dashes, dots, parentheses, a leading "+") are
//     stripped
//   - a leading international "0034" collapses to "34"
//   - a bare nine-digit domestic mobile/landline number starting with
//     6, 7 or 9 gets the "34" prefix prepended
func NormalizeRecipient(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s == "" {
		return "", &ValidationError{Raw: raw, Detail: "no digits"}
	}

	if strings.HasPrefix(s, "00"+countryCode) {
		s = countryCode + s[len("00"+countryCode):]
	}

	if len(s) == 9 {
		switch s[0] {
		case '6', '7', '9':
			s = countryCode + s
		}
	}

	if !strings.HasPrefix(s, countryCode) || len(s) != len(countryCode)+9 {
		return "", &ValidationError{Raw: raw, Detail: "expected country code " + countryCode + " followed by 9 digits"}
	}
	return s, nil
}
