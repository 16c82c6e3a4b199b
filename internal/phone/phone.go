// Package phone normalizes Brazilian phone numbers into the canonical
// digits-only form used as contact ids (country code 55 plus the mobile
// ninth digit) and generates the lookup variants older records may use.
package phone

import "strings"

// Digits strips everything but 0-9 from raw.
func Digits(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Canonical returns the digits-only contact id: country code 55 prepended
// when missing, and the mobile ninth digit inserted after the area code when
// the number carries only eight local digits. Inputs shorter than ten digits
// are returned as bare digits, untouched.
func Canonical(raw string) string {
	digits := Digits(raw)
	if len(digits) < 10 {
		return digits
	}

	if strings.HasPrefix(digits, "55") && len(digits) == 12 {
		// 55 + area code (2) + 8 local digits: insert the 9.
		return digits[:4] + "9" + digits[4:]
	}
	if strings.HasPrefix(digits, "55") && len(digits) == 13 {
		return digits
	}

	if !strings.HasPrefix(digits, "55") {
		withCountry := "55" + digits
		if len(withCountry) == 12 {
			return withCountry[:4] + "9" + withCountry[4:]
		}
		return withCountry
	}

	return digits
}

// Variants lists the digit strings a number may have been stored under:
// with and without the country code, and with and without the mobile ninth
// digit. The canonical digits always come first. Empty input yields nil.
func Variants(raw string) []string {
	digits := Digits(raw)
	if digits == "" {
		return nil
	}

	var out []string
	seen := map[string]bool{}
	add := func(v string) {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	add(digits)

	if strings.HasPrefix(digits, "55") && len(digits) > 2 {
		withoutCountry := digits[2:]
		add(withoutCountry)

		if len(withoutCountry) >= 9 {
			area := withoutCountry[:2]
			rest := withoutCountry[2:]
			if len(rest) >= 9 {
				if strings.HasPrefix(rest, "9") {
					add(area + rest[1:])
					add("55" + area + rest[1:])
				} else {
					add(area + "9" + rest)
					add("55" + area + "9" + rest)
				}
			}
		}
	}

	return out
}
