// Package scanner implements the heuristic PII classifier used by the
// masking engine when no explicit rule matches a field (spec.md §4.C).
// It is pure and thread-safe: classification is a function of the input
// string alone, with no shared mutable state.
package scanner

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the category of PII a scalar value was classified as.
type Kind int

const (
	KindNone Kind = iota
	KindEmail
	KindCreditCard
	KindSSN
	KindPhone
	KindIP
	KindDOB
	KindPassport
)

func (k Kind) String() string {
	switch k {
	case KindEmail:
		return "email"
	case KindCreditCard:
		return "credit_card"
	case KindSSN:
		return "ssn"
	case KindPhone:
		return "phone"
	case KindIP:
		return "ip"
	case KindDOB:
		return "dob"
	case KindPassport:
		return "passport"
	default:
		return "none"
	}
}

var (
	emailPattern    = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)
	ssnPattern      = regexp.MustCompile(`^\d{3}-\d{2}-\d{4}$`)
	phonePattern    = regexp.MustCompile(`^\+?\d{1,3}[- .]?\(?\d{1,4}\)?[- .]?\d{3,4}[- .]?\d{3,4}$`)
	ipv4Pattern     = regexp.MustCompile(`^(\d{1,3})\.(\d{1,3})\.(\d{1,3})\.(\d{1,3})$`)
	dobISOPattern   = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})$`)
	dobUSPattern    = regexp.MustCompile(`^(\d{2})/(\d{2})/(\d{4})$`)
	dobEUPattern    = regexp.MustCompile(`^(\d{2})\.(\d{2})\.(\d{4})$`)
	cardDigitsOnly  = regexp.MustCompile(`^[\d\- ]{13,24}$`)
	passportLong    = regexp.MustCompile(`^[A-Z][0-9]{6,8}$`)
	passportTwoLtr  = regexp.MustCompile(`^[A-Z]{2}\d{6,7}$`)
)

// Classify returns the PII kind detected in s, or KindNone if nothing
// matches. All patterns are anchored to the full string per spec.md §4.C.
func Classify(s string) Kind {
	if s == "" {
		return KindNone
	}

	if emailPattern.MatchString(s) {
		return KindEmail
	}
	if ssnPattern.MatchString(s) {
		return KindSSN
	}
	if isCreditCard(s) {
		return KindCreditCard
	}
	if isIPv4(s) {
		return KindIP
	}
	if isDOB(s) {
		return KindDOB
	}
	if passportLong.MatchString(s) || passportTwoLtr.MatchString(s) {
		return KindPassport
	}
	if phonePattern.MatchString(s) {
		return KindPhone
	}
	return KindNone
}

// isCreditCard checks shape (13-19 digits, optionally grouped by '-' or
// space) followed by a Luhn check.
func isCreditCard(s string) bool {
	if !cardDigitsOnly.MatchString(s) {
		return false
	}
	digits := stripGrouping(s)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	return luhnValid(digits)
}

func stripGrouping(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// luhnValid reports whether the decimal digit string passes the Luhn
// checksum used by card numbers.
func luhnValid(digits string) bool {
	sum := 0
	parity := len(digits) % 2
	for i, r := range digits {
		d := int(r - '0')
		if i%2 == parity {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return sum%10 == 0
}

func isIPv4(s string) bool {
	m := ipv4Pattern.FindStringSubmatch(s)
	if m == nil {
		return false
	}
	for _, octet := range m[1:] {
		n, err := strconv.Atoi(octet)
		if err != nil || n < 0 || n > 255 {
			return false
		}
		// Reject leading-zero octets like "01" to avoid false positives on
		// version strings such as "1.02.3.4".
		if len(octet) > 1 && octet[0] == '0' {
			return false
		}
	}
	return true
}

func isDOB(s string) bool {
	currentYear := time.Now().Year()

	if m := dobISOPattern.FindStringSubmatch(s); m != nil {
		return yearInRange(m[1], currentYear) && validMonth(m[2]) && validDay(m[3])
	}
	if m := dobUSPattern.FindStringSubmatch(s); m != nil {
		return yearInRange(m[3], currentYear) && validMonth(m[1]) && validDay(m[2])
	}
	if m := dobEUPattern.FindStringSubmatch(s); m != nil {
		return yearInRange(m[3], currentYear) && validMonth(m[2]) && validDay(m[1])
	}
	return false
}

func yearInRange(yearStr string, currentYear int) bool {
	y, err := strconv.Atoi(yearStr)
	if err != nil {
		return false
	}
	return y >= 1900 && y <= currentYear
}

func validMonth(s string) bool {
	m, err := strconv.Atoi(s)
	return err == nil && m >= 1 && m <= 12
}

func validDay(s string) bool {
	d, err := strconv.Atoi(s)
	return err == nil && d >= 1 && d <= 31
}

// DefaultStrategyFor returns the rules.Strategy token a classified Kind maps
// to for the scanner's default-strategy fallback (spec.md §4.E step 6). Kept
// here (rather than importing the rules package, which would create a
// cycle-prone dependency for a one-line mapping) as plain strings; the mask
// engine converts them to rules.Strategy.
func DefaultStrategyFor(k Kind) string {
	switch k {
	case KindEmail:
		return "email"
	case KindCreditCard:
		return "credit_card"
	case KindSSN:
		return "hash" // no dedicated SSN strategy token in the vocabulary (spec.md §6)
	case KindPhone:
		return "phone"
	case KindIP:
		return "hash"
	case KindDOB:
		return "hash"
	case KindPassport:
		return "hash"
	default:
		return ""
	}
}
