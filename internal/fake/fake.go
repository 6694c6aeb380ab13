// Package fake implements the deterministic, type-specific replacement
// value generator described in spec.md §4.D. Every output is a pure
// function of (strategy, original, salt): equal inputs always produce equal
// outputs, across process restarts, threads, and machines.
package fake

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/dbbouncer/piimask/internal/rules"
)

// seed128 is the 128-bit, non-cryptographic hash that drives the PRNG.
// The low 64 bits come from xxhash (fast, already part of the module's
// dependency graph via prometheus); the high 64 bits come from a truncated
// BLAKE2b-256 digest, giving the seed a second, independent lane instead of
// just doubling up xxhash with a different seed value.
type seed128 struct {
	hi, lo uint64
}

func computeSeed(strategy rules.Strategy, original, salt string) seed128 {
	input := string(strategy) + "\x00" + original + "\x00" + salt

	lo := xxhash.Sum64String(input)

	sum := blake2b.Sum256([]byte(input))
	hi := uint64(sum[0])<<56 | uint64(sum[1])<<48 | uint64(sum[2])<<40 | uint64(sum[3])<<32 |
		uint64(sum[4])<<24 | uint64(sum[5])<<16 | uint64(sum[6])<<8 | uint64(sum[7])

	return seed128{hi: hi, lo: lo}
}

// hex32 renders the full 128-bit seed as a 32-character lowercase hex
// string, used directly by the "hash" strategy.
func (s seed128) hex32() string {
	var b [16]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(s.hi >> (56 - 8*i))
		b[8+i] = byte(s.lo >> (56 - 8*i))
	}
	return hex.EncodeToString(b[:])
}

// prng is a tiny xorshift128+ generator seeded from the 128-bit hash. It is
// intentionally not cryptographically secure — only deterministic and fast.
type prng struct {
	s0, s1 uint64
}

func newPRNG(seed seed128) *prng {
	s0, s1 := seed.hi, seed.lo
	if s0 == 0 && s1 == 0 {
		s0 = 0x9E3779B97F4A7C15 // avoid the all-zero fixed point
	}
	p := &prng{s0: s0, s1: s1}
	// Warm up a few rounds so low-entropy seeds (e.g. very short inputs)
	// still spread across the output space.
	for i := 0; i < 4; i++ {
		p.next()
	}
	return p
}

func (p *prng) next() uint64 {
	x := p.s0
	y := p.s1
	p.s0 = y
	x ^= x << 23
	x ^= x >> 17
	x ^= y ^ (y >> 26)
	p.s1 = x
	return x + y
}

// intn returns a value in [0, n) for n > 0.
func (p *prng) intn(n int) int {
	if n <= 0 {
		return 0
	}
	return int(p.next() % uint64(n))
}

func (p *prng) digit() byte {
	return byte('0' + p.intn(10))
}

func pick(p *prng, words []string) string {
	return words[p.intn(len(words))]
}

var (
	nameWords = []string{
		"river", "cedar", "willow", "amber", "quartz", "maple", "ember",
		"clover", "sable", "birch", "coral", "jasper", "lumen", "moss",
		"onyx", "plume", "reed", "slate", "tansy", "vale",
	}
	domainWords = []string{
		"mailbox", "inboxly", "postward", "relaymail", "notemail", "driftmail",
		"parcelhub", "letterly", "swiftnote", "coveinbox",
	}
	tlds = []string{"com", "net", "org", "io", "co"}

	streetWords = []string{
		"Oak Street", "Maple Avenue", "Cedar Lane", "Birch Court",
		"River Road", "Willow Way", "Hillcrest Drive", "Meadow Place",
		"Sunset Boulevard", "Harbor Street",
	}
	cityWords = []string{
		"Rivermont", "Fairhaven", "Brookfield", "Elmwood", "Westbridge",
		"Oakdale", "Greenfield", "Ashford", "Millbrook", "Stonegate",
	}
)

// Generate renders the replacement value for strategy applied to original,
// optionally salted with an extra per-rule value (see rules.Rule.Salt).
func Generate(strategy rules.Strategy, original, salt string) string {
	seed := computeSeed(strategy, original, salt)
	p := newPRNG(seed)

	switch strategy {
	case rules.StrategyEmail:
		return renderEmail(p)
	case rules.StrategyPhone:
		return renderPhone(p)
	case rules.StrategyAddress:
		return renderAddress(p)
	case rules.StrategyCreditCard:
		return renderCreditCard(p, original)
	case rules.StrategyHash, rules.StrategyJSON:
		// "json" has no shape of its own — the masking engine recurses into
		// the document and applies per-leaf strategies; a bare json-strategy
		// leaf (should one ever reach here directly) renders as its hash.
		return seed.hex32()
	default:
		return seed.hex32()
	}
}

func renderEmail(p *prng) string {
	local1 := pick(p, nameWords)
	local2 := pick(p, nameWords)
	domain := pick(p, domainWords)
	tld := pick(p, tlds)
	return fmt.Sprintf("%s.%s@%s.%s", local1, local2, domain, tld)
}

func renderPhone(p *prng) string {
	var b strings.Builder
	for i := 0; i < 3; i++ {
		b.WriteByte(p.digit())
	}
	b.WriteByte('-')
	for i := 0; i < 3; i++ {
		b.WriteByte(p.digit())
	}
	b.WriteByte('-')
	for i := 0; i < 4; i++ {
		b.WriteByte(p.digit())
	}
	return b.String()
}

func renderAddress(p *prng) string {
	number := 100 + p.intn(9900)
	street := pick(p, streetWords)
	city := pick(p, cityWords)
	return fmt.Sprintf("%d %s %s", number, street, city)
}

// renderCreditCard builds a 16-digit, Luhn-valid number that literally
// preserves the original value's last four digits (spec.md §8 E2): the
// first 11 digits are random (hash-seeded) and digit 12 is the Luhn check
// digit computed against those and the preserved last four.
func renderCreditCard(p *prng, original string) string {
	var digits [16]byte

	for i := 0; i < 11; i++ {
		digits[i] = p.digit()
	}

	last4 := lastFourDigits(original)
	copy(digits[12:16], last4[:])

	digits[11] = luhnCheckDigit(digits)

	return fmt.Sprintf("%s-%s-%s-%s", digits[0:4], digits[4:8], digits[8:12], digits[12:16])
}

// lastFourDigits extracts the last four decimal digits of original (ignoring
// any grouping characters), right-aligned and zero-padded if original has
// fewer than four digits.
func lastFourDigits(original string) [4]byte {
	var out [4]byte
	for i := range out {
		out[i] = '0'
	}

	var digits []byte
	for i := 0; i < len(original); i++ {
		c := original[i]
		if c >= '0' && c <= '9' {
			digits = append(digits, c)
		}
	}
	if len(digits) == 0 {
		return out
	}

	start := len(digits) - 4
	if start < 0 {
		start = 0
	}
	tail := digits[start:]
	copy(out[4-len(tail):], tail)
	return out
}

// luhnCheckDigit computes the digit at index 11 that makes the full 16-digit
// sequence pass the Luhn checksum, given the other 15 digits are fixed.
func luhnCheckDigit(digits [16]byte) byte {
	for candidate := byte('0'); candidate <= '9'; candidate++ {
		digits[11] = candidate
		if luhnValid(digits[:]) {
			return candidate
		}
	}
	// Unreachable: a valid check digit always exists for any 15 fixed digits.
	return '0'
}

func luhnValid(digits []byte) bool {
	sum := 0
	parity := len(digits) % 2
	for i, d := range digits {
		v := int(d - '0')
		if i%2 == parity {
			v *= 2
			if v > 9 {
				v -= 9
			}
		}
		sum += v
	}
	return sum%10 == 0
}
