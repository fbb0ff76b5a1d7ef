package dictionary

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ontospan/triplestore/pkg/rdf"
)

// decimal payload layout within the 60-bit field: 1 sign bit, 52 mantissa
// bits (unsigned, value = mantissa * 10^exponent), 7 exponent bits
// (two's complement, [-64, 63]).
const (
	decimalMantissaBits = 52
	decimalExponentBits = 7
	decimalMantissaMask = (uint64(1) << decimalMantissaBits) - 1
	decimalExponentMask = (uint64(1) << decimalExponentBits) - 1
	decimalSignBit      = uint64(1) << (decimalMantissaBits + decimalExponentBits)
	decimalMaxMantissa  = decimalMantissaMask
	decimalMinExponent  = -64
	decimalMaxExponent  = 63
)

// minDateTimeMillis and MaxPayload bound the inline xsd:dateTime
// range: [1970-01-01, ~year 36,812,066], i.e. every non-negative 60-bit
// millisecond count.
const (
	minDateTimeMillis int64 = 0
)

// tryInlineEncode returns (TermId, true) when term is inline-encodable,
// without touching the key-value backend.
func tryInlineEncode(term rdf.Term) (TermId, bool, error) {
	lit, ok := term.(*rdf.Literal)
	if !ok || lit.Language != "" {
		return 0, false, nil
	}
	dt := lit.EffectiveDatatype()
	switch dt.IRI {
	case rdf.XSDInteger.IRI:
		return tryInlineInteger(lit.Value)
	case rdf.XSDDecimal.IRI:
		return tryInlineDecimal(lit.Value)
	case rdf.XSDDateTime.IRI:
		return tryInlineDateTime(lit.Value)
	default:
		return 0, false, nil
	}
}

func tryInlineInteger(lexical string) (TermId, bool, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(lexical), 10, 64)
	if err != nil {
		return 0, false, nil // not a well-formed integer: caller falls back to dictionary allocation, which will itself fail validation
	}
	if v < MinInlineInt || v > MaxInlineInt {
		return 0, false, nil
	}
	return newInlineInt(v), true, nil
}

// decomposeDecimal splits a decimal lexical form into (negative, mantissa digits, exponent)
// such that value = (-1)^negative * mantissa * 10^exponent.
func decomposeDecimal(lexical string) (negative bool, mantissa uint64, exponent int, ok bool) {
	s := strings.TrimSpace(lexical)
	if s == "" {
		return false, 0, 0, false
	}
	if s[0] == '+' {
		s = s[1:]
	} else if s[0] == '-' {
		negative = true
		s = s[1:]
	}
	intPart, fracPart, hasDot := strings.Cut(s, ".")
	if intPart == "" && fracPart == "" {
		return false, 0, 0, false
	}
	digits := intPart + fracPart
	if digits == "" {
		digits = "0"
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false, 0, 0, false
		}
	}
	exponent = 0
	if hasDot {
		exponent = -len(fracPart)
	}
	// Strip leading zeros (keep at least one digit) so precision fits 52 bits.
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		digits = "0"
	}
	// Strip trailing zeros, bumping the exponent, to maximize representable range.
	for len(digits) > 1 && digits[len(digits)-1] == '0' {
		digits = digits[:len(digits)-1]
		exponent++
	}
	m, err := strconv.ParseUint(digits, 10, 64)
	if err != nil || m > decimalMaxMantissa {
		return false, 0, 0, false
	}
	return negative, m, exponent, true
}

func tryInlineDecimal(lexical string) (TermId, bool, error) {
	negative, mantissa, exponent, ok := decomposeDecimal(lexical)
	if !ok || exponent < decimalMinExponent || exponent > decimalMaxExponent {
		return 0, false, nil
	}
	payload := mantissa | (uint64(uint32(int32(exponent))&uint32(decimalExponentMask)) << decimalMantissaBits)
	if negative {
		payload |= decimalSignBit
	}
	return makeTermID(KindInlineDecimal, payload), true, nil
}

func decodeInlineDecimal(payload uint64) *rdf.Literal {
	negative := payload&decimalSignBit != 0
	mantissa := payload & decimalMantissaMask
	expBits := (payload >> decimalMantissaBits) & decimalExponentMask
	exponent := int(int8(expBits<<1) >> 1) // sign-extend 7 bits
	lexical := formatDecimal(negative, mantissa, exponent)
	return rdf.NewLiteralWithDatatype(lexical, rdf.XSDDecimal)
}

func formatDecimal(negative bool, mantissa uint64, exponent int) string {
	digits := strconv.FormatUint(mantissa, 10)
	var b strings.Builder
	if negative {
		b.WriteByte('-')
	}
	switch {
	case exponent >= 0:
		b.WriteString(digits)
		for i := 0; i < exponent; i++ {
			b.WriteByte('0')
		}
		b.WriteString(".0")
	case -exponent < len(digits):
		point := len(digits) + exponent
		b.WriteString(digits[:point])
		b.WriteByte('.')
		b.WriteString(digits[point:])
	default:
		b.WriteString("0.")
		for i := 0; i < -exponent-len(digits); i++ {
			b.WriteByte('0')
		}
		b.WriteString(digits)
	}
	return b.String()
}

func tryInlineDateTime(lexical string) (TermId, bool, error) {
	t, ok := parseDateTime(lexical)
	if !ok {
		return 0, false, nil
	}
	millis := t.UnixMilli()
	if millis < minDateTimeMillis || uint64(millis) > MaxPayload {
		return 0, false, nil
	}
	return makeTermID(KindInlineDateTime, uint64(millis)), true, nil
}

func parseDateTime(lexical string) (time.Time, bool) {
	s := strings.TrimSpace(lexical)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func decodeInlineDateTime(payload uint64) *rdf.Literal {
	t := time.UnixMilli(int64(payload)).UTC()
	lexical := t.Format("2006-01-02T15:04:05.000Z")
	return rdf.NewLiteralWithDatatype(lexical, rdf.XSDDateTime)
}

func decodeInlineInteger(payload uint64) *rdf.Literal {
	return rdf.NewIntegerLiteral(intValue(payload))
}

// decodeInline reconstructs the term an inline TermId represents, with no
// I/O.
func decodeInline(id TermId) (rdf.Term, error) {
	payload := id.Payload()
	switch id.Kind() {
	case KindInlineInteger:
		return decodeInlineInteger(payload), nil
	case KindInlineDecimal:
		return decodeInlineDecimal(payload), nil
	case KindInlineDateTime:
		return decodeInlineDateTime(payload), nil
	default:
		return nil, fmt.Errorf("dictionary: %v is not an inline TermId", id)
	}
}
