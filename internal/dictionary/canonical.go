package dictionary

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/ontospan/triplestore/internal/errs"
	"github.com/ontospan/triplestore/pkg/rdf"
)

// MaxTermSize is the canonicalized-term size limit.
const MaxTermSize = 16 * 1024

// tag bytes for the canonical binary encoding (distinct from TermId.Kind,
// which also distinguishes inline numerics that never reach this code path).
const (
	tagIRI            byte = 1
	tagBlankNode       byte = 2
	tagPlainLiteral    byte = 3
	tagTypedLiteral    byte = 4
	tagLangLiteral     byte = 5
)

// canonicalize serializes term to the binary form used as the str2id key
// and the id2str value: every form starts with a tag byte. IRIs follow it
// with the NFC-normalized raw UTF-8 (no angle brackets), blank nodes with
// the local name (no "_:"), and literals with the lexical form and then
// the datatype IRI or the lowercased language tag.
func canonicalize(term rdf.Term) ([]byte, error) {
	var b strings.Builder
	switch t := term.(type) {
	case *rdf.NamedNode:
		iri, err := normalizeIRI(t.IRI)
		if err != nil {
			return nil, err
		}
		b.WriteByte(tagIRI)
		b.WriteString(iri)
	case *rdf.BlankNode:
		b.WriteByte(tagBlankNode)
		b.WriteString(t.ID)
	case *rdf.Literal:
		if err := canonicalizeLiteral(&b, t); err != nil {
			return nil, err
		}
	default:
		return nil, errs.New(errs.KindInvalidArgument, "unrecognized term type")
	}
	out := []byte(b.String())
	if len(out) > MaxTermSize {
		return nil, errs.TermTooLarge(len(out))
	}
	return out, nil
}

func canonicalizeLiteral(b *strings.Builder, lit *rdf.Literal) error {
	switch {
	case lit.Language != "":
		b.WriteByte(tagLangLiteral)
		writeLenPrefixed(b, lit.Value)
		b.WriteString(strings.ToLower(lit.Language))
	case lit.Datatype != nil && lit.Datatype.IRI != rdf.XSDString.IRI:
		iri, err := normalizeIRI(lit.Datatype.IRI)
		if err != nil {
			return err
		}
		b.WriteByte(tagTypedLiteral)
		writeLenPrefixed(b, lit.Value)
		b.WriteString(iri)
	default:
		b.WriteByte(tagPlainLiteral)
		b.WriteString(lit.Value)
	}
	return nil
}

// writeLenPrefixed avoids ambiguity between the lexical form and the
// datatype/language tag that follows it in the canonical encoding.
func writeLenPrefixed(b *strings.Builder, s string) {
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
}

func normalizeIRI(iri string) (string, error) {
	if !utf8.ValidString(iri) {
		return "", errs.InvalidIri("IRI contains invalid UTF-8 (unpaired surrogate)")
	}
	if strings.ContainsRune(iri, 0) {
		return "", errs.InvalidIri("IRI contains NUL")
	}
	return norm.NFC.String(iri), nil
}

// decanonicalize reverses canonicalize, given the binary form stored in
// id2str plus the kind implied by the TermId it was allocated under.
func decanonicalize(kind Kind, raw []byte) (rdf.Term, error) {
	if len(raw) == 0 {
		return nil, errs.CorruptState("empty canonical form")
	}
	tag, body := raw[0], raw[1:]
	switch tag {
	case tagIRI:
		return rdf.NewNamedNode(string(body)), nil
	case tagBlankNode:
		return rdf.NewBlankNode(string(body)), nil
	case tagPlainLiteral:
		return rdf.NewLiteral(string(body)), nil
	case tagLangLiteral:
		value, rest, err := readLenPrefixed(body)
		if err != nil {
			return nil, err
		}
		return rdf.NewLiteralWithLanguage(value, string(rest)), nil
	case tagTypedLiteral:
		value, rest, err := readLenPrefixed(body)
		if err != nil {
			return nil, err
		}
		return rdf.NewLiteralWithDatatype(value, rdf.NewNamedNode(string(rest))), nil
	default:
		return nil, errs.CorruptState("unrecognized canonical tag")
	}
}

func readLenPrefixed(body []byte) (value string, rest []byte, err error) {
	idx := strings.IndexByte(string(body), ':')
	if idx < 0 {
		return "", nil, errs.CorruptState("malformed length-prefixed field")
	}
	n, convErr := strconv.Atoi(string(body[:idx]))
	if convErr != nil || n < 0 || idx+1+n > len(body) {
		return "", nil, errs.CorruptState("malformed length-prefixed field")
	}
	value = string(body[idx+1 : idx+1+n])
	rest = body[idx+1+n:]
	return value, rest, nil
}
