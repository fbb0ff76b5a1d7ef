package dictionary

import (
	"fmt"
	"testing"

	"github.com/ontospan/triplestore/internal/kv"
	"github.com/ontospan/triplestore/pkg/rdf"
)

func openTestEngine(t *testing.T) *kv.Engine {
	t.Helper()
	e, err := kv.Open("", kv.Options{InMemory: true})
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	d, err := Open(openTestEngine(t))
	if err != nil {
		t.Fatalf("open dictionary: %v", err)
	}

	terms := []rdf.Term{
		rdf.NewNamedNode("http://example.org/alice"),
		rdf.NewBlankNode("b1"),
		rdf.NewLiteral("hello"),
		rdf.NewLiteralWithLanguage("bonjour", "fr"),
		rdf.NewLiteralWithDatatype("not-a-number", rdf.NewNamedNode("http://example.org/custom")),
	}

	for _, term := range terms {
		id, err := d.Encode(term)
		if err != nil {
			t.Fatalf("encode %v: %v", term, err)
		}
		got, err := d.Decode(id)
		if err != nil {
			t.Fatalf("decode %v: %v", term, err)
		}
		if !got.Equals(term) {
			t.Errorf("round trip mismatch: got %v, want %v", got, term)
		}

		again, err := d.Encode(term)
		if err != nil {
			t.Fatalf("re-encode %v: %v", term, err)
		}
		if again != id {
			t.Errorf("encode not stable across calls: %v != %v", again, id)
		}

		looked, ok, err := d.Lookup(term)
		if err != nil || !ok || looked != id {
			t.Errorf("lookup mismatch for %v: id=%v ok=%v err=%v", term, looked, ok, err)
		}
	}
}

func TestInlineIntegerNeverAllocates(t *testing.T) {
	d, err := Open(openTestEngine(t))
	if err != nil {
		t.Fatalf("open dictionary: %v", err)
	}
	lit := rdf.NewIntegerLiteral(42)
	id, err := d.Encode(lit)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if id.Kind() != KindInlineInteger {
		t.Fatalf("expected inline integer kind, got %v", id.Kind())
	}
	if !id.IsInline() {
		t.Fatalf("expected IsInline() true")
	}
	got, err := d.Decode(id)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Equals(lit) {
		t.Errorf("decode mismatch: got %v, want %v", got, lit)
	}
}

func TestInlineIntegerBoundary(t *testing.T) {
	atMax := rdf.NewIntegerLiteral(MaxInlineInt)
	id, ok, err := tryInlineEncode(atMax)
	if err != nil || !ok {
		t.Fatalf("expected MaxInlineInt to inline: ok=%v err=%v", ok, err)
	}
	if intValue(id.Payload()) != MaxInlineInt {
		t.Errorf("round trip at boundary failed")
	}

	oneOver := rdf.NewLiteralWithDatatype("576460752303423488", rdf.XSDInteger) // MaxInlineInt+1
	_, ok, err = tryInlineEncode(oneOver)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Errorf("expected value one past MaxInlineInt to fall back to dictionary allocation")
	}
}

func TestInlineDecimalRoundTrip(t *testing.T) {
	cases := []string{"0.0", "123.45", "-0.001", "1000.0", "99999999999999.9"}
	for _, lex := range cases {
		lit := rdf.NewLiteralWithDatatype(lex, rdf.XSDDecimal)
		id, ok, err := tryInlineEncode(lit)
		if err != nil || !ok {
			t.Fatalf("expected %q to inline: ok=%v err=%v", lex, ok, err)
		}
		got, err := decodeInline(id)
		if err != nil {
			t.Fatalf("decode %q: %v", lex, err)
		}
		gotLit := got.(*rdf.Literal)
		gotNeg, gotMant, gotExp, ok2 := decomposeDecimal(gotLit.Value)
		origNeg, origMant, origExp, ok1 := decomposeDecimal(lex)
		if !ok1 || !ok2 {
			t.Fatalf("decompose failed for %q -> %q", lex, gotLit.Value)
		}
		if gotNeg != origNeg || gotMant != origMant || gotExp != origExp {
			t.Errorf("%q round-tripped to a different value %q", lex, gotLit.Value)
		}
	}
}

func TestInlineDateTimeRoundTrip(t *testing.T) {
	lit := rdf.NewLiteralWithDatatype("2024-01-15T10:30:00Z", rdf.XSDDateTime)
	id, ok, err := tryInlineEncode(lit)
	if err != nil || !ok {
		t.Fatalf("expected dateTime to inline: ok=%v err=%v", ok, err)
	}
	if id.Kind() != KindInlineDateTime {
		t.Fatalf("wrong kind: %v", id.Kind())
	}
	got, err := decodeInline(id)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	gotLit := got.(*rdf.Literal)
	if gotLit.Value != "2024-01-15T10:30:00.000Z" {
		t.Errorf("unexpected lexical form: %s", gotLit.Value)
	}
}

func TestSequenceCounterRecoveryMargin(t *testing.T) {
	engine := openTestEngine(t)
	d1, err := Open(engine)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 1500; i++ {
		iri := fmt.Sprintf("http://example.org/n/%d", i)
		if _, err := d1.Encode(rdf.NewNamedNode(iri)); err != nil {
			t.Fatalf("encode %d: %v", i, err)
		}
	}
	lastNext := d1.iri.next.Load()

	d2, err := Open(engine)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if d2.iri.next.Load() < lastNext {
		t.Errorf("recovered counter %d should be >= last issued range %d (safety margin)", d2.iri.next.Load(), lastNext)
	}
}

func TestTermTooLarge(t *testing.T) {
	d, err := Open(openTestEngine(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	huge := make([]byte, MaxTermSize+1)
	for i := range huge {
		huge[i] = 'x'
	}
	_, err = d.Encode(rdf.NewNamedNode(string(huge)))
	if err == nil {
		t.Fatalf("expected TermTooLarge error")
	}
}

func TestInvalidIri(t *testing.T) {
	d, err := Open(openTestEngine(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = d.Encode(rdf.NewNamedNode("http://example.org/has\x00nul"))
	if err == nil {
		t.Fatalf("expected InvalidIri error")
	}
}
