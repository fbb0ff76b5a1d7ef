package rdf

import "testing"

func TestNamedNode_Type(t *testing.T) {
	node := NewNamedNode("http://example.org/resource")
	if node.Type() != TermTypeNamedNode {
		t.Errorf("Expected TermTypeNamedNode, got %v", node.Type())
	}
}

func TestNamedNode_String(t *testing.T) {
	node := NewNamedNode("http://example.org/resource")
	expected := "<http://example.org/resource>"
	if node.String() != expected {
		t.Errorf("Expected %s, got %s", expected, node.String())
	}
}

func TestNamedNode_Equals(t *testing.T) {
	node1 := NewNamedNode("http://example.org/resource")
	node2 := NewNamedNode("http://example.org/resource")
	node3 := NewNamedNode("http://example.org/different")

	if !node1.Equals(node2) {
		t.Error("Expected equal NamedNodes to be equal")
	}
	if node1.Equals(node3) {
		t.Error("Expected different NamedNodes to not be equal")
	}

	literal := NewLiteral("test")
	if node1.Equals(literal) {
		t.Error("NamedNode should not equal Literal")
	}
}

func TestBlankNode_Type(t *testing.T) {
	node := NewBlankNode("b1")
	if node.Type() != TermTypeBlankNode {
		t.Errorf("Expected TermTypeBlankNode, got %v", node.Type())
	}
}

func TestBlankNode_String(t *testing.T) {
	node := NewBlankNode("b1")
	expected := "_:b1"
	if node.String() != expected {
		t.Errorf("Expected %s, got %s", expected, node.String())
	}
}

func TestBlankNode_Equals(t *testing.T) {
	node1 := NewBlankNode("b1")
	node2 := NewBlankNode("b1")
	node3 := NewBlankNode("b2")

	if !node1.Equals(node2) {
		t.Error("Expected equal BlankNodes to be equal")
	}
	if node1.Equals(node3) {
		t.Error("Expected different BlankNodes to not be equal")
	}

	namedNode := NewNamedNode("http://example.org/resource")
	if node1.Equals(namedNode) {
		t.Error("BlankNode should not equal NamedNode")
	}
}

func TestLiteral_Type(t *testing.T) {
	literal := NewLiteral("test")
	if literal.Type() != TermTypeLiteral {
		t.Errorf("Expected TermTypeLiteral, got %v", literal.Type())
	}
}

func TestLiteral_String(t *testing.T) {
	tests := []struct {
		name     string
		literal  *Literal
		expected string
	}{
		{"plain literal", NewLiteral("hello"), "\"hello\""},
		{"literal with language", NewLiteralWithLanguage("hello", "en"), "\"hello\"@en"},
		{"literal with datatype", NewLiteralWithDatatype("42", XSDInteger), "\"42\"^^<http://www.w3.org/2001/XMLSchema#integer>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.literal.String(); got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestLiteral_Equals(t *testing.T) {
	lit1 := NewLiteral("hello")
	lit2 := NewLiteral("hello")
	lit3 := NewLiteral("world")

	if !lit1.Equals(lit2) {
		t.Error("Expected equal plain literals to be equal")
	}
	if lit1.Equals(lit3) {
		t.Error("Expected different plain literals to not be equal")
	}

	litLang1 := NewLiteralWithLanguage("hello", "en")
	litLang2 := NewLiteralWithLanguage("hello", "en")
	litLang3 := NewLiteralWithLanguage("hello", "fr")

	if !litLang1.Equals(litLang2) {
		t.Error("Expected equal language-tagged literals to be equal")
	}
	if litLang1.Equals(litLang3) {
		t.Error("Expected literals with different languages to not be equal")
	}
	if litLang1.Equals(lit1) {
		t.Error("Language-tagged literal should not equal plain literal")
	}

	litType1 := NewLiteralWithDatatype("42", XSDInteger)
	litType2 := NewLiteralWithDatatype("42", XSDInteger)
	litType3 := NewLiteralWithDatatype("42", XSDString)

	if !litType1.Equals(litType2) {
		t.Error("Expected equal typed literals to be equal")
	}
	if litType1.Equals(litType3) {
		t.Error("Expected literals with different datatypes to not be equal")
	}

	namedNode := NewNamedNode("http://example.org/resource")
	if lit1.Equals(namedNode) {
		t.Error("Literal should not equal NamedNode")
	}
}

func TestLiteral_EffectiveDatatypeDefaultsToXSDString(t *testing.T) {
	lit := NewLiteral("plain")
	if lit.EffectiveDatatype().IRI != XSDString.IRI {
		t.Errorf("expected xsd:string, got %s", lit.EffectiveDatatype().IRI)
	}
}

func TestLiteral_EffectiveDatatypeForLanguageTag(t *testing.T) {
	lit := NewLiteralWithLanguage("hello", "en")
	if lit.EffectiveDatatype().IRI != RDFLangString.IRI {
		t.Errorf("expected rdf:langString, got %s", lit.EffectiveDatatype().IRI)
	}
}

func TestTriple_String(t *testing.T) {
	subject := NewNamedNode("http://example.org/subject")
	predicate := NewNamedNode("http://example.org/predicate")
	object := NewLiteral("value")

	triple := NewTriple(subject, predicate, object)
	expected := "<http://example.org/subject> <http://example.org/predicate> \"value\" ."

	if triple.String() != expected {
		t.Errorf("Expected:\n%s\nGot:\n%s", expected, triple.String())
	}
}

func TestTriple_Equals(t *testing.T) {
	a := NewTriple(NewNamedNode("s"), NewNamedNode("p"), NewLiteral("o"))
	b := NewTriple(NewNamedNode("s"), NewNamedNode("p"), NewLiteral("o"))
	c := NewTriple(NewNamedNode("s"), NewNamedNode("p"), NewLiteral("different"))

	if !a.Equals(b) {
		t.Error("expected structurally identical triples to be equal")
	}
	if a.Equals(c) {
		t.Error("expected triples with different objects to not be equal")
	}
	if a.Equals(nil) {
		t.Error("a triple should never equal nil")
	}
}

func TestNewIntegerLiteral(t *testing.T) {
	lit := NewIntegerLiteral(42)
	if lit.Value != "42" {
		t.Errorf("Expected value '42', got '%s'", lit.Value)
	}
	if lit.Datatype == nil || lit.Datatype.IRI != XSDInteger.IRI {
		t.Errorf("Expected datatype %s", XSDInteger.IRI)
	}
}

func TestNewBooleanLiteral(t *testing.T) {
	litTrue := NewBooleanLiteral(true)
	litFalse := NewBooleanLiteral(false)

	if litTrue.Value != "true" {
		t.Errorf("Expected value 'true', got '%s'", litTrue.Value)
	}
	if litFalse.Value != "false" {
		t.Errorf("Expected value 'false', got '%s'", litFalse.Value)
	}
	if litTrue.Datatype == nil || litTrue.Datatype.IRI != XSDBoolean.IRI {
		t.Errorf("Expected datatype %s", XSDBoolean.IRI)
	}
}

func TestXSDConstants(t *testing.T) {
	constants := map[string]*NamedNode{
		"XSDString":   XSDString,
		"XSDInteger":  XSDInteger,
		"XSDDecimal":  XSDDecimal,
		"XSDDouble":   XSDDouble,
		"XSDFloat":    XSDFloat,
		"XSDBoolean":  XSDBoolean,
		"XSDDateTime": XSDDateTime,
	}
	const xsdNamespace = "http://www.w3.org/2001/XMLSchema#"

	for name, constant := range constants {
		if constant == nil {
			t.Errorf("%s constant is nil", name)
			continue
		}
		if len(constant.IRI) < len(xsdNamespace) || constant.IRI[:len(xsdNamespace)] != xsdNamespace {
			t.Errorf("%s constant doesn't start with XSD namespace: %s", name, constant.IRI)
		}
	}
}

func TestLiteral_EmptyString(t *testing.T) {
	lit := NewLiteral("")
	if lit.Value != "" {
		t.Errorf("Expected empty string, got '%s'", lit.Value)
	}
	if lit.String() != "\"\"" {
		t.Errorf("Expected \"\", got %s", lit.String())
	}
}

func TestBlankNode_EmptyLabel(t *testing.T) {
	node := NewBlankNode("")
	if node.String() != "_:" {
		t.Errorf("Expected _:, got %s", node.String())
	}
}

func TestNamedNode_EmptyIRI(t *testing.T) {
	node := NewNamedNode("")
	if node.String() != "<>" {
		t.Errorf("Expected <>, got %s", node.String())
	}
}
