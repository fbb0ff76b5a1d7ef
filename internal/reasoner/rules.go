// Package reasoner implements OWL 2 RL forward-chaining inference:
// rule compilation against a live TBox, semi-naive fixpoint
// materialization, incremental add/delete maintenance, and the
// schema-hierarchy cache the rest of the kernel reads. Rules are data,
// not code: the catalog below is a fixed table of body/head templates
// walked by a single generic evaluator.
package reasoner

import "github.com/ontospan/triplestore/internal/dictionary"

// Profile selects which slice of the rule catalog is active.
type Profile int

const (
	ProfileRDFS Profile = iota
	ProfileOWL2RL
)

func (p Profile) String() string {
	if p == ProfileOWL2RL {
		return "owl2rl"
	}
	return "rdfs"
}

// termRef is one position of a rule pattern: either a variable (by name,
// resolved to a slot at compile time) or a fixed ontology constant
// (resolved to a TermId once, at rule-compilation time, via the
// dictionary — never interpolated from untrusted input).
type termRef struct {
	isVar bool
	name  string       // variable name, when isVar
	iri   string       // ontology constant IRI, when !isVar; "" means "the specialized predicate"
	id    dictionary.TermId // resolved constant, filled in by compile
}

func v(name string) termRef         { return termRef{isVar: true, name: name} }
func c(iri string) termRef          { return termRef{iri: iri} }
func specializedPredicate() termRef { return termRef{iri: ""} }

// specializedPredicate2 names the second of a two-predicate specialization
// (inverse-of pairs bind both p and q at compile time).
func specializedPredicate2() termRef { return termRef{iri: "$2"} }

// pattern is one triple pattern in a rule body or head.
type pattern struct{ S, P, O termRef }

// trigger names the TBox presence flag (see SchemaInfo) that must hold for
// a rule to survive the "filter rules" compilation step.
type trigger int

const (
	triggerNone trigger = iota
	triggerSubClass
	triggerSubProperty
	triggerDomain
	triggerRange
	triggerSameAs
	triggerRestriction
	triggerTransitive  // specialized per-property, one instance per transitive property
	triggerSymmetric   // specialized per-property
	triggerInverseOf   // specialized per inverse-of pair
	triggerFunctional  // specialized per-property
	triggerInverseFunctional
)

// ruleTemplate is one named entry in the fixed rule catalog.
type ruleTemplate struct {
	name    string
	profile Profile
	trigger trigger
	body    []pattern
	head    pattern
}

// catalog is the full RDFS + OWL 2 RL rule set this reasoner supports.
// Names follow the W3C OWL 2 RL/RDF ruleset's own prp-*/cax-*/eq-*
// mnemonics where a direct analogue exists.
var catalog = []ruleTemplate{
	// --- RDFS ---
	{
		name: "rdfs5-subproperty-transitivity", profile: ProfileRDFS, trigger: triggerSubProperty,
		body: []pattern{
			{v("p"), c(rdfsSubPropertyOf), v("q")},
			{v("q"), c(rdfsSubPropertyOf), v("r")},
		},
		head: pattern{v("p"), c(rdfsSubPropertyOf), v("r")},
	},
	{
		name: "rdfs7-subproperty-application", profile: ProfileRDFS, trigger: triggerSubProperty,
		body: []pattern{
			{v("p"), c(rdfsSubPropertyOf), v("q")},
			{v("x"), v("p"), v("y")},
		},
		head: pattern{v("x"), v("q"), v("y")},
	},
	{
		name: "rdfs9-subclass-membership", profile: ProfileRDFS, trigger: triggerSubClass,
		body: []pattern{
			{v("c"), c(rdfsSubClassOf), v("d")},
			{v("x"), c(rdfType), v("c")},
		},
		head: pattern{v("x"), c(rdfType), v("d")},
	},
	{
		name: "rdfs11-subclass-transitivity", profile: ProfileRDFS, trigger: triggerSubClass,
		body: []pattern{
			{v("c"), c(rdfsSubClassOf), v("d")},
			{v("d"), c(rdfsSubClassOf), v("e")},
		},
		head: pattern{v("c"), c(rdfsSubClassOf), v("e")},
	},
	{
		name: "rdfs2-domain", profile: ProfileRDFS, trigger: triggerDomain,
		body: []pattern{
			{v("p"), c(rdfsDomain), v("c")},
			{v("x"), v("p"), v("y")},
		},
		head: pattern{v("x"), c(rdfType), v("c")},
	},
	{
		name: "rdfs3-range", profile: ProfileRDFS, trigger: triggerRange,
		body: []pattern{
			{v("p"), c(rdfsRange), v("c")},
			{v("x"), v("p"), v("y")},
		},
		head: pattern{v("y"), c(rdfType), v("c")},
	},

	// --- OWL 2 RL ---
	// prp-trp, specialized per transitive property at compile time: the
	// generic "?p rdf:type owl:TransitiveProperty" body atom is dropped and
	// p is fixed to the concrete predicate.
	{
		name: "prp-trp", profile: ProfileOWL2RL, trigger: triggerTransitive,
		body: []pattern{
			{v("x"), specializedPredicate(), v("y")},
			{v("y"), specializedPredicate(), v("z")},
		},
		head: pattern{v("x"), specializedPredicate(), v("z")},
	},
	// prp-symp, specialized per symmetric property.
	{
		name: "prp-symp", profile: ProfileOWL2RL, trigger: triggerSymmetric,
		body: []pattern{
			{v("x"), specializedPredicate(), v("y")},
		},
		head: pattern{v("y"), specializedPredicate(), v("x")},
	},
	// prp-inv1/prp-inv2, specialized per (p, owl:inverseOf, q) pair: p and q
	// are the two specialized slots.
	{
		name: "prp-inv1", profile: ProfileOWL2RL, trigger: triggerInverseOf,
		body: []pattern{{v("x"), specializedPredicate(), v("y")}},
		head: pattern{v("y"), specializedPredicate2(), v("x")},
	},
	{
		name: "prp-inv2", profile: ProfileOWL2RL, trigger: triggerInverseOf,
		body: []pattern{{v("x"), specializedPredicate2(), v("y")}},
		head: pattern{v("y"), specializedPredicate(), v("x")},
	},
	{
		name: "prp-fp", profile: ProfileOWL2RL, trigger: triggerFunctional,
		body: []pattern{
			{v("x"), specializedPredicate(), v("y1")},
			{v("x"), specializedPredicate(), v("y2")},
		},
		head: pattern{v("y1"), c(owlSameAs), v("y2")},
	},
	{
		name: "prp-ifp", profile: ProfileOWL2RL, trigger: triggerInverseFunctional,
		body: []pattern{
			{v("x1"), specializedPredicate(), v("y")},
			{v("x2"), specializedPredicate(), v("y")},
		},
		head: pattern{v("x1"), c(owlSameAs), v("x2")},
	},
	// eq-ref / eq-sym / eq-trans: sameAs is an equivalence relation. The
	// reflexivity rules fire once per term position of every triple;
	// gating them on the sameAs trigger keeps a sameAs-free ontology from
	// paying for facts nothing could ever join against.
	{
		name: "eq-ref-s", profile: ProfileOWL2RL, trigger: triggerSameAs,
		body: []pattern{{v("s"), v("p"), v("o")}},
		head: pattern{v("s"), c(owlSameAs), v("s")},
	},
	{
		name: "eq-ref-p", profile: ProfileOWL2RL, trigger: triggerSameAs,
		body: []pattern{{v("s"), v("p"), v("o")}},
		head: pattern{v("p"), c(owlSameAs), v("p")},
	},
	{
		name: "eq-ref-o", profile: ProfileOWL2RL, trigger: triggerSameAs,
		body: []pattern{{v("s"), v("p"), v("o")}},
		head: pattern{v("o"), c(owlSameAs), v("o")},
	},
	{
		name: "eq-sym", profile: ProfileOWL2RL, trigger: triggerSameAs,
		body: []pattern{{v("x"), c(owlSameAs), v("y")}},
		head: pattern{v("y"), c(owlSameAs), v("x")},
	},
	{
		name: "eq-trans", profile: ProfileOWL2RL, trigger: triggerSameAs,
		body: []pattern{
			{v("x"), c(owlSameAs), v("y")},
			{v("y"), c(owlSameAs), v("z")},
		},
		head: pattern{v("x"), c(owlSameAs), v("z")},
	},
	// eq-rep-s/p/o: sameAs substitution into each triple position.
	{
		name: "eq-rep-s", profile: ProfileOWL2RL, trigger: triggerSameAs,
		body: []pattern{
			{v("s"), c(owlSameAs), v("s2")},
			{v("s"), v("p"), v("o")},
		},
		head: pattern{v("s2"), v("p"), v("o")},
	},
	{
		name: "eq-rep-p", profile: ProfileOWL2RL, trigger: triggerSameAs,
		body: []pattern{
			{v("p"), c(owlSameAs), v("p2")},
			{v("s"), v("p"), v("o")},
		},
		head: pattern{v("s"), v("p2"), v("o")},
	},
	{
		name: "eq-rep-o", profile: ProfileOWL2RL, trigger: triggerSameAs,
		body: []pattern{
			{v("o"), c(owlSameAs), v("o2")},
			{v("s"), v("p"), v("o")},
		},
		head: pattern{v("s"), v("p"), v("o2")},
	},

	// Class restrictions (hasValue / someValuesFrom / allValuesFrom):
	// the restriction node's shape is itself ordinary TBox triples, so
	// these join across them like any other rule body.
	{
		name: "cls-hv1", profile: ProfileOWL2RL, trigger: triggerRestriction,
		body: []pattern{
			{v("r"), c(owlHasValue), v("val")},
			{v("r"), c(owlOnProperty), v("p")},
			{v("x"), v("p"), v("val")},
		},
		head: pattern{v("x"), c(rdfType), v("r")},
	},
	{
		name: "cls-hv2", profile: ProfileOWL2RL, trigger: triggerRestriction,
		body: []pattern{
			{v("r"), c(owlHasValue), v("val")},
			{v("r"), c(owlOnProperty), v("p")},
			{v("x"), c(rdfType), v("r")},
		},
		head: pattern{v("x"), v("p"), v("val")},
	},
	{
		name: "cls-svf1", profile: ProfileOWL2RL, trigger: triggerRestriction,
		body: []pattern{
			{v("r"), c(owlSomeValuesFrom), v("cls")},
			{v("r"), c(owlOnProperty), v("p")},
			{v("x"), v("p"), v("y")},
			{v("y"), c(rdfType), v("cls")},
		},
		head: pattern{v("x"), c(rdfType), v("r")},
	},
	{
		name: "cls-avf", profile: ProfileOWL2RL, trigger: triggerRestriction,
		body: []pattern{
			{v("r"), c(owlAllValuesFrom), v("cls")},
			{v("r"), c(owlOnProperty), v("p")},
			{v("x"), c(rdfType), v("r")},
			{v("x"), v("p"), v("y")},
		},
		head: pattern{v("y"), c(rdfType), v("cls")},
	},
}

// Well-known ontology constants, named locally so the catalog above reads
// without the pkg/rdf import; resolved against pkg/rdf.OntologyWhitelist
// at compile time.
const (
	rdfType          = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"
	rdfsSubClassOf   = "http://www.w3.org/2000/01/rdf-schema#subClassOf"
	rdfsSubPropertyOf = "http://www.w3.org/2000/01/rdf-schema#subPropertyOf"
	rdfsDomain       = "http://www.w3.org/2000/01/rdf-schema#domain"
	rdfsRange        = "http://www.w3.org/2000/01/rdf-schema#range"
	owlSameAs        = "http://www.w3.org/2002/07/owl#sameAs"
	owlHasValue       = "http://www.w3.org/2002/07/owl#hasValue"
	owlOnProperty     = "http://www.w3.org/2002/07/owl#onProperty"
	owlSomeValuesFrom = "http://www.w3.org/2002/07/owl#someValuesFrom"
	owlAllValuesFrom  = "http://www.w3.org/2002/07/owl#allValuesFrom"
)
