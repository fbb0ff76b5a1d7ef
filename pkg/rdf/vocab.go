package rdf

// Well-known RDFS/OWL vocabulary consulted by the reasoner's rule
// catalog: these IRIs are ontology-defined constants, never assumed user
// input, so the reasoner validates any interpolated predicate against
// the set below before building a derived triple.
var (
	RDFSSubClassOf    = NewNamedNode("http://www.w3.org/2000/01/rdf-schema#subClassOf")
	RDFSSubPropertyOf = NewNamedNode("http://www.w3.org/2000/01/rdf-schema#subPropertyOf")
	RDFSDomain        = NewNamedNode("http://www.w3.org/2000/01/rdf-schema#domain")
	RDFSRange         = NewNamedNode("http://www.w3.org/2000/01/rdf-schema#range")

	OWLSameAs                  = NewNamedNode("http://www.w3.org/2002/07/owl#sameAs")
	OWLTransitiveProperty      = NewNamedNode("http://www.w3.org/2002/07/owl#TransitiveProperty")
	OWLSymmetricProperty       = NewNamedNode("http://www.w3.org/2002/07/owl#SymmetricProperty")
	OWLInverseOf               = NewNamedNode("http://www.w3.org/2002/07/owl#inverseOf")
	OWLFunctionalProperty      = NewNamedNode("http://www.w3.org/2002/07/owl#FunctionalProperty")
	OWLInverseFunctionalProp   = NewNamedNode("http://www.w3.org/2002/07/owl#InverseFunctionalProperty")
	OWLHasValue                = NewNamedNode("http://www.w3.org/2002/07/owl#hasValue")
	OWLSomeValuesFrom           = NewNamedNode("http://www.w3.org/2002/07/owl#someValuesFrom")
	OWLAllValuesFrom             = NewNamedNode("http://www.w3.org/2002/07/owl#allValuesFrom")
	OWLOnProperty               = NewNamedNode("http://www.w3.org/2002/07/owl#onProperty")
	OWLClass                    = NewNamedNode("http://www.w3.org/2002/07/owl#Class")
	OWLRestriction               = NewNamedNode("http://www.w3.org/2002/07/owl#Restriction")

	// OntologyWhitelist is every predicate/class IRI the reasoner is ever
	// allowed to interpolate into a derived triple's fixed positions
	// (rule heads always use one of these as the predicate, or RDFType).
	OntologyWhitelist = map[string]bool{
		RDFType.IRI:                 true,
		RDFSSubClassOf.IRI:          true,
		RDFSSubPropertyOf.IRI:       true,
		RDFSDomain.IRI:              true,
		RDFSRange.IRI:               true,
		OWLSameAs.IRI:               true,
		OWLTransitiveProperty.IRI:   true,
		OWLSymmetricProperty.IRI:    true,
		OWLInverseOf.IRI:            true,
		OWLFunctionalProperty.IRI:   true,
		OWLInverseFunctionalProp.IRI: true,
		OWLHasValue.IRI:             true,
		OWLSomeValuesFrom.IRI:       true,
		OWLAllValuesFrom.IRI:        true,
		OWLOnProperty.IRI:           true,
		OWLClass.IRI:                true,
		OWLRestriction.IRI:          true,
	}
)

// IsOntologyConstant reports whether iri is one of the fixed vocabulary
// terms the reasoner is permitted to interpolate.
func IsOntologyConstant(iri string) bool {
	return OntologyWhitelist[iri]
}
