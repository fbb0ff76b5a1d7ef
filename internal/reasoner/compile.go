package reasoner

import (
	"github.com/ontospan/triplestore/internal/dictionary"
	"github.com/ontospan/triplestore/internal/errs"
	"github.com/ontospan/triplestore/pkg/rdf"
)

// DefaultMaxSpecializations caps how many concrete rule instances a single
// transitive/symmetric/functional/inverse-functional/inverse-of family may
// expand into, preventing specialization blow-up on wide ontologies.
const DefaultMaxSpecializations = 10_000

// compiledTerm is a rule-body/head position after constant resolution: a
// local variable slot, or a concrete TermId.
type compiledTerm struct {
	isVar bool
	slot  int
	id    dictionary.TermId
}

type compiledPattern struct{ S, P, O compiledTerm }

// CompiledRule is one fully-resolved, well-formed rule instance ready for
// the semi-naive evaluator. Width is how many local variable slots its
// Body/Head patterns use.
type CompiledRule struct {
	Name  string
	Body  []compiledPattern
	Head  compiledPattern
	Width int
}

// varNamer assigns stable local slots to a rule instance's variable names.
type varNamer struct {
	index map[string]int
	names []string
}

func newVarNamer() *varNamer { return &varNamer{index: map[string]int{}} }

func (vn *varNamer) slot(name string) int {
	if s, ok := vn.index[name]; ok {
		return s
	}
	s := len(vn.names)
	vn.index[name] = s
	vn.names = append(vn.names, name)
	return s
}

// Compile resolves the catalog against schema into a concrete, bounded set
// of CompiledRule instances for profile. dict is used
// only to resolve ontology-constant IRIs (pre-validated against
// rdf.OntologyWhitelist) to TermIds; an unseen constant resolves to the
// sentinel TermId 0, which matches no stored triple, so its rule stays in
// the set but can never fire.
func Compile(profile Profile, schema *SchemaInfo, dict *dictionary.Dictionary, maxSpecializations int) ([]CompiledRule, error) {
	if maxSpecializations <= 0 {
		maxSpecializations = DefaultMaxSpecializations
	}
	var out []CompiledRule
	for _, tmpl := range catalog {
		if tmpl.profile == ProfileOWL2RL && profile == ProfileRDFS {
			continue
		}
		if !triggerSatisfied(tmpl.trigger, schema) {
			continue
		}
		specialized, err := specialize(tmpl, schema, dict, maxSpecializations)
		if err != nil {
			return nil, err
		}
		out = append(out, specialized...)
	}
	return out, nil
}

func triggerSatisfied(t trigger, schema *SchemaInfo) bool {
	switch t {
	case triggerNone:
		return true
	case triggerSubClass:
		return schema.HasSubClass
	case triggerSubProperty:
		return schema.HasSubProperty
	case triggerDomain:
		return schema.HasDomain
	case triggerRange:
		return schema.HasRange
	case triggerSameAs:
		return schema.HasSameAs
	case triggerRestriction:
		return schema.HasRestriction
	case triggerTransitive:
		return len(schema.Transitive) > 0
	case triggerSymmetric:
		return len(schema.Symmetric) > 0
	case triggerFunctional:
		return len(schema.Functional) > 0
	case triggerInverseFunctional:
		return len(schema.InverseFunctional) > 0
	case triggerInverseOf:
		return len(schema.Inverse) > 0
	default:
		return false
	}
}

// specialize expands tmpl into one or more CompiledRule instances: a
// non-per-property trigger produces exactly one; the per-property
// triggers produce one instance per matching property (capped).
func specialize(tmpl ruleTemplate, schema *SchemaInfo, dict *dictionary.Dictionary, cap int) ([]CompiledRule, error) {
	switch tmpl.trigger {
	case triggerTransitive:
		return specializeOneProperty(tmpl, schema.Transitive, dict, cap)
	case triggerSymmetric:
		return specializeOneProperty(tmpl, schema.Symmetric, dict, cap)
	case triggerFunctional:
		return specializeOneProperty(tmpl, schema.Functional, dict, cap)
	case triggerInverseFunctional:
		return specializeOneProperty(tmpl, schema.InverseFunctional, dict, cap)
	case triggerInverseOf:
		var out []CompiledRule
		n := 0
		for _, pair := range schema.Inverse {
			if n >= cap {
				break
			}
			r, err := compileOne(tmpl, func(tr termRef) (dictionary.TermId, bool) {
				switch tr.iri {
				case "":
					return pair.P, true
				case "$2":
					return pair.Q, true
				default:
					return 0, false
				}
			}, dict)
			if err != nil {
				return nil, err
			}
			out = append(out, r)
			n++
		}
		return out, nil
	default:
		r, err := compileOne(tmpl, func(tr termRef) (dictionary.TermId, bool) { return 0, false }, dict)
		if err != nil {
			return nil, err
		}
		return []CompiledRule{r}, nil
	}
}

func specializeOneProperty(tmpl ruleTemplate, props map[dictionary.TermId]bool, dict *dictionary.Dictionary, cap int) ([]CompiledRule, error) {
	var out []CompiledRule
	n := 0
	for p := range props {
		if n >= cap {
			break
		}
		r, err := compileOne(tmpl, func(tr termRef) (dictionary.TermId, bool) {
			if tr.iri == "" {
				return p, true
			}
			return 0, false
		}, dict)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
		n++
	}
	return out, nil
}

// compileOne resolves a single ruleTemplate into a CompiledRule, given a
// specialize function for any specializedPredicate()/specializedPredicate2()
// slots in the template. Ontology constants are validated against the
// whitelist before dictionary resolution.
func compileOne(tmpl ruleTemplate, special func(termRef) (dictionary.TermId, bool), dict *dictionary.Dictionary) (CompiledRule, error) {
	vn := newVarNamer()
	resolve := func(tr termRef) (compiledTerm, error) {
		if tr.isVar {
			return compiledTerm{isVar: true, slot: vn.slot(tr.name)}, nil
		}
		if id, ok := special(tr); ok {
			return compiledTerm{id: id}, nil
		}
		if !rdf.IsOntologyConstant(tr.iri) {
			return compiledTerm{}, errs.New(errs.KindInvalidArgument, "reasoner rule references non-whitelisted constant "+tr.iri)
		}
		id, ok, err := dict.Lookup(rdf.NewNamedNode(tr.iri))
		if err != nil {
			return compiledTerm{}, err
		}
		if !ok {
			// Constant never encoded: rule can never fire. Use a sentinel
			// TermId 0, which index.Pattern treats as "matches nothing"
			// the same way algebra.Compile's noSuchTerm does.
			return compiledTerm{id: 0}, nil
		}
		return compiledTerm{id: id}, nil
	}

	resolvePattern := func(p pattern) (compiledPattern, error) {
		s, err := resolve(p.S)
		if err != nil {
			return compiledPattern{}, err
		}
		pr, err := resolve(p.P)
		if err != nil {
			return compiledPattern{}, err
		}
		o, err := resolve(p.O)
		if err != nil {
			return compiledPattern{}, err
		}
		return compiledPattern{S: s, P: pr, O: o}, nil
	}

	body := make([]compiledPattern, len(tmpl.body))
	for i, p := range tmpl.body {
		cp, err := resolvePattern(p)
		if err != nil {
			return CompiledRule{}, err
		}
		body[i] = cp
	}
	bodyVarCount := len(vn.names) // capture before the head can introduce new vars
	head, err := resolvePattern(tmpl.head)
	if err != nil {
		return CompiledRule{}, err
	}

	if err := validateHeadVars(head, bodyVarCount); err != nil {
		return CompiledRule{}, errs.Wrap(errs.KindInvalidArgument, "rule "+tmpl.name+" malformed", err)
	}

	return CompiledRule{Name: tmpl.name, Body: body, Head: head, Width: len(vn.names)}, nil
}

// validateHeadVars checks that every variable slot the head references was
// already assigned while resolving the body: head variables must be a
// subset of body variables.
func validateHeadVars(head compiledPattern, bodyVarCount int) error {
	check := func(t compiledTerm) error {
		if t.isVar && t.slot >= bodyVarCount {
			return errs.New(errs.KindInvalidArgument, "head variable not bound by body")
		}
		return nil
	}
	if err := check(head.S); err != nil {
		return err
	}
	if err := check(head.P); err != nil {
		return err
	}
	return check(head.O)
}
