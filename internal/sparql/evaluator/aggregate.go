package evaluator

import (
	"strings"

	"github.com/ontospan/triplestore/internal/errs"
	"github.com/ontospan/triplestore/pkg/rdf"
	"github.com/ontospan/triplestore/pkg/sparql/ast"
)

func addNumeric(a, b numeric) (numeric, error) {
	return arith(ast.OpAdd, a, b)
}

func divNumeric(a numeric, by int64) (numeric, error) {
	return arith(ast.OpDivide, a, numeric{kind: numInteger, i: by, f: float64(by)})
}

// Accumulator folds one group's values into a single aggregate result.
// Erroring or unbound operand values are skipped rather than failing the
// group (SPARQL 1.1 §18.5.1: aggregates range over defined values only);
// COUNT(*) is fed via AddRow, which counts rows regardless of bindings.
type Accumulator struct {
	fn        string
	distinct  bool
	separator string

	seen  map[string]bool
	count int64
	sum   numeric
	min   rdf.Term
	max   rdf.Term
	parts []string
	sample rdf.Term
	numErr bool
}

// NewAccumulator builds an accumulator for fn ("count", "sum", "avg",
// "min", "max", "group_concat", "sample"), case-insensitive.
func NewAccumulator(fn string, distinct bool, separator string) (*Accumulator, error) {
	fn = strings.ToLower(fn)
	switch fn {
	case "count", "sum", "avg", "min", "max", "group_concat", "sample":
	default:
		return nil, errs.New(errs.KindInvalidSparql, "unrecognized aggregate function "+fn)
	}
	if fn == "group_concat" && separator == "" {
		separator = " "
	}
	a := &Accumulator{fn: fn, distinct: distinct, separator: separator}
	if distinct {
		a.seen = map[string]bool{}
	}
	return a, nil
}

// AddRow counts a row for COUNT(*), which observes rows rather than values.
func (a *Accumulator) AddRow() { a.count++ }

// Add folds v into the running aggregate. A nil v (unbound operand) is
// ignored for every function.
func (a *Accumulator) Add(v rdf.Term) {
	if v == nil {
		return
	}
	if a.distinct {
		key := v.String()
		if a.seen[key] {
			return
		}
		a.seen[key] = true
	}
	switch a.fn {
	case "count":
		a.count++
	case "sum", "avg":
		n, err := termToNumeric(v)
		if err != nil {
			a.numErr = true
			return
		}
		var aerr error
		if a.count == 0 {
			a.sum = n
		} else {
			a.sum, aerr = addNumeric(a.sum, n)
			if aerr != nil {
				a.numErr = true
				return
			}
		}
		a.count++
	case "min":
		if a.min == nil {
			a.min = v
			return
		}
		if c, err := compareTerms(v, a.min); err == nil && c < 0 {
			a.min = v
		}
	case "max":
		if a.max == nil {
			a.max = v
			return
		}
		if c, err := compareTerms(v, a.max); err == nil && c > 0 {
			a.max = v
		}
	case "group_concat":
		if s, ok := literalString(v); ok {
			a.parts = append(a.parts, s)
		}
	case "sample":
		if a.sample == nil {
			a.sample = v
		}
	}
}

// Result returns the aggregate's value for the group; nil means the
// aggregate is unbound for this group (e.g. MIN over no values). An
// aggregate over a group that hit a type error yields nil rather than
// propagating, mirroring expression-level three-valued logic.
func (a *Accumulator) Result() rdf.Term {
	switch a.fn {
	case "count":
		return rdf.NewIntegerLiteral(a.count)
	case "sum":
		if a.numErr {
			return nil
		}
		if a.count == 0 {
			return rdf.NewIntegerLiteral(0)
		}
		return a.sum.toTerm()
	case "avg":
		if a.numErr {
			return nil
		}
		if a.count == 0 {
			return rdf.NewIntegerLiteral(0)
		}
		avg, err := divNumeric(a.sum, a.count)
		if err != nil {
			return nil
		}
		return avg.toTerm()
	case "min":
		return a.min
	case "max":
		return a.max
	case "group_concat":
		return rdf.NewLiteral(strings.Join(a.parts, a.separator))
	case "sample":
		return a.sample
	}
	return nil
}
