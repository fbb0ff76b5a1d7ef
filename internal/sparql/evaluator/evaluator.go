// Package evaluator implements the SPARQL expression IR with
// three-valued logic. Every call returns one of three outcomes — a bound
// rdf.Term, an unbound result (nil term, nil error), or an error — the
// bound-value | unbound | error lattice; FILTER and BIND each
// interpret that lattice differently (Filter keeps only "true"; Extend
// leaves its variable unbound on error rather than failing the query).
package evaluator

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ontospan/triplestore/internal/algebra"
	"github.com/ontospan/triplestore/internal/dictionary"
	"github.com/ontospan/triplestore/internal/errs"
	"github.com/ontospan/triplestore/internal/sparql/binding"
	"github.com/ontospan/triplestore/pkg/rdf"
	"github.com/ontospan/triplestore/pkg/sparql/ast"
)

// maxRegexPattern / regexTimeout guard REGEX/REPLACE against
// pathological patterns and inputs.
const (
	maxRegexPattern = 1000
	regexTimeout    = time.Second
)

// Exister runs an ASK-shaped subquery for EXISTS/NOT EXISTS:
// the executor supplies this, since only it has a live snapshot and plan
// runner; the evaluator itself never touches storage directly.
type Exister func(pattern algebra.Node, b binding.Binding) (bool, error)

// Context threads the per-query resources an expression may need: the
// dictionary for encode/decode, the EXISTS runner, and a query-start
// timestamp so repeated NOW() calls within one query agree (SPARQL 1.1
// §10.2.2).
type Context struct {
	Dict   *dictionary.Dictionary
	Exists Exister
	Now    time.Time
}

// Eval computes e against b. A nil returned Term with a nil error means
// "unbound" (e.g. an unbound variable reference); callers must not treat
// that as zero-value rdf.Term.
func Eval(ctx *Context, e algebra.Expr, b binding.Binding) (rdf.Term, error) {
	switch t := e.(type) {
	case *algebra.ConstExpr:
		term, _ := t.Value.(rdf.Term)
		return term, nil
	case *algebra.VarExpr:
		return evalVar(ctx, b, int(t.Slot))
	case *algebra.AggregateRefExpr:
		return evalVar(ctx, b, int(t.Slot))
	case *algebra.UnaryExpr:
		return evalUnary(ctx, t, b)
	case *algebra.BinaryExpr:
		return evalBinary(ctx, t, b)
	case *algebra.CallExpr:
		return evalCall(ctx, t, b)
	case *algebra.ExistsExpr:
		return evalExists(ctx, t, b)
	default:
		return nil, errs.New(errs.KindExpressionError, "unrecognized expression node")
	}
}

func evalVar(ctx *Context, b binding.Binding, slot int) (rdf.Term, error) {
	id, ok := b.Get(slot)
	if !ok {
		return nil, nil
	}
	return ctx.Dict.Decode(id)
}

func evalExists(ctx *Context, t *algebra.ExistsExpr, b binding.Binding) (rdf.Term, error) {
	if ctx.Exists == nil {
		return nil, errs.New(errs.KindExpressionError, "EXISTS not supported in this context")
	}
	found, err := ctx.Exists(t.Pattern, b)
	if err != nil {
		return nil, err
	}
	if t.Negated {
		found = !found
	}
	return rdf.NewBooleanLiteral(found), nil
}

// EBV computes the SPARQL Effective Boolean Value of term:
// boolean literals use their value, strings are non-empty,
// numerics are non-zero and non-NaN; anything else is a type error.
func EBV(term rdf.Term) (bool, error) {
	if term == nil {
		return false, errs.New(errs.KindExpressionError, "EBV of unbound value")
	}
	lit, ok := term.(*rdf.Literal)
	if !ok {
		return false, errs.New(errs.KindExpressionError, "EBV undefined for non-literal term")
	}
	dt := lit.EffectiveDatatype().IRI
	switch dt {
	case rdf.XSDBoolean.IRI:
		return lit.Value == "true" || lit.Value == "1", nil
	case rdf.XSDString.IRI, rdf.RDFLangString.IRI:
		return lit.Value != "", nil
	case rdf.XSDInteger.IRI, rdf.XSDDecimal.IRI, rdf.XSDFloat.IRI, rdf.XSDDouble.IRI:
		n, err := parseNumeric(lit)
		if err != nil {
			return false, err
		}
		return n.f != 0 && !math.IsNaN(n.f), nil
	default:
		return false, errs.New(errs.KindExpressionError, "EBV undefined for datatype "+dt)
	}
}

func evalUnary(ctx *Context, t *algebra.UnaryExpr, b binding.Binding) (rdf.Term, error) {
	v, err := Eval(ctx, t.Operand, b)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	switch t.Op {
	case ast.OpNot:
		bv, err := EBV(v)
		if err != nil {
			return nil, err
		}
		return rdf.NewBooleanLiteral(!bv), nil
	case ast.OpUnaryMinus:
		n, err := termToNumeric(v)
		if err != nil {
			return nil, err
		}
		return n.negate().toTerm(), nil
	case ast.OpUnaryPlus:
		if _, err := termToNumeric(v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, errs.New(errs.KindExpressionError, "unsupported unary operator")
	}
}

func evalBinary(ctx *Context, t *algebra.BinaryExpr, b binding.Binding) (rdf.Term, error) {
	switch t.Op {
	case ast.OpAnd:
		return evalLogical(ctx, t, b, true)
	case ast.OpOr:
		return evalLogical(ctx, t, b, false)
	}

	l, err := Eval(ctx, t.Left, b)
	if err != nil {
		return nil, err
	}
	r, err := Eval(ctx, t.Right, b)
	if err != nil {
		return nil, err
	}
	if l == nil || r == nil {
		return nil, nil
	}

	switch t.Op {
	case ast.OpEqual, ast.OpNotEqual:
		eq, err := termsEqual(l, r)
		if err != nil {
			return nil, err
		}
		if t.Op == ast.OpNotEqual {
			eq = !eq
		}
		return rdf.NewBooleanLiteral(eq), nil
	case ast.OpLessThan, ast.OpLessThanOrEqual, ast.OpGreaterThan, ast.OpGreaterThanOrEqual:
		cmp, err := compareTerms(l, r)
		if err != nil {
			return nil, err
		}
		var ok bool
		switch t.Op {
		case ast.OpLessThan:
			ok = cmp < 0
		case ast.OpLessThanOrEqual:
			ok = cmp <= 0
		case ast.OpGreaterThan:
			ok = cmp > 0
		case ast.OpGreaterThanOrEqual:
			ok = cmp >= 0
		}
		return rdf.NewBooleanLiteral(ok), nil
	case ast.OpAdd, ast.OpSubtract, ast.OpMultiply, ast.OpDivide:
		ln, err := termToNumeric(l)
		if err != nil {
			return nil, err
		}
		rn, err := termToNumeric(r)
		if err != nil {
			return nil, err
		}
		result, err := arith(t.Op, ln, rn)
		if err != nil {
			return nil, err
		}
		return result.toTerm(), nil
	default:
		return nil, errs.New(errs.KindExpressionError, "unsupported binary operator")
	}
}

// evalLogical implements SPARQL's short-circuiting, three-valued &&/||:
// an error on one side is masked if the other side alone
// already determines the result (false&&err -> false, true||err -> true).
func evalLogical(ctx *Context, t *algebra.BinaryExpr, b binding.Binding, isAnd bool) (rdf.Term, error) {
	lv, lerr := Eval(ctx, t.Left, b)
	var lb, lok bool
	if lerr == nil && lv != nil {
		if ebv, err := EBV(lv); err == nil {
			lb, lok = ebv, true
		}
	}
	if lok && lb == !isAnd {
		return rdf.NewBooleanLiteral(!isAnd), nil // false&&_ => false; true||_ => true
	}

	rv, rerr := Eval(ctx, t.Right, b)
	var rb, rok bool
	if rerr == nil && rv != nil {
		if ebv, err := EBV(rv); err == nil {
			rb, rok = ebv, true
		}
	}
	if rok && rb == !isAnd {
		return rdf.NewBooleanLiteral(!isAnd), nil
	}

	if lok && rok {
		if isAnd {
			return rdf.NewBooleanLiteral(lb && rb), nil
		}
		return rdf.NewBooleanLiteral(lb || rb), nil
	}
	if lerr != nil {
		return nil, lerr
	}
	if rerr != nil {
		return nil, rerr
	}
	return nil, errs.New(errs.KindExpressionError, "logical operand is unbound or non-boolean")
}

// termsEqual implements SPARQL term equality with numeric/value-based
// coercion for the XSD numeric tower and plain/xsd:string equivalence.
func termsEqual(a, b rdf.Term) (bool, error) {
	if an, aok := tryNumeric(a); aok {
		if bn, bok := tryNumeric(b); bok {
			return an.f == bn.f, nil
		}
	}
	la, aIsLit := a.(*rdf.Literal)
	lb, bIsLit := b.(*rdf.Literal)
	if aIsLit && bIsLit {
		if la.EffectiveDatatype().IRI != lb.EffectiveDatatype().IRI {
			return false, errs.New(errs.KindExpressionError, "incomparable literal datatypes")
		}
		return la.Value == lb.Value && la.Language == lb.Language, nil
	}
	return a.Equals(b), nil
}

// Compare orders two terms per SPARQL ORDER BY's comparison rules (numeric
// promotion, then same-datatype literal comparison, dateTime-aware). Used
// directly by the executor's ORDER BY sort, not just FILTER's relational
// operators.
func Compare(a, b rdf.Term) (int, error) { return compareTerms(a, b) }

func compareTerms(a, b rdf.Term) (int, error) {
	if an, aok := tryNumeric(a); aok {
		if bn, bok := tryNumeric(b); bok {
			switch {
			case an.f < bn.f:
				return -1, nil
			case an.f > bn.f:
				return 1, nil
			default:
				return 0, nil
			}
		}
	}
	la, aIsLit := a.(*rdf.Literal)
	lb, bIsLit := b.(*rdf.Literal)
	if aIsLit && bIsLit {
		dt := la.EffectiveDatatype().IRI
		if dt != lb.EffectiveDatatype().IRI {
			return 0, errs.New(errs.KindExpressionError, "incomparable literal datatypes")
		}
		if dt == rdf.XSDDateTime.IRI {
			ta, erra := parseDateTime(la.Value)
			tb, errb := parseDateTime(lb.Value)
			if erra != nil || errb != nil {
				return 0, errs.New(errs.KindExpressionError, "invalid dateTime literal")
			}
			switch {
			case ta.Before(tb):
				return -1, nil
			case ta.After(tb):
				return 1, nil
			default:
				return 0, nil
			}
		}
		return strings.Compare(la.Value, lb.Value), nil
	}
	return 0, errs.New(errs.KindExpressionError, "incomparable term kinds")
}

func parseDateTime(lexical string) (time.Time, error) {
	s := strings.TrimSpace(lexical)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid xsd:dateTime lexical %q", lexical)
}

// --- numeric tower: integer ⊂ decimal ⊂ float ⊂ double ---

type numKind int

const (
	numInteger numKind = iota
	numDecimal
	numFloat
	numDouble
)

type numeric struct {
	kind numKind
	i    int64 // valid when kind == numInteger
	f    float64
}

func (n numeric) negate() numeric {
	if n.kind == numInteger {
		return numeric{kind: numInteger, i: -n.i, f: -n.f}
	}
	return numeric{kind: n.kind, f: -n.f}
}

func (n numeric) toTerm() rdf.Term {
	switch n.kind {
	case numInteger:
		return rdf.NewIntegerLiteral(n.i)
	case numDecimal:
		return rdf.NewLiteralWithDatatype(formatFloat(n.f), rdf.XSDDecimal)
	case numFloat:
		return rdf.NewLiteralWithDatatype(formatFloat(n.f), rdf.XSDFloat)
	default:
		return rdf.NewLiteralWithDatatype(formatFloat(n.f), rdf.XSDDouble)
	}
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && !math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'f', 1, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func promote(a, b numKind) numKind {
	if a > b {
		return a
	}
	return b
}

func arith(op ast.Operator, a, b numeric) (numeric, error) {
	kind := promote(a.kind, b.kind)
	if kind == numInteger {
		switch op {
		case ast.OpAdd:
			return numeric{kind: numInteger, i: a.i + b.i, f: float64(a.i + b.i)}, nil
		case ast.OpSubtract:
			return numeric{kind: numInteger, i: a.i - b.i, f: float64(a.i - b.i)}, nil
		case ast.OpMultiply:
			return numeric{kind: numInteger, i: a.i * b.i, f: float64(a.i * b.i)}, nil
		case ast.OpDivide:
			if b.i == 0 {
				return numeric{}, errs.New(errs.KindExpressionError, "division by zero")
			}
			// SPARQL division always yields xsd:decimal, even for two integers.
			return numeric{kind: numDecimal, f: float64(a.i) / float64(b.i)}, nil
		}
	}
	switch op {
	case ast.OpAdd:
		return numeric{kind: kind, f: a.f + b.f}, nil
	case ast.OpSubtract:
		return numeric{kind: kind, f: a.f - b.f}, nil
	case ast.OpMultiply:
		return numeric{kind: kind, f: a.f * b.f}, nil
	case ast.OpDivide:
		if b.f == 0 {
			return numeric{}, errs.New(errs.KindExpressionError, "division by zero")
		}
		return numeric{kind: kind, f: a.f / b.f}, nil
	default:
		return numeric{}, errs.New(errs.KindExpressionError, "unsupported arithmetic operator")
	}
}

func tryNumeric(t rdf.Term) (numeric, bool) {
	lit, ok := t.(*rdf.Literal)
	if !ok {
		return numeric{}, false
	}
	n, err := parseNumeric(lit)
	if err != nil {
		return numeric{}, false
	}
	return n, true
}

func termToNumeric(t rdf.Term) (numeric, error) {
	n, ok := tryNumeric(t)
	if !ok {
		return numeric{}, errs.New(errs.KindExpressionError, "operand is not numeric")
	}
	return n, nil
}

func parseNumeric(lit *rdf.Literal) (numeric, error) {
	dt := lit.EffectiveDatatype().IRI
	switch dt {
	case rdf.XSDInteger.IRI:
		v, err := strconv.ParseInt(strings.TrimSpace(lit.Value), 10, 64)
		if err != nil {
			return numeric{}, fmt.Errorf("invalid xsd:integer lexical %q", lit.Value)
		}
		return numeric{kind: numInteger, i: v, f: float64(v)}, nil
	case rdf.XSDDecimal.IRI:
		v, err := strconv.ParseFloat(strings.TrimSpace(lit.Value), 64)
		if err != nil {
			return numeric{}, fmt.Errorf("invalid xsd:decimal lexical %q", lit.Value)
		}
		return numeric{kind: numDecimal, f: v}, nil
	case rdf.XSDFloat.IRI:
		v, err := strconv.ParseFloat(strings.TrimSpace(lit.Value), 64)
		if err != nil {
			return numeric{}, fmt.Errorf("invalid xsd:float lexical %q", lit.Value)
		}
		return numeric{kind: numFloat, f: v}, nil
	case rdf.XSDDouble.IRI:
		v, err := strconv.ParseFloat(strings.TrimSpace(lit.Value), 64)
		if err != nil {
			return numeric{}, fmt.Errorf("invalid xsd:double lexical %q", lit.Value)
		}
		return numeric{kind: numDouble, f: v}, nil
	default:
		return numeric{}, fmt.Errorf("not a numeric datatype: %s", dt)
	}
}

// ConstantFold evaluates e with no binding/dictionary context, for the
// optimizer's constant-folding pass: it succeeds only
// when e contains no VarExpr/AggregateRefExpr/ExistsExpr anywhere in its
// subtree, in which case the result never depends on an execution context.
func ConstantFold(e algebra.Expr) (rdf.Term, bool) {
	if !isPureConstant(e) {
		return nil, false
	}
	v, err := Eval(&Context{}, e, binding.New(0))
	if err != nil || v == nil {
		return nil, false
	}
	return v, true
}

func isPureConstant(e algebra.Expr) bool {
	switch t := e.(type) {
	case *algebra.ConstExpr:
		return true
	case *algebra.UnaryExpr:
		return isPureConstant(t.Operand)
	case *algebra.BinaryExpr:
		return isPureConstant(t.Left) && isPureConstant(t.Right)
	case *algebra.CallExpr:
		for _, a := range t.Args {
			if !isPureConstant(a) {
				return false
			}
		}
		// NOW()/RAND()/UUID()-family calls are intentionally excluded even
		// with zero args: they are non-deterministic or query-time-bound,
		// so folding them at plan-compile time would be observably wrong.
		return !isNondeterministicCall(t.Function)
	default:
		return false
	}
}

func isNondeterministicCall(fn string) bool {
	switch strings.ToUpper(fn) {
	case "NOW", "RAND", "UUID", "STRUUID":
		return true
	default:
		return false
	}
}

// --- built-in function call dispatch ---

func evalCall(ctx *Context, t *algebra.CallExpr, b binding.Binding) (rdf.Term, error) {
	switch strings.ToUpper(t.Function) {
	case "BOUND":
		v, err := Eval(ctx, t.Args[0], b)
		if err != nil {
			// BOUND never propagates an inner error: the argument's
			// boundness is well-defined even if evaluating it otherwise errors.
			return rdf.NewBooleanLiteral(false), nil
		}
		return rdf.NewBooleanLiteral(v != nil), nil
	case "IF":
		cond, err := Eval(ctx, t.Args[0], b)
		if err == nil && cond != nil {
			if ok, everr := EBV(cond); everr == nil && ok {
				return Eval(ctx, t.Args[1], b)
			} else if everr == nil {
				return Eval(ctx, t.Args[2], b)
			}
		}
		return nil, errs.New(errs.KindExpressionError, "IF condition errored")
	case "COALESCE":
		for _, a := range t.Args {
			v, err := Eval(ctx, a, b)
			if err == nil && v != nil {
				return v, nil
			}
		}
		return nil, nil
	case "NOT":
		v, err := Eval(ctx, t.Args[0], b)
		if err != nil || v == nil {
			return nil, err
		}
		ok, err := EBV(v)
		if err != nil {
			return nil, err
		}
		return rdf.NewBooleanLiteral(!ok), nil
	case "STR":
		return evalStr(ctx, t, b)
	case "LANG":
		return evalLang(ctx, t, b)
	case "DATATYPE":
		return evalDatatype(ctx, t, b)
	case "ISIRI", "ISURI":
		return evalTypeCheck(ctx, t, b, func(term rdf.Term) bool { return term.Type() == rdf.TermTypeNamedNode })
	case "ISBLANK":
		return evalTypeCheck(ctx, t, b, func(term rdf.Term) bool { return term.Type() == rdf.TermTypeBlankNode })
	case "ISLITERAL":
		return evalTypeCheck(ctx, t, b, func(term rdf.Term) bool { return term.Type() == rdf.TermTypeLiteral })
	case "ISNUMERIC":
		return evalTypeCheck(ctx, t, b, func(term rdf.Term) bool { _, ok := tryNumeric(term); return ok })
	case "STRLEN":
		return evalStringArg(ctx, t, b, func(s string) (rdf.Term, error) {
			return rdf.NewIntegerLiteral(int64(len([]rune(s)))), nil
		})
	case "UCASE":
		return evalStringArg(ctx, t, b, func(s string) (rdf.Term, error) { return rdf.NewLiteral(strings.ToUpper(s)), nil })
	case "LCASE":
		return evalStringArg(ctx, t, b, func(s string) (rdf.Term, error) { return rdf.NewLiteral(strings.ToLower(s)), nil })
	case "CONTAINS":
		return evalStringBinary(ctx, t, b, strings.Contains)
	case "STRSTARTS":
		return evalStringBinary(ctx, t, b, strings.HasPrefix)
	case "STRENDS":
		return evalStringBinary(ctx, t, b, strings.HasSuffix)
	case "SUBSTR":
		return evalSubstr(ctx, t, b)
	case "CONCAT":
		return evalConcat(ctx, t, b)
	case "REPLACE":
		return evalReplace(ctx, t, b)
	case "REGEX":
		return evalRegex(ctx, t, b)
	case "ABS":
		return evalNumericUnary(ctx, t, b, func(n numeric) numeric { return numeric{kind: n.kind, i: abs64(n.i), f: math.Abs(n.f)} })
	case "ROUND":
		return evalNumericUnary(ctx, t, b, func(n numeric) numeric { return numeric{kind: n.kind, f: math.Round(n.f)} })
	case "CEIL":
		return evalNumericUnary(ctx, t, b, func(n numeric) numeric { return numeric{kind: n.kind, f: math.Ceil(n.f)} })
	case "FLOOR":
		return evalNumericUnary(ctx, t, b, func(n numeric) numeric { return numeric{kind: n.kind, f: math.Floor(n.f)} })
	case "YEAR", "MONTH", "DAY", "HOURS", "MINUTES", "SECONDS", "TIMEZONE", "TZ":
		return evalDateTimePart(ctx, t, b, strings.ToUpper(t.Function))
	case "NOW":
		return rdf.NewDateTimeLiteral(ctx.Now), nil
	case "UUID":
		return rdf.NewNamedNode("urn:uuid:" + uuid.NewString()), nil
	case "STRUUID":
		return rdf.NewLiteral(uuid.NewString()), nil
	case "MD5":
		return evalHash(ctx, t, b, md5.New())
	case "SHA1":
		return evalHash(ctx, t, b, sha1.New())
	case "SHA256":
		return evalHash(ctx, t, b, sha256.New())
	case "SHA512":
		return evalHash(ctx, t, b, sha512.New())
	case "ENCODE_FOR_URI":
		return evalStringArg(ctx, t, b, func(s string) (rdf.Term, error) { return rdf.NewLiteral(url.QueryEscape(s)), nil })
	case "LANGMATCHES":
		return evalLangMatches(ctx, t, b)
	case "SAMETERM":
		l, err := Eval(ctx, t.Args[0], b)
		if err != nil {
			return nil, err
		}
		r, err := Eval(ctx, t.Args[1], b)
		if err != nil {
			return nil, err
		}
		if l == nil || r == nil {
			return nil, nil
		}
		return rdf.NewBooleanLiteral(l.Equals(r)), nil
	default:
		return evalCast(ctx, t, b)
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func evalStr(ctx *Context, t *algebra.CallExpr, b binding.Binding) (rdf.Term, error) {
	v, err := Eval(ctx, t.Args[0], b)
	if err != nil || v == nil {
		return nil, err
	}
	switch x := v.(type) {
	case *rdf.NamedNode:
		return rdf.NewLiteral(x.IRI), nil
	case *rdf.Literal:
		return rdf.NewLiteral(x.Value), nil
	case *rdf.BlankNode:
		return rdf.NewLiteral(x.String()), nil
	default:
		return nil, errs.New(errs.KindExpressionError, "STR() on unrecognized term kind")
	}
}

func evalLang(ctx *Context, t *algebra.CallExpr, b binding.Binding) (rdf.Term, error) {
	v, err := Eval(ctx, t.Args[0], b)
	if err != nil || v == nil {
		return nil, err
	}
	lit, ok := v.(*rdf.Literal)
	if !ok {
		return nil, errs.New(errs.KindExpressionError, "LANG() requires a literal")
	}
	return rdf.NewLiteral(lit.Language), nil
}

func evalDatatype(ctx *Context, t *algebra.CallExpr, b binding.Binding) (rdf.Term, error) {
	v, err := Eval(ctx, t.Args[0], b)
	if err != nil || v == nil {
		return nil, err
	}
	lit, ok := v.(*rdf.Literal)
	if !ok {
		return nil, errs.New(errs.KindExpressionError, "DATATYPE() requires a literal")
	}
	return lit.EffectiveDatatype(), nil
}

func evalTypeCheck(ctx *Context, t *algebra.CallExpr, b binding.Binding, pred func(rdf.Term) bool) (rdf.Term, error) {
	v, err := Eval(ctx, t.Args[0], b)
	if err != nil {
		return rdf.NewBooleanLiteral(false), nil
	}
	if v == nil {
		return nil, nil
	}
	return rdf.NewBooleanLiteral(pred(v)), nil
}

func literalString(v rdf.Term) (string, bool) {
	lit, ok := v.(*rdf.Literal)
	if !ok {
		return "", false
	}
	return lit.Value, true
}

func evalStringArg(ctx *Context, t *algebra.CallExpr, b binding.Binding, fn func(string) (rdf.Term, error)) (rdf.Term, error) {
	v, err := Eval(ctx, t.Args[0], b)
	if err != nil || v == nil {
		return nil, err
	}
	s, ok := literalString(v)
	if !ok {
		return nil, errs.New(errs.KindExpressionError, "expected a string literal argument")
	}
	return fn(s)
}

func evalStringBinary(ctx *Context, t *algebra.CallExpr, b binding.Binding, fn func(s, sub string) bool) (rdf.Term, error) {
	l, err := Eval(ctx, t.Args[0], b)
	if err != nil || l == nil {
		return nil, err
	}
	r, err := Eval(ctx, t.Args[1], b)
	if err != nil || r == nil {
		return nil, err
	}
	ls, lok := literalString(l)
	rs, rok := literalString(r)
	if !lok || !rok {
		return nil, errs.New(errs.KindExpressionError, "expected string literal arguments")
	}
	return rdf.NewBooleanLiteral(fn(ls, rs)), nil
}

func evalSubstr(ctx *Context, t *algebra.CallExpr, b binding.Binding) (rdf.Term, error) {
	v, err := Eval(ctx, t.Args[0], b)
	if err != nil || v == nil {
		return nil, err
	}
	s, ok := literalString(v)
	if !ok {
		return nil, errs.New(errs.KindExpressionError, "SUBSTR requires a string literal")
	}
	runes := []rune(s)
	start, err := evalIntArg(ctx, t.Args[1], b)
	if err != nil {
		return nil, err
	}
	startIdx := int(start) - 1 // SPARQL positions are 1-based
	if startIdx < 0 {
		startIdx = 0
	}
	end := len(runes)
	if len(t.Args) > 2 {
		length, err := evalIntArg(ctx, t.Args[2], b)
		if err != nil {
			return nil, err
		}
		end = int(start) - 1 + int(length)
	}
	if startIdx > len(runes) {
		startIdx = len(runes)
	}
	if end > len(runes) {
		end = len(runes)
	}
	if end < startIdx {
		end = startIdx
	}
	return rdf.NewLiteral(string(runes[startIdx:end])), nil
}

func evalIntArg(ctx *Context, e algebra.Expr, b binding.Binding) (int64, error) {
	v, err := Eval(ctx, e, b)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, errs.New(errs.KindExpressionError, "expected a bound numeric argument")
	}
	n, err := termToNumeric(v)
	if err != nil {
		return 0, err
	}
	return int64(n.f), nil
}

func evalConcat(ctx *Context, t *algebra.CallExpr, b binding.Binding) (rdf.Term, error) {
	var sb strings.Builder
	for _, a := range t.Args {
		v, err := Eval(ctx, a, b)
		if err != nil || v == nil {
			return nil, err
		}
		s, ok := literalString(v)
		if !ok {
			return nil, errs.New(errs.KindExpressionError, "CONCAT requires string literal arguments")
		}
		sb.WriteString(s)
	}
	return rdf.NewLiteral(sb.String()), nil
}

func evalReplace(ctx *Context, t *algebra.CallExpr, b binding.Binding) (rdf.Term, error) {
	v, err := Eval(ctx, t.Args[0], b)
	if err != nil || v == nil {
		return nil, err
	}
	s, ok := literalString(v)
	if !ok {
		return nil, errs.New(errs.KindExpressionError, "REPLACE requires a string literal")
	}
	patTerm, err := Eval(ctx, t.Args[1], b)
	if err != nil || patTerm == nil {
		return nil, err
	}
	pat, _ := literalString(patTerm)
	replTerm, err := Eval(ctx, t.Args[2], b)
	if err != nil || replTerm == nil {
		return nil, err
	}
	repl, _ := literalString(replTerm)
	re, err := compileGuardedRegex(pat)
	if err != nil {
		return nil, err
	}
	return rdf.NewLiteral(re.ReplaceAllString(s, convertReplacement(repl))), nil
}

// convertReplacement rewrites SPARQL's $N backreference syntax to Go's
// regexp ${N} syntax.
func convertReplacement(repl string) string {
	var sb strings.Builder
	for i := 0; i < len(repl); i++ {
		if repl[i] == '$' && i+1 < len(repl) && repl[i+1] >= '0' && repl[i+1] <= '9' {
			sb.WriteString("${")
			j := i + 1
			for j < len(repl) && repl[j] >= '0' && repl[j] <= '9' {
				sb.WriteByte(repl[j])
				j++
			}
			sb.WriteByte('}')
			i = j - 1
			continue
		}
		sb.WriteByte(repl[i])
	}
	return sb.String()
}

func evalRegex(ctx *Context, t *algebra.CallExpr, b binding.Binding) (rdf.Term, error) {
	v, err := Eval(ctx, t.Args[0], b)
	if err != nil || v == nil {
		return nil, err
	}
	s, ok := literalString(v)
	if !ok {
		return nil, errs.New(errs.KindExpressionError, "REGEX requires a string literal")
	}
	patTerm, err := Eval(ctx, t.Args[1], b)
	if err != nil || patTerm == nil {
		return nil, err
	}
	pat, _ := literalString(patTerm)
	if len(t.Args) > 2 {
		if flagsTerm, err := Eval(ctx, t.Args[2], b); err == nil && flagsTerm != nil {
			if flags, ok := literalString(flagsTerm); ok && strings.Contains(flags, "i") {
				pat = "(?i)" + pat
			}
		}
	}
	re, err := compileGuardedRegex(pat)
	if err != nil {
		return nil, err
	}
	matched := runWithTimeout(regexTimeout, func() bool { return re.MatchString(s) })
	return rdf.NewBooleanLiteral(matched), nil
}

// compileGuardedRegex rejects patterns over maxRegexPattern bytes.
// Go's RE2 engine is linear-time by construction so
// it cannot catastrophically backtrack the way a backtracking engine can;
// the length cap and per-match timeout in runWithTimeout are kept anyway
// so pathological patterns still fail predictably rather than silently
// building an oversized automaton.
func compileGuardedRegex(pattern string) (*regexp.Regexp, error) {
	if len(pattern) > maxRegexPattern {
		return nil, errs.New(errs.KindResourceExceeded, "REGEX pattern exceeds maximum length")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errs.New(errs.KindExpressionError, "invalid regular expression: "+err.Error())
	}
	return re, nil
}

func runWithTimeout(d time.Duration, fn func() bool) bool {
	done := make(chan bool, 1)
	go func() { done <- fn() }()
	select {
	case v := <-done:
		return v
	case <-time.After(d):
		return false
	}
}

func evalNumericUnary(ctx *Context, t *algebra.CallExpr, b binding.Binding, fn func(numeric) numeric) (rdf.Term, error) {
	v, err := Eval(ctx, t.Args[0], b)
	if err != nil || v == nil {
		return nil, err
	}
	n, err := termToNumeric(v)
	if err != nil {
		return nil, err
	}
	return fn(n).toTerm(), nil
}

func evalDateTimePart(ctx *Context, t *algebra.CallExpr, b binding.Binding, part string) (rdf.Term, error) {
	v, err := Eval(ctx, t.Args[0], b)
	if err != nil || v == nil {
		return nil, err
	}
	s, ok := literalString(v)
	if !ok {
		return nil, errs.New(errs.KindExpressionError, part+"() requires an xsd:dateTime literal")
	}
	when, err := parseDateTime(s)
	if err != nil {
		return nil, errs.New(errs.KindExpressionError, err.Error())
	}
	switch part {
	case "YEAR":
		return rdf.NewIntegerLiteral(int64(when.Year())), nil
	case "MONTH":
		return rdf.NewIntegerLiteral(int64(when.Month())), nil
	case "DAY":
		return rdf.NewIntegerLiteral(int64(when.Day())), nil
	case "HOURS":
		return rdf.NewIntegerLiteral(int64(when.Hour())), nil
	case "MINUTES":
		return rdf.NewIntegerLiteral(int64(when.Minute())), nil
	case "SECONDS":
		return rdf.NewIntegerLiteral(int64(when.Second())), nil
	case "TIMEZONE", "TZ":
		return rdf.NewLiteral("Z"), nil // store normalizes every dateTime to UTC
	default:
		return nil, errs.New(errs.KindExpressionError, "unsupported date/time accessor")
	}
}

func evalLangMatches(ctx *Context, t *algebra.CallExpr, b binding.Binding) (rdf.Term, error) {
	langTerm, err := Eval(ctx, t.Args[0], b)
	if err != nil || langTerm == nil {
		return nil, err
	}
	rangeTerm, err := Eval(ctx, t.Args[1], b)
	if err != nil || rangeTerm == nil {
		return nil, err
	}
	lang, _ := literalString(langTerm)
	rng, _ := literalString(rangeTerm)
	lang, rng = strings.ToLower(lang), strings.ToLower(rng)
	if rng == "*" {
		return rdf.NewBooleanLiteral(lang != ""), nil
	}
	return rdf.NewBooleanLiteral(lang == rng || strings.HasPrefix(lang, rng+"-")), nil
}

type hasher interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
}

func evalHash(ctx *Context, t *algebra.CallExpr, b binding.Binding, h hasher) (rdf.Term, error) {
	v, err := Eval(ctx, t.Args[0], b)
	if err != nil || v == nil {
		return nil, err
	}
	s, ok := literalString(v)
	if !ok {
		return nil, errs.New(errs.KindExpressionError, "hash function requires a string literal")
	}
	h.Write([]byte(s))
	return rdf.NewLiteral(hex.EncodeToString(h.Sum(nil))), nil
}

// evalCast handles XSD constructor-style calls, e.g. xsd:integer(?x),
// where Function carries the target datatype IRI (ast.FunctionCallExpression
// doc comment).
func evalCast(ctx *Context, t *algebra.CallExpr, b binding.Binding) (rdf.Term, error) {
	if len(t.Args) != 1 {
		return nil, errs.New(errs.KindExpressionError, "unrecognized function "+t.Function)
	}
	v, err := Eval(ctx, t.Args[0], b)
	if err != nil || v == nil {
		return nil, err
	}
	target := t.Function
	lexical, isLit := literalString(v)
	if !isLit {
		lexical = v.String()
	}
	switch target {
	case rdf.XSDString.IRI:
		return rdf.NewLiteral(lexical), nil
	case rdf.XSDInteger.IRI:
		n, err := termToNumeric(v)
		if err != nil {
			iv, perr := strconv.ParseInt(strings.TrimSpace(lexical), 10, 64)
			if perr != nil {
				return nil, errs.New(errs.KindExpressionError, "cannot cast to xsd:integer: "+err.Error())
			}
			return rdf.NewIntegerLiteral(iv), nil
		}
		return rdf.NewIntegerLiteral(int64(n.f)), nil
	case rdf.XSDDecimal.IRI, rdf.XSDFloat.IRI, rdf.XSDDouble.IRI:
		n, err := termToNumeric(v)
		if err != nil {
			return nil, errs.New(errs.KindExpressionError, "cannot cast to numeric type")
		}
		return rdf.NewLiteralWithDatatype(formatFloat(n.f), rdf.NewNamedNode(target)), nil
	case rdf.XSDBoolean.IRI:
		ok, err := EBV(v)
		if err != nil {
			return nil, err
		}
		return rdf.NewBooleanLiteral(ok), nil
	case rdf.XSDDateTime.IRI:
		if _, err := parseDateTime(lexical); err != nil {
			return nil, errs.New(errs.KindExpressionError, "cannot cast to xsd:dateTime: "+err.Error())
		}
		return rdf.NewLiteralWithDatatype(lexical, rdf.XSDDateTime), nil
	default:
		return nil, errs.New(errs.KindExpressionError, "unrecognized function or cast target "+target)
	}
}
