package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/woudc/woudc-api/api/apierr"
)

// Expr is a CQL2-JSON boolean expression node.
type Expr struct {
	Op   string
	Args []Operand
}

// Operand is one argument of an Expr: a nested expression, a property
// reference, a literal value or a literal list.
type Operand struct {
	Expr     *Expr
	Property string
	Value    any
	List     []any
}

// Prop returns a property reference operand.
func Prop(name string) Operand { return Operand{Property: name} }

// Lit returns a literal operand.
func Lit(v any) Operand { return Operand{Value: v} }

// Sub returns a nested expression operand.
func Sub(e *Expr) Operand { return Operand{Expr: e} }

// Op builds an expression node.
func Op(op string, args ...Operand) *Expr { return &Expr{Op: op, Args: args} }

// ParseFilter decodes CQL2-JSON text. Malformed input fails with
// apierr.InvalidQuery.
func ParseFilter(text string) (*Expr, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, apierr.Wrap(apierr.InvalidQuery, "parse filter", err)
	}
	return exprFromJSON(raw)
}

// UnmarshalJSON decodes a CQL2-JSON expression.
func (e *Expr) UnmarshalJSON(data []byte) error {
	parsed, err := ParseFilter(string(data))
	if err != nil {
		return err
	}
	*e = *parsed
	return nil
}

func exprFromJSON(raw any) (*Expr, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, apierr.New(apierr.InvalidQuery, "parse filter", "expression must be an object")
	}
	op, ok := m["op"].(string)
	if !ok || op == "" {
		return nil, apierr.New(apierr.InvalidQuery, "parse filter", `expression is missing "op"`)
	}
	rawArgs, ok := m["args"].([]any)
	if !ok {
		return nil, apierr.New(apierr.InvalidQuery, "parse filter", fmt.Sprintf("%q is missing \"args\"", op))
	}
	e := &Expr{Op: op, Args: make([]Operand, 0, len(rawArgs))}
	for _, a := range rawArgs {
		o, err := operandFromJSON(a)
		if err != nil {
			return nil, err
		}
		e.Args = append(e.Args, o)
	}
	return e, nil
}

func operandFromJSON(raw any) (Operand, error) {
	switch v := raw.(type) {
	case map[string]any:
		if _, ok := v["op"]; ok {
			e, err := exprFromJSON(v)
			if err != nil {
				return Operand{}, err
			}
			return Sub(e), nil
		}
		if p, ok := v["property"].(string); ok {
			return Prop(p), nil
		}
		for _, k := range []string{"timestamp", "date"} {
			if s, ok := v[k].(string); ok {
				return Lit(s), nil
			}
		}
		return Operand{}, apierr.New(apierr.InvalidQuery, "parse filter", "unsupported operand object")
	case []any:
		list := make([]any, 0, len(v))
		for _, item := range v {
			lit, err := literal(item)
			if err != nil {
				return Operand{}, err
			}
			list = append(list, lit)
		}
		return Operand{List: list}, nil
	default:
		lit, err := literal(v)
		if err != nil {
			return Operand{}, err
		}
		return Lit(lit), nil
	}
}

func literal(raw any) (any, error) {
	switch v := raw.(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, apierr.Wrap(apierr.InvalidQuery, "parse filter", err)
		}
		return f, nil
	case string, bool, float64:
		return v, nil
	case map[string]any:
		for _, k := range []string{"timestamp", "date"} {
			if s, ok := v[k].(string); ok {
				return s, nil
			}
		}
	}
	return nil, apierr.New(apierr.InvalidQuery, "parse filter", fmt.Sprintf("unsupported literal %v", raw))
}

func (t *Translator) compile(e *Expr) (Doc, error) {
	if e == nil {
		return nil, apierr.New(apierr.InvalidQuery, "translate", "empty expression")
	}
	op := strings.ToLower(e.Op)
	switch op {
	case "and", "or":
		if len(e.Args) < 2 {
			return nil, arity(op, "at least 2")
		}
		children := make([]Doc, 0, len(e.Args))
		for _, a := range e.Args {
			if a.Expr == nil {
				return nil, apierr.New(apierr.InvalidQuery, "translate", fmt.Sprintf("%q arguments must be expressions", op))
			}
			c, err := t.compile(a.Expr)
			if err != nil {
				return nil, err
			}
			children = append(children, c)
		}
		if op == "and" {
			return Doc{"bool": Doc{"filter": children}}, nil
		}
		return Doc{"bool": Doc{"should": children, "minimum_should_match": 1}}, nil

	case "not":
		if len(e.Args) != 1 || e.Args[0].Expr == nil {
			return nil, arity(op, "exactly 1 expression")
		}
		c, err := t.compile(e.Args[0].Expr)
		if err != nil {
			return nil, err
		}
		return Doc{"bool": Doc{"must_not": []Doc{c}}}, nil

	case "=", "<>", "<", "<=", ">", ">=":
		if len(e.Args) != 2 {
			return nil, arity(op, "exactly 2")
		}
		f, lit, flipped, err := t.comparison(e.Args[0], e.Args[1])
		if err != nil {
			return nil, err
		}
		v, err := coerce(f, lit)
		if err != nil {
			return nil, err
		}
		if flipped {
			op = flip(op)
		}
		switch op {
		case "=":
			return Doc{"term": Doc{f.Path: v}}, nil
		case "<>":
			return Doc{"bool": Doc{"must_not": []Doc{{"term": Doc{f.Path: v}}}}}, nil
		default:
			return Doc{"range": Doc{f.Path: Doc{rangeOps[op]: v}}}, nil
		}

	case "in":
		if len(e.Args) != 2 || e.Args[1].List == nil {
			return nil, arity(op, "a property and a list")
		}
		f, err := t.property(e.Args[0])
		if err != nil {
			return nil, err
		}
		values := make([]any, 0, len(e.Args[1].List))
		for _, item := range e.Args[1].List {
			v, err := coerce(f, item)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		return Doc{"terms": Doc{f.Path: values}}, nil

	case "between":
		if len(e.Args) != 3 {
			return nil, arity(op, "a property and two bounds")
		}
		f, err := t.property(e.Args[0])
		if err != nil {
			return nil, err
		}
		if f.Type != Number && f.Type != Date {
			return nil, apierr.Field(apierr.InvalidQuery, "translate", f.Name, "between requires a numeric or date field")
		}
		lo, err := coerce(f, e.Args[1].Value)
		if err != nil {
			return nil, err
		}
		hi, err := coerce(f, e.Args[2].Value)
		if err != nil {
			return nil, err
		}
		return Doc{"range": Doc{f.Path: Doc{"gte": lo, "lte": hi}}}, nil

	case "like":
		if len(e.Args) != 2 {
			return nil, arity(op, "a property and a pattern")
		}
		f, err := t.property(e.Args[0])
		if err != nil {
			return nil, err
		}
		pattern, ok := e.Args[1].Value.(string)
		if !ok {
			return nil, apierr.New(apierr.InvalidQuery, "translate", "like pattern must be a string")
		}
		if f.Type != Keyword {
			return nil, apierr.Field(apierr.InvalidQuery, "translate", f.Name, "like requires a keyword field")
		}
		return Doc{"wildcard": Doc{f.Path: Doc{"value": likeToWildcard(pattern)}}}, nil

	case "isnull":
		if len(e.Args) != 1 {
			return nil, arity(op, "exactly 1 property")
		}
		f, err := t.property(e.Args[0])
		if err != nil {
			return nil, err
		}
		return Doc{"bool": Doc{"must_not": []Doc{{"exists": Doc{"field": f.Path}}}}}, nil
	}

	return nil, apierr.New(apierr.InvalidQuery, "translate", fmt.Sprintf("unsupported operator %q", e.Op))
}

var rangeOps = map[string]string{"<": "lt", "<=": "lte", ">": "gt", ">=": "gte"}

func flip(op string) string {
	switch op {
	case "<":
		return ">"
	case "<=":
		return ">="
	case ">":
		return "<"
	case ">=":
		return "<="
	}
	return op
}

// comparison orders a binary comparison as property op literal. flipped is
// set when the literal came first.
func (t *Translator) comparison(a, b Operand) (Field, any, bool, error) {
	switch {
	case a.Property != "" && b.Property != "":
		return Field{}, nil, false, apierr.New(apierr.InvalidQuery, "translate", "comparing two properties is not supported")
	case a.Property != "":
		f, err := t.schema.Lookup(a.Property)
		return f, b.Value, false, err
	case b.Property != "":
		f, err := t.schema.Lookup(b.Property)
		return f, a.Value, true, err
	}
	return Field{}, nil, false, apierr.New(apierr.InvalidQuery, "translate", "comparison needs a property")
}

func (t *Translator) property(o Operand) (Field, error) {
	if o.Property == "" {
		return Field{}, apierr.New(apierr.InvalidQuery, "translate", "expected a property reference")
	}
	return t.schema.Lookup(o.Property)
}

func arity(op, want string) error {
	return apierr.New(apierr.InvalidQuery, "translate", fmt.Sprintf("%q takes %s arguments", op, want))
}

// likeToWildcard converts CQL2 like wildcards (% and _) to the store's (* and ?).
func likeToWildcard(pattern string) string {
	var b strings.Builder
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			if r == '*' || r == '?' {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '%':
			b.WriteByte('*')
		case r == '_':
			b.WriteByte('?')
		case r == '*' || r == '?':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// coerce converts a literal to the representation the field is indexed with.
func coerce(f Field, v any) (any, error) {
	bad := func() error {
		return apierr.Field(apierr.InvalidQuery, "translate", f.Name, fmt.Sprintf("value %v is not a valid %s", v, f.Type))
	}
	switch f.Type {
	case Keyword:
		switch x := v.(type) {
		case string:
			return x, nil
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), nil
		case int:
			return strconv.Itoa(x), nil
		case bool:
			return strconv.FormatBool(x), nil
		}
	case Number:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int:
			return float64(x), nil
		case string:
			n, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err == nil {
				return n, nil
			}
		}
	case Date:
		switch x := v.(type) {
		case string:
			if _, _, err := parseTime(x); err == nil {
				return x, nil
			}
		case time.Time:
			return x.UTC().Format(time.RFC3339Nano), nil
		}
	case Bool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(x)
			if err == nil {
				return b, nil
			}
		}
	}
	return nil, bad()
}
