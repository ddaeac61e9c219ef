package definition

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/pitabwire/caseflow/model"
)

// ErrMissingField is returned by Guard.Evaluate when a compared field is
// absent from the instance context.
var ErrMissingField = errors.New("guard: missing context field")

// Guard is a compiled, immutable predicate over instance context.
type Guard struct {
	field string
	op    string
	value any
	all   []*Guard
	any   []*Guard
	not   *Guard
}

// Evaluate reports whether the guard holds for ctx. It returns an error when
// the context is malformed for this guard (missing field, wrong type); the
// engine turns such errors into rejected transitions.
func (g *Guard) Evaluate(ctx map[string]any) (bool, error) {
	switch {
	case g.all != nil:
		for _, sub := range g.all {
			ok, err := sub.Evaluate(ctx)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case g.any != nil:
		for _, sub := range g.any {
			ok, err := sub.Evaluate(ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case g.not != nil:
		ok, err := g.not.Evaluate(ctx)
		return !ok, err
	}

	actual, present := ctx[g.field]
	switch g.op {
	case model.GuardExists:
		return present && actual != nil, nil
	case model.GuardNotExists:
		return !present || actual == nil, nil
	}
	if !present {
		return false, fmt.Errorf("%w %q", ErrMissingField, g.field)
	}

	switch g.op {
	case model.GuardEq:
		return equal(g.field, actual, g.value)
	case model.GuardNe:
		eq, err := equal(g.field, actual, g.value)
		return !eq, err
	case model.GuardIn:
		for _, candidate := range g.value.([]any) {
			eq, err := equal(g.field, actual, candidate)
			if err != nil {
				return false, err
			}
			if eq {
				return true, nil
			}
		}
		return false, nil
	case model.GuardGt, model.GuardGte, model.GuardLt, model.GuardLte:
		a, ok := toNumber(actual)
		if !ok {
			return false, fmt.Errorf("guard: field %q is %T, not a number", g.field, actual)
		}
		b, _ := toNumber(g.value)
		switch g.op {
		case model.GuardGt:
			return a > b, nil
		case model.GuardGte:
			return a >= b, nil
		case model.GuardLt:
			return a < b, nil
		default:
			return a <= b, nil
		}
	}
	return false, fmt.Errorf("guard: unsupported operator %q", g.op)
}

// Fields returns every context field the guard reads.
func (g *Guard) Fields() []string {
	var out []string
	switch {
	case g.all != nil:
		for _, sub := range g.all {
			out = append(out, sub.Fields()...)
		}
	case g.any != nil:
		for _, sub := range g.any {
			out = append(out, sub.Fields()...)
		}
	case g.not != nil:
		out = g.not.Fields()
	default:
		out = []string{g.field}
	}
	return out
}

func equal(field string, actual, expected any) (bool, error) {
	if en, ok := toNumber(expected); ok {
		an, ok := toNumber(actual)
		if !ok {
			return false, fmt.Errorf("guard: field %q is %T, not a number", field, actual)
		}
		return an == en, nil
	}
	switch ev := expected.(type) {
	case bool:
		av, ok := actual.(bool)
		if !ok {
			return false, fmt.Errorf("guard: field %q is %T, not a bool", field, actual)
		}
		return av == ev, nil
	case string:
		av, ok := actual.(string)
		if !ok {
			return false, fmt.Errorf("guard: field %q is %T, not a string", field, actual)
		}
		return av == ev, nil
	case nil:
		return actual == nil, nil
	}
	return false, fmt.Errorf("guard: cannot compare field %q against %T", field, expected)
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// valueType classifies a literal from a definition for schema checks.
func valueType(v any) string {
	if _, ok := toNumber(v); ok {
		return model.FieldTypeNumber
	}
	switch v.(type) {
	case bool:
		return model.FieldTypeBool
	case string:
		return model.FieldTypeString
	case []any:
		return model.FieldTypeList
	case nil:
		return ""
	}
	return model.FieldTypeAny
}

// compileGuard checks a guard definition against the context schema and
// builds its compiled form. An empty schema disables field declaration
// checks but operator and literal shapes are still enforced.
func compileGuard(path string, def model.GuardDefinition, schema map[string]string) (*Guard, []model.FieldError) {
	var errs []model.FieldError
	composites := 0
	if def.All != nil {
		composites++
	}
	if def.Any != nil {
		composites++
	}
	if def.Not != nil {
		composites++
	}
	leaf := def.Field != "" || def.Op != ""

	if composites > 1 || (composites == 1 && leaf) {
		return nil, []model.FieldError{{Field: path, Code: "AMBIGUOUS_GUARD", Message: "guard must be exactly one of field/op, all, any or not"}}
	}

	compileList := func(sub string, defs []model.GuardDefinition) []*Guard {
		if len(defs) == 0 {
			errs = append(errs, model.FieldError{Field: path + "." + sub, Code: "REQUIRED", Message: sub + " must list at least one guard"})
			return nil
		}
		out := make([]*Guard, 0, len(defs))
		for i, d := range defs {
			g, gerrs := compileGuard(fmt.Sprintf("%s.%s[%d]", path, sub, i), d, schema)
			errs = append(errs, gerrs...)
			out = append(out, g)
		}
		return out
	}

	switch {
	case def.All != nil:
		g := &Guard{all: compileList("all", def.All)}
		return g, errs
	case def.Any != nil:
		g := &Guard{any: compileList("any", def.Any)}
		return g, errs
	case def.Not != nil:
		inner, gerrs := compileGuard(path+".not", *def.Not, schema)
		return &Guard{not: inner}, gerrs
	}

	if def.Field == "" {
		errs = append(errs, model.FieldError{Field: path + ".field", Code: "REQUIRED", Message: "guard field is required"})
	}
	declared, known := schema[def.Field]
	if len(schema) > 0 && def.Field != "" && !known {
		errs = append(errs, model.FieldError{
			Field:   path + ".field",
			Code:    "UNDECLARED_FIELD",
			Message: fmt.Sprintf("guard field %q is not declared in the context schema", def.Field),
		})
	}

	value := normalizeLiteral(def.Value)
	vt := valueType(value)

	typeMismatch := func(want string) {
		errs = append(errs, model.FieldError{
			Field:   path + ".value",
			Code:    "TYPE_MISMATCH",
			Message: fmt.Sprintf("field %q is declared %s but compared with %s", def.Field, want, describe(vt)),
		})
	}

	switch def.Op {
	case model.GuardEq, model.GuardNe:
		if vt == model.FieldTypeList || vt == model.FieldTypeAny {
			errs = append(errs, model.FieldError{Field: path + ".value", Code: "INVALID_VALUE", Message: "eq/ne need a scalar value"})
		} else if known && declared != model.FieldTypeAny && vt != "" && declared != vt {
			typeMismatch(declared)
		}
	case model.GuardGt, model.GuardGte, model.GuardLt, model.GuardLte:
		if vt != model.FieldTypeNumber {
			errs = append(errs, model.FieldError{Field: path + ".value", Code: "INVALID_VALUE", Message: def.Op + " needs a numeric value"})
		} else if known && declared != model.FieldTypeAny && declared != model.FieldTypeNumber {
			typeMismatch(declared)
		}
	case model.GuardIn:
		list, ok := value.([]any)
		if !ok || len(list) == 0 {
			errs = append(errs, model.FieldError{Field: path + ".value", Code: "INVALID_VALUE", Message: "in needs a non-empty list"})
			break
		}
		for i := range list {
			list[i] = normalizeLiteral(list[i])
			et := valueType(list[i])
			if et == model.FieldTypeList || et == model.FieldTypeAny {
				errs = append(errs, model.FieldError{Field: fmt.Sprintf("%s.value[%d]", path, i), Code: "INVALID_VALUE", Message: "in list entries must be scalars"})
			} else if known && declared != model.FieldTypeAny && declared != et {
				vt = et
				typeMismatch(declared)
			}
		}
		value = list
	case model.GuardExists, model.GuardNotExists:
		if value != nil {
			errs = append(errs, model.FieldError{Field: path + ".value", Code: "INVALID_VALUE", Message: def.Op + " takes no value"})
		}
	case "":
		errs = append(errs, model.FieldError{Field: path + ".op", Code: "REQUIRED", Message: "guard op is required"})
	default:
		errs = append(errs, model.FieldError{Field: path + ".op", Code: "INVALID_ENUM", Message: fmt.Sprintf("unknown guard op %q", def.Op)})
	}

	return &Guard{field: def.Field, op: def.Op, value: value}, errs
}

func describe(t string) string {
	if t == "" {
		return "null"
	}
	return t
}

// normalizeLiteral converts YAML/JSON decoded literals into the small set of
// shapes the evaluator understands.
func normalizeLiteral(v any) any {
	switch n := v.(type) {
	case []string:
		out := make([]any, len(n))
		for i, s := range n {
			out[i] = s
		}
		return out
	case []any:
		out := make([]any, len(n))
		copy(out, n)
		return out
	}
	if f, ok := toNumber(v); ok {
		return f
	}
	return v
}

type conditionOp struct {
	token string
	op    string
}

// conditionOps lists shorthand operators, longest first so ">=" wins over ">".
var conditionOps = []conditionOp{
	{"==", model.GuardEq},
	{"!=", model.GuardNe},
	{">=", model.GuardGte},
	{"<=", model.GuardLte},
	{">", model.GuardGt},
	{"<", model.GuardLt},
}

// ParseCondition converts the shorthand "field OP literal" form into a guard
// definition. Literals may be quoted strings, true/false, null or numbers;
// anything else is taken as a bare word. Operators inside quoted literals
// are ignored.
func ParseCondition(condition string) (model.GuardDefinition, error) {
	idx, c, err := findOperator(condition)
	if err != nil {
		return model.GuardDefinition{}, err
	}
	field := strings.TrimSpace(condition[:idx])
	literal := strings.TrimSpace(condition[idx+len(c.token):])
	if field == "" || literal == "" {
		return model.GuardDefinition{}, fmt.Errorf("condition %q: missing operand", condition)
	}
	if !isFieldName(field) {
		return model.GuardDefinition{}, fmt.Errorf("condition %q: invalid field name %q", condition, field)
	}
	if !isQuoted(literal) && strings.ContainsAny(literal, " \t'\"=!<>") {
		return model.GuardDefinition{}, fmt.Errorf("condition %q: unquoted literal %q", condition, literal)
	}
	return model.GuardDefinition{Field: field, Op: c.op, Value: parseLiteral(literal)}, nil
}

// findOperator returns the first comparison operator outside a quoted span.
func findOperator(condition string) (int, conditionOp, error) {
	var quote byte
	for i := 0; i < len(condition); i++ {
		ch := condition[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
			continue
		case ch == '\'' || ch == '"':
			quote = ch
			continue
		}
		for _, c := range conditionOps {
			if strings.HasPrefix(condition[i:], c.token) {
				return i, c, nil
			}
		}
	}
	if quote != 0 {
		return 0, conditionOp{}, fmt.Errorf("condition %q: unterminated quote", condition)
	}
	return 0, conditionOp{}, fmt.Errorf("condition %q: no comparison operator", condition)
}

func isFieldName(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '.' && r != '-' {
			return false
		}
	}
	return s != ""
}

func isQuoted(s string) bool {
	return len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] &&
		!strings.ContainsRune(s[1:len(s)-1], rune(s[0]))
}

func parseLiteral(s string) any {
	if isQuoted(s) {
		return s[1 : len(s)-1]
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
