package store

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// CompileFilter translates a document-style filter into a parameterized boolean SQL
// expression with ? placeholders. An empty filter yields an empty string.
//
// Supported operators: $and, $or, $nor, $not, $eq, $ne, $gt, $gte, $lt, $lte, $in,
// $nin, $exists, $regex (with $options), $elemMatch. Anything else is rejected
// with a *CompileError.
func CompileFilter(d Dialect, s *Schema, filter any) (string, []any, error) {
	c := &compiler{dialect: d, schema: s}
	where, err := c.document("", filter)
	if err != nil {
		return "", nil, err
	}
	return where, c.params, nil
}

type compiler struct {
	dialect Dialect
	schema  *Schema
	params  []any
}

func (c *compiler) bind(values ...any) {
	c.params = append(c.params, values...)
}

func (c *compiler) column(f *Field) string {
	return c.schema.FullTableName(c.dialect) + "." + c.dialect.Quote(f.Column)
}

func (c *compiler) keyColumn() string {
	return c.schema.FullTableName(c.dialect) + "." + c.dialect.Quote(c.schema.KeyColumn)
}

// document compiles the implicit conjunction of a filter document.
func (c *compiler) document(path string, filter any) (string, error) {
	elems, ok := entries(filter)
	if !ok {
		return "", compileErrorf(path, "filter must be a document, got %T", filter)
	}

	var terms []string
	for _, e := range elems {
		var (
			term string
			err  error
		)
		switch {
		case e.Key == "$and" || e.Key == "$or" || e.Key == "$nor":
			term, err = c.logical(e.Key, e.Value)
		case strings.HasPrefix(e.Key, "$"):
			err = compileErrorf(e.Key, "unsupported top-level operator")
		default:
			term, err = c.field(e.Key, e.Value)
		}
		if err != nil {
			return "", err
		}
		terms = append(terms, term)
	}

	return joinTerms(terms, " AND "), nil
}

func joinTerms(terms []string, sep string) string {
	switch len(terms) {
	case 0:
		return ""
	case 1:
		return terms[0]
	}
	return "(" + strings.Join(terms, sep) + ")"
}

func (c *compiler) logical(op string, value any) (string, error) {
	branches, ok := asSlice(value)
	if !ok || len(branches) == 0 {
		return "", compileErrorf(op, "expects a non-empty array of filters")
	}

	terms := make([]string, 0, len(branches))
	for i, b := range branches {
		term, err := c.document(fmt.Sprintf("%s.%d", op, i), b)
		if err != nil {
			return "", err
		}
		if term == "" {
			term = "1=1"
		}
		terms = append(terms, "("+term+")")
	}

	switch op {
	case "$and":
		return "(" + strings.Join(terms, " AND ") + ")", nil
	case "$or":
		return "(" + strings.Join(terms, " OR ") + ")", nil
	default:
		return "NOT (" + strings.Join(terms, " OR ") + ")", nil
	}
}

// operators splits a value into operator entries when it is an operator document.
func operators(value any) ([]bson.E, bool) {
	if !isDocument(value) {
		return nil, false
	}
	elems, _ := entries(value)
	if len(elems) == 0 {
		return nil, false
	}
	for _, e := range elems {
		if !strings.HasPrefix(e.Key, "$") {
			return nil, false
		}
	}
	return elems, true
}

func (c *compiler) field(key string, value any) (string, error) {
	if key == IDField {
		return c.scalar(key, c.keyColumn(), KindScalar, value)
	}

	f, ok := c.schema.Field(key)
	if !ok {
		if name, sub, dotted := strings.Cut(key, "."); dotted {
			if parent, ok := c.schema.Field(name); ok && parent.Kind == KindJSONArray {
				return c.elemMatch(key, parent, bson.D{{Key: sub, Value: value}}, false)
			}
		}
		return "", compileErrorf(key, "unknown field on %s", c.schema.Name)
	}

	switch f.Kind {
	case KindRefSet, KindJSONArray:
		return c.array(key, f, value)
	case KindJSONObject:
		return c.object(key, f, value)
	default:
		return c.scalar(key, c.column(f), f.Kind, value)
	}
}

// scalar compiles a condition on a column holding a single value.
func (c *compiler) scalar(path, col string, kind FieldKind, value any) (string, error) {
	if ops, ok := operators(value); ok {
		regexOpts, err := regexOptions(path, ops)
		if err != nil {
			return "", err
		}
		terms := make([]string, 0, len(ops))
		for _, op := range ops {
			term, err := c.scalarOp(path, col, kind, op, regexOpts)
			if err != nil {
				return "", err
			}
			if term != "" {
				terms = append(terms, term)
			}
		}
		return joinTerms(terms, " AND "), nil
	}

	if isDocument(value) {
		if id, ok := refID(value); ok && kind == KindRef {
			value = id
		} else {
			return "", compileErrorf(path, "embedded document equality is not supported")
		}
	}
	if re, ok := isRegex(value); ok {
		return c.like(path, col, re.Pattern, re.Options)
	}
	if values, ok := asSlice(value); ok {
		return c.in(path, col, values, false)
	}
	return c.equal(col, value), nil
}

func (c *compiler) equal(col string, value any) string {
	if value == nil {
		return col + " IS NULL"
	}
	c.bind(scalarParam(value))
	return col + " = ?"
}

func (c *compiler) scalarOp(path, col string, kind FieldKind, op bson.E, regexOpts *string) (string, error) {
	opPath := path + "." + op.Key
	switch op.Key {
	case "$eq":
		if _, isSlice := asSlice(op.Value); isSlice || isDocument(op.Value) {
			return "", compileErrorf(opPath, "expects a scalar")
		}
		return c.equal(col, op.Value), nil
	case "$ne":
		if op.Value == nil {
			return col + " IS NOT NULL", nil
		}
		if _, isSlice := asSlice(op.Value); isSlice || isDocument(op.Value) {
			return "", compileErrorf(opPath, "expects a scalar")
		}
		c.bind(scalarParam(op.Value))
		return "(" + col + " <> ? OR " + col + " IS NULL)", nil
	case "$gt", "$gte", "$lt", "$lte":
		if op.Value == nil || isDocument(op.Value) {
			return "", compileErrorf(opPath, "expects a scalar bound")
		}
		if _, isSlice := asSlice(op.Value); isSlice {
			return "", compileErrorf(opPath, "expects a scalar bound")
		}
		c.bind(scalarParam(op.Value))
		return col + " " + comparison[op.Key] + " ?", nil
	case "$in", "$nin":
		values, ok := asSlice(op.Value)
		if !ok {
			return "", compileErrorf(opPath, "expects an array")
		}
		return c.in(opPath, col, values, op.Key == "$nin")
	case "$exists":
		exists, ok := op.Value.(bool)
		if !ok {
			return "", compileErrorf(opPath, "expects a boolean")
		}
		if exists {
			return col + " IS NOT NULL", nil
		}
		return col + " IS NULL", nil
	case "$regex":
		pattern, opts, err := regexOperand(opPath, op.Value, regexOpts)
		if err != nil {
			return "", err
		}
		return c.like(opPath, col, pattern, opts)
	case "$options":
		return "", nil
	case "$not":
		_, isOps := operators(op.Value)
		if _, isRe := isRegex(op.Value); !isOps && !isRe {
			return "", compileErrorf(opPath, "expects an operator document or a regex")
		}
		inner, err := c.scalar(opPath, col, kind, op.Value)
		if err != nil {
			return "", err
		}
		return "(NOT (" + inner + ") OR " + col + " IS NULL)", nil
	default:
		return "", compileErrorf(opPath, "unsupported operator")
	}
}

// regexOptions returns the $options operand of an operator document. $options
// without $regex is rejected.
func regexOptions(path string, ops []bson.E) (*string, error) {
	var (
		opts     *string
		hasRegex bool
	)
	for _, op := range ops {
		switch op.Key {
		case "$regex":
			hasRegex = true
		case "$options":
			s, ok := op.Value.(string)
			if !ok {
				return nil, compileErrorf(path+".$options", "must be a string")
			}
			opts = &s
		}
	}
	if opts != nil && !hasRegex {
		return nil, compileErrorf(path+".$options", "requires $regex")
	}
	return opts, nil
}

var comparison = map[string]string{
	"$gt":  ">",
	"$gte": ">=",
	"$lt":  "<",
	"$lte": "<=",
}

// in compiles membership; an empty list is always false ($in) or always true ($nin).
func (c *compiler) in(path, col string, values []any, negate bool) (string, error) {
	hasNull := false
	var list []any
	for _, v := range values {
		switch {
		case v == nil:
			hasNull = true
		case isDocument(v):
			id, ok := refID(v)
			if !ok {
				return "", compileErrorf(path, "documents are not valid members")
			}
			list = append(list, scalarParam(id))
		default:
			if _, nested := asSlice(v); nested {
				return "", compileErrorf(path, "nested arrays are not valid members")
			}
			list = append(list, scalarParam(v))
		}
	}

	if !negate {
		var terms []string
		if len(list) > 0 {
			c.bind(list...)
			terms = append(terms, col+" IN ("+placeholders(len(list))+")")
		}
		if hasNull {
			terms = append(terms, col+" IS NULL")
		}
		if len(terms) == 0 {
			return "1=0", nil
		}
		return joinTerms(terms, " OR "), nil
	}

	if len(list) == 0 {
		if hasNull {
			return col + " IS NOT NULL", nil
		}
		return "1=1", nil
	}
	c.bind(list...)
	if hasNull {
		return col + " NOT IN (" + placeholders(len(list)) + ")", nil
	}
	return "(" + col + " NOT IN (" + placeholders(len(list)) + ") OR " + col + " IS NULL)", nil
}

// array compiles a condition on a JSON array column. Scalars and $in test membership,
// $elemMatch quantifies over elements.
func (c *compiler) array(path string, f *Field, value any) (string, error) {
	col := c.column(f)

	if ops, ok := operators(value); ok {
		terms := make([]string, 0, len(ops))
		for _, op := range ops {
			opPath := path + "." + op.Key
			var (
				term string
				err  error
			)
			switch op.Key {
			case "$eq":
				term, err = c.contains(opPath, col, []any{op.Value}, false)
			case "$ne":
				term, err = c.contains(opPath, col, []any{op.Value}, true)
			case "$in", "$nin":
				values, ok := asSlice(op.Value)
				if !ok {
					return "", compileErrorf(opPath, "expects an array")
				}
				term, err = c.contains(opPath, col, values, op.Key == "$nin")
			case "$all":
				values, ok := asSlice(op.Value)
				if !ok {
					return "", compileErrorf(opPath, "expects an array")
				}
				var all []string
				for _, v := range values {
					t, err := c.contains(opPath, col, []any{v}, false)
					if err != nil {
						return "", err
					}
					all = append(all, t)
				}
				term = joinTerms(all, " AND ")
				if term == "" {
					term = "1=0"
				}
			case "$exists":
				exists, ok := op.Value.(bool)
				if !ok {
					return "", compileErrorf(opPath, "expects a boolean")
				}
				term = col + " IS NULL"
				if exists {
					term = col + " IS NOT NULL"
				}
			case "$elemMatch":
				term, err = c.elemMatch(opPath, f, op.Value, false)
			case "$not":
				term, err = c.negatedArray(opPath, f, op.Value)
			default:
				err = compileErrorf(opPath, "unsupported operator on array field")
			}
			if err != nil {
				return "", err
			}
			terms = append(terms, term)
		}
		return joinTerms(terms, " AND "), nil
	}

	if isDocument(value) {
		if id, ok := refID(value); ok && f.Kind == KindRefSet {
			return c.contains(path, col, []any{id}, false)
		}
		return "", compileErrorf(path, "embedded document equality is not supported")
	}
	if values, ok := asSlice(value); ok {
		return c.contains(path, col, values, false)
	}
	if value == nil {
		return col + " IS NULL", nil
	}
	return c.contains(path, col, []any{value}, false)
}

// negatedArray compiles {$not: {...}} on an array column. {$not: {$elemMatch: q}}
// matches rows with no element satisfying q, including empty and null arrays.
func (c *compiler) negatedArray(path string, f *Field, value any) (string, error) {
	ops, ok := operators(value)
	if !ok {
		return "", compileErrorf(path, "expects an operator document")
	}
	if len(ops) == 1 && ops[0].Key == "$elemMatch" {
		return c.elemMatch(path+".$elemMatch", f, ops[0].Value, true)
	}
	inner, err := c.array(path, f, value)
	if err != nil {
		return "", err
	}
	return "NOT (" + inner + ")", nil
}

func (c *compiler) contains(path, col string, values []any, negate bool) (string, error) {
	var list []any
	for _, v := range values {
		switch {
		case v == nil:
			return "", compileErrorf(path, "null is not a valid array member")
		case isDocument(v):
			id, ok := refID(v)
			if !ok {
				return "", compileErrorf(path, "documents are not valid members")
			}
			list = append(list, id)
		default:
			if _, nested := asSlice(v); nested {
				return "", compileErrorf(path, "nested arrays are not valid members")
			}
			list = append(list, scalarParam(v))
		}
	}

	if len(list) == 0 {
		if negate {
			return "1=1", nil
		}
		return "1=0", nil
	}

	term, params := c.dialect.ContainsAny(col, list)
	c.bind(params...)
	if negate {
		return "NOT " + term, nil
	}
	return term, nil
}

func (c *compiler) object(path string, f *Field, value any) (string, error) {
	col := c.column(f)
	ops, ok := operators(value)
	if !ok || len(ops) != 1 || ops[0].Key != "$exists" {
		if value == nil {
			return col + " IS NULL", nil
		}
		return "", compileErrorf(path, "only $exists and null are supported on object fields")
	}
	exists, ok := ops[0].Value.(bool)
	if !ok {
		return "", compileErrorf(path+".$exists", "expects a boolean")
	}
	if exists {
		return col + " IS NOT NULL", nil
	}
	return col + " IS NULL", nil
}

// elemMatch compiles an EXISTS over the elements of a JSON array column.
func (c *compiler) elemMatch(path string, f *Field, query any, negate bool) (string, error) {
	ec := &elemCompiler{compiler: c}
	var (
		cond string
		err  error
	)
	if ops, ok := operators(query); ok && !isLogical(ops) {
		cond, err = ec.condition(path, "", ops)
	} else {
		cond, err = ec.document(path, query)
	}
	if err != nil {
		return "", err
	}
	if cond == "" {
		cond = "1=1"
	}

	exists := "EXISTS (SELECT 1 FROM " + c.dialect.Elements(c.column(f)) + " WHERE " + cond + ")"
	if negate {
		return "NOT " + exists, nil
	}
	return exists, nil
}

func isLogical(ops []bson.E) bool {
	for _, op := range ops {
		if op.Key == "$and" || op.Key == "$or" || op.Key == "$nor" {
			return true
		}
	}
	return false
}

type elemCompiler struct {
	*compiler
}

func (ec *elemCompiler) document(path string, query any) (string, error) {
	elems, ok := entries(query)
	if !ok {
		return "", compileErrorf(path, "$elemMatch expects a document")
	}

	var terms []string
	for _, e := range elems {
		var (
			term string
			err  error
		)
		switch {
		case e.Key == "$and" || e.Key == "$or" || e.Key == "$nor":
			term, err = ec.logical(path, e.Key, e.Value)
		case strings.HasPrefix(e.Key, "$"):
			err = compileErrorf(path+"."+e.Key, "unsupported operator inside $elemMatch")
		case !validIdent(e.Key):
			err = compileErrorf(path+"."+e.Key, "invalid element key")
		default:
			if ops, isOps := operators(e.Value); isOps {
				term, err = ec.condition(path+"."+e.Key, e.Key, ops)
			} else {
				term, err = ec.condition(path+"."+e.Key, e.Key, []bson.E{{Key: "$eq", Value: e.Value}})
			}
		}
		if err != nil {
			return "", err
		}
		terms = append(terms, term)
	}
	return joinTerms(terms, " AND "), nil
}

func (ec *elemCompiler) logical(path, op string, value any) (string, error) {
	branches, ok := asSlice(value)
	if !ok || len(branches) == 0 {
		return "", compileErrorf(path+"."+op, "expects a non-empty array of filters")
	}
	terms := make([]string, 0, len(branches))
	for i, b := range branches {
		term, err := ec.document(fmt.Sprintf("%s.%s.%d", path, op, i), b)
		if err != nil {
			return "", err
		}
		if term == "" {
			term = "1=1"
		}
		terms = append(terms, "("+term+")")
	}
	switch op {
	case "$and":
		return "(" + strings.Join(terms, " AND ") + ")", nil
	case "$or":
		return "(" + strings.Join(terms, " OR ") + ")", nil
	default:
		return "NOT (" + strings.Join(terms, " OR ") + ")", nil
	}
}

// condition compiles operators applied to one key of the current element, or to the
// element itself when key is empty.
func (ec *elemCompiler) condition(path, key string, ops []bson.E) (string, error) {
	d := ec.dialect
	regexOpts, err := regexOptions(path, ops)
	if err != nil {
		return "", err
	}

	var terms []string
	for _, op := range ops {
		opPath := path + "." + op.Key
		expr := d.ElementField(key, false)
		switch op.Key {
		case "$eq":
			if op.Value == nil {
				terms = append(terms, expr+" IS NULL")
				continue
			}
			values, err := ec.elementValues(opPath, []any{op.Value})
			if err != nil {
				return "", err
			}
			ec.bind(values...)
			terms = append(terms, expr+" IN ("+placeholders(len(values))+")")
		case "$ne":
			if op.Value == nil {
				terms = append(terms, expr+" IS NOT NULL")
				continue
			}
			values, err := ec.elementValues(opPath, []any{op.Value})
			if err != nil {
				return "", err
			}
			ec.bind(values...)
			terms = append(terms, "("+expr+" NOT IN ("+placeholders(len(values))+") OR "+expr+" IS NULL)")
		case "$in", "$nin":
			list, ok := asSlice(op.Value)
			if !ok {
				return "", compileErrorf(opPath, "expects an array")
			}
			values, err := ec.elementValues(opPath, list)
			if err != nil {
				return "", err
			}
			switch {
			case len(values) == 0 && op.Key == "$in":
				terms = append(terms, "1=0")
			case len(values) == 0:
				terms = append(terms, "1=1")
			case op.Key == "$in":
				ec.bind(values...)
				terms = append(terms, expr+" IN ("+placeholders(len(values))+")")
			default:
				ec.bind(values...)
				terms = append(terms, "("+expr+" NOT IN ("+placeholders(len(values))+") OR "+expr+" IS NULL)")
			}
		case "$gt", "$gte", "$lt", "$lte":
			if op.Value == nil || isDocument(op.Value) {
				return "", compileErrorf(opPath, "expects a scalar bound")
			}
			if isNumber(op.Value) {
				expr = d.ElementField(key, true)
			}
			ec.bind(scalarParam(op.Value))
			terms = append(terms, expr+" "+comparison[op.Key]+" ?")
		case "$exists":
			exists, ok := op.Value.(bool)
			if !ok {
				return "", compileErrorf(opPath, "expects a boolean")
			}
			if exists {
				terms = append(terms, expr+" IS NOT NULL")
			} else {
				terms = append(terms, expr+" IS NULL")
			}
		case "$regex":
			pattern, opts, err := regexOperand(opPath, op.Value, regexOpts)
			if err != nil {
				return "", err
			}
			term, err := ec.like(opPath, expr, pattern, opts)
			if err != nil {
				return "", err
			}
			terms = append(terms, term)
		case "$options":
		case "$not":
			inner, isOps := operators(op.Value)
			if !isOps {
				return "", compileErrorf(opPath, "expects an operator document")
			}
			term, err := ec.condition(opPath, key, inner)
			if err != nil {
				return "", err
			}
			terms = append(terms, "(NOT ("+term+") OR "+expr+" IS NULL)")
		default:
			return "", compileErrorf(opPath, "unsupported operator inside $elemMatch")
		}
	}
	return joinTerms(terms, " AND "), nil
}

func (ec *elemCompiler) elementValues(path string, values []any) ([]any, error) {
	var out []any
	for _, v := range values {
		if v == nil {
			continue
		}
		if isDocument(v) {
			id, ok := refID(v)
			if !ok {
				return nil, compileErrorf(path, "embedded document equality is not supported")
			}
			v = id
		}
		if _, nested := asSlice(v); nested {
			return nil, compileErrorf(path, "nested arrays are not supported")
		}
		out = append(out, ec.dialect.ElementValues(scalarParam(v))...)
	}
	return dedupe(out), nil
}

func regexOperand(path string, value any, opts *string) (string, string, error) {
	if re, ok := isRegex(value); ok {
		o := re.Options
		if opts != nil {
			o = *opts
		}
		return re.Pattern, o, nil
	}
	s, ok := value.(string)
	if !ok {
		return "", "", compileErrorf(path, "expects a string or regex")
	}
	o := ""
	if opts != nil {
		o = *opts
	}
	return s, o, nil
}

func (c *compiler) like(path, col, pattern, options string) (string, error) {
	for _, o := range options {
		switch o {
		case 'i', 'm', 's':
		default:
			return "", compileErrorf(path, "unsupported regex option %q", o)
		}
	}

	like, err := likePattern(pattern)
	if err != nil {
		return "", compileErrorf(path, "%s", err.Error())
	}

	c.bind(like)
	esc := fmt.Sprintf(" ESCAPE '%c'", likeEscape)
	if strings.ContainsRune(options, 'i') {
		return "LOWER(" + col + ") LIKE LOWER(?)" + esc, nil
	}
	return col + " LIKE ?" + esc, nil
}

// likePattern converts the subset of regular expressions expressible as a LIKE
// pattern: literals, backslash escapes, ^ and $ anchors, . and .*.
func likePattern(pattern string) (string, error) {
	anchoredStart := strings.HasPrefix(pattern, "^")
	if anchoredStart {
		pattern = pattern[1:]
	}
	anchoredEnd := strings.HasSuffix(pattern, "$") && !escapedAt(pattern, len(pattern)-1)
	if anchoredEnd {
		pattern = pattern[:len(pattern)-1]
	}

	var b strings.Builder
	if !anchoredStart {
		b.WriteByte('%')
	}

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch r {
		case '\\':
			if i+1 >= len(runes) {
				return "", fmt.Errorf("trailing backslash in pattern")
			}
			i++
			next := runes[i]
			if !strings.ContainsRune(`\.^$*+?()[]{}|/-`, next) {
				return "", fmt.Errorf("unsupported escape \\%c", next)
			}
			b.WriteString(escapeLike(string(next)))
		case '.':
			if i+1 < len(runes) && runes[i+1] == '*' {
				b.WriteByte('%')
				i++
				continue
			}
			b.WriteByte('_')
		case '*', '+', '?', '(', ')', '[', ']', '{', '}', '|', '^', '$':
			return "", fmt.Errorf("regex construct %q cannot be expressed as LIKE", r)
		default:
			b.WriteString(escapeLike(string(r)))
		}
	}

	if !anchoredEnd {
		b.WriteByte('%')
	}
	return b.String(), nil
}

// escapedAt reports whether the byte at i is preceded by an odd run of backslashes.
func escapedAt(pattern string, i int) bool {
	n := 0
	for j := i - 1; j >= 0 && pattern[j] == '\\'; j-- {
		n++
	}
	return n%2 == 1
}

// scalarParam prepares a filter literal for binding.
func scalarParam(v any) any {
	if isNumber(v) {
		return normalizeNumber(v)
	}
	return v
}

// refID extracts the _id of a populated document used as a filter value.
func refID(v any) (any, bool) {
	elems, ok := entries(v)
	if !ok {
		return nil, false
	}
	for _, e := range elems {
		if e.Key == IDField {
			return e.Value, e.Value != nil
		}
	}
	return nil, false
}
