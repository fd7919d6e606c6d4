// Package query implements the Filter Tree (spec §4.6) and Query Engine (§4.7).
package query

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// FilterOp is one of the closed sum of comparison/logical operators a
// Condition node can carry.
type FilterOp string

const (
	OpEq         FilterOp = "="
	OpNeq        FilterOp = "!="
	OpGt         FilterOp = ">"
	OpLt         FilterOp = "<"
	OpGte        FilterOp = ">="
	OpLte        FilterOp = "<="
	OpLike       FilterOp = "LIKE"
	OpIn         FilterOp = "IN"
	OpNotIn      FilterOp = "NOT IN"
	OpBetween    FilterOp = "BETWEEN"
	OpNotBetween FilterOp = "NOT BETWEEN"
	OpIs         FilterOp = "IS"
	OpIsNot      FilterOp = "IS NOT"
	OpIsNull     FilterOp = "IS NULL"
	OpIsNotNull  FilterOp = "IS NOT NULL"
	OpAnd        FilterOp = "AND"
	OpOr         FilterOp = "OR"
	OpNot        FilterOp = "NOT"
)

// Condition is a node in the filter tree: either a leaf comparison against a
// column, or an AND/OR/NOT of child nodes. It is the closed sum type
// {Eq,Neq,Lt,Le,Gt,Ge,Like,In,IsNull,IsNotNull,And,Or,Not} spec.md §9 names,
// with BETWEEN/IS folded onto the same leaf shape.
type Condition struct {
	Operator FilterOp    `json:"operator"`
	Column   string      `json:"column,omitempty"`
	Value    interface{} `json:"value,omitempty"`
	Children []Condition `json:"children,omitempty"`

	resolvedTarget string        // string form of Value, single-valued ops
	resolvedList   []string      // string forms of Value, list-valued ops (IN/BETWEEN)
	resolvedColIdx int           // pre-resolved column index, -1 if unresolved
	likeMatcher    func(string) bool
}

// resolveTargets pre-computes string forms of Value so evaluation never
// round-trips through fmt.Sprintf per row.
func (c *Condition) resolveTargets() {
	switch c.Operator {
	case OpIn, OpNotIn, OpBetween, OpNotBetween:
		c.resolvedList = toStringList(c.Value)
	default:
		if c.Value != nil {
			c.resolvedTarget = toStringValue(c.Value)
		}
	}
	if c.Operator == OpLike {
		c.likeMatcher = compileLike(c.resolvedTarget)
	}
	for i := range c.Children {
		c.Children[i].resolveTargets()
	}
}

func toStringValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func toStringList(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = toStringValue(item)
	}
	return out
}

// ResolveColumns pre-maps column names to integer indices (case-insensitive)
// for the zero-allocation EvaluateFast path. Must be called once before
// EvaluateFast is used.
func (c *Condition) ResolveColumns(headers map[string]int) {
	c.resolvedColIdx = -1
	if c.Column != "" {
		if idx, ok := headers[c.Column]; ok {
			c.resolvedColIdx = idx
		} else if idx, ok := headers[strings.ToLower(c.Column)]; ok {
			c.resolvedColIdx = idx
		}
	}
	for i := range c.Children {
		c.Children[i].ResolveColumns(headers)
	}
}

// isNullValue implements §4.6: "IS NULL is true iff the column is absent,
// empty string, or the literal NULL".
func isNullValue(exists bool, val string) bool {
	return !exists || val == "" || val == "NULL"
}

// compare implements §4.6's comparison rule: numeric comparison when both
// sides parse as numbers, string-lexicographic otherwise. Returns -1, 0, 1.
func compare(val, target string) int {
	vf, verr := strconv.ParseFloat(val, 64)
	tf, terr := strconv.ParseFloat(target, 64)
	if verr == nil && terr == nil {
		switch {
		case vf < tf:
			return -1
		case vf > tf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(val, target)
}

// compileLike translates a SQL-style LIKE pattern (`%` any run, `_` any
// single char) into a case-insensitive matcher. A pattern with neither
// wildcard degrades to plain substring match, matching the documented
// SQL-LIKE contract as a superset of that behavior (spec.md §9 Open
// Question 2).
func compileLike(pattern string) func(string) bool {
	if !strings.ContainsAny(pattern, "%_") {
		lower := strings.ToLower(pattern)
		return func(s string) bool { return strings.Contains(strings.ToLower(s), lower) }
	}

	var b strings.Builder
	b.WriteString("(?is)^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		lower := strings.ToLower(pattern)
		return func(s string) bool { return strings.Contains(strings.ToLower(s), lower) }
	}
	return re.MatchString
}

// leafMatch evaluates a leaf node against a single column value. exists
// reports whether the column was present in the row at all.
func (c *Condition) leafMatch(exists bool, val string) bool {
	switch c.Operator {
	case OpIsNull:
		return isNullValue(exists, val)
	case OpIsNotNull:
		return !isNullValue(exists, val)
	case OpIs:
		if c.Value == nil || c.resolvedTarget == "NULL" {
			return isNullValue(exists, val)
		}
		return exists && val == c.resolvedTarget
	case OpIsNot:
		if c.Value == nil || c.resolvedTarget == "NULL" {
			return !isNullValue(exists, val)
		}
		return !exists || val != c.resolvedTarget
	}

	if !exists {
		return false
	}

	switch c.Operator {
	case OpEq:
		return val == c.resolvedTarget
	case OpNeq:
		return val != c.resolvedTarget
	case OpGt:
		return compare(val, c.resolvedTarget) > 0
	case OpLt:
		return compare(val, c.resolvedTarget) < 0
	case OpGte:
		return compare(val, c.resolvedTarget) >= 0
	case OpLte:
		return compare(val, c.resolvedTarget) <= 0
	case OpLike:
		if c.likeMatcher == nil {
			return false
		}
		return c.likeMatcher(val)
	case OpIn:
		for _, t := range c.resolvedList {
			if val == t {
				return true
			}
		}
		return false
	case OpNotIn:
		for _, t := range c.resolvedList {
			if val == t {
				return false
			}
		}
		return true
	case OpBetween:
		if len(c.resolvedList) != 2 {
			return false
		}
		return compare(val, c.resolvedList[0]) >= 0 && compare(val, c.resolvedList[1]) <= 0
	case OpNotBetween:
		if len(c.resolvedList) != 2 {
			return false
		}
		return !(compare(val, c.resolvedList[0]) >= 0 && compare(val, c.resolvedList[1]) <= 0)
	}

	return false
}

// Evaluate checks a row (column name -> value, lower-cased keys) against the
// condition tree.
func (c *Condition) Evaluate(row map[string]string) bool {
	switch c.Operator {
	case OpAnd:
		for i := range c.Children {
			if !c.Children[i].Evaluate(row) {
				return false
			}
		}
		return true
	case OpOr:
		for i := range c.Children {
			if c.Children[i].Evaluate(row) {
				return true
			}
		}
		return false
	case OpNot:
		if len(c.Children) == 0 {
			return true
		}
		return !c.Children[0].Evaluate(row)
	}

	val, exists := row[strings.ToLower(c.Column)]
	return c.leafMatch(exists, val)
}

// EvaluateFast checks a pre-resolved []string row (column index -> value)
// against the condition tree, avoiding per-row map allocation once
// ResolveColumns has run (§4.6 "Resolution").
func (c *Condition) EvaluateFast(cols []string) bool {
	switch c.Operator {
	case OpAnd:
		for i := range c.Children {
			if !c.Children[i].EvaluateFast(cols) {
				return false
			}
		}
		return true
	case OpOr:
		for i := range c.Children {
			if c.Children[i].EvaluateFast(cols) {
				return true
			}
		}
		return false
	case OpNot:
		if len(c.Children) == 0 {
			return true
		}
		return !c.Children[0].EvaluateFast(cols)
	}

	idx := c.resolvedColIdx
	exists := idx >= 0 && idx < len(cols)
	var val string
	if exists {
		val = cols[idx]
	}
	return c.leafMatch(exists, val)
}

// ExtractIndexConditions returns the top-level equality conditions (a single
// Eq, or the Eq children of an AND) keyed by lower-cased column name. This
// drives composite-index selection in findBestIndex; non-equality and
// OR/NOT-wrapped conditions contribute nothing and fall back to post-filter.
func (c *Condition) ExtractIndexConditions() map[string]string {
	res := make(map[string]string)
	switch c.Operator {
	case OpAnd:
		for _, child := range c.Children {
			if child.Operator == OpEq {
				res[strings.ToLower(child.Column)] = toStringValue(child.Value)
			}
		}
	case OpEq:
		res[strings.ToLower(c.Column)] = toStringValue(c.Value)
	}
	return res
}

var logicalOps = map[string]FilterOp{"AND": OpAnd, "OR": OpOr, "NOT": OpNot}

var compareOps = map[string]FilterOp{
	"=": OpEq, "==": OpEq, "!=": OpNeq, "<>": OpNeq,
	">": OpGt, "<": OpLt, ">=": OpGte, "<=": OpLte,
	"LIKE": OpLike, "IN": OpIn, "NOT IN": OpNotIn,
	"BETWEEN": OpBetween, "NOT BETWEEN": OpNotBetween,
	"IS": OpIs, "IS NOT": OpIsNot,
	"IS NULL": OpIsNull, "IS NOT NULL": OpIsNotNull,
}

// ParseCondition parses one of the four `where` shapes spec.md §4.6 accepts:
// a hash of equalities, an operator array, a logical array, or the canonical
// structured tree. Returns (nil, nil) for an empty/absent where clause.
func ParseCondition(data []byte) (*Condition, error) {
	trimmed := strings.TrimSpace(string(data))
	if len(trimmed) == 0 || trimmed == "{}" || trimmed == "[]" || trimmed == "null" {
		return nil, nil
	}

	// Array shapes: operator `[op, col, val, ...]` or logical `[AND|OR|NOT, ...]`.
	if trimmed[0] == '[' {
		var arr []interface{}
		if err := json.Unmarshal(data, &arr); err != nil {
			return nil, fmt.Errorf("invalid where array: %w", err)
		}
		cond, err := parseArrayCondition(arr)
		if err != nil {
			return nil, err
		}
		cond.resolveTargets()
		return cond, nil
	}

	// Object shapes: structured canonical form, or a hash of equalities.
	var asMap map[string]interface{}
	if err := json.Unmarshal(data, &asMap); err != nil {
		return nil, fmt.Errorf("invalid where object: %w", err)
	}

	if _, hasOp := asMap["operator"]; hasOp {
		var structured Condition
		if err := json.Unmarshal(data, &structured); err != nil {
			return nil, fmt.Errorf("invalid structured where: %w", err)
		}
		structured.normalizeTree()
		structured.resolveTargets()
		return &structured, nil
	}

	root := &Condition{Operator: OpAnd, Children: make([]Condition, 0, len(asMap))}
	for col, val := range asMap {
		root.Children = append(root.Children, Condition{
			Operator: OpEq,
			Column:   strings.ToLower(col),
			Value:    val,
		})
	}
	root.resolveTargets()
	return root, nil
}

func normalizeOp(op string) FilterOp {
	return FilterOp(strings.ToUpper(strings.TrimSpace(op)))
}

// normalizeTree upper-cases operators and lower-cases column names
// throughout a structured-form tree parsed directly by encoding/json, which
// bypasses parseArrayCondition's normalization.
func (c *Condition) normalizeTree() {
	c.Operator = normalizeOp(string(c.Operator))
	c.Column = strings.ToLower(c.Column)
	for i := range c.Children {
		c.Children[i].normalizeTree()
	}
}

// parseArrayCondition parses `[AND|OR|NOT, child, child, ...]` or
// `[op, col, val, ...]`.
func parseArrayCondition(arr []interface{}) (*Condition, error) {
	if len(arr) == 0 {
		return nil, fmt.Errorf("empty where array")
	}
	head, ok := arr[0].(string)
	if !ok {
		return nil, fmt.Errorf("where array must start with an operator string")
	}
	opName := normalizeOp(head)

	if logicalOp, ok := logicalOps[string(opName)]; ok {
		cond := &Condition{Operator: logicalOp}
		for _, raw := range arr[1:] {
			child, err := parseConditionValue(raw)
			if err != nil {
				return nil, err
			}
			cond.Children = append(cond.Children, *child)
		}
		return cond, nil
	}

	op, ok := compareOps[string(opName)]
	if !ok {
		return nil, fmt.Errorf("unknown operator %q", head)
	}
	if len(arr) < 2 {
		return nil, fmt.Errorf("operator %q requires a column", head)
	}
	col, _ := arr[1].(string)
	cond := &Condition{Operator: op, Column: strings.ToLower(col)}

	switch op {
	case OpIsNull, OpIsNotNull:
		// no value
	case OpIn, OpNotIn:
		if len(arr) == 3 {
			cond.Value = arr[2]
		} else {
			cond.Value = arr[2:]
		}
	case OpBetween, OpNotBetween:
		if len(arr) == 4 {
			cond.Value = []interface{}{arr[2], arr[3]}
		} else if len(arr) == 3 {
			cond.Value = arr[2]
		}
	default:
		if len(arr) >= 3 {
			cond.Value = arr[2]
		}
	}
	return cond, nil
}

// parseConditionValue parses one element of a logical array: either a nested
// array (operator/logical shape) or a structured object.
func parseConditionValue(raw interface{}) (*Condition, error) {
	switch v := raw.(type) {
	case []interface{}:
		return parseArrayCondition(v)
	case map[string]interface{}:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return ParseCondition(encoded)
	default:
		return nil, fmt.Errorf("unsupported condition child: %T", raw)
	}
}
