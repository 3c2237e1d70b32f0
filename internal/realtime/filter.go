package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FilterOperator is a row filter comparison.
type FilterOperator string

const (
	FilterEq  FilterOperator = "eq"
	FilterNeq FilterOperator = "neq"
	FilterIn  FilterOperator = "in"
)

// Filter restricts a subscription to rows whose column matches a value,
// written as `column=op.value`, e.g. `organization_id=eq.42` or `status=in.(active,draft)`.
type Filter struct {
	Column   string
	Operator FilterOperator
	Values   []string
}

// ParseFilter parses a filter expression.
func ParseFilter(expression string) (Filter, error) {
	column, rest, ok := strings.Cut(strings.TrimSpace(expression), "=")
	if !ok || strings.TrimSpace(column) == "" {
		return Filter{}, fmt.Errorf("realtime: malformed filter %q", expression)
	}
	operator, value, ok := strings.Cut(rest, ".")
	if !ok {
		return Filter{}, fmt.Errorf("realtime: filter %q missing operator", expression)
	}
	filter := Filter{Column: strings.TrimSpace(column), Operator: FilterOperator(operator)}
	switch filter.Operator {
	case FilterEq, FilterNeq:
		filter.Values = []string{value}
	case FilterIn:
		trimmed := strings.TrimSuffix(strings.TrimPrefix(value, "("), ")")
		for _, item := range strings.Split(trimmed, ",") {
			filter.Values = append(filter.Values, strings.TrimSpace(item))
		}
	default:
		return Filter{}, fmt.Errorf("realtime: unsupported filter operator %q", operator)
	}
	return filter, nil
}

// String renders the filter back to its expression form.
func (f Filter) String() string {
	if f.Operator == FilterIn {
		return fmt.Sprintf("%s=in.(%s)", f.Column, strings.Join(f.Values, ","))
	}
	value := ""
	if len(f.Values) > 0 {
		value = f.Values[0]
	}
	return fmt.Sprintf("%s=%s.%s", f.Column, f.Operator, value)
}

// Matches evaluates the filter against a decoded row.
func (f Filter) Matches(row map[string]any) bool {
	raw, present := row[f.Column]
	actual := ""
	if present && raw != nil {
		actual = fmt.Sprint(raw)
	}
	switch f.Operator {
	case FilterEq:
		return present && actual == f.Values[0]
	case FilterNeq:
		return !present || actual != f.Values[0]
	case FilterIn:
		if !present {
			return false
		}
		for _, value := range f.Values {
			if actual == value {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// MatchesJSON decodes rowJSON and evaluates the filter. Undecodable rows never match.
func (f Filter) MatchesJSON(rowJSON json.RawMessage) bool {
	if len(rowJSON) == 0 {
		return false
	}
	var row map[string]any
	if err := json.Unmarshal(rowJSON, &row); err != nil {
		return false
	}
	return f.Matches(row)
}

// EqualsFilter builds a `column=eq.value` expression.
func EqualsFilter(column, value string) string {
	return Filter{Column: column, Operator: FilterEq, Values: []string{value}}.String()
}
