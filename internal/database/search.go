package database

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

// ErrInvalidParameter is returned when a search request carries a key
// outside the endpoint's allowed sets or violates the generic parameter
// rules.
var ErrInvalidParameter = errors.New("invalid query parameter")

// Filter maps an API filter key to the column it constrains and the SQL
// comparator to apply.
type Filter struct {
	Column   string
	Operator string
}

// BuildSearch translates URL query parameters into a parametrised SELECT.
//
// Recognised generic keys:
//
//	order_by  one of the keys in orderBy
//	arrange   "asc" or "desc"; requires order_by
//	limit     positive integer
//	offset    non-negative integer; requires limit
//
// Every other key must appear in where. Filter values are comma-separated
// lists: elements under one key are OR-combined, distinct keys are
// AND-combined. All values travel as bound parameters; nothing from the
// request is interpolated into the SQL text.
func BuildSearch(table string, orderBy map[string]string, where map[string]Filter, params url.Values, selectColumns []string) (string, []any, error) {
	for key := range params {
		switch key {
		case "order_by", "arrange", "limit", "offset":
			continue
		}
		if _, ok := where[key]; !ok {
			return "", nil, fmt.Errorf("%w: %s", ErrInvalidParameter, key)
		}
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	if len(selectColumns) == 0 {
		b.WriteString("*")
	} else {
		b.WriteString(strings.Join(selectColumns, ", "))
	}
	b.WriteString(" FROM ")
	b.WriteString(table)

	var args []any

	// Deterministic clause order regardless of map iteration.
	filterKeys := make([]string, 0, len(params))
	for key := range params {
		if _, ok := where[key]; ok {
			filterKeys = append(filterKeys, key)
		}
	}
	slices.Sort(filterKeys)

	var conjunctions []string
	for _, key := range filterKeys {
		filter := where[key]
		var disjunctions []string
		for _, raw := range params[key] {
			for _, value := range strings.Split(raw, ",") {
				disjunctions = append(disjunctions,
					fmt.Sprintf("%s %s ?", filter.Column, filter.Operator))
				args = append(args, value)
			}
		}
		conjunctions = append(conjunctions,
			"("+strings.Join(disjunctions, " OR ")+")")
	}
	if len(conjunctions) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conjunctions, " AND "))
	}

	arrange := params.Get("arrange")
	if order := params.Get("order_by"); order != "" {
		column, ok := orderBy[order]
		if !ok {
			return "", nil, fmt.Errorf("%w: cannot order by %s", ErrInvalidParameter, order)
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(column)
		switch arrange {
		case "":
		case "asc":
			b.WriteString(" ASC")
		case "desc":
			b.WriteString(" DESC")
		default:
			return "", nil, fmt.Errorf("%w: arrange must be asc or desc", ErrInvalidParameter)
		}
	} else if arrange != "" {
		return "", nil, fmt.Errorf("%w: arrange given without order_by", ErrInvalidParameter)
	}

	offset := params.Get("offset")
	if limit := params.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			return "", nil, fmt.Errorf("%w: limit must be a positive integer", ErrInvalidParameter)
		}
		b.WriteString(" LIMIT ?")
		args = append(args, n)
		if offset != "" {
			m, err := strconv.Atoi(offset)
			if err != nil || m < 0 {
				return "", nil, fmt.Errorf("%w: offset must be a non-negative integer", ErrInvalidParameter)
			}
			b.WriteString(" OFFSET ?")
			args = append(args, m)
		}
	} else if offset != "" {
		return "", nil, fmt.Errorf("%w: offset given without limit", ErrInvalidParameter)
	}

	return b.String(), args, nil
}
