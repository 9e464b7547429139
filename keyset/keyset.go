// Package keyset turns a cursor position into a bounded range fetch.
//
// Pages are cut by comparing sort-key values, never by offsets: the fetch
// selects rows strictly after the boundary tuple in the effective scan
// order. Backward navigation scans the inverted order and Finalize
// re-reverses the rows, so callers always see forward spec order.
package keyset

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/unkn0wn-root/cursorpage/cursor"
	"github.com/unkn0wn-root/cursorpage/sortkey"
)

var ErrInvalidLimit = errors.New("keyset: limit must be positive")

// Request is a decoded page request.
type Request struct {
	Position  *cursor.Position // nil => first page
	Direction cursor.Direction // used only when Position is nil
	Limit     int
}

// FetchSpec is the bounded, ordered range a DataSource must return.
type FetchSpec struct {
	Identity string
	Filters  map[string]any
	// Order is the effective scan order (spec order, inverted for backward).
	Order []sortkey.Field
	// After is the exclusive lower bound in Order; nil scans from the start.
	After sortkey.Tuple
	// Limit is page size + 1; the extra row signals hasMore.
	Limit    int
	Backward bool
}

// Plan builds the FetchSpec for req over spec.
func Plan(spec sortkey.Spec, identity string, filters map[string]any, req Request) (FetchSpec, error) {
	if req.Limit <= 0 {
		return FetchSpec{}, ErrInvalidLimit
	}
	dir := req.Direction
	var after sortkey.Tuple
	if req.Position != nil {
		dir = req.Position.Direction
		vals, err := spec.Normalize(req.Position.Values)
		if err != nil {
			return FetchSpec{}, fmt.Errorf("keyset: cursor values: %w", err)
		}
		after = vals
	}

	order := spec.Fields()
	backward := dir == cursor.Backward
	if backward {
		for i := range order {
			order[i].Order = order[i].Order.Invert()
		}
	}

	var f map[string]any
	if len(filters) > 0 {
		f = maps.Clone(filters)
	}
	return FetchSpec{
		Identity: identity,
		Filters:  f,
		Order:    order,
		After:    after,
		Limit:    req.Limit + 1,
		Backward: backward,
	}, nil
}

// Compare orders two normalized key tuples in the scan order.
func (fs FetchSpec) Compare(a, b sortkey.Tuple) int {
	return sortkey.Compare(fs.Order, a, b)
}

// Admits reports whether a row with the given normalized keys lies strictly
// after the boundary. A boundary whose row was deleted still cuts correctly.
func (fs FetchSpec) Admits(keys sortkey.Tuple) bool {
	if fs.After == nil {
		return true
	}
	return sortkey.Compare(fs.Order, keys, fs.After) > 0
}

// Finalize trims the look-ahead row and restores forward spec order.
// rows must be in scan order. The returned slice is freshly allocated.
func Finalize[T any](fs FetchSpec, rows []T) (items []T, hasMore bool) {
	limit := fs.Limit - 1
	if len(rows) > limit {
		hasMore = true
		rows = rows[:limit]
	}
	items = make([]T, len(rows))
	copy(items, rows)
	if fs.Backward {
		slices.Reverse(items)
	}
	return items, hasMore
}

// Where renders the boundary predicate as SQL:
//
//	(a > $1) OR (a = $1 AND b < $2) OR (a = $1 AND b = $2 AND id > $3)
//
// quote renders an identifier, placeholder renders the n-th (1-based)
// argument starting at argStart. Returns "" and no args for a first page.
func Where(fs FetchSpec, quote func(string) string, placeholder func(int) string, argStart int) (string, []any) {
	if fs.After == nil {
		return "", nil
	}
	args := make([]any, len(fs.Order))
	ph := make([]string, len(fs.Order))
	for i := range fs.Order {
		args[i] = fs.After[i]
		ph[i] = placeholder(argStart + i)
	}

	terms := make([]string, 0, len(fs.Order))
	for i, f := range fs.Order {
		var b strings.Builder
		b.WriteByte('(')
		for j := 0; j < i; j++ {
			b.WriteString(quote(fs.Order[j].Name))
			b.WriteString(" = ")
			b.WriteString(ph[j])
			b.WriteString(" AND ")
		}
		b.WriteString(quote(f.Name))
		if f.Order == sortkey.Desc {
			b.WriteString(" < ")
		} else {
			b.WriteString(" > ")
		}
		b.WriteString(ph[i])
		b.WriteByte(')')
		terms = append(terms, b.String())
	}
	return "(" + strings.Join(terms, " OR ") + ")", args
}

// OrderBy renders the scan order as an SQL ORDER BY list.
func OrderBy(fs FetchSpec, quote func(string) string) string {
	parts := make([]string, len(fs.Order))
	for i, f := range fs.Order {
		dir := "ASC"
		if f.Order == sortkey.Desc {
			dir = "DESC"
		}
		parts[i] = quote(f.Name) + " " + dir
	}
	return strings.Join(parts, ", ")
}
