package keyset

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/unkn0wn-root/cursorpage/cursor"
	"github.com/unkn0wn-root/cursorpage/sortkey"
)

var spec = sortkey.MustNew(
	sortkey.Field{Name: "f1", Kind: sortkey.Int},
	sortkey.Field{Name: "f2", Kind: sortkey.Int, Order: sortkey.Desc},
	sortkey.Field{Name: "id", Kind: sortkey.Int, Unique: true},
)

func TestPlanFirstPage(t *testing.T) {
	fs, err := Plan(spec, "feed", map[string]any{"tag": "go"}, Request{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if fs.Limit != 11 || fs.After != nil || fs.Backward {
		t.Fatalf("unexpected spec %+v", fs)
	}
	if !fs.Admits(sortkey.Tuple{int64(0), int64(0), int64(0)}) {
		t.Fatalf("first page must admit everything")
	}
}

func TestPlanCopiesFilters(t *testing.T) {
	filters := map[string]any{"tag": "go"}
	fs, err := Plan(spec, "feed", filters, Request{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	filters["tag"] = "rust"
	if fs.Filters["tag"] != "go" {
		t.Fatalf("fetch spec shares caller filters")
	}
}

func TestPlanRejectsBadLimit(t *testing.T) {
	if _, err := Plan(spec, "feed", nil, Request{Limit: 0}); err != ErrInvalidLimit {
		t.Fatalf("want ErrInvalidLimit, got %v", err)
	}
}

func TestForwardPredicateMixedOrder(t *testing.T) {
	pos := &cursor.Position{Values: sortkey.Tuple{5, 5, 5}, Direction: cursor.Forward}
	fs, err := Plan(spec, "feed", nil, Request{Position: pos, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	row := func(a, b, c int64) sortkey.Tuple { return sortkey.Tuple{a, b, c} }
	cases := []struct {
		keys sortkey.Tuple
		want bool
	}{
		{row(6, 0, 0), true},  // f1 greater
		{row(4, 9, 9), false}, // f1 smaller
		{row(5, 4, 0), true},  // f2 desc: smaller comes after
		{row(5, 6, 9), false}, // f2 desc: larger comes before
		{row(5, 5, 6), true},  // tiebreaker
		{row(5, 5, 5), false}, // the boundary itself is excluded
		{row(5, 5, 4), false},
	}
	for _, tc := range cases {
		if got := fs.Admits(tc.keys); got != tc.want {
			t.Fatalf("Admits(%v)=%v want %v", tc.keys, got, tc.want)
		}
	}
}

func TestBackwardInvertsAndFinalizeRestoresOrder(t *testing.T) {
	pos := &cursor.Position{Values: sortkey.Tuple{5, 5, 5}, Direction: cursor.Backward}
	fs, err := Plan(spec, "feed", nil, Request{Position: pos, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if !fs.Backward || fs.Order[0].Order != sortkey.Desc || fs.Order[1].Order != sortkey.Asc {
		t.Fatalf("order not inverted: %+v", fs.Order)
	}
	if !fs.Admits(sortkey.Tuple{int64(5), int64(5), int64(4)}) || fs.Admits(sortkey.Tuple{int64(5), int64(5), int64(6)}) {
		t.Fatalf("backward predicate wrong")
	}
	// scan order for backward is newest-first; Finalize must flip and trim
	items, more := Finalize(fs, []int{4, 3, 2})
	if !more || !reflect.DeepEqual(items, []int{3, 4}) {
		t.Fatalf("items=%v more=%v", items, more)
	}
	// spec fields must not be touched by the inversion
	if spec.Field(0).Order != sortkey.Asc {
		t.Fatalf("plan mutated spec")
	}
}

func TestFinalizeShortPage(t *testing.T) {
	fs := FetchSpec{Limit: 3}
	rows := []string{"a"}
	items, more := Finalize(fs, rows)
	if more || len(items) != 1 {
		t.Fatalf("items=%v more=%v", items, more)
	}
	items[0] = "changed"
	if rows[0] != "a" {
		t.Fatalf("Finalize must not alias input")
	}
}

func TestWhereAndOrderBy(t *testing.T) {
	pos := &cursor.Position{Values: sortkey.Tuple{1, 2, 3}}
	fs, err := Plan(spec, "feed", nil, Request{Position: pos, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	quote := func(s string) string { return `"` + s + `"` }
	ph := func(n int) string { return fmt.Sprintf("$%d", n) }

	where, args := Where(fs, quote, ph, 2)
	want := `(("f1" > $2) OR ("f1" = $2 AND "f2" < $3) OR ("f1" = $2 AND "f2" = $3 AND "id" > $4))`
	if where != want {
		t.Fatalf("where:\n got %s\nwant %s", where, want)
	}
	if !reflect.DeepEqual(args, []any{int64(1), int64(2), int64(3)}) {
		t.Fatalf("args=%v", args)
	}
	if got := OrderBy(fs, quote); got != `"f1" ASC, "f2" DESC, "id" ASC` {
		t.Fatalf("order by: %s", got)
	}

	first, _ := Plan(spec, "feed", nil, Request{Limit: 1})
	if w, a := Where(first, quote, ph, 1); w != "" || a != nil {
		t.Fatalf("first page should have no predicate")
	}
}
