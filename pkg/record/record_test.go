package record

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
)

func TestRecord_UnmarshalPreservesOrder(t *testing.T) {
	var r Record
	data := []byte(`{"pii":"S1","title":"Cells","authors":[{"name":"A"}],"openAccess":false,"pages":{"first":"12"},"year":2024,"doi":null}`)
	if err := json.Unmarshal(data, &r); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	want := []string{"pii", "title", "authors", "openAccess", "pages", "year", "doi"}
	got := r.Names()
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	year, _ := r.Get("year")
	if n, ok := year.AsInt(); !ok || n != 2024 {
		t.Errorf("year = %v (%v), want 2024", n, ok)
	}
	doi, _ := r.Get("doi")
	if !doi.IsNull() {
		t.Errorf("doi kind = %s, want null", doi.Kind())
	}
	pages, _ := r.Get("pages")
	if pages.Kind() != KindObject {
		t.Errorf("pages kind = %s, want object", pages.Kind())
	}
}

func TestRecord_MarshalRoundTripKeepsOrder(t *testing.T) {
	in := `{"z":1,"a":"x","m":[true,null,2.5]}`
	var r Record
	if err := json.Unmarshal([]byte(in), &r); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	out, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(out) != in {
		t.Errorf("Marshal() = %s, want %s", out, in)
	}
}

func TestRecord_UnmarshalRejectsNonObject(t *testing.T) {
	var r Record
	if err := json.Unmarshal([]byte(`[1,2]`), &r); err == nil {
		t.Error("expected error for JSON array")
	}
}

func TestRecord_SetReplacesInPlace(t *testing.T) {
	r := FromFields(
		Field{Name: "a", Value: String("1")},
		Field{Name: "b", Value: String("2")},
	)
	r.Set("a", Bool(true))
	r.Set("c", Null())

	names := r.Names()
	if len(names) != 3 || names[0] != "a" || names[2] != "c" {
		t.Errorf("Names() = %v, want [a b c]", names)
	}
	v, _ := r.Get("a")
	if b, ok := v.AsBool(); !ok || !b {
		t.Errorf("a = %v, want true", v.Text())
	}

	r.Delete("b")
	if _, ok := r.Get("b"); ok {
		t.Error("b should be deleted")
	}
}

func TestRecord_CloneIsDeep(t *testing.T) {
	inner := FromFields(Field{Name: "first", Value: String("1")})
	r := FromFields(Field{Name: "pages", Value: Object(inner)}, Field{Name: "tags", Value: List(String("x"))})

	c := r.Clone()
	c.Set("pages", String("flat"))

	v, _ := r.Get("pages")
	if v.Kind() != KindObject {
		t.Errorf("original pages kind = %s, want object", v.Kind())
	}
	if !r.Clone().Equal(r) {
		t.Error("Clone() should equal original")
	}
}

func TestValue_Text(t *testing.T) {
	tests := []struct {
		name  string
		value Value
		want  string
	}{
		{"null", Null(), ""},
		{"string", String("Cell"), "Cell"},
		{"int", Int(42), "42"},
		{"float", Number(2.5), "2.5"},
		{"bool", Bool(true), "true"},
		{"list", List(String("a"), Int(1)), `["a",1]`},
		{"object", Object(FromFields(Field{Name: "k", Value: String("v")})), `{"k":"v"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.value.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValue_AsIntAcceptsNumericString(t *testing.T) {
	if n, ok := String(" 300 ").AsInt(); !ok || n != 300 {
		t.Errorf("AsInt() = %d, %v; want 300, true", n, ok)
	}
	if _, ok := String("many").AsInt(); ok {
		t.Error("AsInt() should fail for non-numeric string")
	}
	if _, ok := Bool(true).AsInt(); ok {
		t.Error("AsInt() should fail for bool")
	}
}

func TestResultSet_AppendAndFreeze(t *testing.T) {
	rs := NewResultSet()
	n, err := rs.Append(FromFields(Field{Name: "pii", Value: String("A")}))
	if err != nil || n != 1 {
		t.Fatalf("Append() = %d, %v; want 1, nil", n, err)
	}

	rs.Freeze()
	if !rs.Frozen() {
		t.Error("Frozen() = false after Freeze")
	}
	if _, err := rs.Append(Record{}); !errors.Is(err, ErrFrozen) {
		t.Errorf("Append() after freeze error = %v, want ErrFrozen", err)
	}
	if rs.Len() != 1 {
		t.Errorf("Len() = %d, want 1", rs.Len())
	}
}

func TestResultSet_ConcurrentAppend(t *testing.T) {
	rs := NewResultSet()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			batch := make([]Record, 10)
			for j := range batch {
				batch[j] = FromFields(Field{Name: "n", Value: Int(int64(i*10 + j))})
			}
			if _, err := rs.Append(batch...); err != nil {
				t.Errorf("Append() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	if rs.Len() != 200 {
		t.Errorf("Len() = %d, want 200", rs.Len())
	}
}

func TestResultSet_FilterAndColumns(t *testing.T) {
	rs := NewResultSet()
	rs.Append(
		FromFields(Field{Name: "pii", Value: String("A")}, Field{Name: "sourceTitle", Value: String("Cell")}),
		FromFields(Field{Name: "pii", Value: String("B")}, Field{Name: "sourceTitle", Value: String("Cell Reports")}),
		FromFields(Field{Name: "sourceTitle", Value: String("Cell")}, Field{Name: "doi", Value: String("10.1/x")}),
	)

	filtered := rs.Filter(FieldEquals("sourceTitle", "Cell"))
	if filtered.Len() != 2 {
		t.Fatalf("Filter() len = %d, want 2", filtered.Len())
	}
	if !filtered.Frozen() {
		t.Error("filtered set should be frozen")
	}

	cols := filtered.Columns()
	want := []string{"pii", "sourceTitle", "doi"}
	if len(cols) != len(want) {
		t.Fatalf("Columns() = %v, want %v", cols, want)
	}
	for i := range want {
		if cols[i] != want[i] {
			t.Errorf("Columns()[%d] = %q, want %q", i, cols[i], want[i])
		}
	}
}
