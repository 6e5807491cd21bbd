package item

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSetPreservesInsertionOrder(t *testing.T) {
	it := New().Set("id", "1").Set("body", "hello").Set("author", "ann")
	it.Set("id", "2")

	if diff := cmp.Diff([]string{"id", "body", "author"}, it.Keys()); diff != "" {
		t.Fatalf("unexpected key order (-want +got):\n%s", diff)
	}
	if it.String("id") != "2" {
		t.Fatalf("overwrite should replace value, got %q", it.String("id"))
	}

	it.Delete("body")
	if diff := cmp.Diff([]string{"id", "author"}, it.Keys()); diff != "" {
		t.Fatalf("unexpected keys after delete (-want +got):\n%s", diff)
	}
}

func TestFlattenNestedValues(t *testing.T) {
	nested := New().Set("name", "ann").Set("followers", int64(12))
	it := New().
		Set("id", "42").
		Set("author", nested).
		Set("tags", []any{"a", "b", int64(3)}).
		Set("meta", map[string]any{"z": true, "a": 1.5})

	flat := it.Flatten()
	want := []string{"id", "author.name", "author.followers", "tags", "meta.a", "meta.z"}
	if diff := cmp.Diff(want, flat.Keys()); diff != "" {
		t.Fatalf("unexpected flattened keys (-want +got):\n%s", diff)
	}
	if flat.String("tags") != "a,b,3" {
		t.Fatalf("lists should be comma joined, got %q", flat.String("tags"))
	}
	if flat.String("meta.z") != "true" {
		t.Fatalf("unexpected meta.z: %q", flat.String("meta.z"))
	}
}

func TestJSONRoundTripKeepsOrder(t *testing.T) {
	raw := []byte(`{"zeta":1,"alpha":{"b":2,"a":[1,"x"]},"mid":2.5,"nil":null}`)
	it := New()
	if err := json.Unmarshal(raw, it); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if diff := cmp.Diff([]string{"zeta", "alpha", "mid", "nil"}, it.Keys()); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}
	v, _ := it.Get("zeta")
	if v != int64(1) {
		t.Fatalf("integers should decode as int64, got %T", v)
	}

	out, err := json.Marshal(it)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"zeta":1,"alpha":{"b":2,"a":[1,"x"]},"mid":2.5,"nil":null}` {
		t.Fatalf("unexpected encoding: %s", out)
	}
}

func TestUnmarshalRejectsNonObject(t *testing.T) {
	it := New()
	if err := json.Unmarshal([]byte(`[1,2]`), it); err == nil {
		t.Fatalf("expected error for array input")
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := New().Set("list", []any{"a"}).Set("nested", New().Set("x", "1"))
	cp := orig.Clone()
	cp.Set("list", []any{"b"})
	nested, _ := cp.Get("nested")
	nested.(*Item).Set("x", "2")

	if orig.String("list") != `["a"]` {
		t.Fatalf("original list mutated: %s", orig.String("list"))
	}
	n, _ := orig.Get("nested")
	if n.(*Item).String("x") != "1" {
		t.Fatalf("original nested item mutated")
	}
}
