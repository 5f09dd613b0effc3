package syncmap

import "testing"

func TestMap_PutGetDelete(t *testing.T) {
	m := New[string, int]()

	if _, ok := m.Get("a"); ok {
		t.Fatal("Get() on empty map returned ok = true")
	}

	m.Put("a", 1)
	m.Put("b", 2)

	if v, ok := m.Get("a"); !ok || v != 1 {
		t.Fatalf("Get(a) = %d, %v, want 1, true", v, ok)
	}

	m.Delete("a")
	if _, ok := m.Get("a"); ok {
		t.Fatal("Get(a) after Delete(a) returned ok = true")
	}
	if v, ok := m.Get("b"); !ok || v != 2 {
		t.Fatalf("Get(b) = %d, %v, want 2, true", v, ok)
	}
}

func TestMap_DeleteMultiple(t *testing.T) {
	m := New[int, string]()
	m.Put(1, "x")
	m.Put(2, "y")
	m.Put(3, "z")

	m.Delete(1, 3)

	if _, ok := m.Get(1); ok {
		t.Fatal("Get(1) after Delete(1, 3) returned ok = true")
	}
	if _, ok := m.Get(3); ok {
		t.Fatal("Get(3) after Delete(1, 3) returned ok = true")
	}
	if v, ok := m.Get(2); !ok || v != "y" {
		t.Fatalf("Get(2) = %q, %v, want y, true", v, ok)
	}
}
