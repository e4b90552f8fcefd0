package emit

import "testing"

func TestEmit(t *testing.T) {
	e := New[int]()

	var a, b []int
	unsubA := e.Subscribe(func(v int) { a = append(a, v) })
	unsubB := e.Subscribe(func(v int) { b = append(b, v) })
	defer unsubB()

	e.Emit(1)
	e.Emit(2)
	unsubA()
	e.Emit(3)

	if len(a) != 2 || a[0] != 1 || a[1] != 2 {
		t.Errorf("a = %v", a)
	}
	if len(b) != 3 || b[2] != 3 {
		t.Errorf("b = %v", b)
	}
}

func TestEmitNoSubscribers(t *testing.T) {
	e := New[string]()
	e.Emit("nobody home")
}

func TestLen(t *testing.T) {
	e := New[int]()
	if e.Len() != 0 {
		t.Fatalf("len = %d, want 0", e.Len())
	}
	unsub := e.Subscribe(func(int) {})
	if e.Len() != 1 {
		t.Fatalf("len = %d, want 1", e.Len())
	}
	unsub()
	if e.Len() != 0 {
		t.Fatalf("len = %d after unsubscribe, want 0", e.Len())
	}
}

func TestUnsubscribeTwice(t *testing.T) {
	e := New[int]()
	n := 0
	unsub := e.Subscribe(func(int) { n++ })
	unsub()
	unsub()
	e.Emit(1)
	if n != 0 {
		t.Errorf("n = %d, want 0", n)
	}
}
