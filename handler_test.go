package fsobserve

import "testing"

func TestCallbackHandler(t *testing.T) {
	var got []string
	add := func(tag string) func(Event) {
		return func(Event) { got = append(got, tag) }
	}

	h := &CallbackHandler{
		OnAny:      add("any"),
		OnCreated:  add("created"),
		OnDeleted:  add("deleted"),
		OnMoved:    add("moved"),
		OnOverflow: func() { got = append(got, "overflow") },
	}

	h.Dispatch(Event{Kind: Created, Path: "/a"})
	h.Dispatch(Event{Kind: Deleted, Path: "/a"})
	h.Dispatch(Event{Kind: Modified, Path: "/a"}) // No callback set: only OnAny.
	h.Dispatch(Event{Kind: Overflow})             // Marker skips OnAny.

	want := []string{"any", "created", "any", "deleted", "any", "overflow"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
