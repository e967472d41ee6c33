package resource

import (
	"sync"
	"testing"

	"github.com/wippyai/enclave-net/errors"
)

type testObserver struct {
	mu     sync.Mutex
	events []Event[string]
}

func (o *testObserver) OnTableEvent(e Event[string]) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
}

type fakeSocket struct {
	typ      SocketType
	released int
}

func (s *fakeSocket) SocketType() SocketType { return s.typ }
func (s *fakeSocket) Release()               { s.released++ }

type otherSocket struct{ fakeSocket }

func TestTable_Basic(t *testing.T) {
	table := NewTable[string]()

	h, err := table.Insert("test")
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if h == 0 {
		t.Fatal("Expected non-zero handle")
	}

	val, ok := table.Get(h)
	if !ok {
		t.Fatal("Get failed")
	}
	if val != "test" {
		t.Fatalf("Expected 'test', got %v", val)
	}

	val, ok = table.Remove(h)
	if !ok {
		t.Fatal("Remove failed")
	}
	if val != "test" {
		t.Fatalf("Expected 'test', got %v", val)
	}

	if _, ok := table.Get(h); ok {
		t.Fatal("Get after Remove should fail")
	}
	if _, ok := table.Remove(h); ok {
		t.Fatal("second Remove should fail")
	}
	if table.Len() != 0 {
		t.Fatal("Expected Len() == 0 after Remove")
	}
}

func TestTable_InvalidHandle(t *testing.T) {
	table := NewTable[int]()
	for _, h := range []Handle{0, 1, 999} {
		if _, ok := table.Get(h); ok {
			t.Errorf("Get(%d) should fail on an empty table", h)
		}
		if _, ok := table.Remove(h); ok {
			t.Errorf("Remove(%d) should fail on an empty table", h)
		}
	}
}

func TestTable_HandleReuse(t *testing.T) {
	table := NewTable[int]()

	h1, _ := table.Insert(1)
	h2, _ := table.Insert(2)
	h3, _ := table.Insert(3)
	if h1 != 1 || h2 != 2 || h3 != 3 {
		t.Fatalf("handles = %d %d %d, want 1 2 3", h1, h2, h3)
	}

	table.Remove(h1)
	table.Remove(h2)

	// most recently freed first
	if h, _ := table.Insert(4); h != h2 {
		t.Errorf("Insert reused %d, want %d", h, h2)
	}
	if h, _ := table.Insert(5); h != h1 {
		t.Errorf("Insert reused %d, want %d", h, h1)
	}
	if table.Len() != 3 {
		t.Errorf("Len() = %d, want 3", table.Len())
	}
	if v, _ := table.Get(h3); v != 3 {
		t.Errorf("untouched entry changed: %d", v)
	}
}

func TestTable_Observer(t *testing.T) {
	table := NewTable[string]()
	obs := &testObserver{}
	table.Subscribe(obs)

	h, _ := table.Insert("test")
	if len(obs.events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(obs.events))
	}
	if obs.events[0].Type != EventCreated || obs.events[0].Handle != h || obs.events[0].Value != "test" {
		t.Fatalf("unexpected event %+v", obs.events[0])
	}

	table.Remove(h)
	if len(obs.events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(obs.events))
	}
	if obs.events[1].Type != EventDropped {
		t.Fatal("Expected EventDropped")
	}

	table.Unsubscribe(obs)
	table.Insert("quiet")
	if len(obs.events) != 2 {
		t.Fatal("unsubscribed observer still notified")
	}
}

func TestTable_Clear(t *testing.T) {
	table := NewTable[string]()
	obs := &testObserver{}
	table.Subscribe(obs)

	table.Insert("a")
	table.Insert("b")
	table.Clear()

	if table.Len() != 0 {
		t.Fatalf("Len() = %d after Clear", table.Len())
	}
	dropped := 0
	for _, e := range obs.events {
		if e.Type == EventDropped {
			dropped++
		}
	}
	if dropped != 2 {
		t.Errorf("dropped events = %d, want 2", dropped)
	}

	// Clear leaves the table open
	if _, err := table.Insert("c"); err != nil {
		t.Fatalf("Insert after Clear: %v", err)
	}
}

func TestTable_Close(t *testing.T) {
	table := NewTable[Socket]()
	s := &fakeSocket{typ: SocketStream}
	table.Insert(s)

	if err := table.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.released != 1 {
		t.Errorf("released = %d, want 1", s.released)
	}
	if table.Len() != 0 {
		t.Errorf("Len() = %d after Close", table.Len())
	}

	_, err := table.Insert(&fakeSocket{})
	if !errors.IsKind(err, errors.KindClosed) {
		t.Errorf("Insert after Close = %v, want closed", err)
	}

	if err := table.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if s.released != 1 {
		t.Error("second Close released again")
	}
}

func TestTable_ReleaseOnRemove(t *testing.T) {
	table := NewSocketTable()
	s := &fakeSocket{typ: SocketListener}
	h, _ := table.Insert(s)

	table.Remove(h)
	table.Remove(h)
	if s.released != 1 {
		t.Errorf("released = %d, want 1", s.released)
	}
}

func TestTable_Each(t *testing.T) {
	table := NewTable[int]()
	for i := 1; i <= 5; i++ {
		table.Insert(i * 10)
	}

	sum := 0
	table.Each(func(_ Handle, v int) bool {
		sum += v
		return true
	})
	if sum != 150 {
		t.Errorf("sum = %d, want 150", sum)
	}

	count := 0
	table.Each(func(_ Handle, _ int) bool {
		count++
		return count < 2
	})
	if count != 2 {
		t.Errorf("early stop visited %d entries, want 2", count)
	}

	// fn may remove entries
	table.Each(func(h Handle, _ int) bool {
		table.Remove(h)
		return true
	})
	if table.Len() != 0 {
		t.Errorf("Len() = %d after removing in Each", table.Len())
	}
}

func TestTable_Concurrent(t *testing.T) {
	table := NewTable[int]()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			h, err := table.Insert(n)
			if err != nil {
				t.Errorf("Insert: %v", err)
				return
			}
			if v, ok := table.Get(h); !ok || v != n {
				t.Errorf("Get(%d) = %d, %v", h, v, ok)
			}
			table.Remove(h)
		}(i)
	}
	wg.Wait()

	if table.Len() != 0 {
		t.Errorf("Len() = %d, want 0", table.Len())
	}
}

func TestLookup(t *testing.T) {
	table := NewSocketTable()
	s := &fakeSocket{typ: SocketStream}
	h, _ := table.Insert(s)

	got, ok := Lookup[*fakeSocket](table, h)
	if !ok || got != s {
		t.Fatal("Lookup with the stored type failed")
	}
	if _, ok := Lookup[*otherSocket](table, h); ok {
		t.Error("Lookup with another type should fail")
	}
	if _, ok := Lookup[*fakeSocket](table, h+1); ok {
		t.Error("Lookup of a missing handle should fail")
	}
}

func TestSocketType_String(t *testing.T) {
	tests := map[SocketType]string{
		SocketStream:   "stream",
		SocketListener: "listener",
		SocketType(0):  "unknown",
	}
	for typ, want := range tests {
		if got := typ.String(); got != want {
			t.Errorf("SocketType(%d).String() = %q, want %q", typ, got, want)
		}
	}
	if EventCreated.String() != "created" || EventDropped.String() != "dropped" {
		t.Error("EventType names")
	}
}
