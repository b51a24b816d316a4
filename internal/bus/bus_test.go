package bus_test

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/gong8/willow/internal/bus"
	"github.com/gong8/willow/internal/event"
)

func TestServerDeliversEvents(t *testing.T) {
	t.Parallel()

	s, err := bus.NewServer()
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.Close()

	received := make(chan event.Event, 10)
	s.OnEvent(func(ev event.Event) { received <- ev })

	c, err := bus.Dial(s.Path())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	want := event.New(event.ToolCallStart, event.ToolCallStartData{ID: "search__t1", Name: "walk_graph"})
	if err := c.Send(want); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-received:
		if got.Name != want.Name {
			t.Fatalf("name = %q, want %q", got.Name, want.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestServerDropsMalformedLines(t *testing.T) {
	t.Parallel()

	s, err := bus.NewServer()
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.Close()

	received := make(chan event.Event, 10)
	s.OnEvent(func(ev event.Event) { received <- ev })

	c, err := bus.Dial(s.Path())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	// Raw garbage followed by a valid record; only the valid one arrives.
	if _, err := rawWrite(t, s.Path(), "this is not json\n"); err != nil {
		t.Fatalf("raw write: %v", err)
	}
	if err := c.Send(event.New(event.Content, event.ContentData{Text: "ok"})); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-received:
		if got.Name != event.Content {
			t.Fatalf("unexpected event %q", got.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid event not delivered")
	}
	select {
	case got := <-received:
		t.Fatalf("malformed line produced event %q", got.Name)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseRemovesSocketFile(t *testing.T) {
	t.Parallel()

	s, err := bus.NewServer()
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	path := s.Path()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("socket file still present: %v", err)
	}
}

// rawWrite opens a fresh connection and writes raw bytes outside the Client
// framing.
func rawWrite(t *testing.T, path, payload string) (int, error) {
	t.Helper()
	conn, err := net.Dial("unix", path)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	return conn.Write([]byte(payload))
}
