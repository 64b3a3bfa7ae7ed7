package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

type stubTransport struct {
	calls   int
	reply   map[string]any
	closed  bool
	failing bool
}

func (s *stubTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.calls++
	if s.failing {
		return nil, errStubCall
	}
	return json.Marshal(s.reply)
}

func (s *stubTransport) Close() error {
	s.closed = true
	return nil
}

type stubCallErr struct{ msg string }

func (e *stubCallErr) Error() string { return e.msg }

var errStubCall = &stubCallErr{"stub transport call failed"}

func TestRegistryGetServerForToolExactLookup(t *testing.T) {
	r := New(nil, nil)
	r.RegisterTool(RegisteredTool{Name: "fetch_page", ServerName: "scraper_server"})

	server, ok := r.GetServerForTool("fetch_page")
	if !ok || server != "scraper_server" {
		t.Fatalf("expected scraper_server, got %q ok=%v", server, ok)
	}

	if _, ok := r.GetServerForTool("nonexistent_tool"); ok {
		t.Fatal("expected lookup miss for unregistered tool")
	}
}

func TestRegistryInvokeDispatchesThroughSession(t *testing.T) {
	r := New(nil, nil)
	r.RegisterServer(ServerConfig{Name: "search_server", Transport: TransportSSE, URL: "http://example.invalid", Enabled: true})
	r.RegisterTool(RegisteredTool{Name: "web_search", ServerName: "search_server"})

	tr := &stubTransport{reply: map[string]any{"results": []any{"a", "b"}}}
	r.sessions["search_server"] = &session{transport: tr, lastUsed: time.Now()}

	result, _, err := r.Invoke(context.Background(), "web_search", map[string]any{"query": "go"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if tr.calls != 1 {
		t.Fatalf("expected 1 transport call, got %d", tr.calls)
	}
	if _, ok := result["results"]; !ok {
		t.Fatalf("expected results key in response, got %v", result)
	}
}

func TestRegistryInvokeUnknownToolFails(t *testing.T) {
	r := New(nil, nil)
	if _, _, err := r.Invoke(context.Background(), "ghost_tool", nil); err == nil {
		t.Fatal("expected error for unregistered tool")
	}
}

func TestRegistrySweepEvictsIdleSessions(t *testing.T) {
	r := New(nil, nil)
	r.IdleTTL = time.Millisecond

	tr := &stubTransport{}
	r.sessions["old_server"] = &session{transport: tr, lastUsed: time.Now().Add(-time.Hour)}

	time.Sleep(2 * time.Millisecond)
	r.Sweep(context.Background())

	if !tr.closed {
		t.Fatal("expected idle session transport to be closed")
	}
	if _, ok := r.sessions["old_server"]; ok {
		t.Fatal("expected idle session to be evicted from the map")
	}
}

func TestRegistryCloseTearsDownAllSessions(t *testing.T) {
	r := New(nil, nil)
	tr1 := &stubTransport{}
	tr2 := &stubTransport{}
	r.sessions["a"] = &session{transport: tr1, lastUsed: time.Now()}
	r.sessions["b"] = &session{transport: tr2, lastUsed: time.Now()}

	r.Close()

	if !tr1.closed || !tr2.closed {
		t.Fatal("expected all sessions closed")
	}
	if len(r.sessions) != 0 {
		t.Fatal("expected sessions map cleared")
	}
}
