package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/lingo/relay/internal/chat"
	"github.com/lingo/relay/internal/protocol"
)

// fakeSink records frames; when err is set every write fails.
type fakeSink struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (s *fakeSink) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, data)
	return nil
}

func (s *fakeSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.frames))
	for _, f := range s.frames {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(f, &env)
		out = append(out, env.Type)
	}
	return out
}

type fakeDirectory struct {
	mu      sync.Mutex
	created []string
	deleted []string
}

func (d *fakeDirectory) Create(_ context.Context, connID, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.created = append(d.created, connID)
	return nil
}

func (d *fakeDirectory) Delete(_ context.Context, connID, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, connID)
	return errors.New("redis down")
}

func handleWith(userID, connID string, sink *fakeSink) *Handle {
	h := newHandle(userID, connID)
	h.Sink = sink
	return h
}

func TestSendToUser_AllConnections(t *testing.T) {
	svc := NewService(NewRegistry(4), nil, DefaultServiceConfig())
	s1, s2 := &fakeSink{}, &fakeSink{}
	svc.OnConnect(handleWith("u1", "c1", s1))
	svc.OnConnect(handleWith("u1", "c2", s2))

	out := svc.SendToUser("u1", protocol.TypeMessage, protocol.MessagesReadMsg{Count: 1})
	if out.Status != chat.StatusLive {
		t.Fatalf("expected live, got %s (%v)", out.Status, out.Err)
	}
	for i, s := range []*fakeSink{s1, s2} {
		if got := s.types(); len(got) != 1 || got[0] != protocol.TypeMessage {
			t.Errorf("sink %d frames = %v", i, got)
		}
	}
}

func TestSendToUser_Offline(t *testing.T) {
	svc := NewService(NewRegistry(4), nil, DefaultServiceConfig())

	out := svc.SendToUser("nobody", protocol.TypeMessage, protocol.PongMsg{})
	if out.Status != chat.StatusOffline {
		t.Fatalf("expected offline, got %s", out.Status)
	}
	if out.UserID != "nobody" {
		t.Errorf("expected outcome for nobody, got %q", out.UserID)
	}
}

func TestSendToUser_EvictsStaleConnection(t *testing.T) {
	svc := NewService(NewRegistry(4), nil, DefaultServiceConfig())
	var evicted []string
	svc.SetOnEvict(func(h *Handle) { evicted = append(evicted, h.ConnID) })

	good := &fakeSink{}
	bad := &fakeSink{err: errors.New("broken pipe")}
	svc.OnConnect(handleWith("u1", "good", good))
	svc.OnConnect(handleWith("u1", "bad", bad))

	out := svc.SendToUser("u1", protocol.TypeMessage, protocol.PongMsg{})
	if out.Status != chat.StatusLive {
		t.Fatalf("expected live through the healthy connection, got %s", out.Status)
	}
	if len(evicted) != 1 || evicted[0] != "bad" {
		t.Fatalf("expected bad to be evicted, got %v", evicted)
	}
	handles := svc.Registry().Lookup("u1")
	if len(handles) != 1 || handles[0].ConnID != "good" {
		t.Fatalf("expected only good to remain, got %+v", handles)
	}
}

func TestSendToUser_AllStale(t *testing.T) {
	svc := NewService(NewRegistry(4), nil, DefaultServiceConfig())
	svc.OnConnect(handleWith("u1", "c1", &fakeSink{err: errors.New("closed")}))

	out := svc.SendToUser("u1", protocol.TypeMessage, protocol.PongMsg{})
	if out.Status != chat.StatusOffline {
		t.Fatalf("expected offline after all connections failed, got %s", out.Status)
	}
	if out.Err == nil {
		t.Error("expected the write error to be carried")
	}
	if svc.IsUserOnline("u1") {
		t.Error("expected u1 evicted and offline")
	}
}

func TestSendToUser_BadPayload(t *testing.T) {
	svc := NewService(NewRegistry(4), nil, DefaultServiceConfig())
	sink := &fakeSink{}
	svc.OnConnect(handleWith("u1", "c1", sink))

	out := svc.SendToUser("u1", protocol.TypeMessage, "not an object")
	if out.Status != chat.StatusFailed || out.Err == nil {
		t.Fatalf("expected failed with error, got %s (%v)", out.Status, out.Err)
	}
	if len(sink.types()) != 0 {
		t.Error("nothing should have been written")
	}
	if !svc.IsUserOnline("u1") {
		t.Error("an encoding error must not evict the connection")
	}
}

func TestBroadcastExcept(t *testing.T) {
	svc := NewService(NewRegistry(4), nil, DefaultServiceConfig())
	self, other1, other2 := &fakeSink{}, &fakeSink{}, &fakeSink{}
	svc.OnConnect(handleWith("u1", "c1", self))
	svc.OnConnect(handleWith("u2", "c2", other1))
	svc.OnConnect(handleWith("u3", "c3", other2))
	svc.OnConnect(handleWith("u4", "c4", &fakeSink{err: errors.New("gone")}))

	sent := svc.BroadcastExcept("u1", protocol.TypePresence, protocol.PresenceMsg{UserID: "u1", Online: true})
	if sent != 2 {
		t.Fatalf("expected 2 deliveries, got %d", sent)
	}
	if len(self.types()) != 0 {
		t.Error("excluded user must not receive the broadcast")
	}
	if svc.IsUserOnline("u4") {
		t.Error("failed broadcast target should be evicted")
	}
}

func TestAnnouncePresence(t *testing.T) {
	cfg := DefaultServiceConfig()
	cfg.AnnouncePresence = true
	svc := NewService(NewRegistry(4), nil, cfg)

	watcher := &fakeSink{}
	svc.OnConnect(handleWith("w", "w1", watcher))

	h1 := handleWith("u1", "c1", &fakeSink{})
	h2 := handleWith("u1", "c2", &fakeSink{})
	svc.OnConnect(h1)
	svc.OnConnect(h2) // second device: no announcement
	svc.OnDisconnect(h1)
	svc.OnDisconnect(h2) // last device: offline announcement

	got := watcher.types()
	if len(got) != 2 || got[0] != protocol.TypePresence || got[1] != protocol.TypePresence {
		t.Fatalf("expected two presence frames, got %v", got)
	}

	var online, offline protocol.PresenceMsg
	_ = json.Unmarshal(watcher.frames[0], &online)
	_ = json.Unmarshal(watcher.frames[1], &offline)
	if !online.Online || online.LastSeen != nil {
		t.Errorf("unexpected online announcement: %+v", online)
	}
	if offline.Online || offline.LastSeen == nil || offline.LastSeen.IsZero() {
		t.Errorf("offline announcement should carry lastSeen: %+v", offline)
	}
}

func TestDirectoryMirror(t *testing.T) {
	dir := &fakeDirectory{}
	svc := NewService(NewRegistry(4), dir, DefaultServiceConfig())

	h := handleWith("u1", "c1", &fakeSink{})
	svc.OnConnect(h)
	svc.OnDisconnect(h)
	svc.OnDisconnect(h) // unknown by now: no second directory call

	if len(dir.created) != 1 || len(dir.deleted) != 1 {
		t.Fatalf("directory calls created=%v deleted=%v", dir.created, dir.deleted)
	}
	if svc.IsUserOnline("u1") {
		t.Error("directory errors must not keep the user online")
	}
}
