package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lingo/relay/internal/chat"
	"github.com/lingo/relay/internal/delivery"
	"github.com/lingo/relay/internal/presence"
	"github.com/lingo/relay/internal/push"
)

// eventLog records side effects across fakes in the order they happened.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...interface{}) {
	l.mu.Lock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// memStore is an in-memory Store.
type memStore struct {
	mu            sync.Mutex
	log           *eventLog
	users         map[string]*chat.User
	groups        map[string]*chat.Group
	contacts      map[[2]string]*chat.Contact
	members       map[string][]string
	messages      []chat.Message
	groupMessages []chat.GroupMessage
	nextID        int64

	createErr error
	listErr   error
	onCreate  func()
}

func newMemStore(log *eventLog) *memStore {
	return &memStore{
		log:      log,
		users:    make(map[string]*chat.User),
		groups:   make(map[string]*chat.Group),
		contacts: make(map[[2]string]*chat.Contact),
		members:  make(map[string][]string),
	}
}

func (s *memStore) addUser(u chat.User) {
	s.users[u.ID] = &u
}

func (s *memStore) addContact(a, b string) {
	s.nextID++
	s.contacts[[2]string{a, b}] = &chat.Contact{ID: s.nextID, UserID: a, ContactUserID: b, CreatedAt: time.Now()}
	s.nextID++
	s.contacts[[2]string{b, a}] = &chat.Contact{ID: s.nextID, UserID: b, ContactUserID: a, CreatedAt: time.Now()}
}

func (s *memStore) addGroup(id, name string, members ...string) {
	s.groups[id] = &chat.Group{ID: id, Name: name}
	s.members[id] = members
}

func (s *memStore) FindUser(_ context.Context, userID string) (*chat.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) FindGroup(_ context.Context, groupID string) (*chat.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (s *memStore) FindContactRelation(_ context.Context, userID, otherID string) (*chat.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[[2]string{userID, otherID}]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) FindGroupMembership(_ context.Context, userID, groupID string) (*chat.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.members[groupID] {
		if id == userID {
			return &chat.Membership{GroupID: groupID, UserID: userID, Role: chat.RoleMember}, nil
		}
	}
	return nil, nil
}

func (s *memStore) ListGroupMembers(_ context.Context, groupID string) ([]chat.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []chat.User
	for _, id := range s.members[groupID] {
		out = append(out, *s.users[id])
	}
	return out, nil
}

func (s *memStore) CreateMessage(_ context.Context, senderID, receiverID, content string) (*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.nextID++
	m := chat.Message{ID: s.nextID, SenderID: senderID, ReceiverID: receiverID, Content: content, CreatedAt: time.Now()}
	s.messages = append(s.messages, m)
	s.log.add("persist %d", m.ID)
	if s.onCreate != nil {
		s.onCreate()
	}
	return &m, nil
}

func (s *memStore) CreateGroupMessage(_ context.Context, senderID, groupID, content string) (*chat.GroupMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.nextID++
	m := chat.GroupMessage{ID: s.nextID, GroupID: groupID, SenderID: senderID, Content: content, CreatedAt: time.Now()}
	s.groupMessages = append(s.groupMessages, m)
	s.log.add("persist %d", m.ID)
	if s.onCreate != nil {
		s.onCreate()
	}
	return &m, nil
}

func (s *memStore) MarkMessagesRead(_ context.Context, userID, otherID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.messages {
		m := &s.messages[i]
		if m.ReceiverID == userID && m.SenderID == otherID && !m.IsRead {
			m.IsRead = true
			n++
		}
	}
	return n, nil
}

func (s *memStore) MarkGroupMessagesRead(_ context.Context, userID, groupID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.groupMessages {
		m := &s.groupMessages[i]
		if m.GroupID == groupID && m.SenderID != userID && !m.IsRead {
			m.IsRead = true
			n++
		}
	}
	return n, nil
}

// fakeTranslator returns "<lang>:<text>" unless a canned answer or error is
// configured for the language.
type fakeTranslator struct {
	mu      sync.Mutex
	calls   []string
	answers map[string]string
	errs    map[string]error
}

func (t *fakeTranslator) Translate(_ context.Context, text, target string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, text+"|"+target)
	if err := t.errs[target]; err != nil {
		return "", err
	}
	if out, ok := t.answers[target]; ok {
		return out, nil
	}
	return target + ":" + text, nil
}

func (t *fakeTranslator) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// fakePusher records notifications. It fails for tokens listed in failTokens
// and for cancelled contexts.
type fakePusher struct {
	mu         sync.Mutex
	log        *eventLog
	sent       []push.Notification
	failTokens map[string]bool
}

func (p *fakePusher) Send(ctx context.Context, n push.Notification) (push.Result, error) {
	if err := ctx.Err(); err != nil {
		return push.Result{}, err
	}
	if p.failTokens[n.Token] {
		return push.Result{}, errors.New("provider rejected token")
	}
	p.mu.Lock()
	p.sent = append(p.sent, n)
	p.mu.Unlock()
	p.log.add("push %s", n.Token)
	return push.Result{ID: "p-" + n.Token}, nil
}

func (p *fakePusher) byToken(token string) (push.Notification, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range p.sent {
		if n.Token == token {
			return n, true
		}
	}
	return push.Notification{}, false
}

func (p *fakePusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

// recordingSink captures frames written to one connection.
type recordingSink struct {
	mu     sync.Mutex
	name   string
	log    *eventLog
	frames []map[string]interface{}
	err    error
}

func (s *recordingSink) WriteMessage(data []byte) error {
	if s.err != nil {
		return s.err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	s.mu.Lock()
	s.frames = append(s.frames, m)
	s.mu.Unlock()
	s.log.add("live %s %v", s.name, m["type"])
	return nil
}

func (s *recordingSink) received() []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]interface{}(nil), s.frames...)
}

type testEnv struct {
	log        *eventLog
	store      *memStore
	translator *fakeTranslator
	presence   *presence.Service
	pusher     *fakePusher
	orch       *Orchestrator
}

func newTestEnv(t *testing.T, config Config) *testEnv {
	t.Helper()
	log := &eventLog{}
	env := &testEnv{
		log:        log,
		store:      newMemStore(log),
		translator: &fakeTranslator{answers: map[string]string{}, errs: map[string]error{}},
		presence:   presence.NewService(presence.NewRegistry(4), nil, presence.DefaultServiceConfig()),
		pusher:     &fakePusher{log: log, failTokens: map[string]bool{}},
	}
	router := delivery.NewRouter(env.presence, env.pusher)
	env.orch = NewOrchestrator(env.store, env.translator, router, config)
	return env
}

func (e *testEnv) connect(userID, connID string) *recordingSink {
	sink := &recordingSink{name: connID, log: e.log}
	e.presence.OnConnect(&presence.Handle{ConnID: connID, UserID: userID, ConnectedAt: time.Now(), Sink: sink})
	return sink
}

func framesOfType(frames []map[string]interface{}, typ string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, f := range frames {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}
