package ws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lingo/relay/internal/chat"
	"github.com/lingo/relay/internal/fanout"
	"github.com/lingo/relay/internal/protocol"
	"github.com/lingo/relay/internal/ratelimit"
)

type fakeSender struct {
	err       error
	readCount int64
	calls     []string
}

func (s *fakeSender) SendDirectMessage(_ context.Context, senderID, receiverID, content string) (*fanout.DirectResult, error) {
	s.calls = append(s.calls, "direct:"+senderID+">"+receiverID+":"+content)
	if s.err != nil {
		return nil, s.err
	}
	return &fanout.DirectResult{Message: &chat.Message{ID: 1, SenderID: senderID, ReceiverID: receiverID, Content: content}}, nil
}

func (s *fakeSender) SendGroupMessage(_ context.Context, senderID, groupID, content string) (*fanout.GroupResult, error) {
	s.calls = append(s.calls, "group:"+senderID+">"+groupID+":"+content)
	if s.err != nil {
		return nil, s.err
	}
	return &fanout.GroupResult{
		Message: &chat.GroupMessage{ID: 7, GroupID: groupID, SenderID: senderID, Content: content},
		Translations: []chat.Translation{
			{UserID: "u2", Language: "es", TranslatedContent: "hola"},
		},
	}, nil
}

func (s *fakeSender) MarkRead(_ context.Context, userID, otherID string) (int64, error) {
	s.calls = append(s.calls, "read:"+userID+">"+otherID)
	return s.readCount, s.err
}

func (s *fakeSender) MarkGroupRead(_ context.Context, userID, groupID string) (int64, error) {
	s.calls = append(s.calls, "groupread:"+userID+">"+groupID)
	return s.readCount, s.err
}

type fakeLimiter struct {
	allow bool
	wait  time.Duration
}

func (l *fakeLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) {
	return l.allow, nil
}

func (l *fakeLimiter) RetryAfter(context.Context, string, ratelimit.Rule) (time.Duration, error) {
	return l.wait, nil
}

func newHandlerDispatcher(sender Sender, limiter Limiter) *MessageDispatcher {
	d := NewMessageDispatcher()
	RegisterHandlers(d, sender, limiter, DefaultHandlerConfig())
	return d
}

func TestSendMessageSuccessIsSilent(t *testing.T) {
	sender := &fakeSender{}
	d := newHandlerDispatcher(sender, nil)
	conn, bc := newTestConnection("u1")

	d.Dispatch(conn, []byte(`{"type":"sendMessage","receiverId":"u2","content":"hello"}`))

	if len(sender.calls) != 1 || sender.calls[0] != "direct:u1>u2:hello" {
		t.Fatalf("unexpected calls: %v", sender.calls)
	}
	if frames := bc.frames(t); len(frames) != 0 {
		t.Errorf("expected no direct reply, got %v", frames)
	}
}

func TestSendMessageErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"not found", &fanout.ValidationError{Kind: fanout.ErrNotFound, Detail: "receiver u2"}, protocol.CodeNotFound},
		{"no contact", &fanout.ValidationError{Kind: fanout.ErrNoContact}, protocol.CodeUnauthorized},
		{"not member", &fanout.ValidationError{Kind: fanout.ErrNotMember}, protocol.CodeBadRequest},
		{"invalid content", &fanout.ValidationError{Kind: fanout.ErrInvalidContent, Detail: "message content is empty"}, protocol.CodeInvalidMessage},
		{"persistence", &fanout.PersistenceError{Op: "create message", Err: errors.New("db down")}, protocol.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newHandlerDispatcher(&fakeSender{err: tt.err}, nil)
			conn, bc := newTestConnection("u1")

			d.Dispatch(conn, []byte(`{"type":"sendMessage","receiverId":"u2","content":"x","tempId":"t-9"}`))

			frames := bc.frames(t)
			if len(frames) != 1 {
				t.Fatalf("expected one frame, got %v", frames)
			}
			f := frames[0]
			if f["type"] != protocol.TypeMessageError || f["code"] != tt.wantCode || f["tempId"] != "t-9" {
				t.Errorf("unexpected frame: %v", f)
			}
			if tt.wantCode == protocol.CodeInternal && f["error"] == "persistence: create message: db down" {
				t.Error("internal errors must not leak details")
			}
		})
	}
}

func TestSendMessageRequiresReceiver(t *testing.T) {
	sender := &fakeSender{}
	d := newHandlerDispatcher(sender, nil)
	conn, bc := newTestConnection("u1")

	d.Dispatch(conn, []byte(`{"type":"sendMessage","content":"x"}`))

	if len(sender.calls) != 0 {
		t.Error("sender should not be called without a receiver")
	}
	frames := bc.frames(t)
	if len(frames) != 1 || frames[0]["code"] != protocol.CodeBadRequest {
		t.Errorf("unexpected frames: %v", frames)
	}
}

func TestSendGroupMessageConfirms(t *testing.T) {
	d := newHandlerDispatcher(&fakeSender{}, nil)
	conn, bc := newTestConnection("u1")

	d.Dispatch(conn, []byte(`{"type":"sendGroupMessage","groupId":"g1","content":"hello"}`))

	frames := bc.frames(t)
	if len(frames) != 1 {
		t.Fatalf("expected one frame, got %v", frames)
	}
	f := frames[0]
	if f["type"] != protocol.TypeGroupMessageSent || f["groupId"] != "g1" || f["content"] != "hello" {
		t.Errorf("unexpected frame: %v", f)
	}
	trs, ok := f["translations"].([]interface{})
	if !ok || len(trs) != 1 {
		t.Fatalf("translations = %v", f["translations"])
	}
	if tr := trs[0].(map[string]interface{}); tr["translatedContent"] != "hola" {
		t.Errorf("translation = %v", tr)
	}
}

func TestSendGroupMessageError(t *testing.T) {
	d := newHandlerDispatcher(&fakeSender{err: &fanout.ValidationError{Kind: fanout.ErrNotMember}}, nil)
	conn, bc := newTestConnection("u1")

	d.Dispatch(conn, []byte(`{"type":"sendGroupMessage","groupId":"g1","content":"hello"}`))

	frames := bc.frames(t)
	if len(frames) != 1 || frames[0]["type"] != protocol.TypeGroupMessageError || frames[0]["code"] != protocol.CodeBadRequest {
		t.Errorf("unexpected frames: %v", frames)
	}
}

func TestRateLimitedSend(t *testing.T) {
	sender := &fakeSender{}
	d := newHandlerDispatcher(sender, &fakeLimiter{allow: false, wait: 2500 * time.Millisecond})
	conn, bc := newTestConnection("u1")

	d.Dispatch(conn, []byte(`{"type":"sendMessage","receiverId":"u2","content":"x"}`))

	if len(sender.calls) != 0 {
		t.Error("rate limited send must not reach the fan-out")
	}
	frames := bc.frames(t)
	if len(frames) != 1 || frames[0]["type"] != protocol.TypeRateLimited {
		t.Fatalf("unexpected frames: %v", frames)
	}
	if frames[0]["retryAfter"] != float64(3) {
		t.Errorf("retryAfter = %v, want 3", frames[0]["retryAfter"])
	}
}

func TestMarkReadHandlers(t *testing.T) {
	sender := &fakeSender{readCount: 4}
	d := newHandlerDispatcher(sender, &fakeLimiter{allow: true})
	conn, bc := newTestConnection("u1")

	d.Dispatch(conn, []byte(`{"type":"markRead","userId":"u2"}`))
	d.Dispatch(conn, []byte(`{"type":"markGroupRead","groupId":"g1"}`))

	frames := bc.frames(t)
	if len(frames) != 2 {
		t.Fatalf("expected two frames, got %v", frames)
	}
	if frames[0]["type"] != protocol.TypeMessagesRead || frames[0]["userId"] != "u2" || frames[0]["count"] != float64(4) {
		t.Errorf("markRead reply = %v", frames[0])
	}
	if frames[1]["groupId"] != "g1" || frames[1]["count"] != float64(4) {
		t.Errorf("markGroupRead reply = %v", frames[1])
	}
}

func TestMarkReadMissingUser(t *testing.T) {
	d := newHandlerDispatcher(&fakeSender{err: &fanout.ValidationError{Kind: fanout.ErrMissingID, Detail: "user id"}}, nil)
	conn, bc := newTestConnection("u1")

	d.Dispatch(conn, []byte(`{"type":"markRead"}`))

	frames := bc.frames(t)
	if len(frames) != 1 || frames[0]["code"] != protocol.CodeBadRequest {
		t.Errorf("unexpected frames: %v", frames)
	}
}

func TestMarkReadError(t *testing.T) {
	d := newHandlerDispatcher(&fakeSender{err: &fanout.ValidationError{Kind: fanout.ErrNotMember}}, nil)
	conn, bc := newTestConnection("u1")

	d.Dispatch(conn, []byte(`{"type":"markGroupRead","groupId":"g1"}`))

	frames := bc.frames(t)
	if len(frames) != 1 || frames[0]["type"] != protocol.TypeError || frames[0]["code"] != protocol.CodeBadRequest {
		t.Errorf("unexpected frames: %v", frames)
	}
}
