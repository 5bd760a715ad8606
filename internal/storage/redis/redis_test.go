package redis

import (
	"context"
	stdErrors "errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"AgentDesk/internal/session"
	"AgentDesk/internal/stream"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewClient(context.Background(), Config{Address: mr.Addr()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestSessionRepositoryRoundTrip(t *testing.T) {
	_, client := newTestClient(t)
	repo, _ := NewSessionRepository(client, "test")
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000).UTC()

	s := &session.Session{ID: "s1", UserID: "u1", Credential: "secret", State: session.StateActive, ExpiresAt: now.Add(time.Minute), CreatedAt: now, UpdatedAt: now}
	if err := repo.Create(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Create(ctx, s); !stdErrors.Is(err, session.ErrSessionConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	for _, text := range []string{"rules", "hello", "again"} {
		if _, err := repo.AppendMessage(ctx, "s1", session.Message{Kind: session.KindUser, Content: text}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := repo.AppendMessage(ctx, "missing", session.UserMessage("x")); !stdErrors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("append to unknown session should fail, got %v", err)
	}

	s.State = session.StateAwaitingInput
	if err := repo.Update(ctx, s); err != nil {
		t.Fatalf("update: %v", err)
	}
	loaded, err := repo.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.State != session.StateAwaitingInput || loaded.Credential != "secret" {
		t.Fatalf("unexpected session: %+v", loaded)
	}
	if len(loaded.Messages) != 3 || loaded.Messages[2].Content != "again" || loaded.Messages[2].Seq != 3 {
		t.Fatalf("unexpected history: %+v", loaded.Messages)
	}

	if err := repo.Update(ctx, &session.Session{ID: "missing"}); !stdErrors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("update of unknown session should fail, got %v", err)
	}
}

func TestSessionRepositoryPendingAndExpiry(t *testing.T) {
	_, client := newTestClient(t)
	repo, _ := NewSessionRepository(client, "")
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000).UTC()

	_ = repo.Create(ctx, &session.Session{ID: "old", UserID: "u", State: session.StateActive, ExpiresAt: now.Add(-time.Minute)})
	_ = repo.Create(ctx, &session.Session{ID: "new", UserID: "u", State: session.StateActive, ExpiresAt: now.Add(time.Hour)})

	if err := repo.SavePending(ctx, "old", session.PendingToolCall{ToolCallID: "c1", ToolName: "enroll"}); err != nil {
		t.Fatalf("save pending: %v", err)
	}
	peeked, _ := repo.PeekPending(ctx, "old")
	if peeked == nil || peeked.ToolCallID != "c1" {
		t.Fatalf("peek failed: %+v", peeked)
	}
	taken, _ := repo.TakePending(ctx, "old")
	if taken == nil || taken.ToolName != "enroll" {
		t.Fatalf("take failed: %+v", taken)
	}
	if again, err := repo.TakePending(ctx, "old"); again != nil || err != nil {
		t.Fatalf("slot should be empty: %+v %v", again, err)
	}

	ids, err := repo.ListExpired(ctx, now, 10)
	if err != nil || len(ids) != 1 || ids[0] != "old" {
		t.Fatalf("unexpected expired ids: %v %v", ids, err)
	}
	if err := repo.Delete(ctx, "old"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.Get(ctx, "old"); !stdErrors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("deleted session should be gone, got %v", err)
	}
	if ids, _ := repo.ListExpired(ctx, now, 10); len(ids) != 0 {
		t.Fatalf("expiry index should be cleaned: %v", ids)
	}
}

func TestLockerExcludesAndReleases(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	first, _ := NewLocker(client, LockerConfig{TTL: time.Second, AcquireTimeout: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond})
	second, _ := NewLocker(client, LockerConfig{TTL: time.Second, AcquireTimeout: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond})

	if err := first.Lock(ctx, "s1"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := second.Lock(ctx, "s1"); !stdErrors.Is(err, session.ErrLockTimeout) {
		t.Fatalf("second node should time out, got %v", err)
	}
	second.Unlock("s1")
	if exists, _ := client.Exists(ctx, "agentdesk:lock:s1").Result(); exists != 1 {
		t.Fatalf("foreign unlock must not release the lease")
	}
	first.Unlock("s1")
	if err := second.Lock(ctx, "s1"); err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	second.Unlock("s1")
}

type recordingPublisher struct {
	events chan stream.Event
}

func (p *recordingPublisher) Publish(ev stream.Event) { p.events <- ev }

func TestEventRelayForwardsToLocal(t *testing.T) {
	_, client := newTestClient(t)
	local := &recordingPublisher{events: make(chan stream.Event, 4)}
	relay, err := NewEventRelay(client, "", local)
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := client.PubSubNumPat(ctx).Result(); n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	relay.Publish(stream.Message("s1", "hello"))
	relay.Publish(stream.Complete("s1", "done"))
	for _, want := range []stream.EventType{stream.EventMessage, stream.EventComplete} {
		select {
		case ev := <-local.events:
			if ev.Type != want || ev.SessionID != "s1" {
				t.Fatalf("unexpected event: %+v", ev)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %s not relayed", want)
		}
	}
}

func TestEventRelayPublishIsBounded(t *testing.T) {
	// 只接受连接、从不应答的服务端，模拟 Redis 卡死
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			_ = conn.Close()
		}
	})

	client := goredis.NewClient(clientOptions(Config{Address: ln.Addr().String()}))
	t.Cleanup(func() { client.Close() })
	relay, err := NewEventRelay(client, "", &recordingPublisher{events: make(chan stream.Event, 1)}, WithPublishTimeout(100*time.Millisecond))
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}

	start := time.Now()
	relay.Publish(stream.Message("s1", "hello"))
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("publish blocked for %s", elapsed)
	}
}
