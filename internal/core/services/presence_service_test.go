package services

import (
	"context"
	"testing"

	"go.uber.org/zap/zaptest"
)

func newTestPresence(t *testing.T) (*PresenceService, *sinkRecorder) {
	t.Helper()
	sink := &sinkRecorder{}
	return NewPresenceService(sink, zaptest.NewLogger(t).Sugar()), sink
}

func TestSetOnlineBroadcastsOnce(t *testing.T) {
	presence, sink := newTestPresence(t)
	ctx := context.Background()

	presence.SetOnline(ctx, "alice", "Alice", "c1")
	presence.SetOnline(ctx, "alice", "Alice", "c1")

	if got := sink.broadcastCount(EventUserStatusChanged); got != 1 {
		t.Errorf("userStatusChanged broadcasts = %d, want 1", got)
	}
}

// A reconnect on a fresh connection rebinds presence without flapping
// through offline.
func TestReconnectRebindsConnection(t *testing.T) {
	presence, sink := newTestPresence(t)
	ctx := context.Background()

	presence.SetOnline(ctx, "alice", "Alice", "c1")
	presence.SetOnline(ctx, "alice", "Alice", "c2")

	if got := sink.broadcastCount(EventUserStatusChanged); got != 1 {
		t.Errorf("rebind broadcast again: %d broadcasts", got)
	}
	if connID, ok := presence.ConnectionFor("alice"); !ok || connID != "c2" {
		t.Errorf("ConnectionFor = %s, %v; want c2", connID, ok)
	}

	// The old connection's disconnect must not knock the user offline.
	presence.SetOffline(ctx, "alice", "c1")
	if _, ok := presence.ConnectionFor("alice"); !ok {
		t.Fatal("stale disconnect removed the fresh presence entry")
	}

	presence.SetOffline(ctx, "alice", "c2")
	if _, ok := presence.ConnectionFor("alice"); ok {
		t.Fatal("user still online after owning connection went away")
	}
	if got := sink.broadcastCount(EventUserStatusChanged); got != 2 {
		t.Errorf("broadcasts = %d, want online+offline", got)
	}
}

func TestSetOfflineUnknownUser(t *testing.T) {
	presence, sink := newTestPresence(t)

	presence.SetOffline(context.Background(), "ghost", "c1")
	if got := sink.broadcastCount(EventUserStatusChanged); got != 0 {
		t.Errorf("offline broadcast for unknown user")
	}
}

func TestTypingRoutedToReceiver(t *testing.T) {
	presence, sink := newTestPresence(t)
	ctx := context.Background()

	presence.SetOnline(ctx, "bob", "Bob", "c-bob")
	presence.Typing(ctx, "alice", "bob", true)
	presence.Typing(ctx, "alice", "offline-user", true)

	if got := sink.sendsTo("c-bob", EventUserTyping); len(got) != 1 {
		t.Errorf("userTyping to bob = %d, want 1", len(got))
	}
	if len(sink.sends) != 1 {
		t.Errorf("typing for offline receiver was not dropped")
	}
}

func TestOnlineUsersSorted(t *testing.T) {
	presence, _ := newTestPresence(t)
	ctx := context.Background()

	presence.SetOnline(ctx, "carol", "Carol", "c3")
	presence.SetOnline(ctx, "alice", "Alice", "c1")
	presence.SetOnline(ctx, "bob", "Bob", "c2")

	users := presence.OnlineUsers()
	if len(users) != 3 {
		t.Fatalf("online users = %d, want 3", len(users))
	}
	for i, want := range []string{"alice", "bob", "carol"} {
		if string(users[i].UserID) != want {
			t.Errorf("users[%d] = %s, want %s", i, users[i].UserID, want)
		}
	}
}
