package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"bazaarchat/pkg/wire"
)

func frame(t *testing.T, event string) wire.Frame {
	t.Helper()
	f, err := wire.NewFrame(event, "x", 0)
	require.NoError(t, err)
	return f
}

func TestHub_RegisterReplacesPreviousSocket(t *testing.T) {
	hub := NewHub(nil)
	first := NewClient("u1", nil)
	second := NewClient("u1", nil)

	require.True(t, hub.Register(first))
	require.False(t, hub.Register(first))
	require.True(t, first.Authenticated())

	require.True(t, hub.Register(second))
	select {
	case <-first.Done:
	default:
		t.Fatal("replaced client was not closed")
	}

	require.False(t, hub.Unregister(first))
	require.True(t, hub.IsOnline("u1"))
	require.True(t, hub.Unregister(second))
	require.False(t, hub.IsOnline("u1"))
}

func TestHub_DeliverToRecipientsOrEveryone(t *testing.T) {
	hub := NewHub(nil)
	a, b, c := NewClient("a", nil), NewClient("b", nil), NewClient("c", nil)
	hub.Register(a)
	hub.Register(b)
	hub.Register(c)

	hub.Deliver(Delivery{Recipients: []string{"a", "b", "a", "offline"}, Frame: frame(t, wire.EventReceiveMessage)})
	require.Len(t, a.Send, 1)
	require.Len(t, b.Send, 1)
	require.Len(t, c.Send, 0)

	hub.Deliver(Delivery{Frame: frame(t, wire.EventUserOnlineStatus)})
	require.Len(t, a.Send, 2)
	require.Len(t, c.Send, 1)

	require.Equal(t, []string{"a", "b", "c"}, hub.OnlineUsers())
}

func TestHub_DeliverLogsDroppedFrames(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	hub := NewHub(zap.New(core))

	full := &Client{UserID: "full", Send: make(chan wire.Frame), Done: make(chan struct{})}
	closed := NewClient("closed", nil)
	hub.Register(full)
	hub.Register(closed)
	closed.Close()

	hub.Deliver(Delivery{Recipients: []string{"full", "closed", "elsewhere"}, Frame: frame(t, wire.EventReceiveMessage)})

	entries := logs.FilterMessage("frame dropped").All()
	require.Len(t, entries, 2)
	users := map[string]string{}
	for _, e := range entries {
		fields := e.ContextMap()
		require.Equal(t, wire.EventReceiveMessage, fields["event"])
		users[fields["user"].(string)] = fields["error"].(string)
	}
	require.Contains(t, users["full"], "queue full")
	require.Contains(t, users["closed"], "disconnected")
}

func TestHub_SendToUserErrors(t *testing.T) {
	hub := NewHub(nil)
	require.Error(t, hub.SendToUser("ghost", frame(t, "x")))

	full := &Client{UserID: "u1", Send: make(chan wire.Frame), Done: make(chan struct{})}
	hub.Register(full)
	require.ErrorContains(t, hub.SendToUser("u1", frame(t, "x")), "queue full")

	full.Close()
	full.Close()
	require.ErrorContains(t, hub.SendToUser("u1", frame(t, "x")), "disconnected")
}

func TestClient_Conversation(t *testing.T) {
	c := NewClient("u1", nil)
	require.Empty(t, c.Conversation())
	c.setConversation("c1")
	require.Equal(t, "c1", c.Conversation())
}

func TestMemoryPresenceStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryPresenceStore()

	p, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	require.False(t, p.IsOnline)
	require.True(t, p.LastSeen.IsZero())

	require.NoError(t, s.SetOnline(ctx, "u1"))
	p, _ = s.Get(ctx, "u1")
	require.True(t, p.IsOnline)

	seen := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetOffline(ctx, "u1", seen))
	p, _ = s.Get(ctx, "u1")
	require.False(t, p.IsOnline)
	require.True(t, p.LastSeen.Equal(seen))

	users, err := s.Online(ctx)
	require.NoError(t, err)
	require.Empty(t, users)
}

func TestLocalBroker_FansOutToSubscribers(t *testing.T) {
	b := NewLocalBroker()
	var got []string
	require.NoError(t, b.Subscribe(func(d Delivery) { got = append(got, "one:"+d.Frame.Event) }))
	require.NoError(t, b.Subscribe(func(d Delivery) { got = append(got, "two:"+d.Frame.Event) }))

	require.NoError(t, b.Publish(context.Background(), Delivery{Frame: frame(t, "ping")}))
	require.Equal(t, []string{"one:ping", "two:ping"}, got)

	require.NoError(t, b.Close())
	require.NoError(t, b.Publish(context.Background(), Delivery{Frame: frame(t, "ping")}))
	require.Len(t, got, 2)
}

func TestLocalBroker_PublishUsesSubscriberSnapshot(t *testing.T) {
	b := NewLocalBroker()
	calls := 0
	require.NoError(t, b.Subscribe(func(d Delivery) {
		calls++
		require.NoError(t, b.Subscribe(func(Delivery) { calls += 100 }))
	}))

	require.NoError(t, b.Publish(context.Background(), Delivery{Frame: frame(t, "ping")}))
	require.Equal(t, 1, calls)

	require.NoError(t, b.Publish(context.Background(), Delivery{Frame: frame(t, "ping")}))
	require.Equal(t, 102, calls)
}
