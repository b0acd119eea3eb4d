package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bazaarchat/pkg/auth"
	"bazaarchat/pkg/chatapi"
	"bazaarchat/pkg/realtime"
	"bazaarchat/pkg/wire"
)

func connectSession(t *testing.T, srv *testServer, userID, receiverID string) (*realtime.Connection, *realtime.Session) {
	t.Helper()
	tok, err := auth.GenerateToken(testJWT, userID)
	require.NoError(t, err)

	conn := realtime.NewConnection(srv.url+"?token="+tok, realtime.WithAckTimeout(2*time.Second))
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.Connect(context.Background()))

	api := chatapi.New(srv.httpURL, tok, nil)
	s := realtime.NewSession(conn, api, realtime.SessionConfig{ConversationID: "c1", UserID: userID, ReceiverID: receiverID})
	t.Cleanup(s.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Activate(ctx))
	return conn, s
}

func messageIDs(msgs []wire.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestSession_AgainstHandler(t *testing.T) {
	srv := newTestServer(t)
	earlier, err := srv.store.SaveMessage(context.Background(), wire.Message{ConversationID: "c1", SenderID: "seller", ReceiverID: "buyer", Content: "hi, it is available"})
	require.NoError(t, err)

	_, buyer := connectSession(t, srv, "buyer", "seller")
	_, seller := connectSession(t, srv, "seller", "buyer")

	require.Equal(t, realtime.SessionReady, buyer.State())
	require.Equal(t, realtime.SessionReady, seller.State())
	require.True(t, srv.hub.IsOnline("buyer"))
	require.True(t, srv.hub.IsOnline("seller"))
	require.Equal(t, []string{earlier.ID}, messageIDs(buyer.Messages()))

	buyer.SetInput("can you ship it?")
	require.NoError(t, buyer.Send())

	require.Eventually(t, func() bool {
		return len(buyer.Messages()) == 2 && len(seller.Messages()) == 2 && !buyer.Sending()
	}, 2*time.Second, 10*time.Millisecond)

	sent := buyer.Messages()[1]
	require.Equal(t, "can you ship it?", sent.Content)
	require.Equal(t, "buyer", sent.SenderID)
	require.Equal(t, messageIDs(buyer.Messages()), messageIDs(seller.Messages()))
	require.Empty(t, buyer.Input())
	require.NoError(t, buyer.LastError())
}

func TestSession_AgainstHandlerRejectsStranger(t *testing.T) {
	srv := newTestServer(t)
	tok, err := auth.GenerateToken(testJWT, "stranger")
	require.NoError(t, err)

	conn := realtime.NewConnection(srv.url+"?token="+tok, realtime.WithAckTimeout(2*time.Second))
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.Connect(context.Background()))

	s := realtime.NewSession(conn, chatapi.New(srv.httpURL, tok, nil), realtime.SessionConfig{ConversationID: "c1", UserID: "stranger", ReceiverID: "seller"})
	t.Cleanup(s.Close)

	err = s.Activate(context.Background())
	require.ErrorIs(t, err, realtime.ErrJoinRejected)
	require.Equal(t, realtime.SessionFailed, s.State())
}
