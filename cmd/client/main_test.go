package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"bazaarchat/pkg/chatapi"
	"bazaarchat/pkg/wire"
)

type mockConversationAPI struct {
	mock.Mock
}

func (m *mockConversationAPI) StartConversation(ctx context.Context, receiverID, adTitle string) (chatapi.ConversationSummary, error) {
	args := m.Called(ctx, receiverID, adTitle)
	return args.Get(0).(chatapi.ConversationSummary), args.Error(1)
}

func (m *mockConversationAPI) Conversations(ctx context.Context) ([]chatapi.ConversationSummary, error) {
	args := m.Called(ctx)
	list, _ := args.Get(0).([]chatapi.ConversationSummary)
	return list, args.Error(1)
}

func TestResolveConversation_StartsWhenOnlyReceiverKnown(t *testing.T) {
	api := new(mockConversationAPI)
	api.On("StartConversation", mock.Anything, "seller", "Road bike").Return(chatapi.ConversationSummary{ID: "c1", AdTitle: "Road bike"}, nil)

	cfg, err := resolveConversation(context.Background(), api, options{User: "buyer", Receiver: "seller", AdTitle: "Road bike"})
	require.NoError(t, err)
	require.Equal(t, "c1", cfg.ConversationID)
	require.Equal(t, "seller", cfg.ReceiverID)
	require.Equal(t, "buyer", cfg.UserID)
	api.AssertExpectations(t)
}

func TestResolveConversation_LooksUpReceiver(t *testing.T) {
	api := new(mockConversationAPI)
	api.On("Conversations", mock.Anything).Return([]chatapi.ConversationSummary{
		{ID: "c0", Participant: "x"},
		{ID: "c1", Participant: "seller", AdTitle: "Sofa"},
	}, nil)

	cfg, err := resolveConversation(context.Background(), api, options{User: "buyer", Conversation: "c1"})
	require.NoError(t, err)
	require.Equal(t, "seller", cfg.ReceiverID)
	require.Equal(t, "Sofa", cfg.AdTitle)

	_, err = resolveConversation(context.Background(), api, options{User: "buyer", Conversation: "missing"})
	require.ErrorContains(t, err, "not found")
}

func TestResolveConversation_Errors(t *testing.T) {
	api := new(mockConversationAPI)
	_, err := resolveConversation(context.Background(), api, options{User: "buyer"})
	require.Error(t, err)

	api.On("StartConversation", mock.Anything, "seller", "").Return(chatapi.ConversationSummary{}, errors.New("boom"))
	_, err = resolveConversation(context.Background(), api, options{User: "buyer", Receiver: "seller"})
	require.ErrorContains(t, err, "start conversation")
}

func TestPrinter_PrintsEachMessageOnce(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out, "buyer")
	at := time.Date(2026, 1, 1, 9, 30, 0, 0, time.Local)

	first := wire.Message{ID: "m1", SenderID: "buyer", Content: "hi", CreatedAt: at}
	second := wire.Message{ID: "m2", SenderID: "seller", Content: "hello", CreatedAt: at}
	p.print([]wire.Message{first})
	p.print([]wire.Message{first, second})

	require.Equal(t, "[09:30] you: hi\n[09:30] seller: hello\n", out.String())
}
