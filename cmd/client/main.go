package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"bazaarchat/pkg/chatapi"
	"bazaarchat/pkg/logger"
	"bazaarchat/pkg/realtime"
	"bazaarchat/pkg/wire"
)

type options struct {
	Server       string        `long:"server" env:"BAZAARCHAT_SERVER" default:"http://localhost:8080" description:"Chat server base URL"`
	Token        string        `long:"token" env:"BAZAARCHAT_TOKEN" required:"true" description:"Bearer token"`
	User         string        `long:"user" env:"BAZAARCHAT_USER" required:"true" description:"Your user id"`
	Conversation string        `long:"conversation" description:"Conversation id to open"`
	Receiver     string        `long:"receiver" description:"Other participant; starts the conversation when --conversation is empty"`
	AdTitle      string        `long:"ad-title" description:"Ad the conversation is about"`
	ReceiptDelay time.Duration `long:"receipt-delay" default:"500ms" description:"Quiet period before marking messages read"`
	AckTimeout   time.Duration `long:"ack-timeout" default:"0s" description:"Fail unanswered requests after this long (0 waits forever)"`
	LogLevel     string        `long:"log-level" default:"warn" description:"Log level"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	log := logger.New(opts.LogLevel, true)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdin, os.Stdout, log); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, in io.Reader, out io.Writer, log *zap.Logger) error {
	api := chatapi.New(opts.Server, opts.Token, nil)

	cfg, err := resolveConversation(ctx, api, opts)
	if err != nil {
		return err
	}

	socketURL, err := realtime.SocketURL(opts.Server, opts.Token)
	if err != nil {
		return err
	}
	conn := realtime.NewConnection(socketURL, realtime.WithLogger(log), realtime.WithAckTimeout(opts.AckTimeout))
	defer conn.Close()
	conn.OnStateChange(func(s realtime.State) {
		fmt.Fprintf(out, "* %s\n", s)
	})

	if err := conn.Connect(ctx); err != nil {
		return err
	}
	if err := conn.Authenticate(opts.User); err != nil {
		return err
	}

	unread := realtime.NewUnreadCounter(conn, api, opts.User,
		realtime.WithUnreadLogger(log),
		realtime.WithCountHandler(func(n int) {
			if badge := realtime.FormatBadge(n); badge != "" {
				fmt.Fprintf(out, "* unread: %s\n", badge)
			}
		}),
	)
	defer unread.Close()
	unread.Start(ctx)

	session := realtime.NewSession(conn, api, cfg,
		realtime.WithSessionLogger(log),
		realtime.WithErrorHandler(func(err error) { fmt.Fprintf(out, "! %v\n", err) }),
		realtime.WithPresenceHandler(func(p wire.Presence) {
			fmt.Fprintf(out, "* %s is %s\n", p.UserID, realtime.PresenceLabel(p, time.Now()))
		}),
	)
	defer session.Close()

	printer := newPrinter(out, opts.User)
	session.OnMessagesChanged(printer.print)

	receipts := realtime.NewReadReceipts(api, opts.User,
		realtime.WithReceiptDelay(opts.ReceiptDelay),
		realtime.WithReceiptLogger(log),
		realtime.WithMarkedHandler(func(string) { unread.Decrement(1) }),
	)
	defer receipts.Close()
	receipts.Attach(session)

	if err := session.Activate(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "* chatting about %q with %s, type a message and press enter\n", cfg.AdTitle, cfg.ReceiverID)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			session.SetInput(line)
			if err := session.Send(); err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
		}
	}
}

type conversationAPI interface {
	StartConversation(ctx context.Context, receiverID, adTitle string) (chatapi.ConversationSummary, error)
	Conversations(ctx context.Context) ([]chatapi.ConversationSummary, error)
}

// resolveConversation fills in the session identity, starting the conversation when only
// the receiver is known and looking up the receiver when only the conversation is.
func resolveConversation(ctx context.Context, api conversationAPI, opts options) (realtime.SessionConfig, error) {
	cfg := realtime.SessionConfig{
		ConversationID: opts.Conversation,
		UserID:         opts.User,
		ReceiverID:     opts.Receiver,
		AdTitle:        opts.AdTitle,
	}

	switch {
	case cfg.ConversationID == "" && cfg.ReceiverID == "":
		return cfg, errors.New("either --conversation or --receiver is required")
	case cfg.ConversationID == "":
		conv, err := api.StartConversation(ctx, cfg.ReceiverID, cfg.AdTitle)
		if err != nil {
			return cfg, fmt.Errorf("start conversation: %w", err)
		}
		cfg.ConversationID = conv.ID
		cfg.AdTitle = conv.AdTitle
	case cfg.ReceiverID == "":
		list, err := api.Conversations(ctx)
		if err != nil {
			return cfg, fmt.Errorf("list conversations: %w", err)
		}
		for _, conv := range list {
			if conv.ID == cfg.ConversationID {
				cfg.ReceiverID = conv.Participant
				if cfg.AdTitle == "" {
					cfg.AdTitle = conv.AdTitle
				}
				return cfg, nil
			}
		}
		return cfg, fmt.Errorf("conversation %s not found", cfg.ConversationID)
	}
	return cfg, nil
}

// printer writes each message once, in list order.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	userID  string
	printed map[string]struct{}
}

func newPrinter(out io.Writer, userID string) *printer {
	return &printer{out: out, userID: userID, printed: make(map[string]struct{})}
}

func (p *printer) print(msgs []wire.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if _, ok := p.printed[m.ID]; ok {
			continue
		}
		p.printed[m.ID] = struct{}{}
		who := m.SenderID
		if who == p.userID {
			who = "you"
		}
		fmt.Fprintf(p.out, "[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), who, m.Content)
	}
}
