package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Broker fans deliveries out to every server instance, including the publisher.
type Broker interface {
	Publish(ctx context.Context, d Delivery) error
	Subscribe(fn func(Delivery)) error
	Close() error
}

// NATSBroker publishes deliveries as JSON on a single core NATS subject.
type NATSBroker struct {
	nc      *nats.Conn
	subject string
	logger  *zap.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewNATSBroker connects to url. Reconnects are retried forever.
func NewNATSBroker(url, subject string, logger *zap.Logger) (*NATSBroker, error) {
	nc, err := nats.Connect(url,
		nats.Name("bazaarchat"),
		nats.MaxReconnects(-1),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSBroker{nc: nc, subject: subject, logger: logger.Named("broker")}, nil
}

func (b *NATSBroker) Publish(_ context.Context, d Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(b.subject, data); err != nil {
		return fmt.Errorf("publish delivery: %w", err)
	}
	return nil
}

func (b *NATSBroker) Subscribe(fn func(Delivery)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return fmt.Errorf("broker already subscribed")
	}
	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		var d Delivery
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			b.logger.Warn("dropping malformed delivery", zap.Error(err))
			return
		}
		fn(d)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	b.sub = sub
	return nil
}

func (b *NATSBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		_ = b.sub.Drain()
		b.sub = nil
	}
	return b.nc.Drain()
}

// LocalBroker delivers synchronously inside one process.
type LocalBroker struct {
	mu   sync.RWMutex
	subs []func(Delivery)
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{}
}

func (b *LocalBroker) Publish(_ context.Context, d Delivery) error {
	b.mu.RLock()
	subs := make([]func(Delivery), len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(d)
	}
	return nil
}

func (b *LocalBroker) Subscribe(fn func(Delivery)) error {
	b.mu.Lock()
	b.subs = append(b.subs, fn)
	b.mu.Unlock()
	return nil
}

func (b *LocalBroker) Close() error {
	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()
	return nil
}
