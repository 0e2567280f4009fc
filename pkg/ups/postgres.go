package ups

import (
	"context"
	"encoding/base64"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres NOTIFY payloads must stay under 8000 bytes in the default server
// configuration. Payloads are base64 encoded on the wire, so the effective
// binary limit is lower.
const maxNotifyLength = 8000

var notifyEncoding = base64.StdEncoding.WithPadding(base64.NoPadding)

// Postgres delivers messages over LISTEN/NOTIFY. Publishes go through a
// pool; one dedicated connection carries every LISTEN and is re-established
// with its channel set if it drops.
type Postgres struct {
	pool *pgxpool.Pool

	mu      sync.Mutex
	subs    map[string]map[*Subscriber]struct{} // keyed by hashed channel
	pending []string                            // LISTEN/UNLISTEN statements
	closed  bool

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ PubSub = (*Postgres)(nil)

// NewPostgres connects to connString and starts the listen loop.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("ups: postgres pool: %w", err)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	p := &Postgres{
		pool:   pool,
		subs:   map[string]map[*Subscriber]struct{}{},
		kick:   make(chan struct{}, 1),
		ctx:    loopCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.listenLoop()
	return p, nil
}

// hashChannel maps an arbitrary subject onto a Postgres channel name, which
// is limited to 63 significant characters.
func hashChannel(subject string) string {
	h := fnv.New64a()
	h.Write([]byte(subject))
	return fmt.Sprintf("ups_%x", h.Sum64())
}

func (p *Postgres) Publish(ctx context.Context, subject string, payload []byte) error {
	encoded := notifyEncoding.EncodeToString(payload)
	if len(encoded) > maxNotifyLength {
		return fmt.Errorf("%w: %d bytes encoded, limit %d", ErrPayloadTooLarge, len(encoded), maxNotifyLength)
	}
	if _, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", hashChannel(subject), encoded); err != nil {
		return fmt.Errorf("ups: notify: %w", err)
	}
	return nil
}

func (p *Postgres) Subscribe(ctx context.Context, subject string) (*Subscriber, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	channel := hashChannel(subject)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	sub := newSubscriber(subject, memoryBuffer, p.unsubscribe)
	if p.subs[channel] == nil {
		p.subs[channel] = map[*Subscriber]struct{}{}
		p.pending = append(p.pending, fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize()))
		p.wake()
	}
	p.subs[channel][sub] = struct{}{}
	return sub, nil
}

func (p *Postgres) unsubscribe(sub *Subscriber) {
	channel := hashChannel(sub.subject)
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.subs[channel]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(p.subs, channel)
		p.pending = append(p.pending, fmt.Sprintf("UNLISTEN %s", pgx.Identifier{channel}.Sanitize()))
		p.wake()
	}
}

func (p *Postgres) wake() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Close stops the listen loop and releases the pool. Pending deliveries in
// subscriber buffers remain readable.
func (p *Postgres) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, set := range p.subs {
		for sub := range set {
			sub.markDone()
		}
	}
	p.subs = map[string]map[*Subscriber]struct{}{}
	p.mu.Unlock()

	p.cancel()
	<-p.done
	p.pool.Close()
	return nil
}

func (p *Postgres) takePending() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	cmds := p.pending
	p.pending = nil
	return cmds
}

func (p *Postgres) activeChannels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	chans := make([]string, 0, len(p.subs))
	for ch := range p.subs {
		chans = append(chans, ch)
	}
	return chans
}

func (p *Postgres) listenLoop() {
	defer close(p.done)

	var conn *pgx.Conn
	defer func() {
		if conn != nil {
			conn.Close(context.Background())
		}
	}()

	for {
		if p.ctx.Err() != nil {
			return
		}
		if conn == nil {
			c, err := p.connectAndResubscribe()
			if err != nil {
				select {
				case <-p.ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			conn = c
		}

		for _, stmt := range p.takePending() {
			if _, err := conn.Exec(p.ctx, stmt); err != nil {
				conn.Close(context.Background())
				conn = nil
				break
			}
		}
		if conn == nil {
			continue
		}

		// WaitForNotification honors cancellation via read deadlines, so
		// kicking the context leaves the connection usable.
		waitCtx, cancelWait := context.WithCancel(p.ctx)
		stop := make(chan struct{})
		go func() {
			select {
			case <-p.kick:
				cancelWait()
			case <-stop:
			}
		}()
		n, err := conn.WaitForNotification(waitCtx)
		close(stop)
		cancelWait()

		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue // kicked to apply pending LISTEN/UNLISTEN
			}
			conn.Close(context.Background())
			conn = nil
			continue
		}
		p.dispatch(n.Channel, n.Payload)
	}
}

func (p *Postgres) connectAndResubscribe() (*pgx.Conn, error) {
	cfg := p.pool.Config().ConnConfig.Copy()
	conn, err := pgx.ConnectConfig(p.ctx, cfg)
	if err != nil {
		return nil, err
	}
	for _, channel := range p.activeChannels() {
		stmt := fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
		if _, err := conn.Exec(p.ctx, stmt); err != nil {
			conn.Close(context.Background())
			return nil, err
		}
	}
	return conn, nil
}

func (p *Postgres) dispatch(channel, payload string) {
	raw, err := notifyEncoding.DecodeString(payload)
	if err != nil {
		return
	}
	p.mu.Lock()
	set := p.subs[channel]
	targets := make([]*Subscriber, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	p.mu.Unlock()
	for _, sub := range targets {
		sub.deliver(&Message{Subject: sub.subject, Payload: raw})
	}
}
