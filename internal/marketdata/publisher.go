package marketdata

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"exchsim/internal/common"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeTimeout = 5 * time.Second

// Publisher generates a random quote for every symbol each period and pushes
// the batch to every connected websocket subscriber.
type Publisher struct {
	symbols      []string
	period       time.Duration
	rnd          *rand.Rand
	upgrader     websocket.Upgrader
	writeTimeout time.Duration

	subscribers     map[*websocket.Conn]struct{}
	subscribersLock sync.Mutex
	// One writer per connection at a time.
	writeLock sync.Mutex
}

func NewPublisher(symbols []string, period time.Duration, rnd *rand.Rand) *Publisher {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Publisher{
		symbols:  symbols,
		period:   period,
		rnd:      rnd,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		writeTimeout: writeTimeout,
		subscribers:  make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the request and keeps the subscriber until it goes away.
func (p *Publisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	p.subscribe(conn)
	log.Info().Str("address", conn.RemoteAddr().String()).Msg("quote subscriber connected")

	// Subscribers never send anything; reading only detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	p.unsubscribe(conn)
	log.Info().Str("address", conn.RemoteAddr().String()).Msg("quote subscriber gone")
}

// Run publishes a batch every period until the context is done.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()
	defer p.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Publish(p.NextBatch())
		}
	}
}

// NextBatch draws one quote per configured symbol.
func (p *Publisher) NextBatch() Batch {
	batch := Batch{Quotes: make([]common.Quote, 0, len(p.symbols))}
	for _, symbol := range p.symbols {
		batch.Quotes = append(batch.Quotes, RandomQuote(p.rnd, symbol))
	}
	return batch
}

// Publish writes the batch to every subscriber. Subscribers that fail the
// write are dropped.
func (p *Publisher) Publish(batch Batch) {
	data, err := json.Marshal(batch)
	if err != nil {
		log.Error().Err(err).Msg("unable to encode quote batch")
		return
	}

	p.writeLock.Lock()
	defer p.writeLock.Unlock()
	for _, conn := range p.snapshot() {
		conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Str("address", conn.RemoteAddr().String()).Msg("dropping quote subscriber")
			p.unsubscribe(conn)
		}
	}
}

// snapshot copies the subscriber set so writes happen without the lock.
func (p *Publisher) snapshot() []*websocket.Conn {
	p.subscribersLock.Lock()
	defer p.subscribersLock.Unlock()

	conns := make([]*websocket.Conn, 0, len(p.subscribers))
	for conn := range p.subscribers {
		conns = append(conns, conn)
	}
	return conns
}

func (p *Publisher) Subscribers() int {
	p.subscribersLock.Lock()
	defer p.subscribersLock.Unlock()

	return len(p.subscribers)
}

func (p *Publisher) subscribe(conn *websocket.Conn) {
	p.subscribersLock.Lock()
	defer p.subscribersLock.Unlock()

	p.subscribers[conn] = struct{}{}
}

func (p *Publisher) unsubscribe(conn *websocket.Conn) {
	p.subscribersLock.Lock()
	defer p.subscribersLock.Unlock()

	delete(p.subscribers, conn)
	conn.Close()
}

func (p *Publisher) closeAll() {
	p.writeLock.Lock()
	defer p.writeLock.Unlock()

	for _, conn := range p.snapshot() {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "publisher stopping"),
			time.Now().Add(time.Second),
		)
		p.unsubscribe(conn)
	}
}
