package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"exchsim/internal/common"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Batch is the frame exchanged on the quote feed.
type Batch struct {
	Quotes []common.Quote `json:"quotes"`
}

// Feed keeps the cache up to date from a websocket quote stream.
type Feed struct {
	url        string
	cache      *QuoteCache
	dialer     *websocket.Dialer
	newBackOff func() backoff.BackOff
}

func NewFeed(url string, cache *QuoteCache) *Feed {
	return &Feed{
		url:    url,
		cache:  cache,
		dialer: websocket.DefaultDialer,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Run reads batches until the context is done, reconnecting whenever the
// stream drops.
func (f *Feed) Run(ctx context.Context) error {
	b := f.newBackOff()
	err := backoff.RetryNotify(
		func() error {
			err := f.consume(ctx, b)
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		},
		backoff.WithContext(b, ctx),
		func(err error, wait time.Duration) {
			log.Warn().Err(err).Str("url", f.url).Dur("retry_in", wait).Msg("quote feed down, reconnecting")
		},
	)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (f *Feed) consume(ctx context.Context, b backoff.BackOff) error {
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	b.Reset()
	log.Info().Str("url", f.url).Msg("quote feed connected")

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("quote feed read: %w", err)
		}

		var batch Batch
		if err := json.Unmarshal(message, &batch); err != nil {
			log.Error().Err(err).Msg("dropping malformed quote batch")
			continue
		}
		f.cache.Ingest(batch.Quotes)
		log.Debug().Int("quotes", len(batch.Quotes)).Msg("quote batch ingested")
	}
}
