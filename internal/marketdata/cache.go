package marketdata

import (
	"math/rand"
	"sync"

	"exchsim/internal/common"
	"exchsim/internal/metrics"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

const (
	maxSynthPrice = 100
	maxSynthSize  = 1000
)

// QuoteCache holds the latest quote per symbol. Writes come from the feed,
// reads from any number of matches.
type QuoteCache struct {
	quotes  *btree.BTreeG[common.Quote] // Ordered by symbol, safe for concurrent use
	metrics *metrics.Metrics

	rnd     *rand.Rand
	rndLock sync.Mutex
}

// NewQuoteCache creates an empty cache. rnd drives quote synthesis for
// unknown symbols; a nil rnd gets a time seeded source.
func NewQuoteCache(rnd *rand.Rand, m *metrics.Metrics) *QuoteCache {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(rand.Int63()))
	}
	return &QuoteCache{
		quotes: btree.NewBTreeG(func(a, b common.Quote) bool {
			return a.Symbol < b.Symbol
		}),
		metrics: m,
		rnd:     rnd,
	}
}

// Ingest replaces the cached quote of every symbol in the batch. Later
// entries win over earlier ones for the same symbol.
func (c *QuoteCache) Ingest(batch []common.Quote) {
	for _, q := range batch {
		c.quotes.Set(q)
	}
	c.metrics.QuotesIngestedAdd(len(batch))
}

// Get returns the cached quote for symbol. When nothing has been published
// for it yet a random quote is made up on the spot; it is not cached, so
// every miss yields a fresh one.
func (c *QuoteCache) Get(symbol string) common.Quote {
	if q, ok := c.quotes.Get(common.Quote{Symbol: symbol}); ok {
		return q
	}
	return c.synthesize(symbol)
}

// Snapshot returns every cached quote ordered by symbol.
func (c *QuoteCache) Snapshot() []common.Quote {
	quotes := make([]common.Quote, 0, c.quotes.Len())
	c.quotes.Scan(func(q common.Quote) bool {
		quotes = append(quotes, q)
		return true
	})
	return quotes
}

func (c *QuoteCache) Len() int {
	return c.quotes.Len()
}

func (c *QuoteCache) synthesize(symbol string) common.Quote {
	c.rndLock.Lock()
	defer c.rndLock.Unlock()

	return RandomQuote(c.rnd, symbol)
}

// RandomQuote draws a quote with prices in [0, 100) at cent precision and
// sizes in [0, 1000). rnd must not be shared without locking.
func RandomQuote(rnd *rand.Rand, symbol string) common.Quote {
	bid := randomPrice(rnd)
	ask := randomPrice(rnd)
	bidSize := uint64(rnd.Intn(maxSynthSize))
	askSize := uint64(rnd.Intn(maxSynthSize))
	return common.NewQuote(symbol, bid, ask, bidSize, askSize)
}

func randomPrice(rnd *rand.Rand) float64 {
	// Truncated rather than rounded so 99.999 cannot become 100.
	return decimal.NewFromFloat(rnd.Float64() * maxSynthPrice).Truncate(2).InexactFloat64()
}
