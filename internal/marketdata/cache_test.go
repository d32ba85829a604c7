package marketdata

import (
	"math/rand"
	"sync"
	"testing"

	"exchsim/internal/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetReturnsIngestedQuote(t *testing.T) {
	cache := NewQuoteCache(rand.New(rand.NewSource(1)), nil)
	q := common.NewQuote("IBM", 99.5, 100.25, 300, 400)
	cache.Ingest([]common.Quote{q})

	assert.Equal(t, q, cache.Get("IBM"))
}

func TestIngestLastWriteWins(t *testing.T) {
	cache := NewQuoteCache(rand.New(rand.NewSource(1)), nil)
	first := common.NewQuote("MSFT", 10, 11, 1, 1)
	second := common.NewQuote("MSFT", 12, 13, 2, 2)
	other := common.NewQuote("AAPL", 1, 2, 3, 4)

	cache.Ingest([]common.Quote{first, other, second})
	assert.Equal(t, second, cache.Get("MSFT"))

	third := common.NewQuote("MSFT", 9, 10, 5, 5)
	cache.Ingest([]common.Quote{third})
	assert.Equal(t, third, cache.Get("MSFT"))
	assert.Equal(t, other, cache.Get("AAPL"))
	assert.Equal(t, 2, cache.Len())
}

func TestMissingSymbolIsSynthesized(t *testing.T) {
	cache := NewQuoteCache(rand.New(rand.NewSource(42)), nil)

	for i := 0; i < 500; i++ {
		q := cache.Get("GOOG")
		assert.Equal(t, "GOOG", q.Symbol)
		assert.NotEmpty(t, q.ID)
		assert.GreaterOrEqual(t, q.Bid, 0.0)
		assert.Less(t, q.Bid, 100.0)
		assert.GreaterOrEqual(t, q.Ask, 0.0)
		assert.Less(t, q.Ask, 100.0)
		assert.Less(t, q.BidSize, uint64(1000))
		assert.Less(t, q.AskSize, uint64(1000))
	}
	// Synthesized quotes are never cached.
	assert.Equal(t, 0, cache.Len())
}

func TestSynthesizedQuoteIsReproducibleWithSeed(t *testing.T) {
	a := NewQuoteCache(rand.New(rand.NewSource(7)), nil).Get("GOOG")
	b := NewQuoteCache(rand.New(rand.NewSource(7)), nil).Get("GOOG")

	assert.Equal(t, a.Bid, b.Bid)
	assert.Equal(t, a.Ask, b.Ask)
	assert.Equal(t, a.BidSize, b.BidSize)
	assert.Equal(t, a.AskSize, b.AskSize)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestSynthesizedPricesHaveCentPrecision(t *testing.T) {
	rnd := rand.New(rand.NewSource(3))
	for i := 0; i < 100; i++ {
		q := RandomQuote(rnd, "X")
		assert.InDelta(t, q.Bid*100, float64(int64(q.Bid*100+0.5)), 1e-6)
	}
}

func TestSnapshotIsOrderedBySymbol(t *testing.T) {
	cache := NewQuoteCache(nil, nil)
	cache.Ingest([]common.Quote{
		common.NewQuote("MSFT", 1, 2, 1, 1),
		common.NewQuote("AAPL", 1, 2, 1, 1),
		common.NewQuote("IBM", 1, 2, 1, 1),
	})

	snapshot := cache.Snapshot()
	require.Len(t, snapshot, 3)
	assert.Equal(t, "AAPL", snapshot[0].Symbol)
	assert.Equal(t, "IBM", snapshot[1].Symbol)
	assert.Equal(t, "MSFT", snapshot[2].Symbol)
}

func TestConcurrentIngestAndGet(t *testing.T) {
	cache := NewQuoteCache(nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				cache.Ingest([]common.Quote{common.NewQuote("IBM", 1, 2, 3, 4)})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				assert.Equal(t, "IBM", cache.Get("IBM").Symbol)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, cache.Len())
}
