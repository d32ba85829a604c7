package common

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Quote is a two-sided top of book snapshot for a symbol. Quotes are never
// mutated once published.
type Quote struct {
	ID      string    `json:"id"`
	Symbol  string    `json:"symbol"`
	Bid     float64   `json:"bid"`
	Ask     float64   `json:"ask"`
	BidSize uint64    `json:"bidSize"`
	AskSize uint64    `json:"askSize"`
	Time    time.Time `json:"time"`
}

func NewQuote(symbol string, bid, ask float64, bidSize, askSize uint64) Quote {
	return Quote{
		ID:      uuid.NewString(),
		Symbol:  symbol,
		Bid:     bid,
		Ask:     ask,
		BidSize: bidSize,
		AskSize: askSize,
		Time:    time.Now().UTC(),
	}
}

// Touch returns the price and size an order on the given side would trade
// against: the ask for a buy, the bid for a sell.
func (q Quote) Touch(side Side) (float64, uint64, error) {
	switch side {
	case Buy:
		return q.Ask, q.AskSize, nil
	case Sell:
		return q.Bid, q.BidSize, nil
	}
	return 0, 0, fmt.Errorf("invalid order side: %v", side)
}

func (q Quote) String() string {
	return fmt.Sprintf("%s %d x %.2f / %.2f x %d (%s)", q.Symbol, q.BidSize, q.Bid, q.Ask, q.AskSize, q.ID)
}
