package router

import (
	"sync"
	"testing"

	"exchsim/internal/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderTableAddKeepsFirst(t *testing.T) {
	table, err := NewOrderTable(16)
	require.NoError(t, err)

	first := common.NewOrder("IBM", common.Buy, common.MarketOrder, common.Day, 10, 0)
	second := first
	second.Symbol = "MSFT"

	assert.True(t, table.Add(first))
	assert.False(t, table.Add(second))

	got, ok := table.Get(first.ID)
	require.True(t, ok)
	assert.Equal(t, "IBM", got.Symbol)
}

func TestOrderTableUpdateOverwrites(t *testing.T) {
	table, err := NewOrderTable(16)
	require.NoError(t, err)

	order := common.NewOrder("IBM", common.Buy, common.MarketOrder, common.Day, 10, 0)
	table.Update(order)
	order.Open = 0
	order.Executed = 10
	table.Update(order)

	got, ok := table.Get(order.ID)
	require.True(t, ok)
	assert.Equal(t, uint64(10), got.Executed)
	assert.Equal(t, 1, table.Len())
}

func TestOrderTableConcurrentDuplicateAdds(t *testing.T) {
	table, err := NewOrderTable(1024)
	require.NoError(t, err)

	base := common.NewOrder("IBM", common.Buy, common.MarketOrder, common.Day, 10, 0)
	var (
		wg       sync.WaitGroup
		lock     sync.Mutex
		inserted []string
	)
	for i := 0; i < 64; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			order := base
			order.SessionID = string(rune('A' + i%26))
			if table.Add(order) {
				lock.Lock()
				inserted = append(inserted, order.SessionID)
				lock.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, inserted, 1)
	for i := 0; i < 10; i++ {
		got, ok := table.Get(base.ID)
		require.True(t, ok)
		assert.Equal(t, inserted[0], got.SessionID)
	}
}

func TestOrderTableEvictsLeastRecentlyUsed(t *testing.T) {
	table, err := NewOrderTable(2)
	require.NoError(t, err)

	a := common.NewOrder("A", common.Buy, common.MarketOrder, common.Day, 1, 0)
	b := common.NewOrder("B", common.Buy, common.MarketOrder, common.Day, 1, 0)
	c := common.NewOrder("C", common.Buy, common.MarketOrder, common.Day, 1, 0)
	table.Add(a)
	table.Add(b)
	_, _ = table.Get(a.ID)
	table.Add(c)

	_, ok := table.Get(b.ID)
	assert.False(t, ok)
	_, ok = table.Get(a.ID)
	assert.True(t, ok)
	_, ok = table.Get(c.ID)
	assert.True(t, ok)
}

func TestNewOrderTableRejectsZeroCapacity(t *testing.T) {
	_, err := NewOrderTable(0)
	assert.Error(t, err)
}
