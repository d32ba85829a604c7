package router

import (
	"fmt"

	"exchsim/internal/common"

	lru "github.com/hashicorp/golang-lru/v2"
)

// OrderTable tracks in-flight orders by id. It is safe for concurrent use.
// Capacity bounds memory: once full, the least recently touched order is
// forgotten and later reports for it are ignored.
type OrderTable struct {
	orders *lru.Cache[string, common.Order]
}

func NewOrderTable(capacity int) (*OrderTable, error) {
	orders, err := lru.New[string, common.Order](capacity)
	if err != nil {
		return nil, fmt.Errorf("unable to create order table: %w", err)
	}
	return &OrderTable{orders: orders}, nil
}

// Add inserts the order unless one with the same id is already tracked.
// It reports whether the order was inserted.
func (t *OrderTable) Add(order common.Order) bool {
	found, _ := t.orders.ContainsOrAdd(order.ID, order)
	return !found
}

// Update stores the order, replacing any previous version.
func (t *OrderTable) Update(order common.Order) {
	t.orders.Add(order.ID, order)
}

// Remove forgets the order.
func (t *OrderTable) Remove(id string) {
	t.orders.Remove(id)
}

func (t *OrderTable) Get(id string) (common.Order, bool) {
	return t.orders.Get(id)
}

func (t *OrderTable) Len() int {
	return t.orders.Len()
}
