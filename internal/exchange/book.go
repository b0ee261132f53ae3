package exchange

import "github.com/jmager/microgrid/internal/models"

// book is one side of the order book. Orders are kept in insertion order;
// an order's index is its slice position and never changes. Matched orders
// leave a nil slot behind so later indices stay valid. Matching scans the
// slice instead of keeping it price-sorted: insertion stays O(1) and the
// books are bounded by the number of active households.
type book struct {
	orders []*models.Order
}

// add appends an order and returns its stable index.
func (b *book) add(o *models.Order) int {
	b.orders = append(b.orders, o)
	return len(b.orders) - 1
}

// get returns the order at index, or ErrNotFound if the index is out of
// range or the slot was cleared by a match.
func (b *book) get(index int) (*models.Order, error) {
	if index < 0 || index >= len(b.orders) || b.orders[index] == nil {
		return nil, ErrNotFound
	}
	return b.orders[index], nil
}

// clear empties the slot at index, keeping all other indices stable.
func (b *book) clear(index int) {
	if index >= 0 && index < len(b.orders) {
		b.orders[index] = nil
	}
}

// removeLast undoes the most recent add. Used to reject an incoming order
// whose settlement failed, so no trace of it remains in the book.
func (b *book) removeLast(index int) {
	if index == len(b.orders)-1 {
		b.orders = b.orders[:index]
	}
}

// resting returns copies of the open orders in insertion order.
func (b *book) resting() []models.Order {
	out := []models.Order{}
	for _, o := range b.orders {
		if o != nil && o.Status == models.StatusOpen {
			out = append(out, *o)
		}
	}
	return out
}
