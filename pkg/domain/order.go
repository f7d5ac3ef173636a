package domain

import (
	"fmt"
	"time"
)

// OrderStatus is the lifecycle state of an order. It only moves forward.
type OrderStatus int32

const (
	OrderStatusUnspecified OrderStatus = iota
	OrderStatusPending
	OrderStatusInProcess
	OrderStatusDispatched
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPending:
		return "Pending"
	case OrderStatusInProcess:
		return "InProcess"
	case OrderStatusDispatched:
		return "Dispatched"
	}
	return fmt.Sprintf("OrderStatus(%d)", int32(s))
}

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDispatched
}

// CanTransition reports whether moving from s to next is allowed.
// The only defined transition is Pending/InProcess -> Dispatched.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	return next == OrderStatusDispatched && (s == OrderStatusPending || s == OrderStatusInProcess)
}

// Item is one line of an order.
type Item struct {
	ProductID string
	Variant   string
	Quantity  int64
}

// Order is a client order awaiting delivery.
type Order struct {
	ID           string
	Code         string
	Client       string
	DeliveryDate time.Time
	Status       OrderStatus
	Invoice      string
	Evidence     string
	Items        []Item
}

// Clone returns a deep copy.
func (o Order) Clone() Order {
	o.Items = cloneItems(o.Items)
	return o
}

func cloneItems(items []Item) []Item {
	if len(items) == 0 {
		return nil
	}
	out := make([]Item, len(items))
	copy(out, items)
	return out
}
