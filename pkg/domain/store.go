package domain

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// State is a full copy of the store as of a journal sequence number.
type State struct {
	AsOf     uint64
	TakenAt  time.Time
	Products []Product
	Orders   []Order
}

// Store holds products and orders in memory.
//
// Every mutator checks its invariants before touching any map, so a failed
// call leaves the store unchanged. Store is not safe for concurrent use; the
// coordinator serializes access to it.
type Store struct {
	products map[string]Product
	orders   map[string]Order
	skus     map[string]string // sku -> product id
	codes    map[string]string // order code -> order id
	seq      uint64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		products: make(map[string]Product),
		orders:   make(map[string]Order),
		skus:     make(map[string]string),
		codes:    make(map[string]string),
	}
}

// Sequence returns the sequence number of the last applied command.
func (s *Store) Sequence() uint64 {
	return s.seq
}

// Check validates a payload against the current state without mutating it.
func (s *Store) Check(p Payload) error {
	var err error
	switch p := p.(type) {
	case ProductCreate:
		err = s.checkProductCreate(p.ID, p.SKU, p.Name, p.Category, p.Stock)
	case StockAdjust:
		err = s.checkStockAdjust(p.ProductID, p.Variant, p.Amount, p.IsEntry)
	case ProductDelete:
		err = s.checkProductDelete(p.ID)
	case OrderCreate:
		err = s.checkOrderCreate(p.ID, p.Code, p.Client, p.DeliveryDate, p.Items)
	case OrderDispatch:
		err = s.checkOrderDispatch(p.ID, p.Invoice, p.Evidence)
	case OrderDelete:
		err = s.checkOrderDelete(p.ID)
	default:
		return unknownPayload(p)
	}
	return WithCommand(err, p.CommandType())
}

// Apply applies a journaled command. Commands must arrive in strict
// sequence order, one after the other.
func (s *Store) Apply(cmd Command) error {
	if cmd.Sequence != s.seq+1 {
		return &Error{
			Kind:        ErrCorruption,
			CommandType: cmd.Type(),
			Field:       "sequence",
			Message:     "out of order command",
			Err:         fmt.Errorf("expected sequence %d, got %d", s.seq+1, cmd.Sequence),
		}
	}

	at := cmd.Timestamp
	var err error
	switch p := cmd.Payload.(type) {
	case ProductCreate:
		err = s.ApplyProductCreate(p.ID, p.SKU, p.Name, p.Category, p.Stock, at)
	case StockAdjust:
		err = s.ApplyStockAdjust(p.ProductID, p.Variant, p.Amount, p.IsEntry, at)
	case ProductDelete:
		err = s.ApplyProductDelete(p.ID)
	case OrderCreate:
		err = s.ApplyOrderCreate(p.ID, p.Code, p.Client, p.DeliveryDate, p.Items)
	case OrderDispatch:
		err = s.ApplyOrderDispatch(p.ID, p.Invoice, p.Evidence)
	case OrderDelete:
		err = s.ApplyOrderDelete(p.ID)
	default:
		return unknownPayload(cmd.Payload)
	}
	if err != nil {
		return WithCommand(err, cmd.Type())
	}

	s.seq = cmd.Sequence
	return nil
}

// ApplyProductCreate registers a product with its initial stock.
func (s *Store) ApplyProductCreate(id, sku, name string, category Category, stock map[string]int64, at time.Time) error {
	if err := s.checkProductCreate(id, sku, name, category, stock); err != nil {
		return err
	}
	s.products[id] = Product{
		ID:        id,
		SKU:       sku,
		Name:      name,
		Category:  category,
		Stock:     cloneStock(stock),
		UpdatedAt: at,
	}
	s.skus[sku] = id
	return nil
}

// ApplyStockAdjust adds (isEntry) or removes amount units of a product variant.
func (s *Store) ApplyStockAdjust(productID, variant string, amount int64, isEntry bool, at time.Time) error {
	if err := s.checkStockAdjust(productID, variant, amount, isEntry); err != nil {
		return err
	}
	p := s.products[productID]
	stock := cloneStock(p.Stock)
	if isEntry {
		stock[variant] += amount
	} else {
		stock[variant] -= amount
	}
	p.Stock = stock
	p.UpdatedAt = at
	s.products[productID] = p
	return nil
}

// ApplyProductDelete removes a product.
func (s *Store) ApplyProductDelete(id string) error {
	if err := s.checkProductDelete(id); err != nil {
		return err
	}
	delete(s.skus, s.products[id].SKU)
	delete(s.products, id)
	return nil
}

// ApplyOrderCreate registers a pending order. The id comes from the command;
// it is never generated here.
func (s *Store) ApplyOrderCreate(id, code, client string, deliveryDate time.Time, items []Item) error {
	if err := s.checkOrderCreate(id, code, client, deliveryDate, items); err != nil {
		return err
	}
	s.orders[id] = Order{
		ID:           id,
		Code:         code,
		Client:       client,
		DeliveryDate: deliveryDate,
		Status:       OrderStatusPending,
		Items:        cloneItems(items),
	}
	s.codes[code] = id
	return nil
}

// ApplyOrderDispatch moves an order to Dispatched.
func (s *Store) ApplyOrderDispatch(id, invoice, evidence string) error {
	if err := s.checkOrderDispatch(id, invoice, evidence); err != nil {
		return err
	}
	o := s.orders[id]
	o.Status = OrderStatusDispatched
	o.Invoice = invoice
	o.Evidence = evidence
	s.orders[id] = o
	return nil
}

// ApplyOrderDelete removes an order that has not been dispatched.
func (s *Store) ApplyOrderDelete(id string) error {
	if err := s.checkOrderDelete(id); err != nil {
		return err
	}
	delete(s.codes, s.orders[id].Code)
	delete(s.orders, id)
	return nil
}

func (s *Store) checkProductCreate(id, sku, name string, category Category, stock map[string]int64) error {
	if id == "" {
		return NewError(ErrValidation, "id", "product id is required")
	}
	if sku == "" {
		return NewError(ErrValidation, "sku", "sku is required")
	}
	if name == "" {
		return NewError(ErrValidation, "name", "name is required")
	}
	if !category.Valid() {
		return NewError(ErrValidation, "category", "unknown category %d", int32(category))
	}
	for variant, qty := range stock {
		if variant == "" {
			return NewError(ErrValidation, "stock", "variant label is required")
		}
		if qty < 0 {
			return NewError(ErrValidation, "stock", "variant %q has negative quantity %d", variant, qty)
		}
	}
	if _, exists := s.products[id]; exists {
		return NewError(ErrDuplicateID, "id", "product %q already exists", id)
	}
	if owner, exists := s.skus[sku]; exists {
		return NewError(ErrDuplicateID, "sku", "sku %q already used by product %q", sku, owner)
	}
	return nil
}

func (s *Store) checkStockAdjust(productID, variant string, amount int64, isEntry bool) error {
	if productID == "" {
		return NewError(ErrValidation, "product_id", "product id is required")
	}
	if variant == "" {
		return NewError(ErrValidation, "variant", "variant is required")
	}
	if amount <= 0 {
		return NewError(ErrValidation, "amount", "amount must be positive, got %d", amount)
	}
	p, ok := s.products[productID]
	if !ok {
		return NewError(ErrNotFound, "product_id", "product %q not found", productID)
	}
	if !isEntry && p.Stock[variant] < amount {
		return NewError(ErrInsufficientStock, "stock",
			"product %q variant %q has %d, cannot remove %d", productID, variant, p.Stock[variant], amount)
	}
	if isEntry && p.Stock[variant] > math.MaxInt64-amount {
		return NewError(ErrValidation, "amount",
			"adding %d to variant %q would overflow its stock of %d", amount, variant, p.Stock[variant])
	}
	return nil
}

func (s *Store) checkProductDelete(id string) error {
	if id == "" {
		return NewError(ErrValidation, "id", "product id is required")
	}
	if _, ok := s.products[id]; !ok {
		return NewError(ErrNotFound, "id", "product %q not found", id)
	}
	return nil
}

func (s *Store) checkOrderCreate(id, code, client string, deliveryDate time.Time, items []Item) error {
	if id == "" {
		return NewError(ErrValidation, "id", "order id is required")
	}
	if code == "" {
		return NewError(ErrValidation, "code", "order code is required")
	}
	if client == "" {
		return NewError(ErrValidation, "client", "client is required")
	}
	if deliveryDate.IsZero() {
		return NewError(ErrValidation, "delivery_date", "delivery date is required")
	}
	for i, item := range items {
		if item.Quantity <= 0 {
			return NewError(ErrValidation, "items", "item %d quantity must be positive, got %d", i, item.Quantity)
		}
		if item.Variant == "" {
			return NewError(ErrValidation, "items", "item %d variant is required", i)
		}
		if _, ok := s.products[item.ProductID]; !ok {
			return NewError(ErrNotFound, "items", "item %d references unknown product %q", i, item.ProductID)
		}
	}
	if _, exists := s.orders[id]; exists {
		return NewError(ErrDuplicateID, "id", "order %q already exists", id)
	}
	if owner, exists := s.codes[code]; exists {
		return NewError(ErrDuplicateID, "code", "order code %q already used by order %q", code, owner)
	}
	return nil
}

func (s *Store) checkOrderDispatch(id, invoice, evidence string) error {
	if id == "" {
		return NewError(ErrValidation, "id", "order id is required")
	}
	if invoice == "" {
		return NewError(ErrValidation, "invoice", "invoice is required to dispatch")
	}
	if evidence == "" {
		return NewError(ErrValidation, "evidence", "evidence is required to dispatch")
	}
	o, ok := s.orders[id]
	if !ok {
		return NewError(ErrNotFound, "id", "order %q not found", id)
	}
	if !o.Status.CanTransition(OrderStatusDispatched) {
		return NewError(ErrInvalidTransition, "status", "order %q is %s", id, o.Status)
	}
	return nil
}

func (s *Store) checkOrderDelete(id string) error {
	if id == "" {
		return NewError(ErrValidation, "id", "order id is required")
	}
	o, ok := s.orders[id]
	if !ok {
		return NewError(ErrNotFound, "id", "order %q not found", id)
	}
	if o.Status.Terminal() {
		return NewError(ErrInvalidTransition, "status", "order %q is %s and cannot be deleted", id, o.Status)
	}
	return nil
}

// Snapshot returns a deep copy of the store tagged with its sequence number.
func (s *Store) Snapshot() State {
	return State{
		AsOf:     s.seq,
		Products: s.Products(),
		Orders:   s.Orders(),
	}
}

// Restore replaces the whole store with state. Only call it before any
// command has been applied.
func (s *Store) Restore(state State) {
	s.products = make(map[string]Product, len(state.Products))
	s.orders = make(map[string]Order, len(state.Orders))
	s.skus = make(map[string]string, len(state.Products))
	s.codes = make(map[string]string, len(state.Orders))
	for _, p := range state.Products {
		s.products[p.ID] = p.Clone()
		s.skus[p.SKU] = p.ID
	}
	for _, o := range state.Orders {
		s.orders[o.ID] = o.Clone()
		s.codes[o.Code] = o.ID
	}
	s.seq = state.AsOf
}

// Products returns copies of all products sorted by id.
func (s *Store) Products() []Product {
	out := make([]Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Orders returns copies of all orders sorted by id.
func (s *Store) Orders() []Order {
	out := make([]Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Product returns a copy of one product.
func (s *Store) Product(id string) (Product, bool) {
	p, ok := s.products[id]
	if !ok {
		return Product{}, false
	}
	return p.Clone(), true
}

// Order returns a copy of one order.
func (s *Store) Order(id string) (Order, bool) {
	o, ok := s.orders[id]
	if !ok {
		return Order{}, false
	}
	return o.Clone(), true
}

// CalendarDay groups the orders due on one UTC day.
type CalendarDay struct {
	Date   time.Time
	Orders []Order
}

// Calendar returns orders whose delivery date falls in [from, to), grouped
// by day in ascending order. Orders within a day are sorted by code.
func (s *Store) Calendar(from, to time.Time) []CalendarDay {
	byDay := make(map[time.Time][]Order)
	for _, o := range s.orders {
		if o.DeliveryDate.Before(from) || !o.DeliveryDate.Before(to) {
			continue
		}
		d := o.DeliveryDate.UTC()
		day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
		byDay[day] = append(byDay[day], o.Clone())
	}

	days := make([]CalendarDay, 0, len(byDay))
	for day, orders := range byDay {
		sort.Slice(orders, func(i, j int) bool { return orders[i].Code < orders[j].Code })
		days = append(days, CalendarDay{Date: day, Orders: orders})
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Date.Before(days[j].Date) })
	return days
}

func unknownPayload(p Payload) error {
	e := NewError(ErrValidation, "type", "unknown command payload %T", p)
	if p != nil {
		e.CommandType = p.CommandType()
	}
	return e
}
