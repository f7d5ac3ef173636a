package domain

import "time"

// CommandType tags the kind of mutation a command performs.
type CommandType string

const (
	CommandProductCreate CommandType = "ProductCreate"
	CommandStockAdjust   CommandType = "StockAdjust"
	CommandProductDelete CommandType = "ProductDelete"
	CommandOrderCreate   CommandType = "OrderCreate"
	CommandOrderDispatch CommandType = "OrderDispatch"
	CommandOrderDelete   CommandType = "OrderDelete"
)

// Command is one journaled mutation. Commands are immutable once appended.
type Command struct {
	// Sequence is assigned by the journal. Strictly increasing and gapless.
	Sequence uint64

	// Timestamp is when the command was accepted. Mutators use it instead of
	// the wall clock so that replay reproduces the same state.
	Timestamp time.Time

	// Payload carries every parameter the mutator needs, identifiers included.
	Payload Payload
}

// Type returns the command type of the payload.
func (c Command) Type() CommandType {
	if c.Payload == nil {
		return ""
	}
	return c.Payload.CommandType()
}

// Payload is the typed body of a command.
type Payload interface {
	// CommandType returns the tag the payload is journaled under.
	CommandType() CommandType

	// EntityIDs returns the identifiers of the entities the command touches.
	EntityIDs() []string
}

// ProductCreate registers a new product with its initial stock.
type ProductCreate struct {
	ID       string
	SKU      string
	Name     string
	Category Category
	Stock    map[string]int64
}

func (ProductCreate) CommandType() CommandType { return CommandProductCreate }
func (p ProductCreate) EntityIDs() []string    { return []string{p.ID} }

// StockAdjust moves stock of one product variant in (entry) or out (exit).
type StockAdjust struct {
	ProductID string
	Variant   string
	Amount    int64
	IsEntry   bool
}

func (StockAdjust) CommandType() CommandType { return CommandStockAdjust }
func (p StockAdjust) EntityIDs() []string    { return []string{p.ProductID} }

// ProductDelete tombstones a product.
type ProductDelete struct {
	ID string
}

func (ProductDelete) CommandType() CommandType { return CommandProductDelete }
func (p ProductDelete) EntityIDs() []string    { return []string{p.ID} }

// OrderCreate registers a new pending order.
type OrderCreate struct {
	ID           string
	Code         string
	Client       string
	DeliveryDate time.Time
	Items        []Item
}

func (OrderCreate) CommandType() CommandType { return CommandOrderCreate }
func (p OrderCreate) EntityIDs() []string    { return []string{p.ID} }

// OrderDispatch marks an order as dispatched.
type OrderDispatch struct {
	ID       string
	Invoice  string
	Evidence string
}

func (OrderDispatch) CommandType() CommandType { return CommandOrderDispatch }
func (p OrderDispatch) EntityIDs() []string    { return []string{p.ID} }

// OrderDelete tombstones an order that has not been dispatched.
type OrderDelete struct {
	ID string
}

func (OrderDelete) CommandType() CommandType { return CommandOrderDelete }
func (p OrderDelete) EntityIDs() []string    { return []string{p.ID} }
