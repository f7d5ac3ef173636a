package codec

import (
	"github.com/plaenen/atelier/pkg/domain"
	"google.golang.org/protobuf/encoding/protowire"
)

// Product field numbers.
const (
	productID        protowire.Number = 1
	productSKU       protowire.Number = 2
	productName      protowire.Number = 3
	productCategory  protowire.Number = 4
	productStock     protowire.Number = 5
	productUpdatedAt protowire.Number = 6
)

// Order field numbers.
const (
	orderID           protowire.Number = 1
	orderCode         protowire.Number = 2
	orderClient       protowire.Number = 3
	orderDeliveryDate protowire.Number = 4
	orderStatus       protowire.Number = 5
	orderInvoice      protowire.Number = 6
	orderEvidence     protowire.Number = 7
	orderItems        protowire.Number = 8
)

// Item field numbers.
const (
	itemProductID protowire.Number = 1
	itemVariant   protowire.Number = 2
	itemQuantity  protowire.Number = 3
)

// EncodeProduct returns the wire form of p.
func EncodeProduct(p domain.Product) []byte {
	var b []byte
	b = appendString(b, productID, p.ID)
	b = appendString(b, productSKU, p.SKU)
	b = appendString(b, productName, p.Name)
	b = appendInt(b, productCategory, int64(p.Category))
	b = appendStock(b, productStock, p.Stock)
	b = appendTime(b, productUpdatedAt, p.UpdatedAt)
	return b
}

// DecodeProduct parses a product encoded by EncodeProduct.
func DecodeProduct(b []byte) (domain.Product, error) {
	fs, err := fields(b)
	if err != nil {
		return domain.Product{}, err
	}
	p := domain.Product{Stock: make(map[string]int64)}
	for _, f := range fs {
		switch f.num {
		case productID:
			p.ID, err = f.asString()
		case productSKU:
			p.SKU, err = f.asString()
		case productName:
			p.Name, err = f.asString()
		case productCategory:
			var v int64
			v, err = f.asInt()
			p.Category = domain.Category(v)
		case productStock:
			var entry []byte
			if entry, err = f.asBytes(); err == nil {
				err = decodeStockEntry(entry, p.Stock)
			}
		case productUpdatedAt:
			p.UpdatedAt, err = f.asTime()
		}
		if err != nil {
			return domain.Product{}, err
		}
	}
	return p, nil
}

// EncodeOrder returns the wire form of o.
func EncodeOrder(o domain.Order) []byte {
	var b []byte
	b = appendString(b, orderID, o.ID)
	b = appendString(b, orderCode, o.Code)
	b = appendString(b, orderClient, o.Client)
	b = appendTime(b, orderDeliveryDate, o.DeliveryDate)
	b = appendInt(b, orderStatus, int64(o.Status))
	b = appendString(b, orderInvoice, o.Invoice)
	b = appendString(b, orderEvidence, o.Evidence)
	b = appendItems(b, orderItems, o.Items)
	return b
}

// DecodeOrder parses an order encoded by EncodeOrder.
func DecodeOrder(b []byte) (domain.Order, error) {
	fs, err := fields(b)
	if err != nil {
		return domain.Order{}, err
	}
	var o domain.Order
	for _, f := range fs {
		switch f.num {
		case orderID:
			o.ID, err = f.asString()
		case orderCode:
			o.Code, err = f.asString()
		case orderClient:
			o.Client, err = f.asString()
		case orderDeliveryDate:
			o.DeliveryDate, err = f.asTime()
		case orderStatus:
			var v int64
			v, err = f.asInt()
			o.Status = domain.OrderStatus(v)
		case orderInvoice:
			o.Invoice, err = f.asString()
		case orderEvidence:
			o.Evidence, err = f.asString()
		case orderItems:
			o.Items, err = appendDecodedItem(o.Items, f)
		}
		if err != nil {
			return domain.Order{}, err
		}
	}
	return o, nil
}

func appendItems(b []byte, num protowire.Number, items []domain.Item) []byte {
	for _, it := range items {
		var msg []byte
		msg = appendString(msg, itemProductID, it.ProductID)
		msg = appendString(msg, itemVariant, it.Variant)
		msg = appendInt(msg, itemQuantity, it.Quantity)
		b = appendMessage(b, num, msg)
	}
	return b
}

func appendDecodedItem(items []domain.Item, f field) ([]domain.Item, error) {
	b, err := f.asBytes()
	if err != nil {
		return nil, err
	}
	fs, err := fields(b)
	if err != nil {
		return nil, err
	}
	var it domain.Item
	for _, f := range fs {
		switch f.num {
		case itemProductID:
			it.ProductID, err = f.asString()
		case itemVariant:
			it.Variant, err = f.asString()
		case itemQuantity:
			it.Quantity, err = f.asInt()
		}
		if err != nil {
			return nil, err
		}
	}
	return append(items, it), nil
}
