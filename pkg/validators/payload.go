package validators

import (
	"sort"
	"strings"
	"time"

	"github.com/plaenen/atelier/pkg/domain"
	"golang.org/x/text/unicode/norm"
)

const (
	// IDPattern matches entity identifiers, ULIDs included.
	IDPattern = `^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`

	// CodePattern matches SKUs and order codes.
	CodePattern = `^[A-Za-z0-9][A-Za-z0-9._/-]{0,63}$`

	MaxNameLength     = 200
	MaxVariantLength  = 64
	MaxDocumentLength = 500
)

// NormalizeText trims surrounding whitespace and converts s to Unicode NFC.
func NormalizeText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// NormalizeTime converts t to UTC and truncates it to milliseconds. The zero
// time is left as is.
func NormalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Millisecond)
}

// Normalize returns a copy of p with every text field normalized by
// NormalizeText and every time reduced to UTC milliseconds, the precision
// the journal keeps. Two stock variants that normalize to the same label are
// a validation error.
func Normalize(p domain.Payload) (domain.Payload, error) {
	switch p := p.(type) {
	case domain.ProductCreate:
		p.ID = NormalizeText(p.ID)
		p.SKU = NormalizeText(p.SKU)
		p.Name = NormalizeText(p.Name)
		if p.Stock != nil {
			stock := make(map[string]int64, len(p.Stock))
			for variant, qty := range p.Stock {
				v := NormalizeText(variant)
				if _, dup := stock[v]; dup {
					return nil, domain.WithCommand(
						domain.NewError(domain.ErrValidation, "stock", "variant %q is listed twice", v),
						p.CommandType())
				}
				stock[v] = qty
			}
			p.Stock = stock
		}
		return p, nil
	case domain.StockAdjust:
		p.ProductID = NormalizeText(p.ProductID)
		p.Variant = NormalizeText(p.Variant)
		return p, nil
	case domain.ProductDelete:
		p.ID = NormalizeText(p.ID)
		return p, nil
	case domain.OrderCreate:
		p.ID = NormalizeText(p.ID)
		p.Code = NormalizeText(p.Code)
		p.Client = NormalizeText(p.Client)
		p.DeliveryDate = NormalizeTime(p.DeliveryDate)
		if p.Items != nil {
			items := make([]domain.Item, len(p.Items))
			for i, item := range p.Items {
				item.ProductID = NormalizeText(item.ProductID)
				item.Variant = NormalizeText(item.Variant)
				items[i] = item
			}
			p.Items = items
		}
		return p, nil
	case domain.OrderDispatch:
		p.ID = NormalizeText(p.ID)
		p.Invoice = NormalizeText(p.Invoice)
		p.Evidence = NormalizeText(p.Evidence)
		return p, nil
	case domain.OrderDelete:
		p.ID = NormalizeText(p.ID)
		return p, nil
	case nil:
		return nil, domain.NewError(domain.ErrValidation, "type", "payload is required")
	}
	return nil, domain.WithCommand(
		domain.NewError(domain.ErrValidation, "type", "unknown command payload %T", p),
		p.CommandType())
}

// ValidatePayload checks the shape of p: required fields, identifier and
// code formats, lengths and positive quantities. It does not look at the
// store; business rules are checked there.
func ValidatePayload(p domain.Payload) error {
	b := NewBuilder()
	switch p := p.(type) {
	case domain.ProductCreate:
		b.Add(ValidateStringPattern(p.ID, "id", IDPattern, "identifier"))
		b.Add(ValidateStringPattern(p.SKU, "sku", CodePattern, "SKU"))
		b.Add(ValidateStringLength(p.Name, "name", 1, MaxNameLength))
		variants := make([]string, 0, len(p.Stock))
		for variant := range p.Stock {
			variants = append(variants, variant)
		}
		sort.Strings(variants)
		for _, variant := range variants {
			where := At("variant %q", variant)
			b.Add(ValidateStringLength(variant, "stock", 1, MaxVariantLength), where)
			b.Add(ValidateNonNegative(p.Stock[variant], "stock"), where)
		}
	case domain.StockAdjust:
		b.Add(ValidateStringPattern(p.ProductID, "product_id", IDPattern, "identifier"))
		b.Add(ValidateStringLength(p.Variant, "variant", 1, MaxVariantLength))
		b.Add(ValidatePositive(p.Amount, "amount"))
	case domain.ProductDelete:
		b.Add(ValidateStringPattern(p.ID, "id", IDPattern, "identifier"))
	case domain.OrderCreate:
		b.Add(ValidateStringPattern(p.ID, "id", IDPattern, "identifier"))
		b.Add(ValidateStringPattern(p.Code, "code", CodePattern, "order code"))
		b.Add(ValidateStringLength(p.Client, "client", 1, MaxNameLength))
		if p.DeliveryDate.IsZero() {
			b.Add(Required("delivery_date"))
		}
		for i, item := range p.Items {
			index := At("item %d", i)
			b.Add(ValidateStringPattern(item.ProductID, "items", IDPattern, "identifier"), index)
			b.Add(ValidateStringLength(item.Variant, "items", 1, MaxVariantLength), index)
			b.Add(ValidatePositive(item.Quantity, "items"), index)
		}
	case domain.OrderDispatch:
		b.Add(ValidateStringPattern(p.ID, "id", IDPattern, "identifier"))
		b.Add(ValidateStringLength(p.Invoice, "invoice", 1, MaxDocumentLength))
		b.Add(ValidateStringLength(p.Evidence, "evidence", 1, MaxDocumentLength))
	case domain.OrderDelete:
		b.Add(ValidateStringPattern(p.ID, "id", IDPattern, "identifier"))
	case nil:
		return domain.NewError(domain.ErrValidation, "type", "payload is required")
	default:
		return domain.WithCommand(
			domain.NewError(domain.ErrValidation, "type", "unknown command payload %T", p),
			p.CommandType())
	}
	return domain.WithCommand(b.Err(), p.CommandType())
}

// Prepare normalizes p and validates the result.
func Prepare(p domain.Payload) (domain.Payload, error) {
	p, err := Normalize(p)
	if err != nil {
		return nil, err
	}
	if err := ValidatePayload(p); err != nil {
		return nil, err
	}
	return p, nil
}
