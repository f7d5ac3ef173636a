package domain

import (
	"fmt"
	"sort"
	"time"
)

// Category classifies a product.
type Category int32

const (
	CategoryUnspecified Category = iota
	CategoryGarment
	CategoryFabric
	CategorySupply
)

var categoryNames = map[Category]string{
	CategoryGarment: "Garment",
	CategoryFabric:  "Fabric",
	CategorySupply:  "Supply",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Category(%d)", int32(c))
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	_, ok := categoryNames[c]
	return ok
}

// ParseCategory parses a category name as produced by String.
func ParseCategory(name string) (Category, error) {
	for c, n := range categoryNames {
		if n == name {
			return c, nil
		}
	}
	return CategoryUnspecified, fmt.Errorf("unknown category %q", name)
}

// Product is a stocked item. Stock maps a variant label (size, colour, ...)
// to its quantity on hand, which is never negative.
type Product struct {
	ID        string
	SKU       string
	Name      string
	Category  Category
	Stock     map[string]int64
	UpdatedAt time.Time
}

// Quantity returns the stock on hand for a variant.
func (p Product) Quantity(variant string) int64 {
	return p.Stock[variant]
}

// Variants returns the variant labels in sorted order.
func (p Product) Variants() []string {
	variants := make([]string, 0, len(p.Stock))
	for v := range p.Stock {
		variants = append(variants, v)
	}
	sort.Strings(variants)
	return variants
}

// Clone returns a deep copy.
func (p Product) Clone() Product {
	p.Stock = cloneStock(p.Stock)
	return p
}

func cloneStock(stock map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(stock))
	for k, v := range stock {
		out[k] = v
	}
	return out
}
