package domain_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/plaenen/atelier/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func seedProduct(t *testing.T, s *domain.Store, id, sku string, stock map[string]int64) {
	t.Helper()
	require.NoError(t, s.ApplyProductCreate(id, sku, "Polo "+sku, domain.CategoryGarment, stock, t0))
}

func TestStockAdjust(t *testing.T) {
	s := domain.NewStore()
	seedProduct(t, s, "p1", "POL-001", map[string]int64{"M": 20})

	t.Run("decrement within stock", func(t *testing.T) {
		require.NoError(t, s.ApplyStockAdjust("p1", "M", 5, false, t0.Add(time.Minute)))
		p, ok := s.Product("p1")
		require.True(t, ok)
		assert.Equal(t, int64(15), p.Quantity("M"))
		assert.True(t, p.UpdatedAt.Equal(t0.Add(time.Minute)))
	})

	t.Run("decrement beyond stock leaves stock unchanged", func(t *testing.T) {
		err := s.ApplyStockAdjust("p1", "M", 20, false, t0.Add(2*time.Minute))
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrInsufficientStock))
		assert.True(t, errors.Is(err, domain.ErrBusinessRule))

		p, _ := s.Product("p1")
		assert.Equal(t, int64(15), p.Quantity("M"))
		assert.True(t, p.UpdatedAt.Equal(t0.Add(time.Minute)))
	})

	t.Run("entry creates a new variant", func(t *testing.T) {
		require.NoError(t, s.ApplyStockAdjust("p1", "XL", 3, true, t0))
		p, _ := s.Product("p1")
		assert.Equal(t, int64(3), p.Quantity("XL"))
		assert.Equal(t, []string{"M", "XL"}, p.Variants())
	})

	t.Run("exit from unknown variant", func(t *testing.T) {
		err := s.ApplyStockAdjust("p1", "S", 1, false, t0)
		assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	})

	t.Run("non-positive amount", func(t *testing.T) {
		err := s.ApplyStockAdjust("p1", "M", 0, true, t0)
		assert.ErrorIs(t, err, domain.ErrValidation)

		var de *domain.Error
		require.True(t, errors.As(err, &de))
		assert.Equal(t, "amount", de.Field)
	})

	t.Run("unknown product", func(t *testing.T) {
		err := s.ApplyStockAdjust("nope", "M", 1, true, t0)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("entry that would overflow", func(t *testing.T) {
		entry := domain.StockAdjust{ProductID: "p1", Variant: "M", Amount: math.MaxInt64, IsEntry: true}
		require.ErrorIs(t, s.Check(entry), domain.ErrValidation)

		err := s.ApplyStockAdjust("p1", "M", math.MaxInt64, true, t0)
		var de *domain.Error
		require.True(t, errors.As(err, &de))
		assert.Equal(t, "amount", de.Field)

		p, _ := s.Product("p1")
		assert.Equal(t, int64(15), p.Quantity("M"))
	})

	t.Run("entry up to the limit", func(t *testing.T) {
		require.NoError(t, s.ApplyStockAdjust("p1", "XL", math.MaxInt64-3, true, t0))
		p, _ := s.Product("p1")
		assert.Equal(t, int64(math.MaxInt64), p.Quantity("XL"))
	})
}

func TestProductCreate(t *testing.T) {
	s := domain.NewStore()
	seedProduct(t, s, "p1", "POL-001", map[string]int64{"M": 1})

	tests := []struct {
		name     string
		id       string
		sku      string
		category domain.Category
		stock    map[string]int64
		want     error
		field    string
	}{
		{name: "duplicate id", id: "p1", sku: "POL-002", category: domain.CategoryGarment, want: domain.ErrDuplicateID, field: "id"},
		{name: "duplicate sku", id: "p2", sku: "POL-001", category: domain.CategoryGarment, want: domain.ErrDuplicateID, field: "sku"},
		{name: "unknown category", id: "p2", sku: "POL-002", category: domain.Category(9), want: domain.ErrValidation, field: "category"},
		{name: "negative stock", id: "p2", sku: "POL-002", category: domain.CategoryFabric, stock: map[string]int64{"L": -1}, want: domain.ErrValidation, field: "stock"},
		{name: "missing id", sku: "POL-002", category: domain.CategorySupply, want: domain.ErrValidation, field: "id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.ApplyProductCreate(tt.id, tt.sku, "name", tt.category, tt.stock, t0)
			require.ErrorIs(t, err, tt.want)

			var de *domain.Error
			require.True(t, errors.As(err, &de))
			assert.Equal(t, tt.field, de.Field)
		})
	}

	assert.Len(t, s.Products(), 1)
}

func TestOrderDispatch(t *testing.T) {
	s := domain.NewStore()
	delivery := t0.Add(72 * time.Hour)
	require.NoError(t, s.ApplyOrderCreate("O1", "ORD-1", "ACME", delivery, nil))

	o, ok := s.Order("O1")
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusPending, o.Status)

	require.NoError(t, s.ApplyOrderDispatch("O1", "INV-100", "ev-1"))
	o, _ = s.Order("O1")
	assert.Equal(t, domain.OrderStatusDispatched, o.Status)
	assert.Equal(t, "INV-100", o.Invoice)
	assert.Equal(t, "ev-1", o.Evidence)

	err := s.ApplyOrderDispatch("O1", "", "ev-2")
	assert.ErrorIs(t, err, domain.ErrValidation)

	err = s.ApplyOrderDispatch("O1", "INV-101", "ev-2")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	o, _ = s.Order("O1")
	assert.Equal(t, domain.OrderStatusDispatched, o.Status)
	assert.Equal(t, "INV-100", o.Invoice)

	assert.ErrorIs(t, s.ApplyOrderDispatch("O2", "INV", "ev"), domain.ErrNotFound)
	assert.ErrorIs(t, s.ApplyOrderDelete("O1"), domain.ErrInvalidTransition)
}

func TestOrderCreate(t *testing.T) {
	s := domain.NewStore()
	seedProduct(t, s, "p1", "POL-001", map[string]int64{"M": 1})
	delivery := t0.Add(24 * time.Hour)

	items := []domain.Item{{ProductID: "p1", Variant: "M", Quantity: 4}}
	require.NoError(t, s.ApplyOrderCreate("O1", "ORD-1", "ACME", delivery, items))

	items[0].Quantity = 99
	o, _ := s.Order("O1")
	assert.Equal(t, int64(4), o.Items[0].Quantity, "store must not alias caller slices")

	assert.ErrorIs(t, s.ApplyOrderCreate("O1", "ORD-2", "ACME", delivery, nil), domain.ErrDuplicateID)
	assert.ErrorIs(t, s.ApplyOrderCreate("O2", "ORD-1", "ACME", delivery, nil), domain.ErrDuplicateID)
	assert.ErrorIs(t, s.ApplyOrderCreate("O2", "ORD-2", "", delivery, nil), domain.ErrValidation)
	assert.ErrorIs(t, s.ApplyOrderCreate("O2", "ORD-2", "ACME", time.Time{}, nil), domain.ErrValidation)
	assert.ErrorIs(t, s.ApplyOrderCreate("O2", "ORD-2", "ACME", delivery,
		[]domain.Item{{ProductID: "p9", Variant: "M", Quantity: 1}}), domain.ErrNotFound)
	assert.ErrorIs(t, s.ApplyOrderCreate("O2", "ORD-2", "ACME", delivery,
		[]domain.Item{{ProductID: "p1", Variant: "M", Quantity: 0}}), domain.ErrValidation)

	require.NoError(t, s.ApplyOrderDelete("O1"))
	_, ok := s.Order("O1")
	assert.False(t, ok)
	require.NoError(t, s.ApplyOrderCreate("O3", "ORD-1", "ACME", delivery, nil), "code is free after delete")
}

func TestCheckDoesNotMutate(t *testing.T) {
	s := domain.NewStore()
	seedProduct(t, s, "p1", "POL-001", map[string]int64{"M": 2})
	before := s.Snapshot()

	require.NoError(t, s.Check(domain.StockAdjust{ProductID: "p1", Variant: "M", Amount: 2}))
	err := s.Check(domain.StockAdjust{ProductID: "p1", Variant: "M", Amount: 3})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	var de *domain.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, domain.CommandStockAdjust, de.CommandType)

	assert.Equal(t, before, s.Snapshot())
}

func TestApplySequenceOrder(t *testing.T) {
	s := domain.NewStore()

	err := s.Apply(domain.Command{Sequence: 2, Timestamp: t0, Payload: domain.OrderCreate{
		ID: "O1", Code: "ORD-1", Client: "ACME", DeliveryDate: t0,
	}})
	require.ErrorIs(t, err, domain.ErrCorruption)
	assert.Equal(t, uint64(0), s.Sequence())

	require.NoError(t, s.Apply(domain.Command{Sequence: 1, Timestamp: t0, Payload: domain.OrderCreate{
		ID: "O1", Code: "ORD-1", Client: "ACME", DeliveryDate: t0,
	}}))
	assert.Equal(t, uint64(1), s.Sequence())

	err = s.Apply(domain.Command{Sequence: 2, Timestamp: t0, Payload: domain.OrderDispatch{ID: "O1"}})
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, uint64(1), s.Sequence(), "failed apply must not advance the sequence")
}

func TestSnapshotRestore(t *testing.T) {
	s := domain.NewStore()
	seedProduct(t, s, "p2", "TEL-9", map[string]int64{"roll": 4})
	seedProduct(t, s, "p1", "POL-001", map[string]int64{"M": 20, "L": 0})
	require.NoError(t, s.ApplyOrderCreate("O1", "ORD-1", "ACME", t0, []domain.Item{{ProductID: "p1", Variant: "M", Quantity: 2}}))
	require.NoError(t, s.Apply(domain.Command{Sequence: 1, Timestamp: t0, Payload: domain.StockAdjust{
		ProductID: "p2", Variant: "roll", Amount: 1,
	}}))

	snap := s.Snapshot()
	assert.Equal(t, uint64(1), snap.AsOf)
	require.Len(t, snap.Products, 2)
	assert.Equal(t, "p1", snap.Products[0].ID, "products are sorted by id")

	// The snapshot is detached from the live store.
	snap.Products[0].Stock["M"] = 1000
	p, _ := s.Product("p1")
	assert.Equal(t, int64(20), p.Quantity("M"))

	restored := domain.NewStore()
	restored.Restore(s.Snapshot())
	assert.Equal(t, s.Snapshot(), restored.Snapshot())
	assert.Equal(t, uint64(1), restored.Sequence())
	assert.ErrorIs(t, restored.ApplyProductCreate("p9", "TEL-9", "dup", domain.CategoryFabric, nil, t0), domain.ErrDuplicateID)
	assert.ErrorIs(t, restored.ApplyOrderCreate("O9", "ORD-1", "ACME", t0, nil), domain.ErrDuplicateID)
}

func TestCalendar(t *testing.T) {
	s := domain.NewStore()
	day1 := time.Date(2026, 5, 4, 15, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 5, 6, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.ApplyOrderCreate("a", "B-2", "ACME", day1, nil))
	require.NoError(t, s.ApplyOrderCreate("b", "B-1", "Globex", day1.Add(time.Hour), nil))
	require.NoError(t, s.ApplyOrderCreate("c", "C-1", "Initech", day2, nil))
	require.NoError(t, s.ApplyOrderCreate("d", "D-1", "Umbrella", day2.Add(30*24*time.Hour), nil))

	days := s.Calendar(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	require.Len(t, days, 2)
	assert.True(t, days[0].Date.Equal(time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)))
	require.Len(t, days[0].Orders, 2)
	assert.Equal(t, "B-1", days[0].Orders[0].Code)
	assert.Equal(t, "B-2", days[0].Orders[1].Code)
	assert.Equal(t, "C-1", days[1].Orders[0].Code)
}

func TestErrorMessage(t *testing.T) {
	err := &domain.Error{
		Kind:        domain.ErrInsufficientStock,
		CommandType: domain.CommandStockAdjust,
		Field:       "stock",
		Message:     "only 3 left",
	}
	assert.Equal(t, "StockAdjust: insufficient stock [stock]: only 3 left", err.Error())
	assert.False(t, domain.IsRetryable(err))
	assert.True(t, domain.IsRetryable(&domain.Error{Kind: domain.ErrDurability}))
}
