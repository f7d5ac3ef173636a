package codec

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/plaenen/atelier/pkg/domain"
	"google.golang.org/protobuf/encoding/protowire"
)

// Snapshot record field numbers.
const (
	snapshotAsOf     protowire.Number = 1
	snapshotProducts protowire.Number = 2
	snapshotOrders   protowire.Number = 3
	snapshotTakenAt  protowire.Number = 4
)

// castagnoli is the CRC-32C table used for journal frames and snapshots.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum returns the CRC-32C of b.
func Checksum(b []byte) uint32 {
	return crc32.Checksum(b, castagnoli)
}

// EncodeSnapshot returns the snapshot record for state followed by a
// big-endian CRC-32C of the record.
func EncodeSnapshot(state domain.State) []byte {
	var b []byte
	b = appendUint(b, snapshotAsOf, state.AsOf)
	for _, p := range state.Products {
		b = appendMessage(b, snapshotProducts, EncodeProduct(p))
	}
	for _, o := range state.Orders {
		b = appendMessage(b, snapshotOrders, EncodeOrder(o))
	}
	b = appendMillis(b, snapshotTakenAt, state.TakenAt)
	return binary.BigEndian.AppendUint32(b, Checksum(b))
}

// DecodeSnapshot verifies the trailer and parses a snapshot produced by
// EncodeSnapshot.
func DecodeSnapshot(b []byte) (domain.State, error) {
	if len(b) < 4 {
		return domain.State{}, fmt.Errorf("%w: snapshot too short (%d bytes)", ErrMalformed, len(b))
	}
	body, trailer := b[:len(b)-4], b[len(b)-4:]
	if want, got := binary.BigEndian.Uint32(trailer), Checksum(body); want != got {
		return domain.State{}, fmt.Errorf("%w: snapshot checksum %08x, want %08x", ErrMalformed, got, want)
	}

	fs, err := fields(body)
	if err != nil {
		return domain.State{}, err
	}
	state := domain.State{
		Products: make([]domain.Product, 0),
		Orders:   make([]domain.Order, 0),
	}
	for _, f := range fs {
		switch f.num {
		case snapshotAsOf:
			state.AsOf, err = f.asUint()
		case snapshotProducts:
			var msg []byte
			if msg, err = f.asBytes(); err == nil {
				var p domain.Product
				if p, err = DecodeProduct(msg); err == nil {
					state.Products = append(state.Products, p)
				}
			}
		case snapshotOrders:
			var msg []byte
			if msg, err = f.asBytes(); err == nil {
				var o domain.Order
				if o, err = DecodeOrder(msg); err == nil {
					state.Orders = append(state.Orders, o)
				}
			}
		case snapshotTakenAt:
			var ms uint64
			if ms, err = f.asUint(); err == nil {
				state.TakenAt = unixMilli(ms)
			}
		}
		if err != nil {
			return domain.State{}, fmt.Errorf("decode snapshot: %w", err)
		}
	}
	return state, nil
}
