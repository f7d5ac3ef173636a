package codec

import (
	"fmt"

	"github.com/plaenen/atelier/pkg/domain"
	"google.golang.org/protobuf/encoding/protowire"
)

// Journal frame field numbers.
const (
	frameSequence  protowire.Number = 1
	frameTimestamp protowire.Number = 2
	frameType      protowire.Number = 3
	framePayload   protowire.Number = 4
)

// EncodeCommand returns the journal frame body for cmd.
func EncodeCommand(cmd domain.Command) ([]byte, error) {
	if cmd.Payload == nil {
		return nil, fmt.Errorf("encode command %d: nil payload", cmd.Sequence)
	}
	payload, err := EncodePayload(cmd.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode command %d: %w", cmd.Sequence, err)
	}
	var b []byte
	b = appendUint(b, frameSequence, cmd.Sequence)
	b = appendMillis(b, frameTimestamp, cmd.Timestamp)
	b = appendString(b, frameType, string(cmd.Type()))
	b = appendMessage(b, framePayload, payload)
	return b, nil
}

// DecodeCommand parses a journal frame body produced by EncodeCommand.
func DecodeCommand(b []byte) (domain.Command, error) {
	fs, err := fields(b)
	if err != nil {
		return domain.Command{}, err
	}
	var (
		cmd     domain.Command
		typ     string
		payload []byte
		seen    bool
	)
	for _, f := range fs {
		switch f.num {
		case frameSequence:
			cmd.Sequence, err = f.asUint()
		case frameTimestamp:
			var ms uint64
			ms, err = f.asUint()
			cmd.Timestamp = unixMilli(ms)
		case frameType:
			typ, err = f.asString()
		case framePayload:
			payload, err = f.asBytes()
			seen = true
		}
		if err != nil {
			return domain.Command{}, err
		}
	}
	if !seen {
		return domain.Command{}, fmt.Errorf("%w: command %d has no payload", ErrMalformed, cmd.Sequence)
	}
	cmd.Payload, err = DecodePayload(domain.CommandType(typ), payload)
	if err != nil {
		return domain.Command{}, fmt.Errorf("decode command %d: %w", cmd.Sequence, err)
	}
	return cmd, nil
}

// EncodePayload returns the wire form of a command payload.
func EncodePayload(p domain.Payload) ([]byte, error) {
	var b []byte
	switch p := p.(type) {
	case domain.ProductCreate:
		b = appendString(b, 1, p.ID)
		b = appendString(b, 2, p.SKU)
		b = appendString(b, 3, p.Name)
		b = appendInt(b, 4, int64(p.Category))
		b = appendStock(b, 5, p.Stock)
	case domain.StockAdjust:
		b = appendString(b, 1, p.ProductID)
		b = appendString(b, 2, p.Variant)
		b = appendInt(b, 3, p.Amount)
		b = appendBool(b, 4, p.IsEntry)
	case domain.ProductDelete:
		b = appendString(b, 1, p.ID)
	case domain.OrderCreate:
		b = appendString(b, 1, p.ID)
		b = appendString(b, 2, p.Code)
		b = appendString(b, 3, p.Client)
		b = appendTime(b, 4, p.DeliveryDate)
		b = appendItems(b, 5, p.Items)
	case domain.OrderDispatch:
		b = appendString(b, 1, p.ID)
		b = appendString(b, 2, p.Invoice)
		b = appendString(b, 3, p.Evidence)
	case domain.OrderDelete:
		b = appendString(b, 1, p.ID)
	default:
		return nil, fmt.Errorf("unsupported payload %T", p)
	}
	return b, nil
}

// DecodePayload parses the payload of a command of the given type.
func DecodePayload(typ domain.CommandType, b []byte) (domain.Payload, error) {
	fs, err := fields(b)
	if err != nil {
		return nil, err
	}
	switch typ {
	case domain.CommandProductCreate:
		p := domain.ProductCreate{Stock: make(map[string]int64)}
		for _, f := range fs {
			switch f.num {
			case 1:
				p.ID, err = f.asString()
			case 2:
				p.SKU, err = f.asString()
			case 3:
				p.Name, err = f.asString()
			case 4:
				var v int64
				v, err = f.asInt()
				p.Category = domain.Category(v)
			case 5:
				var entry []byte
				if entry, err = f.asBytes(); err == nil {
					err = decodeStockEntry(entry, p.Stock)
				}
			}
			if err != nil {
				return nil, err
			}
		}
		return p, nil

	case domain.CommandStockAdjust:
		var p domain.StockAdjust
		for _, f := range fs {
			switch f.num {
			case 1:
				p.ProductID, err = f.asString()
			case 2:
				p.Variant, err = f.asString()
			case 3:
				p.Amount, err = f.asInt()
			case 4:
				p.IsEntry, err = f.asBool()
			}
			if err != nil {
				return nil, err
			}
		}
		return p, nil

	case domain.CommandProductDelete:
		id, err := decodeID(fs)
		return domain.ProductDelete{ID: id}, err

	case domain.CommandOrderCreate:
		var p domain.OrderCreate
		for _, f := range fs {
			switch f.num {
			case 1:
				p.ID, err = f.asString()
			case 2:
				p.Code, err = f.asString()
			case 3:
				p.Client, err = f.asString()
			case 4:
				p.DeliveryDate, err = f.asTime()
			case 5:
				p.Items, err = appendDecodedItem(p.Items, f)
			}
			if err != nil {
				return nil, err
			}
		}
		return p, nil

	case domain.CommandOrderDispatch:
		var p domain.OrderDispatch
		for _, f := range fs {
			switch f.num {
			case 1:
				p.ID, err = f.asString()
			case 2:
				p.Invoice, err = f.asString()
			case 3:
				p.Evidence, err = f.asString()
			}
			if err != nil {
				return nil, err
			}
		}
		return p, nil

	case domain.CommandOrderDelete:
		id, err := decodeID(fs)
		return domain.OrderDelete{ID: id}, err
	}
	return nil, fmt.Errorf("%w: unknown command type %q", ErrMalformed, typ)
}

func decodeID(fs []field) (string, error) {
	var id string
	for _, f := range fs {
		if f.num != 1 {
			continue
		}
		v, err := f.asString()
		if err != nil {
			return "", err
		}
		id = v
	}
	return id, nil
}
