package rowcodec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var errUnsupported = errors.New("unsupported cell type")

// UnsupportedCellTypeError names the column whose runtime type has no
// content-type mapping.
type UnsupportedCellTypeError struct {
	Column string
	Type   string
}

func (e *UnsupportedCellTypeError) Error() string {
	return fmt.Sprintf("unsupported cell type %s for column %q", e.Type, e.Column)
}

func (e *UnsupportedCellTypeError) Unwrap() error { return errUnsupported }

// IsUnsupported reports whether err came from an unsupported runtime type.
func IsUnsupported(err error) bool {
	return errors.Is(err, errUnsupported)
}

// Cell is one named, typed, byte-encoded value of a wire row.
type Cell struct {
	Name        string      `json:"name" msgpack:"n"`
	ContentType ContentType `json:"contentType" msgpack:"t"`
	Value       []byte      `json:"value" msgpack:"v"`
}

// WireRow is the self-describing row form written to port files.
type WireRow struct {
	RowNumber int64  `json:"rowNumber" msgpack:"r"`
	Cells     []Cell `json:"cells" msgpack:"c"`
}

// Encode converts a generic row into a wire row. Columns are emitted in
// sorted name order. No wire row is produced if any column is unsupported.
func Encode(rowNumber int64, row map[string]any) (WireRow, error) {
	rec, err := RecordFromMap(row)
	if err != nil {
		return WireRow{}, err
	}
	return EncodeRecord(rowNumber, rec)
}

// Decode converts a wire row into a generic row.
func Decode(row WireRow) (map[string]any, error) {
	rec, err := DecodeRecord(row)
	if err != nil {
		return nil, err
	}
	return rec.Map(), nil
}

// EncodeRecord converts an ordered record into a wire row.
func EncodeRecord(rowNumber int64, rec Record) (WireRow, error) {
	if err := rec.checkNames(); err != nil {
		return WireRow{}, err
	}
	cells := make([]Cell, 0, len(rec))
	for _, field := range rec {
		raw, err := encodeValue(field.Value)
		if err != nil {
			return WireRow{}, fmt.Errorf("encode column %q: %w", field.Name, err)
		}
		cells = append(cells, Cell{Name: field.Name, ContentType: field.Value.Type(), Value: raw})
	}
	return WireRow{RowNumber: rowNumber, Cells: cells}, nil
}

// DecodeRecord converts a wire row into an ordered record.
func DecodeRecord(row WireRow) (Record, error) {
	rec := make(Record, 0, len(row.Cells))
	for _, cell := range row.Cells {
		value, err := decodeValue(cell.ContentType, cell.Value)
		if err != nil {
			return nil, fmt.Errorf("decode column %q: %w", cell.Name, err)
		}
		rec = append(rec, Field{Name: cell.Name, Value: value})
	}
	if err := rec.checkNames(); err != nil {
		return nil, err
	}
	return rec, nil
}

func encodeValue(v Value) ([]byte, error) {
	switch v.kind {
	case TypeString:
		return []byte(v.s), nil
	case TypeInt32, TypeInt64:
		return strconv.AppendInt(nil, v.i, 10), nil
	case TypeFloat32:
		return strconv.AppendFloat(nil, v.f, 'g', -1, 32), nil
	case TypeFloat64:
		return strconv.AppendFloat(nil, v.f, 'g', -1, 64), nil
	case TypeBoolean:
		return strconv.AppendBool(nil, v.b), nil
	case TypeJSON:
		return json.Marshal(v.j)
	default:
		return nil, errUnsupported
	}
}

func decodeValue(kind ContentType, raw []byte) (Value, error) {
	switch kind {
	case TypeString:
		return String(string(raw)), nil
	case TypeInt32:
		i, err := strconv.ParseInt(string(raw), 10, 32)
		if err != nil {
			return Value{}, err
		}
		return Int32(int32(i)), nil
	case TypeInt64:
		i, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return Value{}, err
		}
		return Int64(i), nil
	case TypeFloat32:
		f, err := strconv.ParseFloat(string(raw), 32)
		if err != nil {
			return Value{}, err
		}
		return Float32(float32(f)), nil
	case TypeFloat64:
		f, err := strconv.ParseFloat(string(raw), 64)
		if err != nil {
			return Value{}, err
		}
		return Float64(f), nil
	case TypeBoolean:
		b, err := strconv.ParseBool(string(raw))
		if err != nil {
			return Value{}, err
		}
		return Bool(b), nil
	case TypeJSON:
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return Value{}, err
		}
		return JSON(out), nil
	default:
		return Value{}, fmt.Errorf("unknown content type %q", kind)
	}
}
