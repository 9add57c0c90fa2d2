// Package abi encodes query results into the row-set layout guests read
// from linear memory.
//
// All integers are little-endian:
//
//	header       u32 rows, u32 cols
//	cells        rows*cols x {u32 kind, u32 len, u64 payload}
//	descriptors  cols x {u32 name_off, u32 name_len}
//	data         variable-length cell values, then column names
//
// A cell payload is the int64 value for int cells and the offset of the
// value in the buffer for string and bytes cells. Null cells are all zero.
package abi

import (
	"encoding/binary"
	"fmt"

	"github.com/roach88/vigil/internal/ir"
)

const (
	HeaderSize     = 8
	CellSize       = 16
	DescriptorSize = 8
)

// Size returns the encoded length of a result with the given columns and
// no rows.
func Size(columns []ir.Column) int {
	n := HeaderSize + len(columns)*DescriptorSize
	for _, c := range columns {
		n += len(c.Name)
	}
	return n
}

// RowSize returns the number of bytes one row adds to the encoding.
func RowSize(row []ir.Value) int {
	n := len(row) * CellSize
	for _, v := range row {
		switch x := v.(type) {
		case ir.String:
			n += len(x)
		case ir.Bytes:
			n += len(x)
		}
	}
	return n
}

// EncodedSize returns the exact length Encode will produce.
func EncodedSize(r *ir.QueryResult) int {
	n := Size(r.Columns)
	for _, row := range r.Rows {
		n += RowSize(row)
	}
	return n
}

// Encode serializes r. Every row must have len(r.Columns) values.
func Encode(r *ir.QueryResult) ([]byte, error) {
	cols := len(r.Columns)
	buf := make([]byte, EncodedSize(r))
	le := binary.LittleEndian

	le.PutUint32(buf[0:], uint32(len(r.Rows)))
	le.PutUint32(buf[4:], uint32(cols))

	cellBase := HeaderSize
	descBase := cellBase + len(r.Rows)*cols*CellSize
	data := descBase + cols*DescriptorSize

	for i, row := range r.Rows {
		if len(row) != cols {
			return nil, fmt.Errorf("row %d has %d values, want %d", i, len(row), cols)
		}
		for j, v := range row {
			cell := buf[cellBase+(i*cols+j)*CellSize:]
			switch x := v.(type) {
			case nil, ir.Null:
				// zero cell
			case ir.Int:
				le.PutUint32(cell[0:], uint32(ir.KindInt))
				le.PutUint32(cell[4:], 8)
				le.PutUint64(cell[8:], uint64(int64(x)))
			case ir.String:
				le.PutUint32(cell[0:], uint32(ir.KindString))
				le.PutUint32(cell[4:], uint32(len(x)))
				le.PutUint64(cell[8:], uint64(data))
				data += copy(buf[data:], x)
			case ir.Bytes:
				le.PutUint32(cell[0:], uint32(ir.KindBytes))
				le.PutUint32(cell[4:], uint32(len(x)))
				le.PutUint64(cell[8:], uint64(data))
				data += copy(buf[data:], x)
			default:
				return nil, fmt.Errorf("row %d column %d: unsupported value %T", i, j, v)
			}
		}
	}

	for j, c := range r.Columns {
		desc := buf[descBase+j*DescriptorSize:]
		le.PutUint32(desc[0:], uint32(data))
		le.PutUint32(desc[4:], uint32(len(c.Name)))
		data += copy(buf[data:], c.Name)
	}
	return buf, nil
}

// Decode parses an encoded row set. Column kinds are taken from the first
// non-null cell of each column.
func Decode(buf []byte) (*ir.QueryResult, error) {
	le := binary.LittleEndian
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("row set too short: %d bytes", len(buf))
	}
	rows := int(le.Uint32(buf[0:]))
	cols := int(le.Uint32(buf[4:]))
	descBase := HeaderSize + rows*cols*CellSize
	if rows < 0 || cols < 0 || descBase+cols*DescriptorSize > len(buf) {
		return nil, fmt.Errorf("row set truncated: %d rows x %d cols in %d bytes", rows, cols, len(buf))
	}

	slice := func(off, n uint64) ([]byte, error) {
		if off > uint64(len(buf)) || n > uint64(len(buf))-off {
			return nil, fmt.Errorf("data [%d,+%d) out of bounds", off, n)
		}
		return buf[off : off+n], nil
	}

	r := &ir.QueryResult{Columns: make([]ir.Column, cols)}
	for j := range r.Columns {
		desc := buf[descBase+j*DescriptorSize:]
		name, err := slice(uint64(le.Uint32(desc[0:])), uint64(le.Uint32(desc[4:])))
		if err != nil {
			return nil, fmt.Errorf("column %d name: %w", j, err)
		}
		r.Columns[j] = ir.Column{Name: string(name), Kind: ir.KindNull}
	}

	r.Rows = make([][]ir.Value, rows)
	for i := range r.Rows {
		row := make([]ir.Value, cols)
		for j := range row {
			cell := buf[HeaderSize+(i*cols+j)*CellSize:]
			kind := ir.Kind(le.Uint32(cell[0:]))
			n := uint64(le.Uint32(cell[4:]))
			payload := le.Uint64(cell[8:])
			switch kind {
			case ir.KindNull:
				row[j] = ir.Null{}
			case ir.KindInt:
				row[j] = ir.Int(int64(payload))
			case ir.KindString, ir.KindBytes:
				b, err := slice(payload, n)
				if err != nil {
					return nil, fmt.Errorf("row %d column %d: %w", i, j, err)
				}
				if kind == ir.KindString {
					row[j] = ir.String(b)
				} else {
					row[j] = ir.Bytes(append([]byte(nil), b...))
				}
			default:
				return nil, fmt.Errorf("row %d column %d: unknown kind %d", i, j, kind)
			}
			if kind != ir.KindNull && r.Columns[j].Kind == ir.KindNull {
				r.Columns[j].Kind = kind
			}
		}
		r.Rows[i] = row
	}
	return r, nil
}
