package abi

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vigil/internal/ir"
)

func sample() *ir.QueryResult {
	return &ir.QueryResult{
		Columns: []ir.Column{
			{Name: "block_number", Kind: ir.KindInt},
			{Name: "address", Kind: ir.KindString},
			{Name: "data", Kind: ir.KindBytes},
		},
		Rows: [][]ir.Value{
			{ir.Int(105), ir.String("0xsafe"), ir.Bytes{0x01, 0x02}},
			{ir.Int(-1), ir.Null{}, ir.Bytes{}},
		},
	}
}

func TestEncode_Layout(t *testing.T) {
	buf, err := Encode(sample())
	require.NoError(t, err)

	le := binary.LittleEndian
	assert.Equal(t, uint32(2), le.Uint32(buf[0:]))
	assert.Equal(t, uint32(3), le.Uint32(buf[4:]))

	// Row 0, column 0: int 105.
	cell := buf[HeaderSize:]
	assert.Equal(t, uint32(ir.KindInt), le.Uint32(cell[0:]))
	assert.Equal(t, uint32(8), le.Uint32(cell[4:]))
	assert.Equal(t, uint64(105), le.Uint64(cell[8:]))

	// Row 0, column 1: string at the start of the data section.
	cell = buf[HeaderSize+CellSize:]
	dataStart := HeaderSize + 6*CellSize + 3*DescriptorSize
	assert.Equal(t, uint32(ir.KindString), le.Uint32(cell[0:]))
	assert.Equal(t, uint32(6), le.Uint32(cell[4:]))
	assert.Equal(t, uint64(dataStart), le.Uint64(cell[8:]))
	assert.Equal(t, "0xsafe", string(buf[dataStart:dataStart+6]))

	// Row 1, column 1: null cell is all zero.
	cell = buf[HeaderSize+4*CellSize:]
	assert.Equal(t, make([]byte, CellSize), cell[:CellSize])

	// Negative ints keep their two's complement form.
	cell = buf[HeaderSize+3*CellSize:]
	assert.Equal(t, int64(-1), int64(le.Uint64(cell[8:])))

	assert.Len(t, buf, EncodedSize(sample()))
}

func TestEncodeDecode(t *testing.T) {
	in := sample()
	buf, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, in.Columns, out.Columns)
	require.Len(t, out.Rows, 2)
	assert.Equal(t, ir.Int(105), out.Rows[0][0])
	assert.Equal(t, ir.String("0xsafe"), out.Rows[0][1])
	assert.Equal(t, ir.Bytes{0x01, 0x02}, out.Rows[0][2])
	assert.Equal(t, ir.Null{}, out.Rows[1][1])
}

func TestEncode_Empty(t *testing.T) {
	r := &ir.QueryResult{Columns: []ir.Column{{Name: "n", Kind: ir.KindInt}}}
	buf, err := Encode(r)
	require.NoError(t, err)
	assert.Len(t, buf, Size(r.Columns))
	assert.Equal(t, HeaderSize+DescriptorSize+1, len(buf))

	out, err := Decode(buf)
	require.NoError(t, err)
	assert.Empty(t, out.Rows)
	assert.Equal(t, "n", out.Columns[0].Name)
}

func TestEncode_RaggedRow(t *testing.T) {
	r := &ir.QueryResult{
		Columns: []ir.Column{{Name: "a"}, {Name: "b"}},
		Rows:    [][]ir.Value{{ir.Int(1)}},
	}
	_, err := Encode(r)
	assert.ErrorContains(t, err, "row 0")
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.Error(t, err)

	buf, err := Encode(sample())
	require.NoError(t, err)
	_, err = Decode(buf[:HeaderSize+CellSize])
	assert.ErrorContains(t, err, "truncated")

	// Point a string cell past the end of the buffer.
	bad := append([]byte(nil), buf...)
	binary.LittleEndian.PutUint64(bad[HeaderSize+CellSize+8:], uint64(len(bad)))
	_, err = Decode(bad)
	assert.ErrorContains(t, err, "out of bounds")
}

func TestRowSize(t *testing.T) {
	row := []ir.Value{ir.Int(1), ir.String("abc"), ir.Bytes{1}, ir.Null{}}
	assert.Equal(t, 4*CellSize+3+1, RowSize(row))
}
