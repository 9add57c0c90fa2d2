package wasmbuild

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLEB128(t *testing.T) {
	assert.Equal(t, []byte{0xe5, 0x8e, 0x26}, appendU32(nil, 624485))
	assert.Equal(t, []byte{0x00}, appendU32(nil, 0))
	assert.Equal(t, []byte{0x80, 0x01}, appendU32(nil, 128))

	assert.Equal(t, []byte{0xc0, 0xbb, 0x78}, appendS64(nil, -123456))
	assert.Equal(t, []byte{0x7f}, appendS64(nil, -1))
	assert.Equal(t, []byte{0x3f}, appendS64(nil, 63))
	assert.Equal(t, []byte{0xc0, 0x00}, appendS64(nil, 64))
}

func TestNoop_Encoding(t *testing.T) {
	want := []byte{
		0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
		0x01, 0x04, 0x01, 0x60, 0x00, 0x00, // type
		0x03, 0x02, 0x01, 0x00, // function
		0x05, 0x03, 0x01, 0x00, 0x01, // memory
		0x07, 0x11, 0x02, // export
		0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
		0x04, 'm', 'a', 'i', 'n', 0x00, 0x00,
		0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b, // code
	}
	assert.Equal(t, want, Noop())
}

func TestImports_PrecedeFunctions(t *testing.T) {
	m := New()
	q := m.ImportFunc(HostModule, "query", QueryType)
	r := m.ImportFunc(HostModule, "report", ReportType)
	main := m.Func(MainType, nil, nil)
	assert.Equal(t, uint32(0), q)
	assert.Equal(t, uint32(1), r)
	assert.Equal(t, uint32(2), main)

	assert.Panics(t, func() { m.ImportFunc(HostModule, "late", MainType) })
}

func TestTypeIndex_Dedup(t *testing.T) {
	m := New()
	m.ImportFunc(HostModule, "query", QueryType)
	m.Func(MainType, nil, nil)
	m.Func(MainType, nil, nil)
	m.Func(QueryType, nil, Body().I32Const(0))
	assert.Len(t, m.types, 2)
}

func TestGuestDataLayout(t *testing.T) {
	g := newGuest()
	p1, n1 := g.put("abc")
	p2, n2 := g.put("0123456789")
	p3, n3 := g.put("")

	assert.Equal(t, int32(dataBase), p1)
	assert.Equal(t, int32(3), n1)
	assert.Equal(t, int32(dataBase+8), p2)
	assert.Equal(t, int32(10), n2)
	assert.Zero(t, p3)
	assert.Zero(t, n3)
	assert.Len(t, g.m.data, 2)
}
