package bytecode

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstructionEncodingRoundTrips(t *testing.T) {
	w := EncodeABC(OpAdd, 1, 2, 3)
	require.Equal(t, OpAdd, DecodeOp(w))
	a, b, c := DecodeABC(w)
	assert.Equal(t, uint8(1), a)
	assert.Equal(t, uint8(2), b)
	assert.Equal(t, uint8(3), c)

	w2 := EncodeAMid(OpLdSym, 7, 1000)
	a2, mid := DecodeAMid(w2)
	assert.Equal(t, uint8(7), a2)
	assert.Equal(t, uint16(1000), mid)

	w3 := EncodeA24(OpGlbVal, 0xABCDEF)
	assert.Equal(t, uint32(0xABCDEF), DecodeA24(w3))
}

func TestPackedArgWordsMatchesCeilDivision(t *testing.T) {
	assert.Equal(t, 0, PackedArgWords(0))
	assert.Equal(t, 1, PackedArgWords(1))
	assert.Equal(t, 1, PackedArgWords(4))
	assert.Equal(t, 2, PackedArgWords(5))
	assert.Equal(t, 3, PackedArgWords(9))
}

func TestPackArgsUnpackArgsRoundTrip(t *testing.T) {
	regs := []uint8{3, 1, 4, 1, 5, 9, 2}
	words := PackArgs(regs)
	require.Equal(t, PackedArgWords(len(regs)), len(words))
	got := UnpackArgs(words, len(regs))
	assert.Equal(t, regs, got)
}

func TestInt64AndFloat64WordRoundTrip(t *testing.T) {
	w := EncodeInt64(-1234567890123)
	assert.Equal(t, int64(-1234567890123), DecodeInt64(w[0], w[1]))

	f := EncodeFloat64(3.1415926535)
	assert.InDelta(t, 3.1415926535, DecodeFloat64(f[0], f[1]), 1e-12)
}

func TestSymtabEncodeDecodeRoundTrip(t *testing.T) {
	syms := []SymEntry{
		{Kind: SymString, Str: "hello"},
		{Kind: SymStub, Str: "someGlobal"},
		{Kind: SymFunction, FuncOffset: 42, FuncName: "fact"},
	}
	words := EncodeSymtab(syms)
	decoded, err := DecodeSymtab(words, 0, len(syms))
	require.NoError(t, err)
	assert.Equal(t, syms, decoded)
}

func TestAssembleProgramHeaderFields(t *testing.T) {
	code := []Word{EncodeVoid(OpRet)}
	syms := []SymEntry{{Kind: SymString, Str: "x"}}
	prog := AssembleProgram(code, 3, syms)

	hdr, err := DecodeHeader(prog)
	require.NoError(t, err)
	assert.Equal(t, HeaderWords+len(code), hdr.SymOffset)
	assert.Equal(t, len(syms), hdr.SymCount)
	assert.Equal(t, 3, hdr.FrameSize)

	decoded, err := DecodeSymtab(prog, hdr.SymOffset, hdr.SymCount)
	require.NoError(t, err)
	assert.Equal(t, syms, decoded)
}

func TestObjectFileRoundTrip(t *testing.T) {
	code := []Word{EncodeVoid(OpRet)}
	prog := AssembleProgram(code, 0, nil)

	var buf bytes.Buffer
	require.NoError(t, WriteObject(&buf, prog))

	got, err := ReadObject(&buf)
	require.NoError(t, err)
	assert.Equal(t, prog, got)
}

func TestReadObjectRejectsBadMagicAndSize(t *testing.T) {
	_, err := ReadObject(bytes.NewReader([]byte{1, 2, 3}))
	assert.Error(t, err)

	bogus := make([]byte, HeaderWords*WordBytes)
	_, err = ReadObject(bytes.NewReader(bogus))
	assert.Error(t, err)
}
