// This file implements the object-file I/O and local symbol-table
// (de)serialisation halves of the bytecode format: turning a finished word
// buffer into bytes on disk and back (a raw dump, read back as an array
// of words), and turning the structured symbol-table entries the compiler
// produces into/out of their packed word encoding.
package bytecode

import (
	"encoding/binary"
	"fmt"
	"io"
)

// SymEntry is one decoded local symbol-table entry.
type SymEntry struct {
	Kind SymKind

	// String / Stub
	Str string

	// Function
	FuncOffset int
	FuncName   string
}

// AssembleProgram lays out the four-word header, the executable words and
// the encoded symbol table into one contiguous buffer: header, then code
// from word index 4, then the symbol table immediately after.
func AssembleProgram(code []Word, frameSize int, syms []SymEntry) []Word {
	symWords := EncodeSymtab(syms)
	out := make([]Word, HeaderWords+len(code)+len(symWords))
	out[HeaderMagic] = MagicNumber
	out[HeaderSymOffset] = Word(HeaderWords + len(code))
	out[HeaderSymCount] = Word(len(syms))
	out[HeaderFrameSize] = Word(frameSize)
	copy(out[HeaderWords:], code)
	copy(out[HeaderWords+len(code):], symWords)
	return out
}

// EncodeSymtab encodes a slice of symbol-table entries into words. A string
// or stub entry is one header word (kind in the low byte, byte length
// above it) followed by its NUL-terminated bytes padded to whole words; a
// function entry is a kind word, an entry-offset word, a name-length word,
// then the padded name bytes.
func EncodeSymtab(syms []SymEntry) []Word {
	var out []Word
	for _, s := range syms {
		switch s.Kind {
		case SymString, SymStub:
			out = append(out, encodeNamedEntry(s.Kind, s.Str)...)
		case SymFunction:
			out = append(out, Word(SymFunction))
			out = append(out, Word(s.FuncOffset))
			out = append(out, Word(len(s.FuncName)))
			out = append(out, encodeBytes([]byte(s.FuncName))...)
		}
	}
	return out
}

func encodeNamedEntry(kind SymKind, s string) []Word {
	b := []byte(s)
	header := Word(kind) | Word(len(b))<<8
	out := []Word{header}
	return append(out, encodeBytes(b)...)
}

func encodeBytes(b []byte) []Word {
	padded := make([]byte, wordsForBytes(len(b))*WordBytes) // room for b plus a NUL terminator
	copy(padded, b)
	out := make([]Word, len(padded)/WordBytes)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(padded[i*WordBytes:])
	}
	return out
}

func decodeBytes(words []Word, length int) []byte {
	buf := make([]byte, len(words)*WordBytes)
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*WordBytes:], w)
	}
	return buf[:length]
}

// wordsForBytes returns how many words length bytes plus a NUL terminator
// occupy once rounded up to word granularity.
func wordsForBytes(length int) int {
	return (length + 1 + WordBytes - 1) / WordBytes
}

// DecodeSymtab parses count entries starting at word offset in words,
// returning the decoded entries. It is the inverse of EncodeSymtab.
func DecodeSymtab(words []Word, offset, count int) ([]SymEntry, error) {
	out := make([]SymEntry, 0, count)
	i := offset
	for n := 0; n < count; n++ {
		if i >= len(words) {
			return nil, fmt.Errorf("bytecode: truncated symbol table at entry %d", n)
		}
		header := words[i]
		kind := SymKind(header & 0xFF)
		switch kind {
		case SymString, SymStub:
			length := int(header >> 8)
			nw := wordsForBytes(length)
			i++
			if i+nw > len(words) {
				return nil, fmt.Errorf("bytecode: truncated %v entry at word %d", kind, i)
			}
			s := string(decodeBytes(words[i:i+nw], length))
			i += nw
			out = append(out, SymEntry{Kind: kind, Str: s})
		case SymFunction:
			if i+3 > len(words) {
				return nil, fmt.Errorf("bytecode: truncated function entry at word %d", i)
			}
			fnOffset := int(words[i+1])
			nameLen := int(words[i+2])
			i += 3
			nw := wordsForBytes(nameLen)
			if i+nw > len(words) {
				return nil, fmt.Errorf("bytecode: truncated function name at word %d", i)
			}
			name := string(decodeBytes(words[i:i+nw], nameLen))
			i += nw
			out = append(out, SymEntry{Kind: SymFunction, FuncOffset: fnOffset, FuncName: name})
		default:
			return nil, fmt.Errorf("bytecode: unknown symbol kind %d at word %d", kind, i)
		}
	}
	return out, nil
}

// Header is the decoded four-word program header.
type Header struct {
	SymOffset int
	SymCount  int
	FrameSize int
}

// DecodeHeader validates the magic number and decodes the rest of the
// program header.
func DecodeHeader(words []Word) (Header, error) {
	if len(words) < HeaderWords {
		return Header{}, fmt.Errorf("bytecode: buffer shorter than program header (%d words)", len(words))
	}
	if words[HeaderMagic] != MagicNumber {
		return Header{}, fmt.Errorf("bytecode: bad magic number %#x", words[HeaderMagic])
	}
	return Header{
		SymOffset: int(words[HeaderSymOffset]),
		SymCount:  int(words[HeaderSymCount]),
		FrameSize: int(words[HeaderFrameSize]),
	}, nil
}

// WriteObject writes words to w as a raw dump: len(words)*WordBytes bytes,
// little-endian, one word after another.
func WriteObject(w io.Writer, words []Word) error {
	buf := make([]byte, len(words)*WordBytes)
	for i, word := range words {
		binary.LittleEndian.PutUint32(buf[i*WordBytes:], word)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("bytecode: write object: %w", err)
	}
	return nil
}

// ReadObject reads an entire object file from r and reinterprets it as an
// array of words. It returns an error if the byte length is not a whole
// multiple of WordBytes, or if the decoded program header is invalid
// (the file size in bytes must be exactly size_in_words * WordBytes).
func ReadObject(r io.Reader) ([]Word, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("bytecode: read object: %w", err)
	}
	if len(buf)%WordBytes != 0 {
		return nil, fmt.Errorf("bytecode: object file size %d is not a multiple of %d", len(buf), WordBytes)
	}
	words := make([]Word, len(buf)/WordBytes)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(buf[i*WordBytes:])
	}
	if _, err := DecodeHeader(words); err != nil {
		return nil, err
	}
	return words, nil
}
