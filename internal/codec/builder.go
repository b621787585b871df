package codec

import (
	"encoding/binary"
)

// Builder appends fields into a caller-provided fixed buffer, reporting
// overflow as a recoverable error rather than growing unbounded (§4.A, §5
// "all buffers are fixed at init").
type Builder struct {
	buf []byte // destination, fixed capacity
	n   int     // bytes written so far, reserving the first 4 for the length prefix
	err error
}

// NewBuilder wraps buf (len(buf) is the maximum encoded size, including the
// 4-byte length prefix) for writing.
func NewBuilder(buf []byte) *Builder {
	return &Builder{buf: buf, n: 4}
}

// Err returns the first overflow error encountered, if any. Subsequent
// Append* calls after the first error are no-ops.
func (b *Builder) Err() error { return b.err }

func (b *Builder) fail() bool {
	if b.err != nil {
		return true
	}
	return false
}

func (b *Builder) reserve(extra int) bool {
	if b.fail() {
		return false
	}
	if b.n+extra > len(b.buf) {
		b.err = ErrOverflow
		return false
	}
	return true
}

func (b *Builder) writeTag(key string, kind Kind) bool {
	if !b.reserve(3 + len(key)) {
		return false
	}
	b.buf[b.n] = byte(kind)
	b.n++
	binary.LittleEndian.PutUint16(b.buf[b.n:b.n+2], uint16(len(key)))
	b.n += 2
	copy(b.buf[b.n:], key)
	b.n += len(key)
	return true
}

// AppendString appends a string field.
func (b *Builder) AppendString(key, val string) *Builder {
	if !b.writeTag(key, KindString) {
		return b
	}
	b.writeLenPrefixed([]byte(val))
	return b
}

// AppendBinary appends a binary-blob field.
func (b *Builder) AppendBinary(key string, val []byte) *Builder {
	if !b.writeTag(key, KindBinary) {
		return b
	}
	b.writeLenPrefixed(val)
	return b
}

// AppendInt appends a signed 64-bit integer field.
func (b *Builder) AppendInt(key string, val int64) *Builder {
	if !b.writeTag(key, KindInt) {
		return b
	}
	if !b.reserve(8) {
		return b
	}
	binary.LittleEndian.PutUint64(b.buf[b.n:b.n+8], uint64(val)) //nolint:gosec // G115: round-trip via GetInt
	b.n += 8
	return b
}

// AppendBool appends a boolean field.
func (b *Builder) AppendBool(key string, val bool) *Builder {
	if !b.writeTag(key, KindBool) {
		return b
	}
	if !b.reserve(1) {
		return b
	}
	if val {
		b.buf[b.n] = 1
	} else {
		b.buf[b.n] = 0
	}
	b.n++
	return b
}

// AppendDocument appends a nested document field built by fn against a
// fresh sub-builder sharing this builder's remaining capacity.
func (b *Builder) AppendDocument(key string, fn func(*Builder)) *Builder {
	if !b.writeTag(key, KindDocument) {
		return b
	}
	return b.appendSub(fn)
}

func (b *Builder) appendSub(fn func(*Builder)) *Builder {
	if b.fail() {
		return b
	}
	if !b.reserve(4) {
		return b
	}
	lenPos := b.n
	b.n += 4
	start := b.n
	sub := &Builder{buf: b.buf, n: b.n}
	fn(sub)
	if sub.err != nil {
		b.err = sub.err
		return b
	}
	b.n = sub.n
	binary.LittleEndian.PutUint32(b.buf[lenPos:lenPos+4], uint32(b.n-start)) //nolint:gosec // G115: bounded by buffer size
	return b
}

// ArrayBuilder appends keyless, kind-tagged elements into an array value.
type ArrayBuilder struct {
	b *Builder
}

// AppendArray appends an array field built by fn.
func (b *Builder) AppendArray(key string, fn func(*ArrayBuilder)) *Builder {
	if !b.writeTag(key, KindArray) {
		return b
	}
	if !b.reserve(4) {
		return b
	}
	lenPos := b.n
	b.n += 4
	start := b.n
	ab := &ArrayBuilder{b: b}
	fn(ab)
	if b.err != nil {
		return b
	}
	binary.LittleEndian.PutUint32(b.buf[lenPos:lenPos+4], uint32(b.n-start)) //nolint:gosec // G115: bounded by buffer size
	return b
}

// String appends a string element.
func (ab *ArrayBuilder) String(val string) *ArrayBuilder {
	ab.writeElem(KindString, []byte(val))
	return ab
}

// Binary appends a binary element.
func (ab *ArrayBuilder) Binary(val []byte) *ArrayBuilder {
	ab.writeElem(KindBinary, val)
	return ab
}

// Int appends an integer element.
func (ab *ArrayBuilder) Int(val int64) *ArrayBuilder {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(val)) //nolint:gosec // G115: round-trip via GetInt
	ab.writeElem(KindInt, tmp[:])
	return ab
}

// Bool appends a boolean element.
func (ab *ArrayBuilder) Bool(val bool) *ArrayBuilder {
	var tmp [1]byte
	if val {
		tmp[0] = 1
	}
	ab.writeElem(KindBool, tmp[:])
	return ab
}

// Document appends a nested document element built by fn.
func (ab *ArrayBuilder) Document(fn func(*Builder)) *ArrayBuilder {
	b := ab.b
	if b.fail() {
		return ab
	}
	if !b.reserve(1) {
		return ab
	}
	b.buf[b.n] = byte(KindDocument)
	b.n++
	b.appendSub(fn)
	return ab
}

func (ab *ArrayBuilder) writeElem(kind Kind, val []byte) {
	b := ab.b
	if b.fail() {
		return
	}
	needsLen := kind == KindString || kind == KindBinary || kind == KindArray || kind == KindDocument
	extra := len(val)
	if needsLen {
		extra += 4
	}
	if !b.reserve(1 + extra) {
		return
	}
	b.buf[b.n] = byte(kind)
	b.n++
	b.writeLenPrefixedIf(needsLen, val)
}

func (b *Builder) writeLenPrefixedIf(needsLen bool, val []byte) {
	if needsLen {
		b.writeLenPrefixed(val)
		return
	}
	copy(b.buf[b.n:], val)
	b.n += len(val)
}

func (b *Builder) writeLenPrefixed(val []byte) {
	if !b.reserve(4 + len(val)) {
		return
	}
	binary.LittleEndian.PutUint32(b.buf[b.n:b.n+4], uint32(len(val))) //nolint:gosec // G115: bounded by buffer size
	b.n += 4
	copy(b.buf[b.n:], val)
	b.n += len(val)
}

// Finish writes the 4-byte length prefix and returns the encoded slice, or
// the overflow error if any Append call failed.
func (b *Builder) Finish() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	binary.LittleEndian.PutUint32(b.buf[0:4], uint32(b.n)) //nolint:gosec // G115: bounded by buffer size
	return b.buf[:b.n], nil
}
