package geodata

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

const (
	magic         = "CMGEO\x00"
	formatVersion = 1
	headerSize    = len(magic) + 4
)

// encoder writes little-endian primitives and remembers the first error.
type encoder struct {
	w   *bufio.Writer
	buf [8]byte
	err error
}

func (e *encoder) write(b []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(b)
}

func (e *encoder) u8(v uint8) { e.write([]byte{v}) }

func (e *encoder) u16(v uint16) {
	binary.LittleEndian.PutUint16(e.buf[:2], v)
	e.write(e.buf[:2])
}

func (e *encoder) u32(v uint32) {
	binary.LittleEndian.PutUint32(e.buf[:4], v)
	e.write(e.buf[:4])
}

func (e *encoder) u64(v uint64) {
	binary.LittleEndian.PutUint64(e.buf[:8], v)
	e.write(e.buf[:8])
}

func (e *encoder) f64(v float64) { e.u64(math.Float64bits(v)) }

func (e *encoder) indices(idx []uint32) {
	e.u32(uint32(len(idx)))
	for _, v := range idx {
		e.u32(v)
	}
}

// stringDict assigns dictionary slots in order of first use.
type stringDict struct {
	index map[string]uint32
	list  []string
}

func (d *stringDict) add(s string) {
	if _, ok := d.index[s]; ok {
		return
	}
	d.index[s] = uint32(len(d.list))
	d.list = append(d.list, s)
}

func (d *stringDict) addTags(tags Tags) {
	for _, t := range tags {
		d.add(t.Key)
		d.add(t.Value)
	}
}

// Write encodes c into w.
func Write(w io.Writer, c *Container) error {
	dict := &stringDict{index: make(map[string]uint32)}
	for i := range c.Nodes {
		dict.addTags(c.Nodes[i].Tags)
	}
	for i := range c.Ways {
		dict.addTags(c.Ways[i].Tags)
	}
	for i := range c.Relations {
		dict.addTags(c.Relations[i].Tags)
	}

	e := &encoder{w: bufio.NewWriterSize(w, 1<<16)}
	tags := func(tags Tags) {
		e.u32(uint32(len(tags)))
		for _, t := range tags {
			e.u32(dict.index[t.Key])
			e.u32(dict.index[t.Value])
		}
	}

	e.write([]byte(magic))
	e.u16(formatVersion)
	e.u8(c.BaseZoom)
	e.u8(0)

	e.u32(uint32(len(dict.list)))
	for _, s := range dict.list {
		e.u32(uint32(len(s)))
		e.write([]byte(s))
	}

	e.u32(uint32(len(c.Nodes)))
	for i := range c.Nodes {
		n := &c.Nodes[i]
		e.u64(n.ID)
		e.f64(n.Lat)
		e.f64(n.Lon)
		tags(n.Tags)
	}

	e.u32(uint32(len(c.Ways)))
	for i := range c.Ways {
		w := &c.Ways[i]
		e.u64(w.ID)
		e.indices(w.Nodes)
		tags(w.Tags)
	}

	e.u32(uint32(len(c.Relations)))
	for i := range c.Relations {
		r := &c.Relations[i]
		e.u64(r.ID)
		e.indices(r.Nodes)
		e.indices(r.Ways)
		tags(r.Tags)
	}

	e.u32(uint32(len(c.Tiles)))
	for i := range c.Tiles {
		t := &c.Tiles[i]
		e.u64(t.ID)
		e.indices(t.Nodes)
		e.indices(t.Ways)
		e.indices(t.Relations)
	}

	if e.err != nil {
		return fmt.Errorf("failed to write geodata: %w", e.err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush geodata: %w", err)
	}
	return nil
}

// WriteFile encodes c into path via a temporary file and an atomic rename.
func WriteFile(path string, c *Container) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}

	if err := Write(f, c); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}

// cursor reads little-endian primitives from a byte slice. The first
// out-of-bounds read turns into a CorruptError and later reads return zero.
type cursor struct {
	buf     []byte
	off     int
	section string
	err     error
}

func (c *cursor) fail(format string, args ...any) {
	if c.err == nil {
		c.err = &CorruptError{Section: c.section, Offset: c.off, Reason: fmt.Sprintf(format, args...)}
	}
}

func (c *cursor) need(n int) bool {
	if c.err != nil {
		return false
	}
	if n < 0 || c.off+n > len(c.buf) {
		c.fail("truncated: need %d bytes, %d left", n, len(c.buf)-c.off)
		return false
	}
	return true
}

func (c *cursor) u8() uint8 {
	if !c.need(1) {
		return 0
	}
	v := c.buf[c.off]
	c.off++
	return v
}

func (c *cursor) u16() uint16 {
	if !c.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(c.buf[c.off:])
	c.off += 2
	return v
}

func (c *cursor) u32() uint32 {
	if !c.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(c.buf[c.off:])
	c.off += 4
	return v
}

func (c *cursor) u64() uint64 {
	if !c.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(c.buf[c.off:])
	c.off += 8
	return v
}

func (c *cursor) f64() float64 { return math.Float64frombits(c.u64()) }

func (c *cursor) bytes(n int) []byte {
	if !c.need(n) {
		return nil
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b
}

// count reads a list length and checks that at least minSize bytes per
// element remain, so corrupted lengths never drive large allocations.
func (c *cursor) count(minSize int) int {
	n := int(c.u32())
	if c.err != nil {
		return 0
	}
	if n*minSize > len(c.buf)-c.off {
		c.fail("list of %d entries exceeds remaining %d bytes", n, len(c.buf)-c.off)
		return 0
	}
	return n
}

// skipIndices skips an index list, checking every entry against limit.
func (c *cursor) skipIndices(limit int, what string) {
	n := c.count(4)
	for range n {
		if v := c.u32(); c.err == nil && int(v) >= limit {
			c.fail("%s index %d out of range (len %d)", what, v, limit)
		}
	}
}

// readIndices decodes an index list without validation.
func (c *cursor) readIndices() []uint32 {
	n := c.count(4)
	if n == 0 {
		return nil
	}
	idx := make([]uint32, n)
	for i := range idx {
		idx[i] = c.u32()
	}
	return idx
}
