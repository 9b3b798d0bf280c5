package vfatnbd

import "sort"

// DataService produces and, optionally, accepts the bytes of one logical
// byte stream. A single service may be registered for more than one,
// disjoint range of the image (a fragmented directory, for instance).
type DataService interface {
	// Fill writes len(buf) bytes starting at offset in this service's own
	// byte stream.
	Fill(buf []byte, offset uint64) error
	// Receive is given len(buf) bytes a guest wrote at offset in this
	// service's own byte stream. Returning an error rejects the write.
	Receive(buf []byte, offset uint64) error
}

// releasable is implemented by services that hold resources that should be
// freed once the composer drops its last reference.
type releasable interface {
	Release()
}

type serviceRange struct {
	start   uint64
	length  uint64
	offset  uint64
	service DataService
}

type dataChunk struct {
	start uint64
	bytes []byte
}

// Composer is the spatial index mapping image byte ranges to either a
// registered DataService or a literal stored chunk. It is the only thing
// that understands how the final image byte stream is assembled.
type Composer struct {
	services []serviceRange // sorted by start, non-overlapping
	chunks   []dataChunk    // sorted by start, non-overlapping
	refs     map[DataService]int
}

// NewComposer returns an empty Composer.
func NewComposer() *Composer {
	c := &Composer{}
	c.Init()
	return c
}

// Init clears the composer back to empty.
func (c *Composer) Init() {
	c.services = nil
	c.chunks = nil
	c.refs = make(map[DataService]int)
}

func (c *Composer) ref(s DataService) {
	c.refs[s]++
}

func (c *Composer) deref(s DataService) {
	c.refs[s]--
	if c.refs[s] <= 0 {
		delete(c.refs, s)
		if r, ok := s.(releasable); ok {
			r.Release()
		}
	}
}

// findServiceIndex returns the index of the service range containing pos,
// or the index of the first range starting after pos if there is none.
func (c *Composer) findServiceIndex(pos uint64) int {
	i := sort.Search(len(c.services), func(i int) bool { return c.services[i].start >= pos })
	if i > 0 {
		prev := c.services[i-1]
		if prev.start+prev.length > pos {
			return i - 1
		}
	}
	return i
}

func (c *Composer) findChunkIndex(pos uint64) int {
	i := sort.Search(len(c.chunks), func(i int) bool { return c.chunks[i].start >= pos })
	if i > 0 {
		prev := c.chunks[i-1]
		if prev.start+uint64(len(prev.bytes)) > pos {
			return i - 1
		}
	}
	return i
}

// Register marks [start, start+length) of the image as produced by
// service's Fill, with service's own stream positioned at offset at the
// start of the range. Any existing service coverage in the range is
// cleared first. A zero length still balances the reference (take then
// release), matching the reference allocator's handling of zero-size
// registrations.
func (c *Composer) Register(service DataService, start, length, offset uint64) {
	c.ref(service)
	if length == 0 {
		c.deref(service)
		return
	}
	c.ClearServices(start, length)

	i := sort.Search(len(c.services), func(i int) bool { return c.services[i].start >= start })
	c.services = append(c.services, serviceRange{})
	copy(c.services[i+1:], c.services[i:])
	c.services[i] = serviceRange{start: start, length: length, offset: offset, service: service}
}

// Receive notifies every service intersecting [start, start+length) via
// Receive, then stores buf as a literal chunk overriding those services
// for future Fill calls. If any service rejects its slice, no chunk is
// stored and the error is returned.
func (c *Composer) Receive(buf []byte, start uint64, length uint64) error {
	if length == 0 {
		return nil
	}
	if err := c.notifyServices(buf, start, length); err != nil {
		return err
	}
	c.ClearData(start, length)
	stored := make([]byte, length)
	copy(stored, buf)

	i := sort.Search(len(c.chunks), func(i int) bool { return c.chunks[i].start >= start })
	c.chunks = append(c.chunks, dataChunk{})
	copy(c.chunks[i+1:], c.chunks[i:])
	c.chunks[i] = dataChunk{start: start, bytes: stored}
	return nil
}

func (c *Composer) notifyServices(buf []byte, start, length uint64) error {
	end := start + length
	for i := c.findServiceIndex(start); i < len(c.services) && c.services[i].start < end; i++ {
		r := c.services[i]
		var off, bufPos uint64
		if r.start < start {
			off = start - r.start
		} else {
			bufPos = r.start - start
		}
		l := min64(r.length-off, end-(r.start+off))
		if err := r.service.Receive(buf[bufPos:bufPos+l], r.offset+off); err != nil {
			return err
		}
	}
	return nil
}

// Fill assembles length bytes of the image starting at start into buf,
// preferring a literal chunk, then a registered service, then zero-fill.
func (c *Composer) Fill(buf []byte, start uint64, length uint64) error {
	dIdx := c.findChunkIndex(start)
	sIdx := c.findServiceIndex(start)

	var filled uint64
	for filled < length {
		maxLen := length - filled
		pos := start + filled

		if dIdx < len(c.chunks) {
			chunk := c.chunks[dIdx]
			if chunk.start <= pos {
				copyOff := pos - chunk.start
				fillLen := min64(uint64(len(chunk.bytes))-copyOff, maxLen)
				copy(buf[filled:filled+fillLen], chunk.bytes[copyOff:copyOff+fillLen])
				filled += fillLen
				if copyOff+fillLen >= uint64(len(chunk.bytes)) {
					dIdx++
				}
				continue
			}
			if chunk.start-pos < maxLen {
				maxLen = chunk.start - pos
			}
		}

		if sIdx < len(c.services) {
			r := c.services[sIdx]
			if r.start <= pos {
				fillOff := pos - r.start
				if r.length <= fillOff {
					sIdx++
					continue
				}
				fillLen := min64(r.length-fillOff, maxLen)
				if err := r.service.Fill(buf[filled:filled+fillLen], r.offset+fillOff); err != nil {
					return err
				}
				filled += fillLen
				if fillOff+fillLen >= r.length {
					sIdx++
				}
				continue
			}
			if r.start-pos < maxLen {
				maxLen = r.start - pos
			}
		}

		for i := uint64(0); i < maxLen; i++ {
			buf[filled+i] = 0
		}
		filled += maxLen
	}
	return nil
}

// ClearData discards any stored literal chunk intersecting
// [start, start+length), clipping chunks that straddle the boundary.
func (c *Composer) ClearData(start, length uint64) {
	if length == 0 {
		return
	}
	end := start + length
	i := c.findChunkIndex(start)
	for i < len(c.chunks) {
		rangeStart := c.chunks[i].start
		data := c.chunks[i].bytes
		if rangeStart >= end {
			break
		}

		if rangeStart+uint64(len(data)) > end {
			newLength := rangeStart + uint64(len(data)) - end
			tail := make([]byte, newLength)
			copy(tail, data[uint64(len(data))-newLength:])
			c.insertChunk(dataChunk{start: end, bytes: tail})
			// re-resolve i since insertChunk may have shifted indices
			i = c.findChunkIndex(rangeStart)
		}

		if rangeStart < start {
			c.chunks[i].bytes = data[:start-rangeStart]
			i++
		} else {
			c.chunks = append(c.chunks[:i], c.chunks[i+1:]...)
		}
	}
}

func (c *Composer) insertChunk(dc dataChunk) {
	i := sort.Search(len(c.chunks), func(i int) bool { return c.chunks[i].start >= dc.start })
	c.chunks = append(c.chunks, dataChunk{})
	copy(c.chunks[i+1:], c.chunks[i:])
	c.chunks[i] = dc
}

func (c *Composer) insertService(sr serviceRange) {
	i := sort.Search(len(c.services), func(i int) bool { return c.services[i].start >= sr.start })
	c.services = append(c.services, serviceRange{})
	copy(c.services[i+1:], c.services[i:])
	c.services[i] = sr
}

// ClearServices removes service coverage intersecting [start, start+length),
// splitting and re-referencing a service whose range straddles the
// boundary, and dereferencing any service whose entire coverage is removed.
func (c *Composer) ClearServices(start, length uint64) {
	if length == 0 {
		return
	}
	end := start + length
	i := c.findServiceIndex(start)
	for i < len(c.services) {
		rangeStart := c.services[i].start
		r := c.services[i]
		if rangeStart >= end {
			break
		}

		if rangeStart+r.length > end {
			newStart := end
			newLength := rangeStart + r.length - newStart
			c.ref(r.service)
			c.insertService(serviceRange{
				start:   newStart,
				length:  newLength,
				offset:  r.offset + newStart - rangeStart,
				service: r.service,
			})
			i = c.findServiceIndex(rangeStart)
		}

		if rangeStart < start {
			c.services[i].length = start - rangeStart
			i++
		} else {
			c.deref(c.services[i].service)
			c.services = append(c.services[:i], c.services[i+1:]...)
		}
	}
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
