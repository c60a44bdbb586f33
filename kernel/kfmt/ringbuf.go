package kfmt

import "io"

// earlyBufferSize is the capacity of the ring buffer that holds Printf
// output until an output sink is registered. It must be a power of 2.
const earlyBufferSize = 2048

// ringBuffer buffers early boot output. When the buffer fills up the oldest
// data is overwritten.
type ringBuffer struct {
	data     [earlyBufferSize]byte
	readPos  int
	writePos int
}

// Write appends len(p) bytes from p to the buffer, dropping the oldest bytes
// on overflow. It never fails.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.data[rb.writePos] = b
		rb.writePos = (rb.writePos + 1) & (earlyBufferSize - 1)
		if rb.readPos == rb.writePos {
			rb.readPos = (rb.readPos + 1) & (earlyBufferSize - 1)
		}
	}

	return len(p), nil
}

// Read copies up to len(p) buffered bytes into p. It returns io.EOF once the
// buffer has been fully drained.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.readPos == rb.writePos {
		return 0, io.EOF
	}

	// Read up to the write index or, if the data wraps around, up to the
	// end of the buffer; the next Read picks up the wrapped part.
	avail := rb.writePos - rb.readPos
	if avail < 0 {
		avail = earlyBufferSize - rb.readPos
	}
	if len(p) < avail {
		avail = len(p)
	}

	copy(p, rb.data[rb.readPos:rb.readPos+avail])
	rb.readPos = (rb.readPos + avail) & (earlyBufferSize - 1)

	return avail, nil
}
