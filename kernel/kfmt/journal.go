package kfmt

import "io"

// journalSize is the capacity of the journal that holds log records emitted
// before an output sink is attached. It must be a power of 2.
const journalSize = 8192

// journal is a fixed-size ring of bytes. When full, the oldest bytes are
// overwritten so that the most recent records survive.
type journal struct {
	buf        [journalSize]byte
	start, len int
}

// Write appends p to the journal, dropping the oldest bytes on overflow.
func (j *journal) Write(p []byte) (int, error) {
	if len(p) >= journalSize {
		// Only the tail of an oversized write can be kept.
		copy(j.buf[:], p[len(p)-journalSize:])
		j.start, j.len = 0, journalSize
		return len(p), nil
	}

	for _, b := range p {
		j.buf[(j.start+j.len)&(journalSize-1)] = b
		if j.len == journalSize {
			j.start = (j.start + 1) & (journalSize - 1)
		} else {
			j.len++
		}
	}
	return len(p), nil
}

// WriteTo drains the journal into w.
func (j *journal) WriteTo(w io.Writer) (int64, error) {
	var written int64
	for j.len > 0 {
		end := j.start + j.len
		if end > journalSize {
			end = journalSize
		}

		n, err := w.Write(j.buf[j.start:end])
		written += int64(n)
		j.start = (j.start + n) & (journalSize - 1)
		j.len -= n
		if err != nil {
			return written, err
		}
	}

	j.start = 0
	return written, nil
}

// Len returns the number of buffered bytes.
func (j *journal) Len() int {
	return j.len
}
