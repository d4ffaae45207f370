// Package logbuf keeps the most recent newline-delimited records written to
// it, so a running server can report recent audit activity without
// re-reading the audit file.
package logbuf

import (
	"bytes"
	"sync"
)

// Ring is a fixed-capacity, concurrency-safe buffer of records. It
// implements io.Writer; each newline-terminated line is one record.
type Ring struct {
	mu      sync.Mutex
	records [][]byte
	next    int
	count   int
	partial []byte
}

// New creates a ring holding at most n records. n below one is treated as one.
func New(n int) *Ring {
	return &Ring{records: make([][]byte, max(1, n))}
}

// Write stores every complete line in p. A trailing fragment is held until
// its newline arrives.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := append(r.partial, p...)
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		if i > 0 {
			r.push(bytes.Clone(buf[:i]))
		}
		buf = buf[i+1:]
	}
	r.partial = bytes.Clone(buf)
	return len(p), nil
}

func (r *Ring) push(rec []byte) {
	r.records[r.next] = rec
	r.next = (r.next + 1) % len(r.records)
	if r.count < len(r.records) {
		r.count++
	}
}

// Records returns the stored records, oldest first.
func (r *Ring) Records() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([][]byte, 0, r.count)
	start := (r.next - r.count + len(r.records)) % len(r.records)
	for i := 0; i < r.count; i++ {
		out = append(out, bytes.Clone(r.records[(start+i)%len(r.records)]))
	}
	return out
}

// Last returns up to n of the newest records, oldest first. n <= 0 returns
// everything.
func (r *Ring) Last(n int) [][]byte {
	all := r.Records()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Len reports how many records are held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
