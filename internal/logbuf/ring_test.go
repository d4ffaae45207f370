package logbuf

import (
	"fmt"
	"sync"
	"testing"
)

func strs(recs [][]byte) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = string(r)
	}
	return out
}

func TestRingStoresRecords(t *testing.T) {
	r := New(5)
	r.Write([]byte(`{"action":"entry_write"}` + "\n" + `{"action":"entry_read"}` + "\n"))

	got := strs(r.Records())
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0] != `{"action":"entry_write"}` || got[1] != `{"action":"entry_read"}` {
		t.Errorf("unexpected records: %v", got)
	}
}

func TestRingDropsOldest(t *testing.T) {
	r := New(3)
	r.Write([]byte("a\nb\nc\nd\ne\n"))

	got := strs(r.Records())
	if len(got) != 3 || got[0] != "c" || got[1] != "d" || got[2] != "e" {
		t.Errorf("expected [c d e], got %v", got)
	}
	if r.Len() != 3 {
		t.Errorf("expected len 3, got %d", r.Len())
	}
}

func TestRingHoldsPartialRecord(t *testing.T) {
	r := New(5)
	r.Write([]byte(`{"key":`))
	if r.Len() != 0 {
		t.Fatalf("partial record should not be stored yet")
	}
	r.Write([]byte(`"token"}` + "\n"))

	got := strs(r.Records())
	if len(got) != 1 || got[0] != `{"key":"token"}` {
		t.Errorf("unexpected records: %v", got)
	}
}

func TestRingSkipsBlankLines(t *testing.T) {
	r := New(5)
	r.Write([]byte("a\n\n\nb\n"))
	if got := strs(r.Records()); len(got) != 2 {
		t.Errorf("expected 2 records, got %v", got)
	}
}

func TestRingLast(t *testing.T) {
	r := New(10)
	r.Write([]byte("a\nb\nc\nd\ne\n"))

	got := strs(r.Last(3))
	if len(got) != 3 || got[0] != "c" || got[2] != "e" {
		t.Errorf("expected [c d e], got %v", got)
	}
	if got := r.Last(0); len(got) != 5 {
		t.Errorf("Last(0) should return everything, got %d", len(got))
	}
	if got := r.Last(50); len(got) != 5 {
		t.Errorf("Last(50) should return everything, got %d", len(got))
	}
}

func TestRingRecordsAreCopies(t *testing.T) {
	r := New(2)
	r.Write([]byte("abc\n"))
	recs := r.Records()
	recs[0][0] = 'z'
	if got := string(r.Records()[0]); got != "abc" {
		t.Errorf("ring mutated through returned slice: %q", got)
	}
}

func TestRingConcurrentWrites(t *testing.T) {
	r := New(100)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				fmt.Fprintf(r, "w%d-%d\n", i, j)
			}
		}(i)
	}
	wg.Wait()
	if r.Len() != 100 {
		t.Errorf("expected 100 records, got %d", r.Len())
	}
}

func TestRingEmpty(t *testing.T) {
	r := New(0)
	if got := r.Records(); len(got) != 0 {
		t.Errorf("expected empty, got %v", got)
	}
}
