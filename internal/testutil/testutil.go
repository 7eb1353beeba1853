// Package testutil provides a range-capable HTTP server for tests.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// GenerateTestData returns a deterministic byte pattern of the given size.
func GenerateTestData(size int64) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte((i*7 + i/251) % 256)
	}
	return data
}

// Fault alters the response for requests whose range starts at a given
// offset. Times is how many requests it applies to; 0 means always.
type Fault struct {
	Status int
	Short  int
	Extra  int
	// BadRange shifts the reported Content-Range start.
	BadRange bool
	Times    int
}

type RangeServer struct {
	*httptest.Server
	Data []byte

	mu       sync.Mutex
	noRanges bool
	etag     string
	filename string
	faults   map[int64]*Fault

	gets  atomic.Int64
	heads atomic.Int64
}

// NewRangeServer serves data at every path and closes with the test.
func NewRangeServer(t *testing.T, data []byte) *RangeServer {
	t.Helper()
	rs := &RangeServer{Data: data, etag: `"v1"`, faults: make(map[int64]*Fault)}
	rs.Server = httptest.NewServer(http.HandlerFunc(rs.handle))
	t.Cleanup(rs.Close)
	return rs
}

// DisableRanges makes the server ignore Range and omit Accept-Ranges.
func (rs *RangeServer) DisableRanges() {
	rs.mu.Lock()
	rs.noRanges = true
	rs.mu.Unlock()
}

func (rs *RangeServer) SetETag(etag string) {
	rs.mu.Lock()
	rs.etag = etag
	rs.mu.Unlock()
}

func (rs *RangeServer) SetFilename(name string) {
	rs.mu.Lock()
	rs.filename = name
	rs.mu.Unlock()
}

func (rs *RangeServer) InjectFault(start int64, f Fault) {
	rs.mu.Lock()
	rs.faults[start] = &f
	rs.mu.Unlock()
}

func (rs *RangeServer) ClearFaults() {
	rs.mu.Lock()
	rs.faults = make(map[int64]*Fault)
	rs.mu.Unlock()
}

// Gets is the number of GET requests served.
func (rs *RangeServer) Gets() int64 { return rs.gets.Load() }

func (rs *RangeServer) Heads() int64 { return rs.heads.Load() }

func (rs *RangeServer) takeFault(start int64) *Fault {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	f, ok := rs.faults[start]
	if !ok {
		return nil
	}
	if f.Times > 0 {
		f.Times--
		if f.Times == 0 {
			delete(rs.faults, start)
		}
	}
	copied := *f
	return &copied
}

func (rs *RangeServer) handle(w http.ResponseWriter, r *http.Request) {
	rs.mu.Lock()
	noRanges, etag, filename := rs.noRanges, rs.etag, rs.filename
	rs.mu.Unlock()

	size := int64(len(rs.Data))
	w.Header().Set("ETag", etag)
	if filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	}
	if !noRanges {
		w.Header().Set("Accept-Ranges", "bytes")
	}

	if r.Method == http.MethodHead {
		rs.heads.Add(1)
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		return
	}
	rs.gets.Add(1)

	rangeHeader := r.Header.Get("Range")
	if noRanges || rangeHeader == "" {
		body := rs.Data
		if f := rs.takeFault(0); f != nil {
			if f.Status != 0 {
				http.Error(w, http.StatusText(f.Status), f.Status)
				return
			}
			body = adjust(body, f, rs.Data)
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Write(body)
		return
	}

	spec := strings.TrimPrefix(rangeHeader, "bytes=")
	bounds := strings.SplitN(spec, "-", 2)
	if len(bounds) != 2 {
		http.Error(w, "bad range", http.StatusRequestedRangeNotSatisfiable)
		return
	}
	start, err1 := strconv.ParseInt(bounds[0], 10, 64)
	end, err2 := strconv.ParseInt(bounds[1], 10, 64)
	if err1 != nil || err2 != nil || start > end || start >= size {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "bad range", http.StatusRequestedRangeNotSatisfiable)
		return
	}
	if end >= size {
		end = size - 1
	}
	body := rs.Data[start : end+1]
	reported := start
	if f := rs.takeFault(start); f != nil {
		if f.Status != 0 {
			http.Error(w, http.StatusText(f.Status), f.Status)
			return
		}
		if f.BadRange {
			reported = start + 1
		}
		body = adjust(body, f, rs.Data)
	}
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", reported, end, size))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusPartialContent)
	w.Write(body)
}

func adjust(body []byte, f *Fault, all []byte) []byte {
	out := append([]byte(nil), body...)
	if f.Short > 0 && f.Short <= len(out) {
		out = out[:len(out)-f.Short]
	}
	for i := 0; i < f.Extra; i++ {
		out = append(out, all[i%len(all)])
	}
	return out
}
