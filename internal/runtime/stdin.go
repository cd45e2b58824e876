package runtime

import (
	"io"
	"sync"
	"sync/atomic"
)

// Input stream of an exec process.
//
// The containerd shim keeps both ends of the stdin FIFO open, so the process
// never sees EOF on its own. The pipe reports when its source is drained and
// how many bytes went through, so the caller can close the process input.
type stdinPipe struct {
	r    io.Reader
	n    atomic.Int64
	once sync.Once
	done chan struct{}
}

func newStdinPipe(r io.Reader) *stdinPipe {
	return &stdinPipe{r: r, done: make(chan struct{})}
}

// Reads from the source. Any error ends the stream, so done is closed on
// EOF as well as on a failed source.
func (p *stdinPipe) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.n.Add(int64(n))
	if err != nil {
		p.once.Do(func() { close(p.done) })
	}
	return n, err
}

// Returns the number of bytes read so far.
func (p *stdinPipe) Len() int64 {
	return p.n.Load()
}
