package tunnelclient

import (
	"io"

	"github.com/deco-cx/warp/channel"
)

// chunkReader adapts a *channel.Channel[[]byte] of request-data chunks
// into the io.Reader a local HTTP request's Body expects.
type chunkReader struct {
	ch     *channel.Channel[[]byte]
	cancel <-chan struct{}
	rem    []byte
}

func newChunkReader(ch *channel.Channel[[]byte], cancel <-chan struct{}) *chunkReader {
	return &chunkReader{ch: ch, cancel: cancel}
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.rem) == 0 {
		chunk, ok := r.ch.Recv(r.cancel)
		if !ok {
			return 0, io.EOF
		}
		r.rem = chunk
	}
	n := copy(p, r.rem)
	r.rem = r.rem[n:]
	return n, nil
}
