package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/loqalabs/loqa-tts/internal/audio"
)

// stream writes payload in chunks of size bytes, flushing after each one
// so the transport sends it immediately. It stops at the first failed
// write or once ctx is done and reports how many bytes were written.
func stream(ctx context.Context, w http.ResponseWriter, payload []byte, size int) (int, error) {
	rc := http.NewResponseController(w)
	written := 0
	for chunk := range audio.Chunks(payload, size) {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, err := w.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return written, err
		}
	}
	return written, nil
}
