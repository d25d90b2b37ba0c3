package audio

import "iter"

// Chunks yields consecutive slices of data of at most size bytes. Slices
// alias data; nothing is copied and chunks are produced on demand.
func Chunks(data []byte, size int) iter.Seq[[]byte] {
	if size <= 0 {
		size = len(data)
	}
	return func(yield func([]byte) bool) {
		for start := 0; start < len(data); start += size {
			end := min(start+size, len(data))
			if !yield(data[start:end]) {
				return
			}
		}
	}
}
