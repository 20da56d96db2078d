// utils/compress.go
package utils

import (
	"bytes"

	"github.com/klauspost/compress/gzip"
)

// GzipBest compresses data at level 9. Replays and error logs are stored
// this way; they are written once and downloaded many times.
func GzipBest(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
