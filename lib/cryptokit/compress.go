package cryptokit

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// CompressData compresses an arbitrary byte string with a general-purpose
// stream compressor. Grounded on R2Northstar-Atlas's use of
// klauspost/compress/gzip as a drop-in, faster gzip implementation.
func CompressData(plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("cryptokit: compress: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		w.Close()
		return nil, fmt.Errorf("cryptokit: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("cryptokit: compress: %w", err)
	}
	return buf.Bytes(), nil
}

// DecompressData is the inverse of CompressData. A malformed stream
// surfaces a recoverable error per SPEC_FULL.md section 4.1/7.
func DecompressData(compressed []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("cryptokit: decompress: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("cryptokit: decompress: %w", err)
	}
	return out, nil
}
