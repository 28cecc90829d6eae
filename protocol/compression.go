package libsyncclient_protocol

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// MaxUncompressedBodySize is the threshold below which message bodies
// are never compressed: for small bodies the zlib header overhead
// outweighs any gain.
const MaxUncompressedBodySize = 1024

// CompressBody compresses the given body with zlib at the default
// level. The result is only valid for wire use if it is strictly
// smaller than the input; the codec enforces that policy.
func CompressBody(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(body); err != nil {
		w.Close()
		return nil, fmt.Errorf("compress body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress body: %w", err)
	}
	return buf.Bytes(), nil
}

// DecompressBody inflates a compressed message body. uncompressedSize
// is the size declared in the message header; a mismatch is reported
// as an error so the caller can map it to a bad-decompression code.
func DecompressBody(compressed []byte, uncompressedSize uint64) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("decompress body: %w", err)
	}
	defer r.Close()

	out := make([]byte, 0, uncompressedSize)
	buf := bytes.NewBuffer(out)
	n, err := io.Copy(buf, r)
	if err != nil {
		return nil, fmt.Errorf("decompress body: %w", err)
	}
	if uint64(n) != uncompressedSize {
		return nil, fmt.Errorf("decompress body: size mismatch, declared %d got %d", uncompressedSize, n)
	}
	return buf.Bytes(), nil
}

// CompressedHexDump compresses arbitrary bytes and returns a base64
// rendering. Diagnostic helper for trace logging only, never used for
// wire content.
func CompressedHexDump(blob []byte) string {
	compressed, err := CompressBody(blob)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(compressed)
}
