package bundle

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/aixgo-dev/contextguard/pkg/faults"
)

// Compression selects how a bundle document is stored.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// ParseCompression parses a compression name. Empty means none.
func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionZstd, CompressionLZ4:
		return Compression(s), nil
	default:
		return "", faults.Configurationf("bundle.compression", "unknown compression %q", s)
	}
}

const envelopeFormat = "cgbundle"

// envelope wraps a compressed bundle document.
type envelope struct {
	Format      string      `json:"format"`
	Compression Compression `json:"compression"`
	Size        int         `json:"size"`
	Payload     string      `json:"payload"`
}

var (
	errNotEnvelope    = errors.New("not a compressed bundle envelope")
	errIncompressible = errors.New("data is incompressible")
)

// maxDecodedSize bounds the size an envelope may claim.
const maxDecodedSize = 512 << 20

// zstd encoders and decoders are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("bundle: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("bundle: zstd decoder initialization failed: " + err.Error())
	}
}

// encode wraps doc in an envelope unless c is none. Data lz4 cannot shrink
// is stored under an envelope marked none.
func encode(doc []byte, c Compression) ([]byte, error) {
	var (
		payload []byte
		used    = c
	)
	switch c {
	case "", CompressionNone:
		return doc, nil
	case CompressionZstd:
		payload = zstdEncoder.EncodeAll(doc, nil)
	case CompressionLZ4:
		p, err := compressLZ4(doc)
		switch {
		case errors.Is(err, errIncompressible):
			payload, used = doc, CompressionNone
		case err != nil:
			return nil, err
		default:
			payload = p
		}
	default:
		return nil, faults.Configurationf("bundle.encode", "unknown compression %q", c)
	}

	return json.Marshal(envelope{
		Format:      envelopeFormat,
		Compression: used,
		Size:        len(doc),
		Payload:     base64.StdEncoding.EncodeToString(payload),
	})
}

// decode returns the bundle document inside data and the compression it was
// stored with. Plain documents are returned unchanged.
func decode(data []byte) ([]byte, Compression, error) {
	env, err := parseEnvelope(data)
	if errors.Is(err, errNotEnvelope) {
		return data, CompressionNone, nil
	}
	if err != nil {
		return nil, "", err
	}
	doc, err := env.open()
	return doc, env.Compression, err
}

func parseEnvelope(data []byte) (*envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if !bytes.HasPrefix(trimmed, []byte("{")) || !bytes.Contains(trimmed[:min(len(trimmed), 64)], []byte(`"format"`)) {
		return nil, errNotEnvelope
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Format != envelopeFormat {
		return nil, errNotEnvelope
	}
	return &env, nil
}

func (e *envelope) open() ([]byte, error) {
	if e.Size < 0 || e.Size > maxDecodedSize {
		return nil, fmt.Errorf("envelope size %d out of range", e.Size)
	}
	payload, err := base64.StdEncoding.DecodeString(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	switch e.Compression {
	case CompressionNone, "":
		return payload, nil
	case CompressionZstd:
		return decompressZstd(payload, e.Size)
	case CompressionLZ4:
		return decompressLZ4(payload, e.Size)
	default:
		return nil, fmt.Errorf("unsupported compression %q", e.Compression)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func decompressLZ4(payload []byte, size int) ([]byte, error) {
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(payload, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if n != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
	}
	return dst, nil
}

func decompressZstd(payload []byte, size int) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(out) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
	}
	return out, nil
}
