// Package bundle implements the manual copy-paste exchange path of
// spec.md §4.9 and §8 (Testable Property 2): a webrtcpeer.Bundle encoded
// as JSON, compressed with Brotli, base64-encoded for clipboard-safe
// pasting, and prefixed with a CRC-16 so a corrupted paste is detected
// before it reaches SetRemoteDescription rather than failing deep inside
// pion with a confusing error.
package bundle

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/sigurn/crc16"

	"github.com/ethan/screencaster/pkg/webrtcpeer"
)

const brotliQuality = 11
const brotliWindow = 22

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// Pack serializes b into the pasteable text form: base64(crc16 || brotli(json(b))).
func Pack(b webrtcpeer.Bundle) (string, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("bundle: marshal: %w", err)
	}

	var compressed bytes.Buffer
	w := brotli.NewWriterOptions(&compressed, brotli.WriterOptions{Quality: brotliQuality, LGWin: brotliWindow})
	if _, err := w.Write(raw); err != nil {
		return "", fmt.Errorf("bundle: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("bundle: compress: %w", err)
	}

	sum := crc16.Checksum(compressed.Bytes(), crcTable)

	out := make([]byte, 2+compressed.Len())
	binary.BigEndian.PutUint16(out[:2], sum)
	copy(out[2:], compressed.Bytes())

	return base64.StdEncoding.EncodeToString(out), nil
}

// Unpack reverses Pack, verifying the CRC-16 before attempting to
// decompress or parse JSON so a truncated/mistyped paste fails with one
// clear error instead of a cryptic decompression panic.
func Unpack(text string) (webrtcpeer.Bundle, error) {
	var out webrtcpeer.Bundle

	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return out, fmt.Errorf("bundle: invalid base64: %w", err)
	}
	if len(raw) < 2 {
		return out, fmt.Errorf("bundle: too short to contain a checksum")
	}

	wantSum := binary.BigEndian.Uint16(raw[:2])
	payload := raw[2:]
	gotSum := crc16.Checksum(payload, crcTable)
	if gotSum != wantSum {
		return out, fmt.Errorf("bundle: checksum mismatch, paste is corrupted or truncated")
	}

	r := brotli.NewReader(bytes.NewReader(payload))
	decompressed, err := io.ReadAll(r)
	if err != nil {
		return out, fmt.Errorf("bundle: decompress: %w", err)
	}

	if err := json.Unmarshal(decompressed, &out); err != nil {
		return out, fmt.Errorf("bundle: unmarshal: %w", err)
	}
	return out, nil
}
