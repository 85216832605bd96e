// Package cryptoutil decrypts device payloads for human preview. It is a
// pure transform invoked on a selected record, outside the pipeline's
// control flow.
package cryptoutil

import (
	"bytes"
	"crypto/des"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// DecryptError reports why a payload could not be decrypted.
type DecryptError struct {
	Reason string
	Err    error
}

func (e *DecryptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decrypt: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decrypt: %s", e.Reason)
}

func (e *DecryptError) Unwrap() error { return e.Err }

// DecryptTripleDESECB decodes a base64 payload and decrypts it with
// 3DES in ECB mode using a 24-byte key. Devices in the field pad
// inconsistently, so several unpadding strategies are tried and the one
// yielding valid JSON wins; with no JSON candidate the longest printable
// result is returned.
func DecryptTripleDESECB(encoded string, key []byte) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", &DecryptError{Reason: "invalid base64", Err: err}
	}
	if len(raw) == 0 || len(raw)%des.BlockSize != 0 {
		return "", &DecryptError{Reason: fmt.Sprintf("ciphertext length %d is not a block multiple", len(raw))}
	}

	block, err := des.NewTripleDESCipher(key)
	if err != nil {
		return "", &DecryptError{Reason: "bad key", Err: err}
	}

	plain := make([]byte, len(raw))
	for i := 0; i < len(raw); i += des.BlockSize {
		block.Decrypt(plain[i:i+des.BlockSize], raw[i:i+des.BlockSize])
	}

	candidates := [][]byte{plain}
	if unpadded, ok := stripPKCS7(plain); ok {
		candidates = append(candidates, unpadded)
	}
	candidates = append(candidates, stripTrailingZeros(plain))

	// Prefer the candidate that decodes to valid JSON.
	for _, cand := range candidates {
		text := strings.TrimSpace(string(cand))
		if strings.HasPrefix(text, "{") && json.Valid([]byte(text)) {
			return string(cand), nil
		}
	}

	best := ""
	for _, cand := range candidates {
		if text := string(cand); len(text) > len(best) {
			best = text
		}
	}
	if strings.TrimSpace(best) == "" {
		return "", &DecryptError{Reason: "decryption produced no usable text"}
	}
	return best, nil
}

// stripPKCS7 removes standard PKCS7 padding if present.
func stripPKCS7(b []byte) ([]byte, bool) {
	if len(b) == 0 {
		return nil, false
	}
	n := int(b[len(b)-1])
	if n == 0 || n > des.BlockSize || n > len(b) {
		return nil, false
	}
	for _, pad := range b[len(b)-n:] {
		if int(pad) != n {
			return nil, false
		}
	}
	return b[:len(b)-n], true
}

// stripTrailingZeros drops NUL padding, at most one DES block's worth.
func stripTrailingZeros(b []byte) []byte {
	out := b
	for i := 0; i < des.BlockSize && len(out) > 0 && out[len(out)-1] == 0; i++ {
		out = out[:len(out)-1]
	}
	return out
}

// FormatJSON pretty-prints a decrypted payload for display. Non-JSON
// text is returned trimmed, unchanged otherwise.
func FormatJSON(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	if !json.Valid([]byte(trimmed)) {
		return trimmed
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(trimmed), "", "  "); err != nil {
		return trimmed
	}
	return buf.String()
}
