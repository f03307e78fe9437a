// Package canonical produce JSON canónico (claves ordenadas, sin espacios)
// y digests sha256 estables sobre él. Dos procesos que serialicen la misma
// estructura deben obtener exactamente los mismos bytes.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// JSON serializa v en forma canónica: las claves de todo objeto quedan en
// orden lexicográfico y sin espacios. Se logra re-marshaleando a través de
// map[string]any, que encoding/json siempre emite ordenado.
func JSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber() // preserva la representación numérica original
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("remarshal: %w", err)
	}
	return out, nil
}

// SHA256Hex retorna el sha256 en hex del JSON canónico de v.
func SHA256Hex(v any) (string, error) {
	b, err := JSON(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes retorna el sha256 en hex de b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
