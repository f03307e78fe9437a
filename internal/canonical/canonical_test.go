package canonical_test

import (
	"testing"

	"github.com/dropDatabas3/attestor/internal/canonical"
)

func TestJSONSortsKeys(t *testing.T) {
	out, err := canonical.JSON(map[string]any{"b": 2, "a": 1, "c": map[string]any{"z": true, "y": false}})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":1,"b":2,"c":{"y":false,"z":true}}`
	if string(out) != want {
		t.Fatalf("canonical JSON = %s, want %s", out, want)
	}
}

func TestSHA256HexStableAcrossFieldOrder(t *testing.T) {
	type ab struct {
		B string `json:"b"`
		A string `json:"a"`
	}
	// struct field order must not matter: hashing goes through re-marshal
	h1, err := canonical.SHA256Hex(ab{A: "x", B: "y"})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := canonical.SHA256Hex(map[string]any{"a": "x", "b": "y"})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("digest differs by field order: %s vs %s", h1, h2)
	}
}

func TestSHA256HexPreservesNumberPrecision(t *testing.T) {
	h1, err := canonical.SHA256Hex(map[string]any{"n": 9007199254740993})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := canonical.SHA256Hex(map[string]any{"n": 9007199254740992})
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Fatal("large integers collapsed to the same digest")
	}
}

func TestHashBytesKnownVector(t *testing.T) {
	got := canonical.HashBytes([]byte(`console.log("hi")`))
	const want = "4cc1666bb3c7ac152364450a63f33004bb97dff1eb41edbe0351668cc4bba690"
	if got != want {
		t.Fatalf("HashBytes = %s, want %s", got, want)
	}
}
