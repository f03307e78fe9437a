package attest_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dropDatabas3/attestor/internal/attest"
	"github.com/dropDatabas3/attestor/internal/keystore"
)

func newTestStore(t *testing.T) *keystore.Store {
	t.Helper()
	s, err := keystore.Open(keystore.Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newSignerVerifier(t *testing.T, ks *keystore.Store) (*attest.Signer, *attest.Verifier) {
	t.Helper()
	signer := attest.NewSigner(ks, attest.SignerOptions{})
	verifier := attest.NewVerifier(ks, attest.VerifierOptions{})
	return signer, verifier
}

// writeArtifact writes content to a temp file and returns its description.
func writeArtifact(t *testing.T, name, content string) (attest.Artifact, []byte, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	art, raw, err := attest.DescribeArtifact(path)
	if err != nil {
		t.Fatal(err)
	}
	return art, raw, path
}

func sampleGeneration() attest.Generation {
	return attest.Generation{
		OperationID:  "op-1",
		TemplatePath: "hello.njk",
		GeneratedAt:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Generator:    attest.Generator{Name: "attestor", Version: "1.0.0"},
	}
}

func TestSignVerifyEveryAlgorithm(t *testing.T) {
	ks := newTestStore(t)
	for _, alg := range keystore.Algorithms() {
		if _, err := ks.GenerateKey(alg, "attestation"); err != nil {
			t.Fatalf("generate %s: %v", alg, err)
		}
	}
	signer, verifier := newSignerVerifier(t, ks)
	art, _, _ := writeArtifact(t, "out.json", `{"ok":true}`)

	for _, alg := range keystore.Algorithms() {
		token, err := signer.CreateAttestationJWS(art, sampleGeneration(), alg)
		if err != nil {
			t.Fatalf("sign %s: %v", alg, err)
		}
		check := verifier.VerifyToken(token, alg, nil)
		if !check.Valid {
			t.Fatalf("verify %s: %s", alg, check.Reason)
		}
	}
}

func TestSampleArtifactEdDSA(t *testing.T) {
	ks := newTestStore(t)
	if _, err := ks.GenerateKey(keystore.AlgEdDSA, "attestation"); err != nil {
		t.Fatal(err)
	}
	signer, verifier := newSignerVerifier(t, ks)

	art, content, _ := writeArtifact(t, "sample.js", `console.log("hi")`)
	const wantHash = "4cc1666bb3c7ac152364450a63f33004bb97dff1eb41edbe0351668cc4bba690"
	if art.ContentHash != wantHash {
		t.Fatalf("contentHash = %s, want %s", art.ContentHash, wantHash)
	}

	a, err := signer.CreateJWSAttestation(art, sampleGeneration(), keystore.AlgEdDSA)
	if err != nil {
		t.Fatal(err)
	}
	token, ok := a.Signatures["eddsa"]
	if !ok {
		t.Fatal("no signatures.eddsa slot")
	}
	jwk, ok := a.Keys["eddsa"]
	if !ok {
		t.Fatal("no keys.eddsa slot")
	}

	// verify strictly against the embedded key, without the keystore
	offline := attest.NewVerifier(nil, attest.VerifierOptions{})
	if check := offline.VerifyToken(token, keystore.AlgEdDSA, &jwk); !check.Valid {
		t.Fatalf("offline verification failed: %s", check.Reason)
	}

	res, err := verifier.VerifyAttestation(a, content)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Fatal("attestation should verify")
	}
}

func TestRotationKeepsOldSignaturesVerifiable(t *testing.T) {
	ks := newTestStore(t)
	rec, err := ks.GenerateKey(keystore.AlgEdDSA, "attestation")
	if err != nil {
		t.Fatal(err)
	}
	signer, verifier := newSignerVerifier(t, ks)
	art, _, _ := writeArtifact(t, "out.txt", "hola")

	before, err := signer.CreateAttestationJWS(art, sampleGeneration(), keystore.AlgEdDSA)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ks.RotateKey(rec.KeyID); err != nil {
		t.Fatal(err)
	}

	// old signature still verifies through the retained rotated key
	if check := verifier.VerifyToken(before, keystore.AlgEdDSA, nil); !check.Valid {
		t.Fatalf("pre-rotation signature rejected: %s", check.Reason)
	}

	// new signatures use the replacement kid
	after, err := signer.CreateAttestationJWS(art, sampleGeneration(), keystore.AlgEdDSA)
	if err != nil {
		t.Fatal(err)
	}
	cb := verifier.VerifyToken(before, keystore.AlgEdDSA, nil)
	ca := verifier.VerifyToken(after, keystore.AlgEdDSA, nil)
	if cb.KeyID == ca.KeyID {
		t.Fatal("new signature reused the rotated kid")
	}
}

func TestComprehensiveSignsAllActiveAndIncludesLegacy(t *testing.T) {
	ks := newTestStore(t)
	if _, err := ks.GenerateKey(keystore.AlgEdDSA, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := ks.GenerateKey(keystore.AlgRS256, ""); err != nil {
		t.Fatal(err)
	}
	signer, _ := newSignerVerifier(t, ks)
	art, _, _ := writeArtifact(t, "out.txt", "hola")

	a, err := signer.CreateComprehensiveAttestation(art, sampleGeneration())
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Signatures) != 2 {
		t.Fatalf("signatures = %d, want 2", len(a.Signatures))
	}
	for slot := range a.Signatures {
		if _, ok := a.Keys[slot]; !ok {
			t.Fatalf("slot %s has no embedded key", slot)
		}
	}
	if a.Legacy == nil || a.Legacy.Signature.Value == "" {
		t.Fatal("comprehensive attestation missing legacy digest")
	}
	want, err := attest.LegacyDigest(art, sampleGeneration())
	if err != nil {
		t.Fatal(err)
	}
	if a.Legacy.Signature.Value != want {
		t.Fatalf("legacy digest = %s, want %s", a.Legacy.Signature.Value, want)
	}
}

func TestComprehensiveFailsWithoutAnyActiveKey(t *testing.T) {
	ks := newTestStore(t)
	signer, _ := newSignerVerifier(t, ks)
	art, _, _ := writeArtifact(t, "out.txt", "hola")
	_, err := signer.CreateComprehensiveAttestation(art, sampleGeneration())
	if !errors.Is(err, attest.ErrNoSignatures) {
		t.Fatalf("err = %v, want ErrNoSignatures", err)
	}
}
