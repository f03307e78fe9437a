package attest_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dropDatabas3/attestor/internal/attest"
	"github.com/dropDatabas3/attestor/internal/keystore"
)

func newOrchestrator(t *testing.T, ks *keystore.Store) *attest.Orchestrator {
	t.Helper()
	signer, verifier := newSignerVerifier(t, ks)
	return attest.NewOrchestrator(signer, verifier, nil)
}

func TestGenerateVerifyEndToEnd(t *testing.T) {
	ks := newTestStore(t)
	if _, err := ks.GenerateKey(keystore.AlgEdDSA, ""); err != nil {
		t.Fatal(err)
	}
	o := newOrchestrator(t, ks)

	path := filepath.Join(t.TempDir(), "bundle.js")
	if err := os.WriteFile(path, []byte(`console.log("hi")`), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := o.Generate(context.Background(), path, sampleGeneration(), attest.GenerateOptions{
		Format:       attest.FormatComprehensive,
		WriteSidecar: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.Format != attest.FormatComprehensive {
		t.Fatalf("format = %s", a.Format)
	}
	if _, err := os.Stat(attest.SidecarPath(path)); err != nil {
		t.Fatalf("sidecar not written: %v", err)
	}

	res, err := o.Verify(context.Background(), path, attest.VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Fatal("fresh attestation should verify")
	}

	// mutate the artifact: verification must flip to invalid
	if err := os.WriteFile(path, []byte(`console.log("bye")`), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err = o.Verify(context.Background(), path, attest.VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid {
		t.Fatal("mutated artifact verified")
	}
}

func TestMigrateLegacyPreservesDigest(t *testing.T) {
	ks := newTestStore(t)
	if _, err := ks.GenerateKey(keystore.AlgEdDSA, ""); err != nil {
		t.Fatal(err)
	}
	o := newOrchestrator(t, ks)

	path := filepath.Join(t.TempDir(), "bundle.js")
	if err := os.WriteFile(path, []byte(`console.log("hi")`), 0o644); err != nil {
		t.Fatal(err)
	}
	legacy, err := o.Generate(context.Background(), path, sampleGeneration(), attest.GenerateOptions{
		Format:       attest.FormatLegacyOnly,
		WriteSidecar: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	originalDigest := legacy.Legacy.Signature.Value

	migrated, err := o.MigrateLegacy(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if migrated.Format != attest.FormatComprehensive {
		t.Fatalf("format = %s, want comprehensive", migrated.Format)
	}
	if migrated.Legacy.Signature.Value != originalDigest {
		t.Fatal("migration recomputed the legacy digest")
	}
	if migrated.Metadata.MigratedFrom != string(attest.FormatLegacyOnly) {
		t.Fatalf("migratedFrom = %q", migrated.Metadata.MigratedFrom)
	}
	if len(migrated.Signatures) == 0 {
		t.Fatal("migration produced no JWS signatures")
	}
	if _, err := os.Stat(attest.SidecarPath(path) + ".bak"); err != nil {
		t.Fatalf("no .bak of the original sidecar: %v", err)
	}

	// the migrated document must verify on its own
	res, err := o.Verify(context.Background(), path, attest.VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Fatal("migrated attestation should verify")
	}
}

func TestMigrateRejectsTamperedArtifact(t *testing.T) {
	ks := newTestStore(t)
	if _, err := ks.GenerateKey(keystore.AlgEdDSA, ""); err != nil {
		t.Fatal(err)
	}
	o := newOrchestrator(t, ks)

	path := filepath.Join(t.TempDir(), "bundle.js")
	if err := os.WriteFile(path, []byte(`console.log("hi")`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Generate(context.Background(), path, sampleGeneration(), attest.GenerateOptions{
		Format:       attest.FormatLegacyOnly,
		WriteSidecar: true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`console.log("bye")`), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := o.MigrateLegacy(context.Background(), path)
	if !errors.Is(err, attest.ErrArtifactIntegrity) {
		t.Fatalf("err = %v, want ErrArtifactIntegrity", err)
	}
}

func TestMigrateRejectsNonLegacy(t *testing.T) {
	ks := newTestStore(t)
	if _, err := ks.GenerateKey(keystore.AlgEdDSA, ""); err != nil {
		t.Fatal(err)
	}
	o := newOrchestrator(t, ks)

	path := filepath.Join(t.TempDir(), "bundle.js")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Generate(context.Background(), path, sampleGeneration(), attest.GenerateOptions{
		Format:       attest.FormatComprehensive,
		WriteSidecar: true,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := o.MigrateLegacy(context.Background(), path); err == nil {
		t.Fatal("migrating a comprehensive attestation should fail")
	}
}

func TestCompareFormatsReportsSizesPerArtifact(t *testing.T) {
	ks := newTestStore(t)
	for _, alg := range []keystore.Algorithm{keystore.AlgEdDSA, keystore.AlgRS256} {
		if _, err := ks.GenerateKey(alg, ""); err != nil {
			t.Fatal(err)
		}
	}
	o := newOrchestrator(t, ks)

	path := filepath.Join(t.TempDir(), "bundle.js")
	if err := os.WriteFile(path, []byte(`console.log("hi")`), 0o644); err != nil {
		t.Fatal(err)
	}

	reports, err := o.CompareFormats(context.Background(), path, sampleGeneration())
	if err != nil {
		t.Fatal(err)
	}

	byFormat := map[attest.Format]attest.FormatReport{}
	for _, r := range reports {
		byFormat[r.Format] = r
	}
	for _, f := range []attest.Format{attest.FormatLegacyOnly, attest.FormatJWSOnly, attest.FormatComprehensive} {
		r, ok := byFormat[f]
		if !ok {
			t.Fatalf("format %s missing from report", f)
		}
		if r.SizeBytes <= 0 {
			t.Fatalf("format %s reported size %d", f, r.SizeBytes)
		}
	}

	legacy := byFormat[attest.FormatLegacyOnly]
	jws := byFormat[attest.FormatJWSOnly]
	comp := byFormat[attest.FormatComprehensive]
	if !(legacy.SizeBytes < jws.SizeBytes && jws.SizeBytes < comp.SizeBytes) {
		t.Fatalf("expected legacy < jws < comprehensive, got %d / %d / %d",
			legacy.SizeBytes, jws.SizeBytes, comp.SizeBytes)
	}
	if jws.Signatures != 1 {
		t.Fatalf("jws-only signatures = %d, want 1", jws.Signatures)
	}
	if comp.Signatures != 2 {
		t.Fatalf("comprehensive signatures = %d, want 2", comp.Signatures)
	}

	// no sidecar is written by a comparison
	if _, err := os.Stat(attest.SidecarPath(path)); !os.IsNotExist(err) {
		t.Fatalf("compare wrote a sidecar: %v", err)
	}
}

func TestCompareFormatsMissingArtifact(t *testing.T) {
	ks := newTestStore(t)
	if _, err := ks.GenerateKey(keystore.AlgEdDSA, ""); err != nil {
		t.Fatal(err)
	}
	o := newOrchestrator(t, ks)
	if _, err := o.CompareFormats(context.Background(), filepath.Join(t.TempDir(), "nope.js"), sampleGeneration()); err == nil {
		t.Fatal("expected error for missing artifact")
	}
}
