package keystore_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dropDatabas3/attestor/internal/keystore"
	"github.com/dropDatabas3/attestor/internal/security/secretbox"
)

func openTestStore(t *testing.T, opts keystore.Options) *keystore.Store {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	s, err := keystore.Open(opts)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestGenerateAndActiveKey(t *testing.T) {
	s := openTestStore(t, keystore.Options{})

	rec, err := s.GenerateKey(keystore.AlgEdDSA, "attestation")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if rec.Status != keystore.KeyActive {
		t.Fatalf("status = %s, want active", rec.Status)
	}
	if rec.Fingerprint == "" {
		t.Fatal("expected RFC 7638 fingerprint")
	}
	if rec.KeySize != 256 {
		t.Fatalf("key size = %d, want 256", rec.KeySize)
	}

	active, err := s.ActiveKey(keystore.AlgEdDSA)
	if err != nil {
		t.Fatalf("active key: %v", err)
	}
	if active.KeyID != rec.KeyID {
		t.Fatalf("active = %s, want %s", active.KeyID, rec.KeyID)
	}
	if _, err := active.PrivateKey(); err != nil {
		t.Fatalf("private key: %v", err)
	}
}

func TestActiveKeyMissingAlgorithm(t *testing.T) {
	s := openTestStore(t, keystore.Options{})
	_, err := s.ActiveKey(keystore.AlgRS256)
	if !errors.Is(err, keystore.ErrNoActiveKey) {
		t.Fatalf("err = %v, want ErrNoActiveKey", err)
	}
}

func TestGenerateUnsupportedAlgorithm(t *testing.T) {
	s := openTestStore(t, keystore.Options{})
	if _, err := s.GenerateKey("HS256", ""); !errors.Is(err, keystore.ErrUnsupportedAlgorithm) {
		t.Fatalf("err = %v, want ErrUnsupportedAlgorithm", err)
	}
}

func TestKeyFilePermissions(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, keystore.Options{Dir: dir})
	rec, err := s.GenerateKey(keystore.AlgEdDSA, "")
	if err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(dir, rec.KeyID+".key.json"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("key file mode = %o, want 0600", perm)
	}
}

func TestRotateKeepsOldKeyResolvable(t *testing.T) {
	s := openTestStore(t, keystore.Options{})
	old, err := s.GenerateKey(keystore.AlgEdDSA, "attestation")
	if err != nil {
		t.Fatal(err)
	}

	next, err := s.RotateKey(old.KeyID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if next.KeyID == old.KeyID {
		t.Fatal("rotation produced the same keyId")
	}

	active, err := s.ActiveKey(keystore.AlgEdDSA)
	if err != nil {
		t.Fatal(err)
	}
	if active.KeyID != next.KeyID {
		t.Fatalf("active after rotate = %s, want %s", active.KeyID, next.KeyID)
	}

	// old key: status rotated, pointer to replacement, still resolvable for verification
	oldRec, err := s.LoadKey(old.KeyID)
	if err != nil {
		t.Fatal(err)
	}
	if oldRec.Status != keystore.KeyRotated {
		t.Fatalf("old status = %s, want rotated", oldRec.Status)
	}
	if oldRec.RotatedTo != next.KeyID {
		t.Fatalf("rotatedTo = %s, want %s", oldRec.RotatedTo, next.KeyID)
	}
	if _, err := s.ResolveVerificationKey(old.KeyID); err != nil {
		t.Fatalf("old key must keep verifying: %v", err)
	}
}

func TestRotateNonActiveKeyFails(t *testing.T) {
	s := openTestStore(t, keystore.Options{})
	old, err := s.GenerateKey(keystore.AlgEdDSA, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.RotateKey(old.KeyID); err != nil {
		t.Fatal(err)
	}
	// rotating the already-rotated key again must fail
	if _, err := s.RotateKey(old.KeyID); !errors.Is(err, keystore.ErrKeyNotActive) {
		t.Fatalf("err = %v, want ErrKeyNotActive", err)
	}
}

func TestConcurrentRotationSingleActivePerAlgorithm(t *testing.T) {
	s := openTestStore(t, keystore.Options{})
	if _, err := s.GenerateKey(keystore.AlgEdDSA, ""); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				rec, err := s.ActiveKey(keystore.AlgEdDSA)
				if err != nil {
					t.Errorf("active key during rotation: %v", err)
					return
				}
				// Rotation races are expected: only the goroutine holding the
				// current active kid wins, the rest observe ErrKeyNotActive.
				if _, err := s.RotateKey(rec.KeyID); err != nil && !errors.Is(err, keystore.ErrKeyNotActive) {
					t.Errorf("rotate: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	infos, err := s.ListKeys(keystore.ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	activos := 0
	for _, ki := range infos {
		if ki.Active {
			activos++
			if ki.Status != keystore.KeyActive {
				t.Fatalf("active table points at %s with status %s", ki.KeyID, ki.Status)
			}
		}
	}
	if activos != 1 {
		t.Fatalf("active keys for EdDSA = %d, want exactly 1", activos)
	}
}

func TestExpiredKeyCannotSign(t *testing.T) {
	now := time.Now()
	clock := &now
	var mu sync.Mutex
	s := openTestStore(t, keystore.Options{
		KeyTTL: time.Hour,
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return *clock
		},
	})
	if _, err := s.GenerateKey(keystore.AlgEdDSA, ""); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	*clock = now.Add(2 * time.Hour)
	mu.Unlock()

	_, err := s.ActiveKey(keystore.AlgEdDSA)
	if !errors.Is(err, keystore.ErrNoActiveKey) {
		t.Fatalf("err = %v, want ErrNoActiveKey", err)
	}
	if !errors.Is(err, keystore.ErrKeyExpired) {
		t.Fatalf("err = %v, want ErrKeyExpired in chain", err)
	}
}

func TestListFilterDerivesExpiredStatus(t *testing.T) {
	now := time.Now()
	clock := &now
	var mu sync.Mutex
	s := openTestStore(t, keystore.Options{
		KeyTTL: time.Hour,
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return *clock
		},
	})
	rec, err := s.GenerateKey(keystore.AlgEdDSA, "")
	if err != nil {
		t.Fatal(err)
	}

	// nothing expired yet
	infos, err := s.ListKeys(keystore.ListFilter{Status: keystore.KeyExpired})
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		t.Fatalf("expired keys = %d, want 0", len(infos))
	}

	mu.Lock()
	*clock = now.Add(2 * time.Hour)
	mu.Unlock()

	// expiry is derived from the clock, never stored as a status
	infos, err = s.ListKeys(keystore.ListFilter{Status: keystore.KeyExpired})
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].KeyID != rec.KeyID {
		t.Fatalf("expired filter matched %d keys, want the generated one", len(infos))
	}
	if !infos[0].Expired {
		t.Fatal("listed key should carry the derived Expired flag")
	}
	if infos[0].Status != keystore.KeyActive {
		t.Fatalf("stored status = %s, want active", infos[0].Status)
	}
}

func TestRevokeRemovesFromActiveButKeepsVerification(t *testing.T) {
	s := openTestStore(t, keystore.Options{})
	rec, err := s.GenerateKey(keystore.AlgEdDSA, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RevokeKey(rec.KeyID, "compromise suspected"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ActiveKey(keystore.AlgEdDSA); !errors.Is(err, keystore.ErrNoActiveKey) {
		t.Fatalf("revoked key still active: %v", err)
	}
	if _, err := s.ResolveVerificationKey(rec.KeyID); err != nil {
		t.Fatalf("revoked key must stay resolvable: %v", err)
	}

	// but it is excluded from the published JWKS
	set, err := s.JWKSet()
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range set.Keys {
		if k.Kid == rec.KeyID {
			t.Fatal("revoked key published in JWKS")
		}
	}
}

func TestDeleteRequiresConfirmation(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, keystore.Options{Dir: dir})
	rec, err := s.GenerateKey(keystore.AlgEdDSA, "")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteKey(rec.KeyID, false); !errors.Is(err, keystore.ErrConfirmationRequired) {
		t.Fatalf("err = %v, want ErrConfirmationRequired", err)
	}
	if err := s.DeleteKey(rec.KeyID, true); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadKey(rec.KeyID); !errors.Is(err, keystore.ErrKeyNotFound) {
		t.Fatalf("err = %v, want ErrKeyNotFound after delete", err)
	}

	// a backup copy must exist
	entries, err := os.ReadDir(filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), rec.KeyID+".") {
			found = true
		}
	}
	if !found {
		t.Fatal("no backup written before delete")
	}
}

func TestEncryptionAtRest(t *testing.T) {
	mk, err := secretbox.GenerateMasterKey()
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv(secretbox.EnvMasterKey, mk)
	box, err := secretbox.FromEnv()
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	s := openTestStore(t, keystore.Options{Dir: dir, Box: box})
	rec, err := s.GenerateKey(keystore.AlgEdDSA, "")
	if err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, rec.KeyID+".key.json"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "PRIVATE KEY") {
		t.Fatal("private PEM stored in plaintext despite master key")
	}
	if strings.Contains(string(raw), `"d"`) {
		t.Fatal("private JWK material stored in plaintext despite master key")
	}

	// and it still round-trips through LoadKey
	loaded, err := s.LoadKey(rec.KeyID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := loaded.PrivateKey(); err != nil {
		t.Fatalf("decrypted private key unusable: %v", err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	s1 := openTestStore(t, keystore.Options{})
	rec, err := s1.GenerateKey(keystore.AlgEdDSA, "attestation")
	if err != nil {
		t.Fatal(err)
	}

	pem, err := s1.ExportKey(rec.KeyID, keystore.ExportPEM, true)
	if err != nil {
		t.Fatal(err)
	}

	s2 := openTestStore(t, keystore.Options{})
	imported, err := s2.ImportKey(pem, "attestation")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if imported.Algorithm != keystore.AlgEdDSA {
		t.Fatalf("algorithm = %s, want EdDSA", imported.Algorithm)
	}
	// same underlying material, new identity
	if imported.KeyID == rec.KeyID {
		t.Fatal("import reused the original keyId")
	}
	if imported.Fingerprint != rec.Fingerprint {
		t.Fatal("thumbprint is material-bound and must survive the round trip")
	}
	// imported key became active for its algorithm
	if _, err := s2.ActiveKey(keystore.AlgEdDSA); err != nil {
		t.Fatalf("imported key not active: %v", err)
	}
}

func TestExportPublicNeverLeaksPrivate(t *testing.T) {
	s := openTestStore(t, keystore.Options{})
	rec, err := s.GenerateKey(keystore.AlgEdDSA, "")
	if err != nil {
		t.Fatal(err)
	}
	out, err := s.ExportKey(rec.KeyID, keystore.ExportJWK, false)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(out), `"d"`) {
		t.Fatal("public JWK export contains private material")
	}
}

func TestActiveTableSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s1 := openTestStore(t, keystore.Options{Dir: dir})
	rec, err := s1.GenerateKey(keystore.AlgEdDSA, "")
	if err != nil {
		t.Fatal(err)
	}

	s2 := openTestStore(t, keystore.Options{Dir: dir})
	active, err := s2.ActiveKey(keystore.AlgEdDSA)
	if err != nil {
		t.Fatal(err)
	}
	if active.KeyID != rec.KeyID {
		t.Fatalf("active after reopen = %s, want %s", active.KeyID, rec.KeyID)
	}
}

func TestCheckKeyHealthRecommendsDiversification(t *testing.T) {
	s := openTestStore(t, keystore.Options{})
	if _, err := s.GenerateKey(keystore.AlgEdDSA, ""); err != nil {
		t.Fatal(err)
	}
	rep, err := s.CheckKeyHealth()
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Healthy() {
		t.Fatal("one active valid key should be healthy")
	}
	found := false
	for _, r := range rep.Recommendations {
		if strings.Contains(r, "diversificar") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected diversification recommendation, got %v", rep.Recommendations)
	}
}
