package keystore

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dropDatabas3/attestor/internal/audit"
	"github.com/dropDatabas3/attestor/internal/metrics"
	"github.com/dropDatabas3/attestor/internal/observability/logger"
	"github.com/dropDatabas3/attestor/internal/security/secretbox"
	"github.com/dropDatabas3/attestor/internal/util/atomicwrite"
)

const (
	activeTableFile = "active.json"
	keyFileSuffix   = ".key.json"
)

// Store genera, persiste, rota y elimina pares de claves. Es el único dueño
// del material: un archivo JSON por clave (0600) más una tabla active.json
// que apunta a la clave activa por algoritmo.
//
// Toda mutación de la tabla activa (GenerateKey, RotateKey, RevokeKey,
// DeleteKey) toma s.mu alrededor del cambio en memoria Y de la escritura en
// disco: un firmante concurrente observa el estado pre o post rotación,
// nunca uno intermedio.
type Store struct {
	dir          string
	backupDir    string
	box          *secretbox.Box
	keyTTL       time.Duration
	rotationWarn time.Duration
	now          func() time.Time
	log          *zap.Logger

	mu     sync.Mutex
	active map[Algorithm]string // algoritmo → keyId activo
}

// Options configura un Store.
type Options struct {
	// Dir es el directorio de claves (se crea con 0700).
	Dir string
	// BackupDir guarda copias previas a rotación/borrado. Default: Dir/backups.
	BackupDir string
	// Box cifra el material privado en reposo. nil = plaintext con 0600.
	Box *secretbox.Box
	// KeyTTL es la vida útil de una clave nueva. Default: 90 días.
	KeyTTL time.Duration
	// RotationWarn es la ventana de aviso de rotación. Default: 30 días.
	RotationWarn time.Duration
	// Now permite inyectar un reloj en tests.
	Now func() time.Time
	// Logger opcional; default logger.Named("keystore").
	Logger *zap.Logger
}

// Open crea/abre un Store sobre un directorio.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("keystore: dir requerido")
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create keys dir: %w", err)
	}
	s := &Store{
		dir:          opts.Dir,
		backupDir:    opts.BackupDir,
		box:          opts.Box,
		keyTTL:       opts.KeyTTL,
		rotationWarn: opts.RotationWarn,
		now:          opts.Now,
		log:          opts.Logger,
		active:       make(map[Algorithm]string),
	}
	if s.backupDir == "" {
		s.backupDir = filepath.Join(opts.Dir, "backups")
	}
	if s.keyTTL <= 0 {
		s.keyTTL = 90 * 24 * time.Hour
	}
	if s.rotationWarn <= 0 {
		s.rotationWarn = 30 * 24 * time.Hour
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = logger.Named("keystore")
	}
	if err := s.loadActiveTable(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) keyPath(kid string) string { return filepath.Join(s.dir, kid+keyFileSuffix) }

// ---- tabla activa ----

func (s *Store) loadActiveTable() error {
	data, err := os.ReadFile(filepath.Join(s.dir, activeTableFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read active table: %w", err)
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal active table: %w", err)
	}
	for k, kid := range raw {
		alg, err := ParseAlgorithm(k)
		if err != nil {
			s.log.Warn("active table: algoritmo desconocido, ignorado", logger.Algorithm(k))
			continue
		}
		s.active[alg] = kid
	}
	return nil
}

// writeActiveTable persiste la tabla. El caller debe tener s.mu.
func (s *Store) writeActiveTable() error {
	raw := make(map[string]string, len(s.active))
	for alg, kid := range s.active {
		raw[string(alg)] = kid
	}
	return atomicwrite.AtomicWriteJSON(filepath.Join(s.dir, activeTableFile), raw, 0o600)
}

// ---- generación ----

// GenerateKey crea un par de claves nuevo para alg, lo persiste y lo marca
// activo para ese algoritmo. No degrada el registro activo anterior: para
// eso existe RotateKey.
func (s *Store) GenerateKey(alg Algorithm, purpose string) (*KeyRecord, error) {
	if !alg.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
	rec, err := s.mintRecord(alg, purpose)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeRecord(rec); err != nil {
		return nil, err
	}
	s.active[alg] = rec.KeyID
	if err := s.writeActiveTable(); err != nil {
		return nil, err
	}

	metrics.KeysGenerated.WithLabelValues(string(alg)).Inc()
	audit.Log("key.generated", map[string]any{"key_id": rec.KeyID, "algorithm": string(alg), "purpose": purpose})
	s.log.Info("clave generada", logger.KeyID(rec.KeyID), logger.Algorithm(string(alg)))
	return rec, nil
}

// mintRecord genera material nuevo y arma el registro completo.
func (s *Store) mintRecord(alg Algorithm, purpose string) (*KeyRecord, error) {
	var priv crypto.PrivateKey
	switch alg {
	case AlgEdDSA:
		_, k, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ed25519: %w", err)
		}
		priv = k
	case AlgRS256, AlgRS384, AlgRS512:
		k, err := rsa.GenerateKey(rand.Reader, alg.KeyBits())
		if err != nil {
			return nil, fmt.Errorf("generate rsa-%d: %w", alg.KeyBits(), err)
		}
		priv = k
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
	return s.recordFromPrivate(alg, purpose, priv)
}

// recordFromPrivate arma un KeyRecord a partir de una clave privada ya
// materializada (generación o import).
func (s *Store) recordFromPrivate(alg Algorithm, purpose string, priv crypto.PrivateKey) (*KeyRecord, error) {
	kid := uuid.NewString()
	now := s.now().UTC()

	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: la clave no implementa crypto.Signer", ErrUnsupportedAlgorithm)
	}
	pub := signer.Public()

	pubJWK, err := PublicJWKFor(alg, kid, pub)
	if err != nil {
		return nil, err
	}
	privJWK, err := PrivateJWKFor(alg, kid, priv)
	if err != nil {
		return nil, err
	}
	fp, err := pubJWK.Thumbprint()
	if err != nil {
		return nil, err
	}
	pubPEM, err := EncodePublicPEM(pub)
	if err != nil {
		return nil, err
	}
	privPEM, err := EncodePrivatePEM(priv)
	if err != nil {
		return nil, err
	}

	rec := &KeyRecord{
		KeyID:       kid,
		Algorithm:   alg,
		Purpose:     purpose,
		KeySize:     alg.KeyBits(),
		Generated:   now,
		Expires:     now.Add(s.keyTTL),
		Status:      KeyActive,
		Fingerprint: fp,
	}
	rec.Formats.JWK.Public = pubJWK
	rec.Formats.JWK.Private = &privJWK
	rec.Formats.PEM.Public = pubPEM
	rec.Formats.PEM.Private = privPEM
	return rec, nil
}

// ---- persistencia ----

// writeRecord persiste un registro con 0600. Con master key presente, el
// material privado va cifrado (secretbox) y nunca en claro.
func (s *Store) writeRecord(rec *KeyRecord) error {
	out := *rec
	if s.box != nil && out.Formats.PEM.Private != "" {
		enc, err := s.box.Seal([]byte(out.Formats.PEM.Private))
		if err != nil {
			return fmt.Errorf("encrypt private key: %w", err)
		}
		out.Formats.PEM.PrivateEnc = enc
		out.Formats.PEM.Private = ""
		out.Formats.JWK.Private = nil
	}
	return atomicwrite.AtomicWriteJSON(s.keyPath(rec.KeyID), &out, 0o600)
}

// readRecord carga un registro SIN descifrar material privado.
func (s *Store) readRecord(kid string) (*KeyRecord, error) {
	data, err := os.ReadFile(s.keyPath(kid))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}
	if errors.Is(err, fs.ErrPermission) {
		return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, kid)
	}
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", kid, err)
	}
	var rec KeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// Un archivo corrupto se reporta igual que uno ausente.
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyNotFound, kid, err)
	}
	return &rec, nil
}

// LoadKey carga un registro completo, descifrando el material privado si
// está en reposo cifrado. Falla ErrKeyNotFound si el archivo falta o está
// corrupto.
func (s *Store) LoadKey(kid string) (*KeyRecord, error) {
	rec, err := s.readRecord(kid)
	if err != nil {
		return nil, err
	}
	if rec.Formats.PEM.PrivateEnc != "" {
		if s.box == nil {
			return nil, fmt.Errorf("clave %s cifrada: %w", kid, secretbox.ErrNoMasterKey)
		}
		pt, err := s.box.Open(rec.Formats.PEM.PrivateEnc)
		if err != nil {
			return nil, fmt.Errorf("decrypt private key %s: %w", kid, err)
		}
		rec.Formats.PEM.Private = string(pt)
		rec.Formats.PEM.PrivateEnc = ""
		priv, err := ParsePrivatePEM(rec.Formats.PEM.Private)
		if err != nil {
			return nil, err
		}
		privJWK, err := PrivateJWKFor(rec.Algorithm, rec.KeyID, priv)
		if err != nil {
			return nil, err
		}
		rec.Formats.JWK.Private = &privJWK
	}
	return rec, nil
}

// listKIDs retorna los keyIds presentes en disco.
func (s *Store) listKIDs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read keys dir: %w", err)
	}
	var kids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, keyFileSuffix) {
			continue
		}
		kids = append(kids, strings.TrimSuffix(name, keyFileSuffix))
	}
	sort.Strings(kids)
	return kids, nil
}

// ---- consultas ----

// ListKeys retorna los registros que pasan el filtro, con flags derivados
// needsRotation / expired calculados contra el reloj del Store.
func (s *Store) ListKeys(f ListFilter) ([]KeyInfo, error) {
	kids, err := s.listKIDs()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()

	s.mu.Lock()
	activeSet := make(map[string]bool, len(s.active))
	for _, kid := range s.active {
		activeSet[kid] = true
	}
	s.mu.Unlock()

	var out []KeyInfo
	for _, kid := range kids {
		rec, err := s.readRecord(kid)
		if err != nil {
			s.log.Warn("registro ilegible, omitido", logger.KeyID(kid), logger.Err(err))
			continue
		}
		if !f.matches(rec, now) {
			continue
		}
		out = append(out, KeyInfo{
			KeyRecord:     *rec,
			Active:        activeSet[kid],
			NeedsRotation: rec.NeedsRotation(now, s.rotationWarn),
			Expired:       rec.IsExpired(now),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Generated.Before(out[j].Generated) })
	return out, nil
}

// ActiveKey resuelve la clave activa para alg, lista para firmar.
// Una clave vencida bloquea firma nueva: se reporta como ErrNoActiveKey.
func (s *Store) ActiveKey(alg Algorithm) (*KeyRecord, error) {
	if !alg.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
	s.mu.Lock()
	kid, ok := s.active[alg]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoActiveKey, alg)
	}
	rec, err := s.LoadKey(kid)
	if err != nil {
		return nil, err
	}
	if rec.Status != KeyActive {
		return nil, fmt.Errorf("%w: %s (status %s)", ErrNoActiveKey, alg, rec.Status)
	}
	if rec.IsExpired(s.now().UTC()) {
		return nil, fmt.Errorf("%w: %s: %w", ErrNoActiveKey, alg, ErrKeyExpired)
	}
	return rec, nil
}

// ActiveAlgorithms retorna los algoritmos con clave activa utilizable,
// en el orden estable de Algorithms().
func (s *Store) ActiveAlgorithms() []Algorithm {
	var out []Algorithm
	for _, alg := range Algorithms() {
		if _, err := s.ActiveKey(alg); err == nil {
			out = append(out, alg)
		}
	}
	return out
}

// ResolveVerificationKey resuelve la clave pública para un kid sin importar
// su estado: una clave rotada/revocada/vencida sigue verificando firmas
// emitidas en el pasado hasta que se borra.
func (s *Store) ResolveVerificationKey(kid string) (crypto.PublicKey, error) {
	rec, err := s.readRecord(kid)
	if err != nil {
		return nil, err
	}
	return rec.PublicKey()
}

// ---- rotación ----

// RotateKey genera un reemplazo del mismo algoritmo/propósito, marca la
// clave vieja como rotated con puntero rotatedTo, y repunta la tabla activa.
// Todo dentro de una sección crítica: atómico desde la vista de cualquier
// firmante concurrente. Las atestaciones previas no se re-firman jamás.
func (s *Store) RotateKey(kid string) (*KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.readRecord(kid)
	if err != nil {
		return nil, err
	}
	if s.active[old.Algorithm] != kid || old.Status != KeyActive {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotActive, kid)
	}

	if err := s.backupKeyFile(kid); err != nil {
		return nil, fmt.Errorf("backup before rotate: %w", err)
	}

	next, err := s.mintRecord(old.Algorithm, old.Purpose)
	if err != nil {
		return nil, err
	}
	if err := s.writeRecord(next); err != nil {
		return nil, err
	}

	old.Status = KeyRotated
	old.RotatedTo = next.KeyID
	if err := s.writeRecord(old); err != nil {
		return nil, err
	}

	s.active[old.Algorithm] = next.KeyID
	if err := s.writeActiveTable(); err != nil {
		return nil, err
	}

	metrics.KeysRotated.WithLabelValues(string(old.Algorithm)).Inc()
	audit.Log("key.rotated", map[string]any{"key_id": kid, "rotated_to": next.KeyID, "algorithm": string(old.Algorithm)})
	s.log.Info("clave rotada",
		logger.KeyID(kid),
		logger.String("rotated_to", next.KeyID),
		logger.Algorithm(string(old.Algorithm)))
	return next, nil
}

// RevokeKey marca una clave como revocada. Sus firmas pasadas siguen siendo
// verificables; la clave no vuelve a firmar.
func (s *Store) RevokeKey(kid, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.readRecord(kid)
	if err != nil {
		return err
	}
	rec.Status = KeyRevoked
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]string)
	}
	rec.Metadata["revocationReason"] = reason
	rec.Metadata["revokedAt"] = s.now().UTC().Format(time.RFC3339)
	if err := s.writeRecord(rec); err != nil {
		return err
	}
	if s.active[rec.Algorithm] == kid {
		delete(s.active, rec.Algorithm)
		if err := s.writeActiveTable(); err != nil {
			return err
		}
	}
	audit.Log("key.revoked", map[string]any{"key_id": kid, "reason": reason})
	return nil
}

// DeleteKey respalda y elimina el material de una clave. Requiere confirm
// explícito: es la única transición irreversible del ciclo de vida.
func (s *Store) DeleteKey(kid string, confirm bool) error {
	if !confirm {
		return fmt.Errorf("%w: delete de %s", ErrConfirmationRequired, kid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.readRecord(kid)
	if err != nil {
		return err
	}
	if err := s.backupKeyFile(kid); err != nil {
		return fmt.Errorf("backup before delete: %w", err)
	}

	// Best-effort: sobreescribir antes de borrar para no dejar material
	// privado recuperable en el filesystem.
	path := s.keyPath(kid)
	if info, err := os.Stat(path); err == nil {
		_ = os.WriteFile(path, make([]byte, info.Size()), 0o600)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove key file: %w", err)
	}

	if s.active[rec.Algorithm] == kid {
		delete(s.active, rec.Algorithm)
		if err := s.writeActiveTable(); err != nil {
			return err
		}
	}
	metrics.KeysDeleted.Inc()
	audit.Log("key.deleted", map[string]any{"key_id": kid, "algorithm": string(rec.Algorithm)})
	s.log.Info("clave eliminada", logger.KeyID(kid))
	return nil
}

// backupKeyFile copia el archivo actual de una clave al directorio de
// backups con timestamp. El caller debe tener s.mu.
func (s *Store) backupKeyFile(kid string) error {
	data, err := os.ReadFile(s.keyPath(kid))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.backupDir, 0o700); err != nil {
		return err
	}
	name := fmt.Sprintf("%s.%s%s", kid, s.now().UTC().Format("20060102T150405Z"), keyFileSuffix)
	return atomicwrite.AtomicWriteFile(filepath.Join(s.backupDir, name), data, 0o600)
}

// ---- import / export ----

// ExportFormat es el conjunto cerrado de formatos de export.
type ExportFormat string

const (
	ExportJWK ExportFormat = "jwk"
	ExportPEM ExportFormat = "pem"
)

// ExportKey exporta una clave en el formato pedido. El material privado
// solo sale con includePrivate explícito.
func (s *Store) ExportKey(kid string, format ExportFormat, includePrivate bool) ([]byte, error) {
	var rec *KeyRecord
	var err error
	if includePrivate {
		rec, err = s.LoadKey(kid)
	} else {
		rec, err = s.readRecord(kid)
	}
	if err != nil {
		return nil, err
	}

	switch format {
	case ExportJWK:
		if includePrivate {
			if rec.Formats.JWK.Private == nil {
				return nil, fmt.Errorf("%w: %s sin material privado", ErrMalformedKey, kid)
			}
			return json.MarshalIndent(rec.Formats.JWK.Private, "", "  ")
		}
		return json.MarshalIndent(rec.Formats.JWK.Public, "", "  ")
	case ExportPEM:
		if includePrivate {
			if rec.Formats.PEM.Private == "" {
				return nil, fmt.Errorf("%w: %s sin material privado", ErrMalformedKey, kid)
			}
			return []byte(rec.Formats.PEM.Private), nil
		}
		return []byte(rec.Formats.PEM.Public), nil
	default:
		return nil, fmt.Errorf("formato de export desconocido: %q", format)
	}
}

// ImportKey importa una clave privada externa (PEM PKCS#8 o JWK privado),
// le asigna un keyId nuevo y la persiste. Si el algoritmo no tenía clave
// activa, la importada queda activa.
func (s *Store) ImportKey(data []byte, purpose string) (*KeyRecord, error) {
	var priv crypto.PrivateKey
	var err error

	if strings.HasPrefix(strings.TrimSpace(string(data)), "-----BEGIN") {
		priv, err = ParsePrivatePEM(string(data))
	} else {
		var j JWK
		if jerr := json.Unmarshal(data, &j); jerr != nil {
			return nil, fmt.Errorf("%w: ni PEM ni JWK: %v", ErrMalformedKey, jerr)
		}
		priv, err = j.PrivateKey()
	}
	if err != nil {
		return nil, err
	}

	alg, err := algorithmForPrivate(priv)
	if err != nil {
		return nil, err
	}
	rec, err := s.recordFromPrivate(alg, purpose, priv)
	if err != nil {
		return nil, err
	}
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]string)
	}
	rec.Metadata["imported"] = "true"

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeRecord(rec); err != nil {
		return nil, err
	}
	if _, ok := s.active[alg]; !ok {
		s.active[alg] = rec.KeyID
		if err := s.writeActiveTable(); err != nil {
			return nil, err
		}
	}
	audit.Log("key.imported", map[string]any{"key_id": rec.KeyID, "algorithm": string(alg)})
	return rec, nil
}

// algorithmForPrivate infiere el Algorithm de una clave importada.
// Para RSA el tamaño del módulo decide la variante.
func algorithmForPrivate(priv crypto.PrivateKey) (Algorithm, error) {
	switch k := priv.(type) {
	case ed25519.PrivateKey:
		return AlgEdDSA, nil
	case *rsa.PrivateKey:
		switch bits := k.N.BitLen(); {
		case bits >= 4096:
			return AlgRS512, nil
		case bits >= 3072:
			return AlgRS384, nil
		case bits >= 2048:
			return AlgRS256, nil
		default:
			return "", fmt.Errorf("%w: rsa de %d bits (mínimo 2048)", ErrUnsupportedAlgorithm, bits)
		}
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedAlgorithm, priv)
	}
}

// ---- salud ----

// CheckKeyHealth resume el estado del keystore y recomienda acciones.
// Menos de dos algoritmos activos dispara la recomendación de diversificar.
func (s *Store) CheckKeyHealth() (*HealthReport, error) {
	infos, err := s.ListKeys(ListFilter{})
	if err != nil {
		return nil, err
	}
	rep := &HealthReport{Total: len(infos)}
	for _, ki := range infos {
		if ki.Active {
			rep.Active++
		}
		if ki.Expired {
			rep.Expired++
		}
		if ki.NeedsRotation && ki.Active {
			rep.NeedsRotation++
		}
	}
	rep.ActiveAlgorithms = s.ActiveAlgorithms()

	if len(rep.ActiveAlgorithms) < 2 {
		rep.Recommendations = append(rep.Recommendations,
			"menos de dos algoritmos con clave activa: generar claves adicionales para diversificar")
	}
	if rep.NeedsRotation > 0 {
		rep.Recommendations = append(rep.Recommendations,
			fmt.Sprintf("%d clave(s) activa(s) por vencer: rotar", rep.NeedsRotation))
	}
	if rep.Expired > 0 {
		rep.Recommendations = append(rep.Recommendations,
			fmt.Sprintf("%d clave(s) vencida(s) en disco: revisar y eliminar si ya no verifican firmas vigentes", rep.Expired))
	}
	return rep, nil
}

// JWKSet construye el JWKS público para publicar: claves activas y rotadas
// (estas últimas siguen verificando firmas pasadas). Revocadas quedan fuera.
func (s *Store) JWKSet() (*JWKS, error) {
	infos, err := s.ListKeys(ListFilter{})
	if err != nil {
		return nil, err
	}
	set := &JWKS{Keys: make([]JWK, 0, len(infos))}
	for _, ki := range infos {
		if ki.Status == KeyRevoked {
			continue
		}
		set.Keys = append(set.Keys, ki.Formats.JWK.Public.Public())
	}
	return set, nil
}
