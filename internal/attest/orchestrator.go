package attest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/attestor/internal/audit"
	"github.com/dropDatabas3/attestor/internal/keystore"
	"github.com/dropDatabas3/attestor/internal/observability/logger"
	"github.com/dropDatabas3/attestor/internal/util/atomicwrite"
)

// sidecarSuffix es la extensión del archivo de atestación junto al artefacto.
const sidecarSuffix = ".attest.json"

// SidecarPath retorna la ruta de la atestación sidecar para un artefacto.
func SidecarPath(artifactPath string) string { return artifactPath + sidecarSuffix }

// Orchestrator coordina el ciclo completo: describir el artefacto, firmar,
// persistir el sidecar, verificar y migrar formatos viejos.
type Orchestrator struct {
	signer   *Signer
	verifier *Verifier
	cross    *CrossVerifier
	log      *zap.Logger
}

// NewOrchestrator arma un Orchestrator. cross puede ser nil si no hay
// herramientas externas configuradas.
func NewOrchestrator(signer *Signer, verifier *Verifier, cross *CrossVerifier) *Orchestrator {
	return &Orchestrator{
		signer:   signer,
		verifier: verifier,
		cross:    cross,
		log:      logger.Named("attest"),
	}
}

// GenerateOptions controla la generación de una atestación.
type GenerateOptions struct {
	Format Format
	// Algorithm aplica solo a jws-only. Default EdDSA.
	Algorithm keystore.Algorithm
	// WriteSidecar persiste la atestación en <artifact>.attest.json.
	WriteSidecar bool
	// CrossVerify somete la firma recién emitida a las herramientas
	// externas y adjunta el consenso al documento.
	CrossVerify bool
}

// Generate describe el artefacto en disco y emite su atestación.
func (o *Orchestrator) Generate(ctx context.Context, artifactPath string, gen Generation, opts GenerateOptions) (*Attestation, error) {
	start := time.Now()

	art, _, err := DescribeArtifact(artifactPath)
	if err != nil {
		return nil, err
	}
	if gen.GeneratedAt.IsZero() {
		gen.GeneratedAt = time.Now().UTC()
	}

	format := opts.Format
	if format == "" {
		format = FormatComprehensive
	}

	var a *Attestation
	switch format {
	case FormatJWSOnly:
		alg := opts.Algorithm
		if alg == "" {
			alg = keystore.AlgEdDSA
		}
		a, err = o.signer.CreateJWSAttestation(art, gen, alg)
	case FormatLegacyOnly:
		a, err = o.signer.CreateLegacyAttestation(art, gen)
	case FormatComprehensive:
		a, err = o.signer.CreateComprehensiveAttestation(art, gen)
	default:
		err = fmt.Errorf("formato desconocido: %q", format)
	}
	if err != nil {
		return nil, err
	}
	a.Metadata.GenerationTime = time.Since(start).Milliseconds()

	if opts.CrossVerify && o.cross != nil && len(a.Signatures) > 0 {
		// Se cross-verifica una sola firma: la emitida con EdDSA si existe,
		// si no la primera en orden estable.
		slot, token, jwk := pickSignature(a)
		cons, cerr := o.cross.CrossVerify(ctx, token, jwk)
		if cerr != nil {
			o.log.Warn("cross-verificación omitida", logger.Err(cerr))
		} else {
			a.Verification = &VerificationMeta{CrossVerified: true, Consensus: cons}
			o.log.Info("consenso de cross-verificación",
				logger.String("slot", slot),
				logger.String("recommendation", string(cons.Recommendation)),
				logger.Any("confidence", cons.Confidence))
		}
	}

	if opts.WriteSidecar {
		if err := WriteSidecar(artifactPath, a); err != nil {
			return nil, err
		}
	}

	audit.Log("attestation.generated", map[string]any{
		"artifact": art.Path,
		"format":   string(a.Format),
		"sigs":     len(a.Signatures),
	})
	return a, nil
}

func pickSignature(a *Attestation) (slot, token string, jwk keystore.JWK) {
	for _, alg := range keystore.Algorithms() {
		if t, ok := a.Signatures[alg.Slot()]; ok {
			return alg.Slot(), t, a.Keys[alg.Slot()]
		}
	}
	return "", "", keystore.JWK{}
}

// VerifyOptions controla la verificación.
type VerifyOptions struct {
	// SkipLegacy omite el recomputo del digest legacy en documentos que lo
	// traen junto a firmas JWS.
	SkipLegacy bool
}

// Verify carga el sidecar del artefacto y corre la verificación completa
// contra los bytes actuales en disco.
func (o *Orchestrator) Verify(ctx context.Context, artifactPath string, opts VerifyOptions) (*VerificationResult, error) {
	_ = ctx
	a, err := LoadAttestation(SidecarPath(artifactPath))
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("leer artefacto: %w", err)
	}
	res, err := o.verifier.VerifyAttestation(a, content)
	if err != nil {
		return nil, err
	}
	if opts.SkipLegacy && a.Format != FormatLegacyOnly {
		res.Legacy = nil
	}

	audit.Log("attestation.verified", map[string]any{
		"artifact": artifactPath,
		"valid":    res.Valid,
	})
	return res, nil
}

// MigrateLegacy convierte una atestación legacy-only al formato
// comprehensive. El digest legacy original se preserva textual en el
// documento nuevo; la migración exige que el digest recomputado coincida
// con el registrado antes de firmar nada. El sidecar viejo queda en .bak.
func (o *Orchestrator) MigrateLegacy(ctx context.Context, artifactPath string) (*Attestation, error) {
	_ = ctx
	sidecar := SidecarPath(artifactPath)
	old, err := LoadAttestation(sidecar)
	if err != nil {
		return nil, err
	}
	if old.Format != FormatLegacyOnly {
		return nil, fmt.Errorf("no es legacy-only: formato %q", old.Format)
	}

	// El digest debe cerrar ANTES de migrar: migrar una atestación que no
	// verifica sería blanquearla con firmas nuevas.
	if lc := CheckLegacy(old); !lc.Valid {
		return nil, fmt.Errorf("%w: digest legacy esperado %s, calculado %s",
			ErrArtifactIntegrity, lc.Expected, lc.Actual)
	}

	// Y el artefacto en disco debe seguir siendo el atestado.
	content, err := os.ReadFile(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("leer artefacto: %w", err)
	}
	if ic := CheckIntegrity(old, content); !ic.Valid {
		return nil, fmt.Errorf("%w: hash registrado %s, actual %s",
			ErrArtifactIntegrity, ic.Expected, ic.Actual)
	}

	migrated, err := o.signer.CreateComprehensiveAttestation(old.Artifact, old.Generation)
	if err != nil {
		return nil, err
	}
	// El bloque legacy del original se copia textual, no se recalcula.
	migrated.Legacy = old.Legacy
	migrated.Metadata.MigratedFrom = string(FormatLegacyOnly)

	if err := os.Rename(sidecar, sidecar+".bak"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("backup sidecar: %w", err)
	}
	if err := WriteSidecar(artifactPath, migrated); err != nil {
		return nil, err
	}

	audit.Log("attestation.migrated", map[string]any{
		"artifact": artifactPath,
		"from":     string(FormatLegacyOnly),
		"to":       string(FormatComprehensive),
	})
	return migrated, nil
}

// FormatReport compara un formato de atestación emitido para un artefacto
// concreto: tamaño serializado del documento más las garantías del formato.
type FormatReport struct {
	Format             Format `json:"format"`
	SizeBytes          int    `json:"sizeBytes"`
	Signatures         int    `json:"signatures"`
	CryptographicProof bool   `json:"cryptographicProof"`
	MultiAlgorithm     bool   `json:"multiAlgorithm"`
	OfflineVerifiable  bool   `json:"offlineVerifiable"`
	LegacyCompatible   bool   `json:"legacyCompatible"`
	Notes              string `json:"notes,omitempty"`
}

// CompareFormats emite la atestación del artefacto en los tres formatos y
// reporta el trade-off tamaño/garantías de cada uno. No escribe sidecars.
func (o *Orchestrator) CompareFormats(ctx context.Context, artifactPath string, gen Generation) ([]FormatReport, error) {
	art, _, err := DescribeArtifact(artifactPath)
	if err != nil {
		return nil, err
	}
	if gen.GeneratedAt.IsZero() {
		gen.GeneratedAt = time.Now().UTC()
	}

	legacy, err := o.signer.CreateLegacyAttestation(art, gen)
	if err != nil {
		return nil, err
	}

	// Para jws-only se usa EdDSA si está activa, si no el primer algoritmo
	// activo en orden estable.
	alg := keystore.AlgEdDSA
	if algs := o.signer.keys.ActiveAlgorithms(); len(algs) > 0 {
		alg = algs[0]
	}
	jws, err := o.signer.CreateJWSAttestation(art, gen, alg)
	if err != nil {
		return nil, err
	}

	comp, err := o.signer.CreateComprehensiveAttestation(art, gen)
	if err != nil {
		return nil, err
	}

	return []FormatReport{
		{
			Format:           FormatLegacyOnly,
			SizeBytes:        sidecarSize(legacy),
			LegacyCompatible: true,
			Notes:            "digest sha256 sin clave; detecta corrupción, no falsificación",
		},
		{
			Format:             FormatJWSOnly,
			SizeBytes:          sidecarSize(jws),
			Signatures:         len(jws.Signatures),
			CryptographicProof: true,
			OfflineVerifiable:  true,
			Notes:              "una firma JWS (" + string(alg) + ") con la clave pública embebida",
		},
		{
			Format:             FormatComprehensive,
			SizeBytes:          sidecarSize(comp),
			Signatures:         len(comp.Signatures),
			CryptographicProof: true,
			MultiAlgorithm:     true,
			OfflineVerifiable:  true,
			LegacyCompatible:   true,
			Notes:              "todas las firmas activas más el digest legacy",
		},
	}, nil
}

// sidecarSize es el tamaño del documento tal como lo escribiría WriteSidecar.
func sidecarSize(a *Attestation) int {
	b, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return 0
	}
	return len(b)
}

// LoadAttestation lee y valida estructuralmente un documento de atestación.
func LoadAttestation(path string) (*Attestation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("leer atestación: %w", err)
	}
	var a Attestation
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedAttestation, err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// WriteSidecar persiste la atestación junto al artefacto, con escritura
// atómica para no dejar sidecars a medias.
func WriteSidecar(artifactPath string, a *Attestation) error {
	return atomicwrite.AtomicWriteJSON(SidecarPath(artifactPath), a, 0o644)
}
