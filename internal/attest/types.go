// Package attest construye, firma y verifica atestaciones de procedencia
// de artefactos: qué se generó, desde qué insumos y cuándo, con prueba
// criptográfica verificable por terceros (JWS, RFC 7515) más un digest
// legacy sha256 por compatibilidad.
package attest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dropDatabas3/attestor/internal/canonical"
	"github.com/dropDatabas3/attestor/internal/keystore"
)

// Version del documento de atestación.
const Version = "1.0"

// Estándares que cumple el formato JWS emitido.
var complianceStandards = []string{"RFC 7515", "RFC 7518", "RFC 7519"}

var (
	ErrSignatureInvalid     = errors.New("signature_invalid")
	ErrClaimValidation      = errors.New("claim_validation_failed")
	ErrArtifactIntegrity    = errors.New("artifact_integrity_mismatch")
	ErrMalformedAttestation = errors.New("malformed_attestation")
	ErrNoSignatures         = errors.New("no_signatures_produced")
)

// Format es el conjunto cerrado de formatos de atestación.
type Format string

const (
	FormatJWSOnly       Format = "jws-only"
	FormatLegacyOnly    Format = "legacy-only"
	FormatComprehensive Format = "comprehensive"
)

// ParseFormat normaliza un nombre de formato.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "jws-only", "jws":
		return FormatJWSOnly, nil
	case "legacy-only", "legacy":
		return FormatLegacyOnly, nil
	case "comprehensive":
		return FormatComprehensive, nil
	default:
		return "", fmt.Errorf("formato desconocido: %q", s)
	}
}

// Valid reporta si f es un formato soportado.
func (f Format) Valid() bool {
	switch f {
	case FormatJWSOnly, FormatLegacyOnly, FormatComprehensive:
		return true
	}
	return false
}

// Artifact describe el artefacto atestado. ContentHash es sha256 hex de los
// bytes al momento de generar; en verificación SIEMPRE se recalcula, nunca
// se confía en el valor registrado.
type Artifact struct {
	Path         string    `json:"path"`
	Name         string    `json:"name"`
	ContentHash  string    `json:"contentHash"`
	Size         int64     `json:"size"`
	Type         string    `json:"type,omitempty"`
	LastModified time.Time `json:"lastModified"`
}

// Generator identifica al proceso generador.
type Generator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Generation es el contexto de generación del artefacto.
type Generation struct {
	OperationID  string    `json:"operationId"`
	TemplatePath string    `json:"templatePath,omitempty"`
	TemplateHash string    `json:"templateHash,omitempty"`
	ContextHash  string    `json:"contextHash,omitempty"`
	GeneratedAt  time.Time `json:"generatedAt"`
	Generator    Generator `json:"generator"`
}

// LegacySignature es el digest del formato pre-JWS.
type LegacySignature struct {
	Algorithm string `json:"algorithm"` // siempre "sha256"
	Value     string `json:"value"`     // hex
}

// LegacyBlock envuelve la firma legacy para compatibilidad de formato.
type LegacyBlock struct {
	Signature LegacySignature `json:"signature"`
}

// VerificationMeta registra verificaciones hechas al generar.
type VerificationMeta struct {
	CrossVerified bool       `json:"crossVerified,omitempty"`
	Consensus     *Consensus `json:"consensus,omitempty"`
}

// Compliance lista los estándares que el documento declara cumplir.
type Compliance struct {
	Standards []string `json:"standards"`
}

// Meta son metadatos del documento mismo.
type Meta struct {
	Created        time.Time `json:"created"`
	GenerationTime int64     `json:"generationTime"` // milisegundos
	MigratedFrom   string    `json:"migratedFrom,omitempty"`
}

// Attestation es el documento de procedencia completo. Los mapas Signatures
// y Keys van indexados por slot de algoritmo en minúsculas ("eddsa",
// "rs256", ...) y deben tener exactamente las mismas claves: el documento
// es auto-contenido para verificación offline.
type Attestation struct {
	Version    string                  `json:"version"`
	Format     Format                  `json:"format"`
	Artifact   Artifact                `json:"artifact"`
	Generation Generation              `json:"generation"`
	Signatures map[string]string       `json:"signatures,omitempty"`
	Keys       map[string]keystore.JWK `json:"keys,omitempty"`
	Legacy     *LegacyBlock            `json:"legacy,omitempty"`

	Verification *VerificationMeta `json:"verification,omitempty"`
	Compliance   *Compliance       `json:"compliance,omitempty"`
	Metadata     Meta              `json:"metadata"`
}

// Validate chequea la forma del documento. Un documento que no pasa es
// ErrMalformedAttestation: error de entrada, no un resultado de verificación.
func (a *Attestation) Validate() error {
	if a.Version == "" {
		return fmt.Errorf("%w: falta version", ErrMalformedAttestation)
	}
	if !a.Format.Valid() {
		return fmt.Errorf("%w: formato %q", ErrMalformedAttestation, a.Format)
	}
	if a.Artifact.ContentHash == "" {
		return fmt.Errorf("%w: falta artifact.contentHash", ErrMalformedAttestation)
	}
	switch a.Format {
	case FormatLegacyOnly:
		if a.Legacy == nil {
			return fmt.Errorf("%w: legacy-only sin bloque legacy", ErrMalformedAttestation)
		}
	case FormatJWSOnly, FormatComprehensive:
		if len(a.Signatures) == 0 {
			return fmt.Errorf("%w: %s sin firmas", ErrMalformedAttestation, a.Format)
		}
		// paridad signatures ↔ keys
		for slot := range a.Signatures {
			if _, ok := a.Keys[slot]; !ok {
				return fmt.Errorf("%w: firma %q sin clave pública correspondiente", ErrMalformedAttestation, slot)
			}
		}
		for slot := range a.Keys {
			if _, ok := a.Signatures[slot]; !ok {
				return fmt.Errorf("%w: clave %q sin firma correspondiente", ErrMalformedAttestation, slot)
			}
		}
	}
	return nil
}

// LegacyDigest calcula el digest legacy: sha256 hex sobre el JSON canónico
// de {artifact, generation}. Es el único contenido firmado del formato
// pre-JWS.
func LegacyDigest(art Artifact, gen Generation) (string, error) {
	return canonical.SHA256Hex(map[string]any{
		"artifact":   art,
		"generation": gen,
	})
}
