package attest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/dropDatabas3/attestor/internal/cache"
	"github.com/dropDatabas3/attestor/internal/keystore"
	"github.com/dropDatabas3/attestor/internal/metrics"
	"github.com/dropDatabas3/attestor/internal/observability/logger"
)

// Verifier valida atestaciones: firmas JWS, claims, integridad del
// artefacto y digest legacy. Verificar nunca muta el keystore.
type Verifier struct {
	keys     *keystore.Store
	issuer   string
	audience string
	leeway   time.Duration
	cache    cache.Cache
	log      *zap.Logger
}

// VerifierOptions configura un Verifier. Keys puede ser nil: sin keystore
// local la verificación resuelve claves solo desde los JWK embebidos en la
// atestación (verificación offline de terceros).
type VerifierOptions struct {
	Issuer   string
	Audience string
	// Leeway tolera clock skew en iat/nbf/exp. Default 5 minutos.
	Leeway time.Duration
	// Cache opcional de resultados por (contentHash, kid).
	Cache  cache.Cache
	Logger *zap.Logger
}

// NewVerifier crea un Verifier sobre un keystore (opcionalmente nil).
func NewVerifier(ks *keystore.Store, opts VerifierOptions) *Verifier {
	v := &Verifier{
		keys:     ks,
		issuer:   opts.Issuer,
		audience: opts.Audience,
		leeway:   opts.Leeway,
		cache:    opts.Cache,
		log:      opts.Logger,
	}
	if v.issuer == "" {
		v.issuer = "attestor"
	}
	if v.audience == "" {
		v.audience = "artifact-verification"
	}
	if v.leeway <= 0 {
		v.leeway = 5 * time.Minute
	}
	if v.log == nil {
		v.log = logger.Named("verifier")
	}
	return v
}

// TokenCheck es el resultado de verificar una firma JWS individual.
// Claims lleva el payload decodificado solo cuando la firma verificó.
type TokenCheck struct {
	Slot      string          `json:"slot"`
	Algorithm string          `json:"algorithm"`
	KeyID     string          `json:"keyId,omitempty"`
	Valid     bool            `json:"valid"`
	Reason    string          `json:"reason,omitempty"`
	Claims    jwtv5.MapClaims `json:"claims,omitempty"`
}

// IntegrityCheck compara hash y tamaño registrados contra los bytes
// actuales del artefacto. Expected viene del documento; Actual se
// recalcula siempre.
type IntegrityCheck struct {
	Valid        bool   `json:"valid"`
	Expected     string `json:"expected"`
	Actual       string `json:"actual"`
	ExpectedSize int64  `json:"expectedSize"`
	ActualSize   int64  `json:"actualSize"`
}

// LegacyCheck es el resultado de recomputar el digest legacy.
type LegacyCheck struct {
	Present  bool   `json:"present"`
	Valid    bool   `json:"valid"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// VerificationResult agrega todos los chequeos de una atestación.
// Valid exige integridad del artefacto Y al menos una firma válida (o el
// digest legacy válido cuando el formato es legacy-only).
type VerificationResult struct {
	Valid      bool            `json:"valid"`
	Format     Format          `json:"format"`
	Integrity  *IntegrityCheck `json:"integrity,omitempty"`
	Signatures []TokenCheck    `json:"signatures,omitempty"`
	Legacy     *LegacyCheck    `json:"legacy,omitempty"`
	VerifiedAt time.Time       `json:"verifiedAt"`
}

// ValidSignatures cuenta las firmas que verificaron.
func (r *VerificationResult) ValidSignatures() int {
	n := 0
	for _, c := range r.Signatures {
		if c.Valid {
			n++
		}
	}
	return n
}

// keyfunc resuelve la clave pública para un token: primero el keystore
// local por kid, y si no está (o no hay keystore) el JWK embebido en la
// atestación. La preferencia local hace que una revocación borrada del
// keystore no pueda resucitar por material embebido... pero una clave
// rotada que aún existe en disco sigue verificando.
func (v *Verifier) keyfunc(embedded *keystore.JWK) jwtv5.Keyfunc {
	return func(t *jwtv5.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if v.keys != nil && kid != "" {
			if pub, err := v.keys.ResolveVerificationKey(kid); err == nil {
				return pub, nil
			}
		}
		if embedded != nil {
			return embedded.PublicKey()
		}
		return nil, fmt.Errorf("%w: kid %q", keystore.ErrKeyNotFound, kid)
	}
}

// VerifyToken verifica un JWS compacto contra el algoritmo esperado.
// embedded, si no es nil, es el JWK público incluido en la atestación.
func (v *Verifier) VerifyToken(token string, alg keystore.Algorithm, embedded *keystore.JWK) TokenCheck {
	check := TokenCheck{Slot: alg.Slot(), Algorithm: string(alg)}

	parsed, err := jwtv5.Parse(token, v.keyfunc(embedded),
		jwtv5.WithValidMethods([]string{string(alg)}),
		jwtv5.WithLeeway(v.leeway),
		jwtv5.WithIssuer(v.issuer),
		jwtv5.WithAudience(v.audience),
		jwtv5.WithIssuedAt(),
	)
	if parsed != nil {
		if kid, ok := parsed.Header["kid"].(string); ok {
			check.KeyID = kid
		}
	}
	if err != nil {
		check.Reason = classifyJWTError(err).Error()
		return check
	}
	check.Valid = true
	if mc, ok := parsed.Claims.(jwtv5.MapClaims); ok {
		check.Claims = mc
	}
	return check
}

// classifyJWTError mapea errores de golang-jwt a los sentinelas del paquete,
// preservando la causa original en la cadena.
func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwtv5.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	case errors.Is(err, jwtv5.ErrTokenExpired),
		errors.Is(err, jwtv5.ErrTokenNotValidYet),
		errors.Is(err, jwtv5.ErrTokenUsedBeforeIssued),
		errors.Is(err, jwtv5.ErrTokenInvalidIssuer),
		errors.Is(err, jwtv5.ErrTokenInvalidAudience),
		errors.Is(err, jwtv5.ErrTokenInvalidClaims):
		return fmt.Errorf("%w: %w", ErrClaimValidation, err)
	case errors.Is(err, jwtv5.ErrTokenMalformed):
		return fmt.Errorf("%w: %w", ErrMalformedAttestation, err)
	default:
		return fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	}
}

// CheckIntegrity recalcula sha256 y tamaño de los bytes actuales del
// artefacto y los compara con los registrados. Ningún valor registrado se
// da por bueno: un size adulterado con hash intacto también es mismatch.
func CheckIntegrity(a *Attestation, content []byte) IntegrityCheck {
	sum := sha256.Sum256(content)
	actual := hex.EncodeToString(sum[:])
	size := int64(len(content))
	return IntegrityCheck{
		Valid:        actual == a.Artifact.ContentHash && size == a.Artifact.Size,
		Expected:     a.Artifact.ContentHash,
		Actual:       actual,
		ExpectedSize: a.Artifact.Size,
		ActualSize:   size,
	}
}

// CheckLegacy recomputa el digest legacy del documento.
func CheckLegacy(a *Attestation) LegacyCheck {
	if a.Legacy == nil {
		return LegacyCheck{Present: false}
	}
	actual, err := LegacyDigest(a.Artifact, a.Generation)
	if err != nil {
		return LegacyCheck{Present: true, Expected: a.Legacy.Signature.Value}
	}
	return LegacyCheck{
		Present:  true,
		Valid:    actual == a.Legacy.Signature.Value,
		Expected: a.Legacy.Signature.Value,
		Actual:   actual,
	}
}

// VerifyAttestation corre todos los chequeos que el formato del documento
// habilita. content son los bytes ACTUALES del artefacto en disco.
//
// La falla de integridad es terminal: firmas válidas sobre un artefacto
// modificado no acreditan nada. Para formato comprehensive el digest legacy
// es informativo; solo decide en legacy-only.
func (v *Verifier) VerifyAttestation(a *Attestation, content []byte) (*VerificationResult, error) {
	if err := a.Validate(); err != nil {
		metrics.Verifications.WithLabelValues("error").Inc()
		return nil, err
	}

	res := &VerificationResult{Format: a.Format, VerifiedAt: time.Now().UTC()}

	integ := CheckIntegrity(a, content)
	res.Integrity = &integ

	if a.Legacy != nil {
		lc := CheckLegacy(a)
		res.Legacy = &lc
	}

	for _, alg := range keystore.Algorithms() {
		token, ok := a.Signatures[alg.Slot()]
		if !ok {
			continue
		}
		var embedded *keystore.JWK
		if jwk, ok := a.Keys[alg.Slot()]; ok {
			embedded = &jwk
		}
		check := v.cachedTokenCheck(a.Artifact.ContentHash, token, alg, embedded)
		res.Signatures = append(res.Signatures, check)
	}

	switch {
	case !integ.Valid:
		res.Valid = false
	case a.Format == FormatLegacyOnly:
		res.Valid = res.Legacy != nil && res.Legacy.Valid
	default:
		res.Valid = res.ValidSignatures() > 0
	}

	if res.Valid {
		metrics.Verifications.WithLabelValues("valid").Inc()
	} else {
		metrics.Verifications.WithLabelValues("invalid").Inc()
	}
	return res, nil
}

// cachedTokenCheck evita re-verificar el mismo token sobre el mismo
// contenido. La clave incluye el contentHash: si el artefacto cambió el
// resultado cacheado no aplica.
func (v *Verifier) cachedTokenCheck(contentHash, token string, alg keystore.Algorithm, embedded *keystore.JWK) TokenCheck {
	if v.cache == nil {
		return v.VerifyToken(token, alg, embedded)
	}
	sum := sha256.Sum256([]byte(token))
	key := "verify:" + contentHash + ":" + hex.EncodeToString(sum[:8])
	if raw, ok := v.cache.Get(key); ok {
		var cached TokenCheck
		if err := json.Unmarshal(raw, &cached); err == nil && cached.Slot == alg.Slot() {
			return cached
		}
	}
	check := v.VerifyToken(token, alg, embedded)
	if raw, err := json.Marshal(check); err == nil {
		v.cache.Set(key, raw, 0)
	}
	return check
}
