package attest

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/attestor/internal/keystore"
	"github.com/dropDatabas3/attestor/internal/metrics"
	"github.com/dropDatabas3/attestor/internal/observability/logger"
)

// Signer arma los claims de procedencia y emite tokens JWS con las claves
// activas del keystore. No posee material de claves: lo resuelve por
// operación, así una rotación concurrente se observa completa o no se
// observa.
type Signer struct {
	keys     *keystore.Store
	issuer   string
	audience string
	ttl      time.Duration
	log      *zap.Logger
}

// SignerOptions configura un Signer.
type SignerOptions struct {
	// Issuer es el claim "iss". Default: "attestor".
	Issuer string
	// Audience es el claim "aud". Default: "artifact-verification".
	Audience string
	// TokenTTL es la vigencia del claim "exp". Default: 1 año; la
	// procedencia de un artefacto no caduca con la velocidad de un access
	// token.
	TokenTTL time.Duration
	Logger   *zap.Logger
}

// NewSigner crea un Signer sobre un keystore.
func NewSigner(ks *keystore.Store, opts SignerOptions) *Signer {
	s := &Signer{
		keys:     ks,
		issuer:   opts.Issuer,
		audience: opts.Audience,
		ttl:      opts.TokenTTL,
		log:      opts.Logger,
	}
	if s.issuer == "" {
		s.issuer = "attestor"
	}
	if s.audience == "" {
		s.audience = "artifact-verification"
	}
	if s.ttl <= 0 {
		s.ttl = 365 * 24 * time.Hour
	}
	if s.log == nil {
		s.log = logger.Named("signer")
	}
	return s
}

// CreateAttestationJWS firma los claims de procedencia con la clave activa
// del algoritmo pedido. Falla ErrNoActiveKey si el algoritmo no tiene clave
// activa utilizable (incluye rotadas, revocadas y vencidas).
func (s *Signer) CreateAttestationJWS(art Artifact, gen Generation, alg keystore.Algorithm) (string, error) {
	jws, _, err := s.signWith(art, gen, alg)
	return jws, err
}

// signWith firma y retorna también el JWK público de la clave usada, para
// que el documento quede auto-contenido.
func (s *Signer) signWith(art Artifact, gen Generation, alg keystore.Algorithm) (string, keystore.JWK, error) {
	start := time.Now()

	rec, err := s.keys.ActiveKey(alg)
	if err != nil {
		return "", keystore.JWK{}, err
	}
	priv, err := rec.PrivateKey()
	if err != nil {
		return "", keystore.JWK{}, err
	}

	now := time.Now().UTC()
	// Salvo jti/iat/nbf/exp, los claims son deterministas para el mismo input.
	claims := jwtv5.MapClaims{
		"iss": s.issuer,
		"sub": art.Name,
		"aud": s.audience,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(s.ttl).Unix(),
		"jti": uuid.NewString(),

		"artifact":   art,
		"generation": gen,
		"environment": map[string]any{
			"generator": gen.Generator.Name,
			"version":   gen.Generator.Version,
			"platform":  runtime.GOOS,
			"arch":      runtime.GOARCH,
		},
		"verification": map[string]any{
			"algorithm":   "sha256",
			"contentHash": art.ContentHash,
		},
	}

	tk := jwtv5.NewWithClaims(alg.SigningMethod(), claims)
	tk.Header["kid"] = rec.KeyID
	tk.Header["typ"] = "JWT"

	signed, err := tk.SignedString(priv)
	if err != nil {
		return "", keystore.JWK{}, fmt.Errorf("sign %s: %w", alg, err)
	}

	metrics.SignaturesIssued.WithLabelValues(string(alg)).Inc()
	metrics.SignLatency.Observe(float64(time.Since(start).Milliseconds()))
	return signed, rec.PublicJWK(), nil
}

// CreateJWSAttestation emite una atestación jws-only firmada con un solo
// algoritmo.
func (s *Signer) CreateJWSAttestation(art Artifact, gen Generation, alg keystore.Algorithm) (*Attestation, error) {
	jws, jwk, err := s.signWith(art, gen, alg)
	if err != nil {
		return nil, err
	}
	return &Attestation{
		Version:    Version,
		Format:     FormatJWSOnly,
		Artifact:   art,
		Generation: gen,
		Signatures: map[string]string{alg.Slot(): jws},
		Keys:       map[string]keystore.JWK{alg.Slot(): jwk},
		Compliance: &Compliance{Standards: complianceStandards},
		Metadata:   Meta{Created: time.Now().UTC()},
	}, nil
}

// CreateLegacyAttestation emite una atestación legacy-only: solo el digest
// sha256 sobre {artifact, generation}, sin JWS.
func (s *Signer) CreateLegacyAttestation(art Artifact, gen Generation) (*Attestation, error) {
	digest, err := LegacyDigest(art, gen)
	if err != nil {
		return nil, err
	}
	return &Attestation{
		Version:    Version,
		Format:     FormatLegacyOnly,
		Artifact:   art,
		Generation: gen,
		Legacy:     &LegacyBlock{Signature: LegacySignature{Algorithm: "sha256", Value: digest}},
		Metadata:   Meta{Created: time.Now().UTC()},
	}, nil
}

// CreateComprehensiveAttestation firma con todos los algoritmos que tengan
// clave activa, en paralelo, e incluye el digest legacy. La falla de un
// algoritmo se loguea y ese algoritmo se omite; la operación entera falla
// solo si no se produjo ninguna firma.
func (s *Signer) CreateComprehensiveAttestation(art Artifact, gen Generation) (*Attestation, error) {
	algs := s.keys.ActiveAlgorithms()

	type slot struct {
		jws string
		jwk keystore.JWK
	}
	results := make([]*slot, len(algs))
	var mu sync.Mutex

	var g errgroup.Group
	for i, alg := range algs {
		g.Go(func() error {
			jws, jwk, err := s.signWith(art, gen, alg)
			if err != nil {
				s.log.Warn("algoritmo omitido de la atestación",
					logger.Algorithm(string(alg)), logger.Err(err))
				return nil
			}
			mu.Lock()
			results[i] = &slot{jws: jws, jwk: jwk}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	signatures := make(map[string]string)
	keys := make(map[string]keystore.JWK)
	for i, alg := range algs {
		if results[i] == nil {
			continue
		}
		signatures[alg.Slot()] = results[i].jws
		keys[alg.Slot()] = results[i].jwk
	}
	if len(signatures) == 0 {
		return nil, fmt.Errorf("%w: ningún algoritmo con clave activa pudo firmar", ErrNoSignatures)
	}

	digest, err := LegacyDigest(art, gen)
	if err != nil {
		return nil, err
	}

	return &Attestation{
		Version:    Version,
		Format:     FormatComprehensive,
		Artifact:   art,
		Generation: gen,
		Signatures: signatures,
		Keys:       keys,
		Legacy:     &LegacyBlock{Signature: LegacySignature{Algorithm: "sha256", Value: digest}},
		Compliance: &Compliance{Standards: complianceStandards},
		Metadata:   Meta{Created: time.Now().UTC()},
	}, nil
}
