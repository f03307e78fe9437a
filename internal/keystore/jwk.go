package keystore

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"

	"github.com/dropDatabas3/attestor/internal/canonical"
)

// JWK es una clave en formato JSON Web Key (RFC 7517). Los campos privados
// (d, p, q, dp, dq, qi) solo están presentes en representaciones privadas.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv,omitempty"`
	Kid string `json:"kid,omitempty"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`

	// OKP (Ed25519)
	X string `json:"x,omitempty"`
	D string `json:"d,omitempty"`

	// RSA
	N  string `json:"n,omitempty"`
	E  string `json:"e,omitempty"`
	P  string `json:"p,omitempty"`
	Q  string `json:"q,omitempty"`
	DP string `json:"dp,omitempty"`
	DQ string `json:"dq,omitempty"`
	QI string `json:"qi,omitempty"`
}

// JWKS es un set de claves públicas (RFC 7517 §5) listo para publicar.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

func b64url(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func b64urlDecode(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }

// PublicJWKFor construye el JWK público para una clave.
func PublicJWKFor(alg Algorithm, kid string, pub crypto.PublicKey) (JWK, error) {
	switch p := pub.(type) {
	case ed25519.PublicKey:
		return JWK{Kty: "OKP", Crv: "Ed25519", Kid: kid, Use: "sig", Alg: string(alg), X: b64url(p)}, nil
	case *rsa.PublicKey:
		return JWK{
			Kty: "RSA", Kid: kid, Use: "sig", Alg: string(alg),
			N: b64url(p.N.Bytes()),
			E: b64url(big.NewInt(int64(p.E)).Bytes()),
		}, nil
	default:
		return JWK{}, fmt.Errorf("%w: tipo de clave pública %T", ErrUnsupportedAlgorithm, pub)
	}
}

// PrivateJWKFor construye el JWK privado (incluye material secreto).
func PrivateJWKFor(alg Algorithm, kid string, priv crypto.PrivateKey) (JWK, error) {
	switch k := priv.(type) {
	case ed25519.PrivateKey:
		j, err := PublicJWKFor(alg, kid, k.Public())
		if err != nil {
			return JWK{}, err
		}
		j.D = b64url(k.Seed())
		return j, nil
	case *rsa.PrivateKey:
		j, err := PublicJWKFor(alg, kid, k.Public())
		if err != nil {
			return JWK{}, err
		}
		k.Precompute()
		j.D = b64url(k.D.Bytes())
		j.P = b64url(k.Primes[0].Bytes())
		j.Q = b64url(k.Primes[1].Bytes())
		j.DP = b64url(k.Precomputed.Dp.Bytes())
		j.DQ = b64url(k.Precomputed.Dq.Bytes())
		j.QI = b64url(k.Precomputed.Qinv.Bytes())
		return j, nil
	default:
		return JWK{}, fmt.Errorf("%w: tipo de clave privada %T", ErrUnsupportedAlgorithm, priv)
	}
}

// PublicKey materializa la clave pública del JWK.
func (j JWK) PublicKey() (crypto.PublicKey, error) {
	switch j.Kty {
	case "OKP":
		if j.Crv != "Ed25519" {
			return nil, fmt.Errorf("%w: curva %q", ErrUnsupportedAlgorithm, j.Crv)
		}
		x, err := b64urlDecode(j.X)
		if err != nil {
			return nil, fmt.Errorf("%w: decode x: %v", ErrMalformedKey, err)
		}
		if len(x) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: x debe ser %d bytes", ErrMalformedKey, ed25519.PublicKeySize)
		}
		return ed25519.PublicKey(x), nil
	case "RSA":
		n, err := b64urlDecode(j.N)
		if err != nil {
			return nil, fmt.Errorf("%w: decode n: %v", ErrMalformedKey, err)
		}
		e, err := b64urlDecode(j.E)
		if err != nil {
			return nil, fmt.Errorf("%w: decode e: %v", ErrMalformedKey, err)
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(n),
			E: int(new(big.Int).SetBytes(e).Int64()),
		}, nil
	default:
		return nil, fmt.Errorf("%w: kty %q", ErrUnsupportedAlgorithm, j.Kty)
	}
}

// PrivateKey materializa la clave privada del JWK. Falla si el JWK no lleva
// material privado.
func (j JWK) PrivateKey() (crypto.PrivateKey, error) {
	if j.D == "" {
		return nil, fmt.Errorf("%w: jwk sin campo d", ErrMalformedKey)
	}
	switch j.Kty {
	case "OKP":
		seed, err := b64urlDecode(j.D)
		if err != nil {
			return nil, fmt.Errorf("%w: decode d: %v", ErrMalformedKey, err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("%w: seed debe ser %d bytes", ErrMalformedKey, ed25519.SeedSize)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	case "RSA":
		pub, err := j.PublicKey()
		if err != nil {
			return nil, err
		}
		d, err := b64urlDecode(j.D)
		if err != nil {
			return nil, fmt.Errorf("%w: decode d: %v", ErrMalformedKey, err)
		}
		p, err := b64urlDecode(j.P)
		if err != nil {
			return nil, fmt.Errorf("%w: decode p: %v", ErrMalformedKey, err)
		}
		q, err := b64urlDecode(j.Q)
		if err != nil {
			return nil, fmt.Errorf("%w: decode q: %v", ErrMalformedKey, err)
		}
		priv := &rsa.PrivateKey{
			PublicKey: *pub.(*rsa.PublicKey),
			D:         new(big.Int).SetBytes(d),
			Primes: []*big.Int{
				new(big.Int).SetBytes(p),
				new(big.Int).SetBytes(q),
			},
		}
		priv.Precompute()
		if err := priv.Validate(); err != nil {
			return nil, fmt.Errorf("%w: rsa validate: %v", ErrMalformedKey, err)
		}
		return priv, nil
	default:
		return nil, fmt.Errorf("%w: kty %q", ErrUnsupportedAlgorithm, j.Kty)
	}
}

// Public retorna una copia del JWK sin material privado.
func (j JWK) Public() JWK {
	j.D, j.P, j.Q, j.DP, j.DQ, j.QI = "", "", "", "", "", ""
	return j
}

// Thumbprint calcula la huella RFC 7638: sha256 hex sobre los campos
// requeridos del JWK público en JSON canónico.
func (j JWK) Thumbprint() (string, error) {
	var required map[string]string
	switch j.Kty {
	case "OKP":
		required = map[string]string{"crv": j.Crv, "kty": j.Kty, "x": j.X}
	case "RSA":
		required = map[string]string{"e": j.E, "kty": j.Kty, "n": j.N}
	default:
		return "", fmt.Errorf("%w: kty %q", ErrUnsupportedAlgorithm, j.Kty)
	}
	b, err := canonical.JSON(required)
	if err != nil {
		return "", err
	}
	return canonical.HashBytes(b), nil
}

// ---- PEM (SPKI / PKCS8) ----

// EncodePublicPEM codifica una clave pública como PEM SubjectPublicKeyInfo.
func EncodePublicPEM(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal pkix: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// EncodePrivatePEM codifica una clave privada como PEM PKCS#8.
func EncodePrivatePEM(priv crypto.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("marshal pkcs8: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// ParsePublicPEM decodifica una clave pública PEM (SPKI).
func ParsePublicPEM(s string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("%w: PEM inválido", ErrMalformedKey)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse pkix: %v", ErrMalformedKey, err)
	}
	return pub, nil
}

// ParsePrivatePEM decodifica una clave privada PEM (PKCS#8).
func ParsePrivatePEM(s string) (crypto.PrivateKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("%w: PEM inválido", ErrMalformedKey)
	}
	priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse pkcs8: %v", ErrMalformedKey, err)
	}
	return priv, nil
}
