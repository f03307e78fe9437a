package keystore

import (
	"fmt"
	"strings"

	jwtv5 "github.com/golang-jwt/jwt/v5"
)

// Algorithm es el conjunto cerrado de algoritmos de firma soportados.
// Todo switch sobre Algorithm debe cubrir los cuatro casos.
type Algorithm string

const (
	AlgEdDSA Algorithm = "EdDSA"
	AlgRS256 Algorithm = "RS256"
	AlgRS384 Algorithm = "RS384"
	AlgRS512 Algorithm = "RS512"
)

// Algorithms retorna los algoritmos soportados en orden estable.
func Algorithms() []Algorithm {
	return []Algorithm{AlgEdDSA, AlgRS256, AlgRS384, AlgRS512}
}

// AlgorithmNames retorna los nombres JWS ("alg" header) soportados.
func AlgorithmNames() []string {
	algs := Algorithms()
	out := make([]string, len(algs))
	for i, a := range algs {
		out[i] = string(a)
	}
	return out
}

// ParseAlgorithm normaliza un nombre de algoritmo.
// Acepta "ed25519" como alias de EdDSA.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "eddsa", "ed25519":
		return AlgEdDSA, nil
	case "rs256":
		return AlgRS256, nil
	case "rs384":
		return AlgRS384, nil
	case "rs512":
		return AlgRS512, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, s)
	}
}

// Valid reporta si a es uno de los algoritmos soportados.
func (a Algorithm) Valid() bool {
	switch a {
	case AlgEdDSA, AlgRS256, AlgRS384, AlgRS512:
		return true
	}
	return false
}

// Slot es la clave en minúsculas usada en los mapas signatures/keys de una
// atestación ("eddsa", "rs256", ...).
func (a Algorithm) Slot() string { return strings.ToLower(string(a)) }

// KeyBits retorna el tamaño de clave en bits para el algoritmo.
// Las variantes RSA escalan el módulo con la fuerza del hash.
func (a Algorithm) KeyBits() int {
	switch a {
	case AlgEdDSA:
		return 256
	case AlgRS256:
		return 2048
	case AlgRS384:
		return 3072
	case AlgRS512:
		return 4096
	}
	return 0
}

// SigningMethod retorna el método de firma de golang-jwt correspondiente.
func (a Algorithm) SigningMethod() jwtv5.SigningMethod {
	switch a {
	case AlgEdDSA:
		return jwtv5.SigningMethodEdDSA
	case AlgRS256:
		return jwtv5.SigningMethodRS256
	case AlgRS384:
		return jwtv5.SigningMethodRS384
	case AlgRS512:
		return jwtv5.SigningMethodRS512
	}
	return nil
}

// KeyStatus es el estado de ciclo de vida de una clave persistida.
// "expired" es un estado detectado (now > expires), no una transición en disco.
type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyRotated KeyStatus = "rotated"
	KeyRevoked KeyStatus = "revoked"
	KeyExpired KeyStatus = "expired"
)
