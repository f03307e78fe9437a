package keystore

import (
	"crypto"
	"fmt"
	"time"
)

// KeyRecord es el registro persistido de un par de claves. El Store es el
// único dueño de estos registros: los servicios de firma y verificación
// reciben copias o material derivado, nunca el archivo.
type KeyRecord struct {
	KeyID       string            `json:"keyId"`
	Algorithm   Algorithm         `json:"algorithm"`
	Purpose     string            `json:"purpose"`
	KeySize     int               `json:"keySize"`
	Generated   time.Time         `json:"generated"`
	Expires     time.Time         `json:"expires"`
	Status      KeyStatus         `json:"status"`
	RotatedTo   string            `json:"rotatedTo,omitempty"`
	Fingerprint string            `json:"fingerprint"`
	Formats     KeyFormats        `json:"formats"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// KeyFormats lleva el material en ambas representaciones.
type KeyFormats struct {
	JWK JWKFormats `json:"jwk"`
	PEM PEMFormats `json:"pem"`
}

type JWKFormats struct {
	Public JWK `json:"public"`
	// Private está presente solo cuando el cifrado en reposo está deshabilitado.
	Private *JWK `json:"private,omitempty"`
}

type PEMFormats struct {
	Public  string `json:"public"`
	Private string `json:"private,omitempty"`
	// PrivateEnc reemplaza a Private cuando hay master key (secretbox).
	PrivateEnc string `json:"privateEnc,omitempty"`
}

// IsExpired reporta si la clave venció respecto de now.
func (r *KeyRecord) IsExpired(now time.Time) bool {
	return !r.Expires.IsZero() && now.After(r.Expires)
}

// NeedsRotation reporta si la clave vence dentro de la ventana warn.
func (r *KeyRecord) NeedsRotation(now time.Time, warn time.Duration) bool {
	if r.Expires.IsZero() {
		return false
	}
	return now.Add(warn).After(r.Expires)
}

// PublicKey materializa la clave pública del registro.
func (r *KeyRecord) PublicKey() (crypto.PublicKey, error) {
	return r.Formats.JWK.Public.PublicKey()
}

// PrivateKey materializa la clave privada. Requiere que el Store haya
// descifrado el material al cargar (ver loadRecord).
func (r *KeyRecord) PrivateKey() (crypto.PrivateKey, error) {
	if r.Formats.PEM.Private == "" {
		return nil, fmt.Errorf("%w: registro %s sin material privado", ErrMalformedKey, r.KeyID)
	}
	return ParsePrivatePEM(r.Formats.PEM.Private)
}

// PublicJWK retorna el JWK público del registro.
func (r *KeyRecord) PublicJWK() JWK { return r.Formats.JWK.Public }

// KeyInfo es un KeyRecord con flags derivados para listados.
type KeyInfo struct {
	KeyRecord
	Active        bool `json:"active"`
	NeedsRotation bool `json:"needsRotation"`
	Expired       bool `json:"expired"`
}

// ListFilter filtra listados de claves; campo vacío = sin filtro.
type ListFilter struct {
	Algorithm Algorithm
	Status    KeyStatus
	Purpose   string
}

func (f ListFilter) matches(r *KeyRecord, now time.Time) bool {
	if f.Algorithm != "" && r.Algorithm != f.Algorithm {
		return false
	}
	if f.Status != "" {
		// "expired" nunca se persiste como status: se deriva del reloj.
		if f.Status == KeyExpired {
			if !r.IsExpired(now) {
				return false
			}
		} else if r.Status != f.Status {
			return false
		}
	}
	if f.Purpose != "" && r.Purpose != f.Purpose {
		return false
	}
	return true
}

// HealthReport resume el estado del keystore.
type HealthReport struct {
	Total            int         `json:"total"`
	Active           int         `json:"active"`
	Expired          int         `json:"expired"`
	NeedsRotation    int         `json:"needsRotation"`
	ActiveAlgorithms []Algorithm `json:"activeAlgorithms"`
	Recommendations  []string    `json:"recommendations,omitempty"`
}

// Healthy: hay al menos una clave activa utilizable y ninguna vencida.
func (h *HealthReport) Healthy() bool { return h.Active > 0 && h.Expired == 0 }
