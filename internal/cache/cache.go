// Package cache provee un cache TTL acotado para resultados derivados
// (JWKS serializado, payloads verificados). La corrección nunca depende
// de un hit: todo dato cacheado puede recalcularse desde disco.
package cache

import "time"

// Cache es la interfaz mínima que consumen los servicios.
type Cache interface {
	Get(k string) ([]byte, bool)
	Set(k string, v []byte, ttl time.Duration)
	Delete(k string)
}

// Config selecciona el backend.
type Config struct {
	Kind       string // "memory" | "redis"
	DefaultTTL time.Duration
	Redis      struct {
		Addr   string
		DB     int
		Prefix string
	}
}
