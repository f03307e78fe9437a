// Package httpapi publica la superficie HTTP de solo lectura del servicio:
// JWKS para verificadores remotos, salud de claves y métricas.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dropDatabas3/attestor/internal/cache"
	"github.com/dropDatabas3/attestor/internal/keystore"
	"github.com/dropDatabas3/attestor/internal/observability/logger"
)

// jwksCacheTTL limita cuánto puede tardar en verse una rotación en el
// endpoint JWKS.
const jwksCacheTTL = 60 * time.Second

type Server struct {
	keys  *keystore.Store
	cache cache.Cache
	log   *zap.Logger
}

// New arma el servidor. cache puede ser nil.
func New(ks *keystore.Store, c cache.Cache) *Server {
	return &Server{keys: ks, cache: c, log: logger.Named("httpapi")}
}

// Router arma el mux chi con todas las rutas.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/.well-known/jwks.json", s.handleJWKS)
	r.Get("/v1/keys/health", s.handleKeyHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// Start bloquea sirviendo en addr.
func (s *Server) Start(addr string) error {
	s.log.Info("http escuchando", logger.String("addr", addr))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": desc,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleJWKS publica las claves públicas activas y rotadas. Las revocadas
// no salen: un verificador remoto no debe aceptar firmas de una clave
// comprometida aunque existan atestaciones viejas firmadas con ella.
func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	const cacheKey = "jwks"
	if s.cache != nil {
		if raw, ok := s.cache.Get(cacheKey); ok {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Cache-Control", "public, max-age=60")
			_, _ = w.Write(raw)
			return
		}
	}

	set, err := s.keys.JWKSet()
	if err != nil {
		s.log.Error("jwks", logger.Err(err))
		writeError(w, http.StatusInternalServerError, "jwks_unavailable", "no se pudo armar el JWKS")
		return
	}
	raw, err := json.Marshal(set)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "jwks_unavailable", "no se pudo serializar el JWKS")
		return
	}
	if s.cache != nil {
		s.cache.Set(cacheKey, raw, jwksCacheTTL)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=60")
	_, _ = w.Write(raw)
}

func (s *Server) handleKeyHealth(w http.ResponseWriter, _ *http.Request) {
	report, err := s.keys.CheckKeyHealth()
	if err != nil {
		s.log.Error("key health", logger.Err(err))
		writeError(w, http.StatusInternalServerError, "health_unavailable", "no se pudo evaluar la salud de claves")
		return
	}
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}
