package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Métricas Prometheus del subsistema de atestación. Viven en un paquete
// standalone para evitar ciclos de import entre keystore, attest y HTTP.

var (
	KeysGenerated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attestor_keys_generated_total",
		Help: "Claves generadas por algoritmo",
	}, []string{"algorithm"})

	KeysRotated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attestor_keys_rotated_total",
		Help: "Rotaciones de clave por algoritmo (manuales y programadas)",
	}, []string{"algorithm"})

	KeysDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "attestor_keys_deleted_total",
		Help: "Claves eliminadas",
	})

	SignaturesIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attestor_signatures_issued_total",
		Help: "Firmas JWS emitidas por algoritmo",
	}, []string{"algorithm"})

	SignLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "attestor_sign_latency_ms",
		Help:    "Latencia de firma en milisegundos",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	Verifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attestor_verifications_total",
		Help: "Verificaciones por resultado (valid|invalid|error)",
	}, []string{"outcome"})

	CrossVerifyToolFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attestor_crossverify_tool_failures_total",
		Help: "Fallas de herramientas externas de cross-verificación (timeout|unavailable)",
	}, []string{"tool", "kind"})
)

// Register registra las métricas en el registry dado (o el default si es nil).
// Tolera AlreadyRegisteredError para permitir múltiples instancias bajo test.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	cs := []prometheus.Collector{
		KeysGenerated, KeysRotated, KeysDeleted,
		SignaturesIssued, SignLatency,
		Verifications, CrossVerifyToolFailures,
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
