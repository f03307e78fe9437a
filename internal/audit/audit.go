// Package audit emite eventos estructurados del ciclo de vida de claves.
// Hoy la salida es el logger del proceso; el sink puede cambiar sin tocar
// los call sites.
package audit

import (
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/attestor/internal/observability/logger"
)

// Log registra un evento de auditoría con sus campos.
func Log(event string, fields map[string]any) {
	zf := make([]zap.Field, 0, len(fields)+2)
	zf = append(zf,
		zap.String("event", event),
		zap.String("ts", time.Now().UTC().Format(time.RFC3339Nano)),
	)
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	logger.Named("audit").Info("audit", zf...)
}
