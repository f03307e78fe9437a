package keystore

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dropDatabas3/attestor/internal/observability/logger"
)

// Rotator rota automáticamente las claves activas que entran en la ventana
// de aviso. Usa RotateKey, o sea la misma sección crítica que la rotación
// manual: no hay una segunda ruta de mutación de la tabla activa.
type Rotator struct {
	store *Store
	cron  *cron.Cron
	log   *zap.Logger
}

// NewRotator programa la rotación según un cron spec estándar
// (ej: "0 3 * * *" = todos los días a las 03:00).
func NewRotator(s *Store, schedule string) (*Rotator, error) {
	r := &Rotator{
		store: s,
		cron:  cron.New(),
		log:   logger.Named("rotator"),
	}
	if _, err := r.cron.AddFunc(schedule, r.tick); err != nil {
		return nil, fmt.Errorf("cron schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start arranca el scheduler en background.
func (r *Rotator) Start() { r.cron.Start() }

// Stop detiene el scheduler; espera a que termine un tick en curso.
func (r *Rotator) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// Tick ejecuta una pasada de rotación inmediata. Exportado para el CLI y
// para tests; el cron llama exactamente esta función.
func (r *Rotator) Tick() { r.tick() }

func (r *Rotator) tick() {
	infos, err := r.store.ListKeys(ListFilter{Status: KeyActive})
	if err != nil {
		r.log.Error("listado de claves falló", logger.Err(err))
		return
	}
	for _, ki := range infos {
		if !ki.Active || !ki.NeedsRotation {
			continue
		}
		next, err := r.store.RotateKey(ki.KeyID)
		if err != nil {
			r.log.Error("rotación automática falló",
				logger.KeyID(ki.KeyID), logger.Err(err))
			continue
		}
		r.log.Info("rotación automática",
			logger.KeyID(ki.KeyID),
			logger.String("rotated_to", next.KeyID),
			logger.Algorithm(string(ki.Algorithm)))
	}
}
