package logger

import (
	"time"

	"go.uber.org/zap"
)

// Campos estándar del dominio de atestación. Usar estos helpers en lugar de
// zap.String directo mantiene los nombres de campo consistentes entre paquetes.

// KeyID crea un campo para el identificador de una clave (kid).
func KeyID(v string) zap.Field {
	return zap.String("key_id", v)
}

// Algorithm crea un campo para el algoritmo de firma.
func Algorithm(v string) zap.Field {
	return zap.String("algorithm", v)
}

// Artifact crea un campo para la ruta del artefacto atestado.
func Artifact(v string) zap.Field {
	return zap.String("artifact", v)
}

// OperationID crea un campo para el ID de la operación de generación.
func OperationID(v string) zap.Field {
	return zap.String("operation_id", v)
}

// Tool crea un campo para el nombre de una herramienta externa.
func Tool(v string) zap.Field {
	return zap.String("tool", v)
}

// Format crea un campo para el formato de atestación.
func Format(v string) zap.Field {
	return zap.String("format", v)
}

// Component crea un campo para el componente/módulo.
func Component(v string) zap.Field {
	return zap.String("component", v)
}

// Op crea un campo para la operación actual.
func Op(v string) zap.Field {
	return zap.String("op", v)
}

// Err crea un campo para un error.
func Err(err error) zap.Field {
	return zap.Error(err)
}

// Duration crea un campo para una duración.
func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}

// Count crea un campo para un conteo.
func Count(v int) zap.Field {
	return zap.Int("count", v)
}

// Path crea un campo para una ruta de archivo.
func Path(v string) zap.Field {
	return zap.String("path", v)
}

// String crea un campo string genérico.
func String(key, v string) zap.Field {
	return zap.String(key, v)
}

// Int crea un campo int genérico.
func Int(key string, v int) zap.Field {
	return zap.Int(key, v)
}

// Bool crea un campo bool genérico.
func Bool(key string, v bool) zap.Field {
	return zap.Bool(key, v)
}

// Any crea un campo genérico para cualquier tipo.
func Any(key string, v any) zap.Field {
	return zap.Any(key, v)
}
