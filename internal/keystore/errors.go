package keystore

import "errors"

// Errores sentinel del ciclo de vida de claves. Los llamadores comparan con
// errors.Is; los mensajes son estables porque viajan en resultados de
// verificación.
var (
	ErrKeyNotFound          = errors.New("key_not_found")
	ErrNoActiveKey          = errors.New("no_active_signing_key")
	ErrKeyExpired           = errors.New("key_expired")
	ErrKeyNotActive         = errors.New("key_not_active")
	ErrUnsupportedAlgorithm = errors.New("unsupported_algorithm")
	ErrConfirmationRequired = errors.New("confirmation_required")
	ErrPermissionDenied     = errors.New("permission_denied")
	ErrMalformedKey         = errors.New("malformed_key")
)
