package logger

import (
	"time"

	"go.uber.org/zap"
)

// =================================================================================
// CAMPOS ESTÁNDAR - HTTP
// =================================================================================

// RequestID crea un campo para el ID del request.
func RequestID(v string) zap.Field {
	return zap.String("request_id", v)
}

// Method crea un campo para el método HTTP.
func Method(v string) zap.Field {
	return zap.String("method", v)
}

// Path crea un campo para el path del request.
func Path(v string) zap.Field {
	return zap.String("path", v)
}

// Status crea un campo para el status code HTTP.
func Status(v int) zap.Field {
	return zap.Int("status", v)
}

// Duration crea un campo para la duración del request.
func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}

// ClientIP crea un campo para la IP del cliente.
func ClientIP(v string) zap.Field {
	return zap.String("client_ip", v)
}

// =================================================================================
// CAMPOS ESTÁNDAR - KEYRING
// =================================================================================

// KeyringID crea un campo para el ID del keyring.
func KeyringID(v string) zap.Field {
	return zap.String("keyring_id", v)
}

// Fingerprint crea un campo para el fingerprint de una clave.
func Fingerprint(v string) zap.Field {
	return zap.String("fingerprint", v)
}

// KeyID crea un campo para el key-id corto (16 hex).
func KeyID(v string) zap.Field {
	return zap.String("key_id", v)
}

// Kind crea un campo para el tipo de clave (public|private).
func Kind(v string) zap.Field {
	return zap.String("kind", v)
}

// Backend crea un campo para el backend criptográfico (engine|agent).
func Backend(v string) zap.Field {
	return zap.String("backend", v)
}

// Driver crea un campo para el driver de storage (fs|postgres|redis).
func Driver(v string) zap.Field {
	return zap.String("driver", v)
}

// Record crea un campo para el nombre de un record de storage.
func Record(v string) zap.Field {
	return zap.String("record", v)
}

// =================================================================================
// CAMPOS ESTÁNDAR - SISTEMA
// =================================================================================

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

// =================================================================================
// CAMPOS ESTÁNDAR - DATOS
// =================================================================================

// Count crea un campo para un conteo.
func Count(v int) zap.Field {
	return zap.Int("count", v)
}

// ID crea un campo genérico para un ID.
func ID(v string) zap.Field {
	return zap.String("id", v)
}

// Any crea un campo genérico para cualquier tipo.
func Any(key string, v any) zap.Field {
	return zap.Any(key, v)
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
