package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// RouteRegistrar es lo único que el router necesita saber de los handlers.
// Evita que este paquete importe internal/http/handlers (y viceversa).
type RouteRegistrar interface {
	Register(r chi.Router)
}

// RouterConfig arma la cadena de middlewares y los endpoints operativos.
type RouterConfig struct {
	// AuthToken protege todo menos /readyz y /metrics. Vacío = API abierta.
	AuthToken          string
	CORSAllowedOrigins []string
	// Ready chequea las dependencias (ping al storage). nil = siempre ok.
	Ready func(ctx context.Context) error
	// Metrics es el handler de /metrics; nil lo deja sin montar.
	Metrics http.Handler
}

// NewRouter monta los middlewares en el orden request-id → recover →
// metrics → logging → CORS, los endpoints operativos fuera del auth, y las
// rutas de cada registrar detrás del Bearer token.
func NewRouter(cfg RouterConfig, regs ...RouteRegistrar) http.Handler {
	r := chi.NewRouter()

	r.Use(WithRequestID)
	r.Use(WithRecover)
	r.Use(WithMetrics)
	r.Use(WithLogging)
	if len(cfg.CORSAllowedOrigins) > 0 {
		origins := cfg.CORSAllowedOrigins
		r.Use(func(next http.Handler) http.Handler { return WithCORS(next, origins) })
	}

	r.Get("/readyz", readyzHandler(cfg.Ready))
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Group(func(r chi.Router) {
		if cfg.AuthToken != "" {
			token := cfg.AuthToken
			r.Use(func(next http.Handler) http.Handler { return WithAuth(next, token) })
		}
		for _, reg := range regs {
			reg.Register(r)
		}
	})

	return r
}

func readyzHandler(ready func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				WriteError(w, http.StatusServiceUnavailable, "not_ready", err.Error(), 1503)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
