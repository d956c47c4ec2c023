package http

import (
	"context"
	"net/http"
	"time"
)

func Start(addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	return srv.ListenAndServe()
}

// StartWithShutdown corre el server y dispara un apagado prolijo cuando el
// contexto se cancela. Los requests en vuelo tienen hasta grace para cerrar.
func StartWithShutdown(ctx context.Context, addr string, handler http.Handler, grace time.Duration) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
