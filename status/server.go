package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/RabbitLabs/dvbsc/internal/log"
)

const shutdownTimeout = 5 * time.Second

// Serve runs the HTTP server on l until ctx is done.
func Serve(ctx context.Context, l net.Listener, handler http.Handler) error {
	svr := &http.Server{
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		defer close(idleConnsClosed)
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := svr.Shutdown(shutdownCtx); err != nil {
			log.Sugar.Warnf("status: HTTP server shutdown: %s", err.Error())
		}
	}()

	log.Sugar.Infof("status: listening on %s", l.Addr())
	err := svr.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		<-idleConnsClosed
		return nil
	}
	return err
}

// ListenAndServe listens on addr and serves until ctx is done.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, l, handler)
}
