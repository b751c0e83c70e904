// Package ops exposes the local health and status endpoint each
// process serves for supervisors and debugging.
package ops

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Status is the live process state reported on /status.
type Status interface {
	Snapshot() map[string]any
}

// StatusFunc adapts a closure to Status.
type StatusFunc func() map[string]any

// Snapshot implements Status.
func (f StatusFunc) Snapshot() map[string]any { return f() }

// NewServer builds the ops HTTP server.
func NewServer(addr string, status Status) (*gin.Engine, *http.Server) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	started := time.Now().UTC()
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/status", func(c *gin.Context) {
		body := gin.H{
			"status":         "ok",
			"uptime_seconds": int64(time.Since(started).Seconds()),
		}
		if status != nil {
			for k, v := range status.Snapshot() {
				body[k] = v
			}
		}
		c.JSON(http.StatusOK, body)
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return r, srv
}

// Serve runs the server until the context is done, then shuts it down
// gracefully. A clean shutdown returns nil.
func Serve(ctx context.Context, log zerolog.Logger, srv *http.Server) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn().Err(err).Str("addr", srv.Addr).Msg("ops server stopped")
		return err
	}
	return nil
}
