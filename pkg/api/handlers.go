// Package api serves the status endpoints of a running tap.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/irctrakz/passivetap/pkg/core"
	"github.com/irctrakz/passivetap/pkg/logging"
	"github.com/irctrakz/passivetap/pkg/metrics"
	"github.com/irctrakz/passivetap/pkg/passive"
	"github.com/irctrakz/passivetap/pkg/stack"
)

// StackStats is implemented by *stack.Stack.
type StackStats interface {
	Stats() stack.Stats
}

type Handlers struct {
	Workers []*passive.Worker
	Sources []core.PacketSource
	Stack   StackStats
	Metrics *metrics.Metrics
	Started time.Time

	// Gatherer backs the metrics endpoint. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

func (h *Handlers) Health(c *gin.Context) {
	running := 0
	for _, w := range h.Workers {
		select {
		case <-w.Done():
		default:
			running++
		}
	}
	status, code := "ok", http.StatusOK
	if running == 0 {
		status, code = "down", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":     status,
		"interfaces": running,
		"uptime":     time.Since(h.Started).Round(time.Second).String(),
	})
}

func (h *Handlers) GetStats(c *gin.Context) {
	out := gin.H{"status": "ok"}
	if h.Metrics != nil {
		out["connections"] = h.Metrics.Snapshot()
	}
	if h.Stack != nil {
		out["stack"] = h.Stack.Stats()
	}
	captures := make(map[string]core.CaptureMetrics, len(h.Sources))
	for _, s := range h.Sources {
		captures[s.Name()] = s.Metrics()
	}
	out["capture"] = captures
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) GetInterfaces(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	out := make([]passive.InterfaceStats, 0, len(h.Workers))
	for _, w := range h.Workers {
		st, err := w.Stats(ctx)
		if err != nil {
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": fmt.Sprintf("interface %s: %v", w.Interface().Name, err)})
			return
		}
		out = append(out, st)
	}
	c.JSON(http.StatusOK, out)
}

func RegisterRoutes(router *gin.Engine, h *Handlers, metricsPath string) {
	router.GET("/health", h.Health)
	router.GET("/api/stats", h.GetStats)
	router.GET("/api/interfaces", h.GetInterfaces)
	if metricsPath != "" {
		handler := promhttp.Handler()
		if h.Gatherer != nil {
			handler = promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{})
		}
		router.GET(metricsPath, gin.WrapH(handler))
	}
}

// RequestLogger logs each request at debug level.
func RequestLogger() gin.HandlerFunc {
	log := logging.WithComponent("api")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithField("status", c.Writer.Status()).
			WithField("took", time.Since(start)).
			Debugf("%s %s", c.Request.Method, c.Request.URL.Path)
	}
}

// NewRouter builds the engine with every route registered.
func NewRouter(h *Handlers, metricsPath string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger())
	RegisterRoutes(router, h, metricsPath)
	return router
}

// Serve runs the API on addr until ctx is done.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	logging.WithComponent("api").Infof("Status API listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status api: %w", err)
	}
	return nil
}
