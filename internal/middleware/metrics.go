package middleware

import (
	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
)

var prom *fiberprometheus.FiberPrometheus

// InitMetrics creates the HTTP request collectors for serviceName.
func InitMetrics(serviceName string) {
	if prom == nil {
		prom = fiberprometheus.New(serviceName)
	}
}

// RegisterMetricsRoute mounts the Prometheus scrape endpoint at path.
func RegisterMetricsRoute(app *fiber.App, path string) {
	InitMetrics("webchat-api")
	prom.RegisterAt(app, path)
}

// MetricsMiddleware records request counts and latencies.
func MetricsMiddleware() fiber.Handler {
	InitMetrics("webchat-api")
	return prom.Middleware
}
