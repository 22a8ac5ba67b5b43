package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

// Pinger is anything the health check can ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingerFunc func(ctx context.Context) error

func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// ReporterFunc adds a detail section, such as job queue depth, to the health
// response. A failing report does not degrade the status.
type ReporterFunc func(ctx context.Context) (interface{}, error)

// HealthController reports whether the database and Redis are reachable.
type HealthController struct {
	checks  map[string]Pinger
	reports map[string]ReporterFunc
}

func NewHealthController(checks map[string]Pinger, reports map[string]ReporterFunc) *HealthController {
	return &HealthController{checks: checks, reports: reports}
}

// HandleHealth handles GET /healthz.
func (hc *HealthController) HandleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	status := fiber.StatusOK
	result := fiber.Map{}
	for name, check := range hc.checks {
		if check == nil {
			continue
		}
		if err := check.Ping(ctx); err != nil {
			log.Errorf("[Health] %s unreachable: %v", name, err)
			result[name] = "down"
			status = fiber.StatusServiceUnavailable
			continue
		}
		result[name] = "up"
	}
	for name, report := range hc.reports {
		detail, err := report(ctx)
		if err != nil {
			log.Warnf("[Health] %s report failed: %v", name, err)
			continue
		}
		result[name] = detail
	}
	result["status"] = "ok"
	if status != fiber.StatusOK {
		result["status"] = "degraded"
	}
	return c.Status(status).JSON(result)
}

var healthController *HealthController

func InitializeHealthController(checks map[string]Pinger, reports map[string]ReporterFunc) {
	healthController = NewHealthController(checks, reports)
}

func GetHealthController() *HealthController {
	if healthController == nil {
		panic("HealthController not initialized. Call InitializeHealthController() first.")
	}
	return healthController
}
