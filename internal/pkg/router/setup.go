package router

import (
	"github.com/gofiber/fiber/v2"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter registers every route group. Controllers must be initialized
// before, see cmd/coursefox.
func InstallRouter(app *fiber.App) {
	setup(app, NewSystemRouter(), NewPaymentRouter(newLimiterStorage()), NewWebhookRouter())
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
