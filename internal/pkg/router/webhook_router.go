package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/CourseFox/app/controllers"
	"github.com/ManuelReschke/CourseFox/internal/pkg/constants"
)

// WebhookRouter serves provider notifications and internal job deliveries.
// Neither uses user auth; both authenticate the payload.
type WebhookRouter struct {
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	wc := controllers.GetWebhookController()
	webhooks := app.Group(constants.WebhooksRoute)
	webhooks.Post(constants.StripeWebhookPath, wc.HandleStripe)
	webhooks.Post(constants.MobileMoneyCallback, wc.HandleMobileMoney)

	app.Post(constants.JobsProcessRoute, controllers.GetJobController().HandleProcess)
}

func NewWebhookRouter() *WebhookRouter {
	return &WebhookRouter{}
}

type SystemRouter struct {
}

func (h SystemRouter) InstallRouter(app *fiber.App) {
	app.Get(constants.HealthRoute, controllers.GetHealthController().HandleHealth)
}

func NewSystemRouter() *SystemRouter {
	return &SystemRouter{}
}
