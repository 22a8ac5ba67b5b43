package constants

// Route constants shared by the router and the server bootstrap
const (
	PaymentsRoute       = "/payments"
	PaymentInitiatePath = "/initiate"
	PaymentVerifyPath   = "/verify"
	PaymentStatusPath   = "/:id"
	WebhooksRoute       = "/webhooks"
	StripeWebhookPath   = "/stripe"
	MobileMoneyCallback = "/mobile-money"
	JobsProcessRoute    = "/jobs/process"
	HealthRoute         = "/healthz"
	MetricsRoute        = "/metrics"
	DocsPath            = "docs"
)
