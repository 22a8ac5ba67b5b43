package controllers

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/CourseFox/app/models"
	"github.com/ManuelReschke/CourseFox/internal/pkg/checkout"
	"github.com/ManuelReschke/CourseFox/internal/pkg/middleware"
)

// PaymentController exposes initiation, verification and status lookups for
// the authenticated user.
type PaymentController struct {
	checkout *checkout.Service
}

func NewPaymentController(svc *checkout.Service) *PaymentController {
	return &PaymentController{checkout: svc}
}

// Global instance, set during application bootstrap
var paymentController *PaymentController

func InitializePaymentController(svc *checkout.Service) {
	paymentController = NewPaymentController(svc)
}

func GetPaymentController() *PaymentController {
	if paymentController == nil {
		panic("PaymentController not initialized. Call InitializePaymentController() first.")
	}
	return paymentController
}

// HandleInitiate handles POST /payments/initiate.
func (pc *PaymentController) HandleInitiate(c *fiber.Ctx) error {
	var in checkout.InitiateInput
	if err := c.BodyParser(&in); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "bad_request", "invalid JSON body")
	}

	out, err := pc.checkout.Initiate(c.UserContext(), middleware.UserID(c), in)
	if err != nil {
		return respondError(c, err)
	}

	resp := fiber.Map{
		"paymentId":             out.PaymentID,
		"status":                out.Status,
		"providerTransactionId": out.ProviderTransactionID,
		"amount":                out.Amount.StringFixed(2),
		"currency":              out.Currency,
	}
	if strings.EqualFold(strings.TrimSpace(string(in.Provider)), string(models.PaymentProviderCard)) {
		resp["sessionId"] = out.ProviderTransactionID
	}
	if out.PaymentURL != "" {
		resp["paymentUrl"] = out.PaymentURL
	}
	return c.Status(fiber.StatusCreated).JSON(resp)
}

// HandleVerify handles POST /payments/verify. The HTTP status follows the
// payment status: 200 paid, 409 still pending, 402 failed. Only a
// settled payment answers with a 2xx.
func (pc *PaymentController) HandleVerify(c *fiber.Ctx) error {
	var in checkout.VerifyInput
	if err := c.BodyParser(&in); err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "bad_request", "invalid JSON body")
	}

	out, err := pc.checkout.Verify(c.UserContext(), middleware.UserID(c), in)
	if err != nil {
		return respondError(c, err)
	}

	payment := out.Payment
	resp := fiber.Map{
		"transactionId": payment.TransactionID(),
		"status":        payment.Status,
		"paidAt":        formatTimePtr(payment.PaidAt),
	}
	if out.Enrollment != nil {
		resp["enrollmentId"] = out.Enrollment.ID
	}

	status := fiber.StatusOK
	switch payment.Status {
	case models.PaymentStatusSuccess:
		resp["message"] = "Payment verified, you are enrolled"
		if out.Review != nil || payment.NeedsReview() {
			resp["message"] = "Payment received and is being reviewed"
		}
	case models.PaymentStatusPending:
		status = fiber.StatusConflict
		resp["message"] = "Payment is still pending"
	case models.PaymentStatusFailed:
		status = fiber.StatusPaymentRequired
		resp["message"] = "Payment failed"
	case models.PaymentStatusRefunded:
		resp["message"] = "Payment was refunded"
	}
	return c.Status(status).JSON(resp)
}

// HandleGetPayment handles GET /payments/:id.
func (pc *PaymentController) HandleGetPayment(c *fiber.Ctx) error {
	payment, err := pc.checkout.Payment(c.UserContext(), middleware.UserID(c), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"paymentId":             payment.ID,
		"courseId":              payment.CourseID,
		"provider":              payment.Provider,
		"providerTransactionId": payment.TransactionID(),
		"status":                payment.Status,
		"amount":                payment.Amount.StringFixed(2),
		"total":                 payment.Total.StringFixed(2),
		"currency":              payment.Currency,
		"underReview":           payment.NeedsReview(),
		"paidAt":                formatTimePtr(payment.PaidAt),
		"refundedAt":            formatTimePtr(payment.RefundedAt),
		"createdAt":             payment.CreatedAt.UTC().Format(time.RFC3339),
	})
}
