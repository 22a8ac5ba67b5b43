package router

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/CourseFox/app/controllers"
	"github.com/ManuelReschke/CourseFox/internal/pkg/cache"
	"github.com/ManuelReschke/CourseFox/internal/pkg/constants"
	"github.com/ManuelReschke/CourseFox/internal/pkg/env"
	"github.com/ManuelReschke/CourseFox/internal/pkg/middleware"
)

// Redis database for limiter counters (cache uses DB 0)
const limiterRedisDB = 2

type PaymentRouter struct {
	storage fiber.Storage
}

// NewPaymentRouter rate limits /payments per user. With a nil storage the
// limiter counts in process memory only.
func NewPaymentRouter(storage fiber.Storage) *PaymentRouter {
	return &PaymentRouter{storage: storage}
}

func (r PaymentRouter) InstallRouter(app *fiber.App) {
	pc := controllers.GetPaymentController()
	payments := app.Group(constants.PaymentsRoute,
		middleware.RequireUserFromEnv(),
		limiter.New(limiter.Config{
			Max:        env.GetEnvInt("RATE_LIMIT_MAX", 30),
			Expiration: time.Minute,
			Storage:    r.storage,
			KeyGenerator: func(c *fiber.Ctx) string {
				return "payments:" + strconv.FormatUint(uint64(middleware.UserID(c)), 10)
			},
			LimitReached: func(c *fiber.Ctx) error {
				return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
					"error":   "too_many_requests",
					"message": "rate limit exceeded, slow down",
				})
			},
		}),
	)
	payments.Post(constants.PaymentInitiatePath, pc.HandleInitiate)
	payments.Post(constants.PaymentVerifyPath, pc.HandleVerify)
	payments.Get(constants.PaymentStatusPath, pc.HandleGetPayment)
}

func newLimiterStorage() fiber.Storage {
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if client := cache.GetClient(); client != nil {
		if h, p, err := net.SplitHostPort(client.Options().Addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := client.Options().Password; p != "" {
			password = p
		}
	}
	log.Infof("[Router] Rate limiter storage on redis %s:%d db %d", host, port, limiterRedisDB)
	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: limiterRedisDB,
		Reset:    false,
	})
}
