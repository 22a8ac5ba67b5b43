package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	flog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/CourseFox/app/controllers"
	"github.com/ManuelReschke/CourseFox/app/repository"
	"github.com/ManuelReschke/CourseFox/internal/pkg/cache"
	"github.com/ManuelReschke/CourseFox/internal/pkg/checkout"
	"github.com/ManuelReschke/CourseFox/internal/pkg/constants"
	"github.com/ManuelReschke/CourseFox/internal/pkg/database"
	"github.com/ManuelReschke/CourseFox/internal/pkg/env"
	"github.com/ManuelReschke/CourseFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/CourseFox/internal/pkg/ledger"
	"github.com/ManuelReschke/CourseFox/internal/pkg/mail"
	"github.com/ManuelReschke/CourseFox/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/CourseFox/internal/pkg/provider"
	"github.com/ManuelReschke/CourseFox/internal/pkg/router"
	"github.com/ManuelReschke/CourseFox/internal/pkg/s3archive"
	"github.com/ManuelReschke/CourseFox/internal/pkg/security"
)

func main() {
	app, manager := NewApplication()

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
		if err := app.Listen(addr); err != nil {
			log.Fatal(err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	flog.Info("[Server] Shutting down...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		flog.Errorf("[Server] Shutdown: %v", err)
	}
	// in-flight requests are done; drain workers and flush counters
	manager.Stop()
	if err := cache.Close(); err != nil {
		flog.Errorf("[Server] Closing redis: %v", err)
	}
	flog.Info("[Server] Bye")
}

// NewApplication wires storage, providers, the job system and the HTTP
// routes. The returned manager is already started.
func NewApplication() (*fiber.App, *jobqueue.Manager) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	basePath := findBasePath()
	rdb := cache.GetClient()
	repos := repository.NewRepositories(database.GetDB())
	counters := counter.NewRegistry(counter.NewRedisSink(rdb))

	stripeProvider := provider.NewStripeProvider(provider.LoadStripeConfig())
	momoProvider := provider.NewMobileMoneyProvider(provider.LoadMobileMoneyConfig())
	providers := provider.NewRegistry(
		provider.NewCachedProvider(stripeProvider, rdb, provider.DefaultVerifyTTL),
		provider.NewCachedProvider(momoProvider, rdb, provider.DefaultVerifyTTL),
	)

	// JOBS
	signer := security.NewJobSignerFromEnv()
	dispatcher := jobqueue.NewDispatcher(counters)
	sink, err := jobqueue.NewSink(jobqueue.LoadConfig(), dispatcher, signer, rdb)
	if err != nil {
		panic(err)
	}

	l := ledger.New(repos, nil, sink, counters)
	svc := checkout.NewService(repos, l, providers, sink, checkout.Options{
		Sessions:        stripeProvider,
		ProviderTimeout: env.GetEnvSeconds("PROVIDER_TIMEOUT_SECONDS", 15*time.Second),
		Counters:        counters,
	})

	dispatcher.Register(jobqueue.JobTypeSendEmail, jobqueue.EmailHandler{Mailer: mail.NewMailerFromEnv()})
	dispatcher.Register(jobqueue.JobTypeArchiveWebhook, jobqueue.ArchiveHandler{Archiver: setupArchive()})
	dispatcher.Register(jobqueue.JobTypeVerifyPayment, jobqueue.VerifyHandler{Reverifier: svc, Timeout: time.Minute})

	manager := jobqueue.NewManager(jobqueue.LoadManagerConfig(), sink, l, counters)
	manager.Start()

	// CONTROLLERS
	controllers.InitializePaymentController(svc)
	controllers.InitializeWebhookController(svc, security.NewStripeVerifierFromEnv(), counters)
	controllers.InitializeJobController(dispatcher, signer)
	reports := map[string]controllers.ReporterFunc{}
	if q, ok := sink.(*jobqueue.Queue); ok {
		reports["jobQueue"] = func(ctx context.Context) (interface{}, error) { return q.Stats(ctx) }
	}
	controllers.InitializeHealthController(map[string]controllers.Pinger{
		"database": repos,
		"redis":    controllers.PingerFunc(cache.Ping),
	}, reports)

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName:   "CourseFox",
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get(constants.MetricsRoute, basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "admin"),
		},
	}), monitor.New())

	// SWAGGER / OPENAPI
	if basePath != "" {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/",
			FilePath: basePath + "docs/openapi.yml",
			Path:     constants.DocsPath,
		}))
	}

	// ROUTER
	router.InstallRouter(app)

	return app, manager
}

func findBasePath() string {
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/coursefox to project root
		"../../../", // Fallback
	}
	for _, path := range basePaths {
		if _, err := os.Stat(path + "docs/openapi.yml"); err == nil {
			return path
		}
	}
	flog.Warn("[Server] docs/openapi.yml not found, API docs disabled")
	return ""
}

// setupArchive returns nil when archiving is disabled; archive jobs are then
// acknowledged without upload.
func setupArchive() s3archive.Archiver {
	cfg, err := s3archive.LoadConfig()
	if err != nil {
		panic(err)
	}
	if !cfg.IsEnabled() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, err := s3archive.NewClient(ctx, cfg)
	if err != nil {
		panic(err)
	}
	if err := client.EnsureBucket(ctx); err != nil {
		flog.Errorf("[S3Archive] %v", err)
	}
	return client
}
