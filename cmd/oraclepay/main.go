package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/oraclepay/app/controllers"
	"github.com/ManuelReschke/oraclepay/internal/pkg/billing"
	"github.com/ManuelReschke/oraclepay/internal/pkg/cache"
	"github.com/ManuelReschke/oraclepay/internal/pkg/database"
	"github.com/ManuelReschke/oraclepay/internal/pkg/entitlements"
	"github.com/ManuelReschke/oraclepay/internal/pkg/env"
	"github.com/ManuelReschke/oraclepay/internal/pkg/jobqueue"
	"github.com/ManuelReschke/oraclepay/internal/pkg/middleware"
	"github.com/ManuelReschke/oraclepay/internal/pkg/payment"
	"github.com/ManuelReschke/oraclepay/internal/pkg/router"
	"github.com/ManuelReschke/oraclepay/internal/pkg/secrets"
)

const shutdownTimeout = 15 * time.Second

func main() {
	app, manager := NewApplication()

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
		if err := app.Listen(addr); err != nil {
			log.Fatalf("[Server] listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("[Server] shutting down")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		log.Errorf("[Server] shutdown: %v", err)
	}
	manager.Stop()
}

// NewApplication wires configuration, storage, providers and routes.
func NewApplication() (*fiber.App, *jobqueue.Manager) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	basePath := findBasePath()

	secretCache := secrets.NewCache(newSecretStore(), env.GetEnvDuration("SECRET_CACHE_TTL", secrets.DefaultTTL))

	wechat := payment.NewWeChatMockProvider(
		payment.NewRedisWeChatOrderStore(cache.GetClient(), env.GetEnvDuration("WECHAT_ORDER_TTL", payment.WeChatOrderTTL)),
		secretCache,
	)
	zpay := payment.NewZPayProvider(env.GetEnv("ZPAY_BASE_URL", payment.ZPayDefaultURL), env.GetEnv("ZPAY_CHANNEL", "alipay"), secretCache, nil)
	creem := payment.NewCreemProvider(env.GetEnv("CREEM_BASE_URL", payment.CreemDefaultURL), secretCache, nil)
	paypal := payment.NewPayPalProvider(payPalBaseURL(), secretCache, nil)
	registry := payment.NewRegistry(paypal, zpay, wechat, creem)

	queue := jobqueue.NewQueue(cache.GetClient(), env.GetEnvInt("JOB_QUEUE_WORKERS", 2))
	queue.SetRetryDelay(env.GetEnvDuration("ENTITLEMENT_RETRY_DELAY", jobqueue.DefaultRetryDelay))

	db := database.GetDB()
	store := entitlements.NewStore(db)
	reconciler := billing.NewReconciler(billing.NewRepository(db), registry, store,
		billing.WithRetryEnqueuer(queue),
		billing.WithApplyRetry(env.GetEnvInt("ENTITLEMENT_APPLY_ATTEMPTS", billing.DefaultApplyAttempts), billing.DefaultApplyBackoff),
	)
	queue.RegisterEntitlementApply(reconciler)

	manager := jobqueue.NewManager(queue, reconciler, jobqueue.ManagerConfig{
		SweepInterval: env.GetEnvDuration("CAPTURED_SWEEP_INTERVAL", 0),
		SweepAge:      env.GetEnvDuration("CAPTURED_SWEEP_AGE", 0),
		SweepLimit:    env.GetEnvInt("CAPTURED_SWEEP_LIMIT", 0),
	})
	manager.Start()

	jwtSecret := env.GetEnv("AUTH_JWT_SECRET", "")
	if jwtSecret == "" {
		log.Warn("[Auth] AUTH_JWT_SECRET is empty, every bearer token will be rejected")
	}
	var verifierOpts []middleware.VerifierOption
	if iss := env.GetEnv("AUTH_JWT_ISSUER", ""); iss != "" {
		verifierOpts = append(verifierOpts, middleware.WithIssuer(iss))
	}

	guestKey := env.GetEnv("GUEST_UNLOCK_SIGNING_KEY", "")
	deps := router.Dependencies{
		Payments: controllers.NewPaymentController(reconciler, wechat, controllers.PaymentConfig{
			PublicBaseURL:  env.GetEnv("PUBLIC_BASE_URL", ""),
			PayPalClientID: env.GetEnv("PAYPAL_PUBLIC_CLIENT_ID", ""),
			PayPalEnv:      env.GetEnv("PAYPAL_ENV", "sandbox"),
			GuestUnlockKey: guestKey,
			AllowMockPay:   env.IsDev(),
			CallTimeout:    env.GetEnvDuration("PROVIDER_CALL_TIMEOUT", controllers.DefaultProviderCallTimeout),
		}),
		Entitlements:   controllers.NewEntitlementController(store),
		Webhooks:       controllers.NewWebhookController(reconciler, zpay, creem),
		GuestUnlock:    controllers.NewGuestUnlockController(guestKey),
		Verifier:       middleware.NewTokenVerifier(jwtSecret, verifierOpts...),
		LimiterStorage: cache.NewFiberStorage(env.GetEnvInt("LIMITER_CACHE_DB", 2)),
	}
	if pw := env.GetEnv("MONITOR_PASSWORD", ""); pw != "" {
		deps.MonitorUsers = map[string]string{env.GetEnv("MONITOR_USER", "admin"): pw}
	}

	app := fiber.New(fiber.Config{
		AppName:   "oraclepay",
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: basePath + "public/docs/v1/openapi.yml",
		Path:     "v1",
	}))

	// ROUTER
	router.InstallRouter(app, deps)

	log.Infof("[Server] providers: %s", strings.Join(registry.Names(), ", "))
	return app, manager
}

func newSecretStore() secrets.Store {
	if env.GetEnv("SECRET_STORE", "env") != "aws" {
		return secrets.EnvStore{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := secrets.NewAWSStoreFromEnv(ctx)
	if err != nil {
		log.Fatalf("[Secrets] aws secret store: %v", err)
	}
	return store
}

func payPalBaseURL() string {
	if u := env.GetEnv("PAYPAL_BASE_URL", ""); u != "" {
		return u
	}
	if env.GetEnv("PAYPAL_ENV", "sandbox") == "live" {
		return payment.PayPalLiveURL
	}
	return payment.PayPalSandboxURL
}

func findBasePath() string {
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/oraclepay to project root
		"../../../", // Fallback
	}
	for _, path := range basePaths {
		if _, err := os.Stat(path + "public/docs/v1/openapi.yml"); err == nil {
			return path
		}
	}
	panic("Could not find project root directory")
}
