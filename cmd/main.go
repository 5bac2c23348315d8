package main

import (
	"context"
	"net/http"
	_ "time/tzdata"

	"github.com/gorilla/mux"
	cron "github.com/robfig/cron/v3"
	"github.com/rs/cors"
	"github.com/sendgrid/sendgrid-go"

	"github.com/populist/attestation-service/internal/app"
	"github.com/populist/attestation-service/internal/appattest"
	"github.com/populist/attestation-service/internal/config"
	"github.com/populist/attestation-service/internal/controllers"
	"github.com/populist/attestation-service/internal/middleware"
	"github.com/populist/attestation-service/internal/repositories"
	"github.com/populist/attestation-service/internal/routes"
	"github.com/populist/attestation-service/internal/services"
	"github.com/populist/attestation-service/internal/utils"
)

func main() {
	utils.InitLogger(config.AppName)
	cfg := config.LoadConfig()
	defer cfg.Close()

	application, err := app.NewApp(cfg)
	if err != nil {
		utils.Logger.Fatal("Failed to initialize attestation-service:", err)
	}
	defer application.Close()

	credRepo := repositories.NewDeviceCredentialRepository(application.DB)
	ledgerRepo := repositories.NewProcessedWebhookEventRepository(application.DB)
	verifRepo := repositories.NewIdentityVerificationRepository(application.DB)
	auditRepo := repositories.NewAdminAuditLogRepository(application.DB)
	rateLimitRepo := repositories.NewRateLimitRepository(application.DB)

	sgClient := sendgrid.NewSendClient(cfg.SendGridAPIKey)
	alertService := services.NewAlertService(cfg, sgClient)

	var verifierOpts []appattest.Option
	if cfg.LDFlag_ValidateAttestationCertChain {
		verifierOpts = append(verifierOpts, appattest.WithAppleRoots())
	}
	verifier := appattest.New(cfg.AppleTeamID, cfg.AppleBundleID, verifierOpts...)

	attestationService := services.NewAttestationService(cfg, verifier, credRepo, alertService)
	webhookService := services.NewWebhookEventService(cfg, ledgerRepo, verifRepo, alertService)
	adminService := services.NewAdminDeviceService(credRepo, auditRepo)
	rateLimiter := services.NewRateLimiterService(rateLimitRepo)
	cleanupService := services.NewRateLimitCleanupService(rateLimitRepo)

	attestationController := controllers.NewAttestationController(attestationService, rateLimiter)
	webhookController := controllers.NewVerificationWebhookController(webhookService)
	adminController := controllers.NewAdminDeviceController(adminService)
	healthController := controllers.NewHealthController(application)

	router := mux.NewRouter()

	// Public
	router.HandleFunc(routes.Health, healthController.HealthCheckHandler).Methods(http.MethodGet)
	router.HandleFunc(routes.AttestationRegister, attestationController.RegisterDeviceHandler).Methods(http.MethodPost)
	router.HandleFunc(routes.AttestationSecret, attestationController.DeviceSecretHandler).Methods(http.MethodPost)

	// Vendor webhook (HMAC-authenticated, no JWT)
	router.HandleFunc(routes.VerificationWebhook, webhookController.HandleWebhook).Methods(http.MethodPost)

	// Admin panel
	admin := router.PathPrefix(routes.AdminBase).Subrouter()
	admin.Use(middleware.AdminAuthMiddleware(cfg.AdminJWTPublicKey, cfg.AdminAllowedSubjects))
	admin.HandleFunc(routes.AdminDevices, adminController.ListDevicesHandler).Methods(http.MethodGet)
	admin.HandleFunc(routes.AdminRevokeDevice, adminController.RevokeDeviceHandler).Methods(http.MethodPost)

	c := cron.New()
	_, cronErr := c.AddFunc("0 3 * * *", func() {
		if e := cleanupService.CleanupDaily(context.Background()); e != nil {
			utils.Logger.WithError(e).Error("Scheduled rate-limit cleanup failed")
		}
	})
	if cronErr != nil {
		utils.Logger.WithError(cronErr).Fatal("Failed to schedule rate-limit cleanup cron")
	}
	c.Start()

	allowedOrigins := []string{cfg.AppUrl}
	if !cfg.LDFlag_CORSHighSecurity {
		allowedOrigins = append(allowedOrigins, utils.CORSLowSecurityAllowedOriginLocalhost)
	}

	co := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Platform", "X-Signature", "X-Timestamp", "ngrok-skip-browser-warning"},
		AllowCredentials: true,
	})

	utils.Logger.Infof("Starting %s on port: %s", cfg.AppName, cfg.AppPort)
	if err := http.ListenAndServe(":"+cfg.AppPort, co.Handler(router)); err != nil {
		utils.Logger.Fatal("attestation-service failed to start:", err)
	}
}
