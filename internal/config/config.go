package config

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/launchdarkly/go-sdk-common/v3/ldcontext"
	ld "github.com/launchdarkly/go-server-sdk/v7"

	"github.com/populist/attestation-service/internal/utils"
)

type Config struct {
	OrganizationName string
	AppName          string
	AppPort          string
	AppUrl           string
	UniqueRunNumber  string
	UniqueRunnerID   string

	// Database
	DBUrl string

	// External services
	SendGridAPIKey string

	// Device attestation
	AppleTeamID             string
	AppleBundleID           string
	AttestationMasterSecret []byte            // HKDF input keying material, never leaves this process
	ServiceAPIKeys          map[string]string // service name -> upstream API key

	// Webhook ingress
	WebhookSigningSecret string

	// Admin panel
	AdminJWTPublicKey    *rsa.PublicKey
	AdminAllowedSubjects []string

	// LaunchDarkly flags
	LDFlag_DoRealDeviceAttestation      bool
	LDFlag_ValidateAttestationCertChain bool
	LDFlag_UsingIsolatedSchema          bool
	LDFlag_SendgridFromEmail            string
	LDFlag_SendgridSandboxMode          bool
	LDFlag_CORSHighSecurity             bool
}

const (
	OrganizationName    = utils.OrganizationName
	LDConnectionTimeout = 5 * time.Second
)

// build-time overrides
var (
	AppName             string
	UniqueRunNumber     string
	UniqueRunnerID      string
	LDServerContextKey  string
	LDServerContextKind string
)

func LoadConfig() *Config {
	if AppName == "" {
		utils.Logger.Fatal("AppName ldflag missing")
	}
	if UniqueRunNumber == "" {
		utils.Logger.Fatal("UniqueRunNumber ldflag missing")
	}
	if UniqueRunnerID == "" {
		utils.Logger.Fatal("UniqueRunnerID ldflag missing")
	}
	if LDServerContextKey == "" || LDServerContextKind == "" {
		utils.Logger.Fatal("LD context ldflags missing")
	}

	utils.Logger.Info("Loading config for app: ", AppName)

	env := os.Getenv("ENV")
	if env == "" {
		utils.Logger.Fatal("ENV env var is missing")
	}
	appUrl := os.Getenv("APP_URL_FROM_ANYWHERE")
	if appUrl == "" {
		utils.Logger.Fatal("APP_URL_FROM_ANYWHERE env var is missing")
	}
	appPort := os.Getenv("APP_PORT")
	if appPort == "" {
		utils.Logger.Fatal("APP_PORT env var is missing")
	}

	client, err := utils.NewBWSSecretsClient()
	if err != nil {
		utils.Logger.WithError(err).Fatal("Failed to initialize BWSSecretsClient")
	}
	defer client.Close()

	appSecretsName := fmt.Sprintf("%s-%s", AppName, env)
	appSecrets, err := client.GetBWSSecrets(appSecretsName)
	if err != nil {
		utils.Logger.WithError(err).Fatal("Failed to fetch app secrets from BWS")
	}

	sharedSecretsName := fmt.Sprintf("shared-%s", env)
	sharedSecrets, err := client.GetBWSSecrets(sharedSecretsName)
	if err != nil {
		utils.Logger.WithError(err).Fatal("Failed to fetch shared secrets from BWS")
	}

	// App-specific secrets
	dbURL, ok := appSecrets["DB_URL"]
	if !ok || dbURL == "" {
		utils.Logger.Fatalf("DB_URL not found in BWS (%s)", appSecretsName)
	}
	ldSDKKey, ok := appSecrets["LD_SDK_KEY"]
	if !ok || ldSDKKey == "" {
		utils.Logger.Fatalf("LD_SDK_KEY not found in BWS (%s)", appSecretsName)
	}

	masterB64, ok := appSecrets["ATTESTATION_MASTER_SECRET_BASE64"]
	if !ok || masterB64 == "" {
		utils.Logger.Fatalf("ATTESTATION_MASTER_SECRET_BASE64 not found in BWS (%s)", appSecretsName)
	}
	masterSecret, err := base64.StdEncoding.DecodeString(masterB64)
	if err != nil || len(masterSecret) < 32 {
		utils.Logger.Fatal("ATTESTATION_MASTER_SECRET_BASE64 invalid, expect at least 32 bytes")
	}

	serviceKeysJSON, ok := appSecrets["SERVICE_API_KEYS_JSON"]
	if !ok || serviceKeysJSON == "" {
		utils.Logger.Fatalf("SERVICE_API_KEYS_JSON not found in BWS (%s)", appSecretsName)
	}
	serviceAPIKeys := map[string]string{}
	if err := json.Unmarshal([]byte(serviceKeysJSON), &serviceAPIKeys); err != nil {
		utils.Logger.WithError(err).Fatal("SERVICE_API_KEYS_JSON is not a valid JSON object")
	}
	if len(serviceAPIKeys) == 0 {
		utils.Logger.Fatal("SERVICE_API_KEYS_JSON contains no services")
	}

	webhookSecret, ok := appSecrets["WEBHOOK_SIGNING_SECRET"]
	if !ok || webhookSecret == "" {
		utils.Logger.Fatalf("WEBHOOK_SIGNING_SECRET not found in BWS (%s)", appSecretsName)
	}

	adminSubjectsRaw, ok := appSecrets["ADMIN_ALLOWED_SUBJECTS"]
	if !ok || adminSubjectsRaw == "" {
		utils.Logger.Fatalf("ADMIN_ALLOWED_SUBJECTS not found in BWS (%s)", appSecretsName)
	}
	var adminSubjects []string
	for _, s := range strings.Split(adminSubjectsRaw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			adminSubjects = append(adminSubjects, s)
		}
	}
	if len(adminSubjects) == 0 {
		utils.Logger.Fatal("ADMIN_ALLOWED_SUBJECTS contains no subjects")
	}

	// Required shared secrets
	appleTeamID, ok := sharedSecrets["APPLE_TEAM_ID"]
	if !ok || appleTeamID == "" {
		utils.Logger.Fatalf("APPLE_TEAM_ID not found in BWS (%s)", sharedSecretsName)
	}
	appleBundleID, ok := sharedSecrets["APPLE_BUNDLE_ID"]
	if !ok || appleBundleID == "" {
		utils.Logger.Fatalf("APPLE_BUNDLE_ID not found in BWS (%s)", sharedSecretsName)
	}

	sgAPIKey, ok := sharedSecrets["SENDGRID_API_KEY"]
	if !ok || sgAPIKey == "" {
		utils.Logger.Fatalf("SENDGRID_API_KEY not found in BWS (%s)", sharedSecretsName)
	}

	adminPubB64, ok := sharedSecrets["ADMIN_JWT_PUBLIC_KEY_BASE64"]
	if !ok || adminPubB64 == "" {
		utils.Logger.Fatalf("ADMIN_JWT_PUBLIC_KEY_BASE64 not found in BWS (%s)", sharedSecretsName)
	}
	adminPubPEM, _ := base64.StdEncoding.DecodeString(adminPubB64)
	if block, _ := pem.Decode(adminPubPEM); block == nil {
		utils.Logger.Fatal("Failed to decode PEM block for admin public key")
	}
	adminPubKey, err := jwt.ParseRSAPublicKeyFromPEM(adminPubPEM)
	if err != nil {
		utils.Logger.WithError(err).Fatal("Failed to parse admin RSA public key")
	}

	ldSDKKeyShared, ok := sharedSecrets["LD_SDK_KEY_SHARED"]
	if !ok || ldSDKKeyShared == "" {
		utils.Logger.Fatalf("LD_SDK_KEY_SHARED not found in BWS (%s)", sharedSecretsName)
	}

	ldClient, err := ld.MakeClient(ldSDKKey, LDConnectionTimeout)
	if err != nil {
		utils.Logger.WithError(err).Fatal("Failed to create LaunchDarkly client")
	}
	if !ldClient.Initialized() {
		ldClient.Close()
		utils.Logger.Fatal("LaunchDarkly client failed to initialize")
	}
	defer ldClient.Close()

	ctx := ldcontext.NewWithKind(ldcontext.Kind(LDServerContextKind), LDServerContextKey)

	usingIsolatedSchemaFlag, err := ldClient.BoolVariation("using_isolated_schema", ctx, false)
	if err != nil {
		utils.Logger.WithError(err).Fatal("Error retrieving using_isolated_schema flag")
	}
	utils.Logger.Debugf("using_isolated_schema flag: %t", usingIsolatedSchemaFlag)

	validateCertChainFlag, err := ldClient.BoolVariation("validate_attestation_cert_chain", ctx, true)
	if err != nil {
		utils.Logger.WithError(err).Fatal("Error retrieving validate_attestation_cert_chain flag")
	}
	utils.Logger.Debugf("validate_attestation_cert_chain flag: %t", validateCertChainFlag)

	// SendGrid from email
	sgFromFlag, err := ldClient.StringVariation("sendgrid_from_email", ctx, "")
	if err != nil {
		utils.Logger.WithError(err).Fatal("Error retrieving sendgrid_from_email flag")
	}
	utils.Logger.Debugf("sendgrid_from_email flag: %s", sgFromFlag)
	if sgFromFlag == "" {
		utils.Logger.Warn("sendgrid_from_email flag is empty, defaulting to no-reply@populist.app")
		sgFromFlag = "no-reply@populist.app"
	}

	sgSandboxFlag, err := ldClient.BoolVariation("sendgrid_sandbox_mode", ctx, false)
	if err != nil {
		utils.Logger.WithError(err).Fatal("Error retrieving sendgrid_sandbox_mode flag")
	}
	utils.Logger.Debugf("sendgrid_sandbox_mode flag: %t", sgSandboxFlag)

	// Org-wide flags live behind the shared LaunchDarkly project
	ldClientShared, err := ld.MakeClient(ldSDKKeyShared, LDConnectionTimeout)
	if err != nil {
		utils.Logger.WithError(err).Fatal("Failed to create shared LaunchDarkly client")
	}
	defer ldClientShared.Close()

	doRealDeviceAttestation, err := ldClientShared.BoolVariation("do_real_device_attestation", ctx, false)
	if err != nil {
		utils.Logger.WithError(err).Fatal("Error retrieving do_real_device_attestation flag")
	}
	utils.Logger.Debugf("do_real_device_attestation flag: %t", doRealDeviceAttestation)

	corsHighSecurityFlag, err := ldClientShared.BoolVariation("cors_high_security", ctx, false)
	if err != nil {
		utils.Logger.WithError(err).Fatal("Error retrieving cors_high_security flag")
	}
	utils.Logger.Debugf("cors_high_security flag: %t", corsHighSecurityFlag)

	return &Config{
		OrganizationName:                    OrganizationName,
		AppName:                             AppName,
		AppPort:                             appPort,
		AppUrl:                              appUrl,
		UniqueRunNumber:                     UniqueRunNumber,
		UniqueRunnerID:                      UniqueRunnerID,
		DBUrl:                               dbURL,
		SendGridAPIKey:                      sgAPIKey,
		AppleTeamID:                         appleTeamID,
		AppleBundleID:                       appleBundleID,
		AttestationMasterSecret:             masterSecret,
		ServiceAPIKeys:                      serviceAPIKeys,
		WebhookSigningSecret:                webhookSecret,
		AdminJWTPublicKey:                   adminPubKey,
		AdminAllowedSubjects:                adminSubjects,
		LDFlag_DoRealDeviceAttestation:      doRealDeviceAttestation,
		LDFlag_ValidateAttestationCertChain: validateCertChainFlag,
		LDFlag_UsingIsolatedSchema:          usingIsolatedSchemaFlag,
		LDFlag_SendgridFromEmail:            sgFromFlag,
		LDFlag_SendgridSandboxMode:          sgSandboxFlag,
		LDFlag_CORSHighSecurity:             corsHighSecurityFlag,
	}
}

func (c *Config) Close() {}
