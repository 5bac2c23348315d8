package services

import (
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/populist/attestation-service/internal/config"
	"github.com/populist/attestation-service/internal/utils"
)

// AlertService sends internal notifications for security-relevant events.
// A nil receiver or nil SendGrid client disables sending, so tests and
// local runs do not need mail credentials.
type AlertService struct {
	cfg            *config.Config
	sendgridClient *sendgrid.Client
}

func NewAlertService(cfg *config.Config, sg *sendgrid.Client) *AlertService {
	return &AlertService{cfg: cfg, sendgridClient: sg}
}

// SendReplayAlert notifies the team that a device presented a counter at
// or below its stored value. A burst of these for one key usually means
// the key material has been cloned.
func (s *AlertService) SendReplayAlert(keyID string, presented, stored uint32) {
	subject := "[Attestation] Replay detected"
	body := fmt.Sprintf(
		"Device %s presented assertion counter %d but the stored counter is %d. "+
			"The request was denied. Repeated replays for the same key suggest cloned key material; "+
			"consider revoking the device.",
		keyID, presented, stored,
	)
	s.send(subject, body)
}

// SendWebhookApplyFailureAlert notifies the team that a verified webhook
// event could not be applied. The sender will retry, but someone should
// look at why the write failed.
func (s *AlertService) SendWebhookApplyFailureAlert(eventID string, applyErr error) {
	subject := "[Webhook] Verification event apply failed"
	body := fmt.Sprintf(
		"Verification event %s passed authenticity checks but the business update failed: %v. "+
			"A 500 was returned so the vendor retries delivery.",
		eventID, applyErr,
	)
	s.send(subject, body)
}

func (s *AlertService) send(subject, plainText string) {
	if s == nil || s.sendgridClient == nil {
		return
	}

	from := mail.NewEmail(s.cfg.OrganizationName, s.cfg.LDFlag_SendgridFromEmail)
	to := mail.NewEmail("Populist Dev Team", "dev@populist.app")
	htmlContent := fmt.Sprintf("<p>%s</p>", plainText)

	msg := mail.NewSingleEmail(from, subject, to, plainText, htmlContent)
	if s.cfg.LDFlag_SendgridSandboxMode {
		ms := mail.NewMailSettings()
		ms.SetSandboxMode(mail.NewSetting(true))
		msg.MailSettings = ms
	}

	_, err := s.sendgridClient.Send(msg)
	if err != nil {
		utils.Logger.WithError(err).Errorf("Failed to send alert email: %s", subject)
	} else {
		utils.Logger.Infof("Sent alert email: %s", subject)
	}
}
