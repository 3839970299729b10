package email

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
)

// Template names understood by SendTemplate.
const (
	TemplateAlertTriggered         = "alert_triggered"
	TemplateSubscriptionExpired    = "subscription_expired"
	TemplateSubscriptionSuspended  = "subscription_suspended"
	TemplateSubscriptionArchived   = "subscription_archived"
	TemplateSubscriptionReactivate = "subscription_reactivated"
	TemplatePaymentFailed          = "payment_failed"
)

var ErrUnknownTemplate = errors.New("unknown_email_template")

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

var defaultSubjects = map[string]string{
	TemplateAlertTriggered:         "Campaign alert triggered",
	TemplateSubscriptionExpired:    "Your subscription has expired",
	TemplateSubscriptionSuspended:  "Your account has been suspended",
	TemplateSubscriptionArchived:   "Your account data has been archived",
	TemplateSubscriptionReactivate: "Welcome back, your subscription is active",
	TemplatePaymentFailed:          "We could not process your payment",
}

// Render executes the named template and resolves its subject. A "subject"
// key in a map payload overrides the default.
func Render(templateName string, data interface{}) (string, string, error) {
	tmpl := templates.Lookup(templateName + ".html")
	if tmpl == nil {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownTemplate, templateName)
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, data); err != nil {
		return "", "", fmt.Errorf("failed to execute template: %w", err)
	}

	subject := defaultSubjects[templateName]
	if dataMap, ok := data.(map[string]interface{}); ok {
		if subj, ok := dataMap["subject"].(string); ok && subj != "" {
			subject = subj
		}
	}
	if subject == "" {
		subject = "Notification from AdOps"
	}
	return subject, body.String(), nil
}
