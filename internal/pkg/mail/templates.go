package mail

import (
	"bytes"
	"fmt"
	"html/template"
)

// Template names accepted in SEND_EMAIL jobs.
const (
	TemplateEnrollmentConfirmed = "enrollment_confirmed"
	TemplatePaymentFailed       = "payment_failed"
	TemplatePaymentReview       = "payment_review"
	TemplatePaymentRefunded     = "payment_refunded"
)

const layout = `<!DOCTYPE html><html><body style="font-family:sans-serif">{{template "content" .}}<p style="color:#888">CourseFox</p></body></html>`

var contents = map[string]string{
	TemplateEnrollmentConfirmed: `<h2>You're enrolled!</h2>
<p>Your payment of {{.amount}} {{.currency}} for <strong>{{.course_title}}</strong> was received.</p>
<p>Reference: {{.transaction_id}}</p>`,
	TemplatePaymentFailed: `<h2>Payment not completed</h2>
<p>Your payment for <strong>{{.course_title}}</strong> did not go through. You have not been charged.</p>
<p>Reference: {{.transaction_id}}</p>`,
	TemplatePaymentReview: `<h2>We received your payment</h2>
<p>Your payment for <strong>{{.course_title}}</strong> needs a quick manual check before access is granted. We will contact you shortly.</p>
<p>Reference: {{.transaction_id}}</p>`,
	TemplatePaymentRefunded: `<h2>Refund issued</h2>
<p>Your payment for <strong>{{.course_title}}</strong> was refunded.</p>
<p>Reference: {{.transaction_id}}</p>`,
}

var templates = func() map[string]*template.Template {
	out := make(map[string]*template.Template, len(contents))
	for name, body := range contents {
		t := template.Must(template.New(name).Option("missingkey=zero").Parse(layout))
		template.Must(t.New("content").Parse(body))
		out[name] = t
	}
	return out
}()

// HasTemplate reports whether name is a known email template.
func HasTemplate(name string) bool {
	_, ok := templates[name]
	return ok
}

// Render executes the named template with data.
func Render(name string, data map[string]string) (string, error) {
	t, ok := templates[name]
	if !ok {
		return "", fmt.Errorf("unknown email template %q", name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
