package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	"text/template"
	"time"

	"order-core/internal/models"

	"github.com/shopspring/decimal"
)

// MessageData is everything a notification template can reference
type MessageData struct {
	ShopName       string
	CustomerName   string
	CustomerEmail  string
	OrderNumber    string
	OrderDate      time.Time
	Status         models.OrderStatus
	PreviousStatus models.OrderStatus
	Reason         string
	PaymentMethod  models.PaymentMethod
	Items          []models.OrderItem
	Subtotal       decimal.Decimal
	Discount       decimal.Decimal
	Tax            decimal.Decimal
	Shipping       decimal.Decimal
	Total          decimal.Decimal
	Amount         decimal.Decimal
	TotalRefunded  decimal.Decimal
	TrackingNumber string
	Carrier        string
}

type messageTemplate struct {
	Subject string
	HTML    string
	Text    string
	SMS     string
}

var messageTemplates = map[models.NotificationKind]messageTemplate{
	models.NotifyOrderConfirmation: {
		Subject: "Order Confirmed - {{.OrderNumber}} - {{.ShopName}}",
		HTML:    orderConfirmationHTML,
		Text:    orderConfirmationText,
		SMS:     "{{.ShopName}}: order {{.OrderNumber}} is confirmed. Total {{money .Total}}.",
	},
	models.NotifyStatusChanged: {
		Subject: "Order Status Updated - {{.OrderNumber}}",
		HTML:    statusChangedHTML,
		Text:    statusChangedText,
		SMS:     "{{.ShopName}}: order {{.OrderNumber}} is now {{status .Status}}.",
	},
	models.NotifyRefund: {
		Subject: "Refund Processed - {{.OrderNumber}}",
		HTML:    refundHTML,
		Text:    refundText,
		SMS:     "{{.ShopName}}: {{money .Amount}} refunded for order {{.OrderNumber}}.",
	},
}

// Rendered holds every channel's body for one notification
type Rendered struct {
	Email Email
	SMS   string
}

// Renderer renders notification templates
type Renderer struct {
	text *template.Template
	html *htmltemplate.Template
}

// NewRenderer parses the built-in templates
func NewRenderer() (*Renderer, error) {
	text := template.New("notify").Funcs(template.FuncMap(funcMap))
	html := htmltemplate.New("notify").Funcs(htmltemplate.FuncMap(funcMap))

	for kind, t := range messageTemplates {
		key := string(kind)
		if _, err := text.New(key + "_subject").Parse(t.Subject); err != nil {
			return nil, fmt.Errorf("failed to parse subject template %s: %w", key, err)
		}
		if _, err := text.New(key + "_text").Parse(t.Text); err != nil {
			return nil, fmt.Errorf("failed to parse text template %s: %w", key, err)
		}
		if _, err := text.New(key + "_sms").Parse(t.SMS); err != nil {
			return nil, fmt.Errorf("failed to parse sms template %s: %w", key, err)
		}
		if _, err := html.New(key + "_html").Parse(t.HTML); err != nil {
			return nil, fmt.Errorf("failed to parse HTML template %s: %w", key, err)
		}
	}

	return &Renderer{text: text, html: html}, nil
}

// Render renders all bodies of a notification kind
func (r *Renderer) Render(kind models.NotificationKind, data *MessageData) (*Rendered, error) {
	if _, ok := messageTemplates[kind]; !ok {
		return nil, fmt.Errorf("unknown notification kind %q", kind)
	}
	key := string(kind)

	var subject, text, sms, html bytes.Buffer
	if err := r.text.ExecuteTemplate(&subject, key+"_subject", data); err != nil {
		return nil, fmt.Errorf("failed to render subject: %w", err)
	}
	if err := r.text.ExecuteTemplate(&text, key+"_text", data); err != nil {
		return nil, fmt.Errorf("failed to render text template: %w", err)
	}
	if err := r.text.ExecuteTemplate(&sms, key+"_sms", data); err != nil {
		return nil, fmt.Errorf("failed to render sms template: %w", err)
	}
	if err := r.html.ExecuteTemplate(&html, key+"_html", data); err != nil {
		return nil, fmt.Errorf("failed to render HTML template: %w", err)
	}

	return &Rendered{
		Email: Email{
			To:      data.CustomerEmail,
			Subject: subject.String(),
			Text:    text.String(),
			HTML:    html.String(),
		},
		SMS: sms.String(),
	}, nil
}

var funcMap = map[string]interface{}{
	"money": func(d decimal.Decimal) string {
		return "Rs. " + d.StringFixed(2)
	},
	"status": humanizeStatus,
	"formatDate": func(t time.Time) string {
		return t.Format("January 2, 2006")
	},
	"positive": func(d decimal.Decimal) bool {
		return d.IsPositive()
	},
}

// humanizeStatus turns exchange_requested into Exchange Requested
func humanizeStatus(s models.OrderStatus) string {
	words := strings.Split(string(s), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

const orderConfirmationText = `Thank you for your order, {{.CustomerName}}!

Order: {{.OrderNumber}}
Placed: {{formatDate .OrderDate}}
Payment: {{.PaymentMethod}}

Items:
{{range .Items}}- {{.ProductName}}{{if .Size}} ({{.Size}}{{if .Color}}, {{.Color}}{{end}}){{end}} x {{.Quantity}}: {{money .TotalPrice}}
{{end}}
Subtotal: {{money .Subtotal}}
{{if positive .Discount}}Discount: -{{money .Discount}}
{{end}}Tax: {{money .Tax}}
Shipping: {{money .Shipping}}
Total: {{money .Total}}

Thank you for choosing {{.ShopName}}!
`

const orderConfirmationHTML = `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #333;">
  <h2>Thank you for your order, {{.CustomerName}}!</h2>
  <p>Order <strong>{{.OrderNumber}}</strong> placed on {{formatDate .OrderDate}}.</p>
  <table style="width: 100%; border-collapse: collapse;">
    {{range .Items}}
    <tr>
      <td>{{.ProductName}}{{if .Size}} ({{.Size}}{{if .Color}}, {{.Color}}{{end}}){{end}}</td>
      <td>x {{.Quantity}}</td>
      <td style="text-align: right;">{{money .TotalPrice}}</td>
    </tr>
    {{end}}
  </table>
  <p>Subtotal: {{money .Subtotal}}<br>
  {{if positive .Discount}}Discount: -{{money .Discount}}<br>{{end}}
  Tax: {{money .Tax}}<br>
  Shipping: {{money .Shipping}}<br>
  <strong>Total: {{money .Total}}</strong></p>
  <p>Thank you for choosing {{.ShopName}}!</p>
</body>
</html>`

const statusChangedText = `Hello {{.CustomerName}},

The status of your order {{.OrderNumber}} has been updated.

Previous status: {{status .PreviousStatus}}
New status: {{status .Status}}
{{if .Reason}}Note: {{.Reason}}
{{end}}{{if .TrackingNumber}}Tracking: {{.TrackingNumber}}{{if .Carrier}} ({{.Carrier}}){{end}}
{{end}}
Thank you for choosing {{.ShopName}}!
`

const statusChangedHTML = `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #333;">
  <h2>Order Status Updated</h2>
  <p>Hello {{.CustomerName}},</p>
  <p>The status of your order <strong>{{.OrderNumber}}</strong> has been updated.</p>
  <p>Previous status: {{status .PreviousStatus}}<br>
  New status: <strong>{{status .Status}}</strong></p>
  {{if .Reason}}<p>Note: {{.Reason}}</p>{{end}}
  {{if .TrackingNumber}}<p>Tracking: {{.TrackingNumber}}{{if .Carrier}} ({{.Carrier}}){{end}}</p>{{end}}
  <p>Thank you for choosing {{.ShopName}}!</p>
</body>
</html>`

const refundText = `Hello {{.CustomerName}},

We have refunded {{money .Amount}} for order {{.OrderNumber}}.
{{if .Reason}}Reason: {{.Reason}}
{{end}}Total refunded so far: {{money .TotalRefunded}}

The amount will reach your original payment method shortly.

Thank you for choosing {{.ShopName}}!
`

const refundHTML = `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #333;">
  <h2>Refund Processed</h2>
  <p>Hello {{.CustomerName}},</p>
  <p>We have refunded <strong>{{money .Amount}}</strong> for order {{.OrderNumber}}.</p>
  {{if .Reason}}<p>Reason: {{.Reason}}</p>{{end}}
  <p>Total refunded so far: {{money .TotalRefunded}}</p>
  <p>Thank you for choosing {{.ShopName}}!</p>
</body>
</html>`
