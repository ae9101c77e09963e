package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// DefaultCountryCode is prepended to numbers stored without one.
const DefaultCountryCode = "+977"

// TwilioProvider implements SMSProvider using the Twilio messages API.
type TwilioProvider struct {
	from   string
	client *twilio.RestClient
}

// NewTwilioProvider returns nil unless every credential is set.
func NewTwilioProvider(accountSID, authToken, from string) *TwilioProvider {
	if accountSID == "" || authToken == "" || from == "" {
		return nil
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioProvider{from: from, client: client}
}

// SendSMS sends body to the given number.
func (p *TwilioProvider) SendSMS(ctx context.Context, to, body string) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("twilio client not configured")
	}
	number := NormalizePhone(to)
	if number == "" {
		return fmt.Errorf("phone number is required")
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(number)
	params.SetFrom(p.from)
	params.SetBody(body)

	if _, err := p.client.Api.CreateMessage(params); err != nil {
		return fmt.Errorf("failed to send sms via twilio: %w", err)
	}
	return nil
}

// NormalizePhone strips spaces and dashes and adds the default country code
// when the number has none.
func NormalizePhone(phone string) string {
	cleaned := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(phone))
	if cleaned == "" {
		return ""
	}
	if strings.HasPrefix(cleaned, "+") {
		return cleaned
	}
	return DefaultCountryCode + cleaned
}
