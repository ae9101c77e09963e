// Package notify delivers customer messages about orders by email and SMS.
package notify

import "context"

// Email is a rendered message ready for a provider
type Email struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// EmailProvider sends rendered emails
type EmailProvider interface {
	SendEmail(ctx context.Context, email *Email) error
}

// SMSProvider sends short text messages
type SMSProvider interface {
	SendSMS(ctx context.Context, to, body string) error
}
