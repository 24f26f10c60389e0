package alert

import (
	"context"

	"sentinel/pkg/capture"
)

// RichMessage is an email-shaped alert with attachments.
type RichMessage struct {
	To          string
	Subject     string
	Body        string
	Urgent      bool
	Attachments []capture.Artifact
}

// RichTransport delivers messages with attachments.
type RichTransport interface {
	SendRich(ctx context.Context, msg RichMessage) error
}

// TextTransport delivers short text messages.
type TextTransport interface {
	SendText(ctx context.Context, to, body string) error
}
