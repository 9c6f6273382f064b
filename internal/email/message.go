// Package email defines the message values shared by the composer, the
// delivery backends and the local sink.
package email

// Email is the parsed view of a received or rendered message.
type Email struct {
	From        string
	To          []string
	Cc          []string
	Subject     string
	Date        string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
	RawHeaders  map[string][]string
	MessageID   string
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}
