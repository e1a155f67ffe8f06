package email

import (
	"io"
	"mime"

	"gopkg.in/gomail.v2"
)

// WriteTo renders the message as RFC 5322 text with a multipart/mixed body
// when attachments are present.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	// gomail leaves encoded body bytes out of its own count.
	cw := &countingWriter{w: w}
	_, err := m.compose().WriteTo(cw)
	return cw.n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// compose converts the message into a gomail message. Attachment content is
// served from memory, so rendering never touches the filesystem.
func (m *Message) compose() *gomail.Message {
	gm := gomail.NewMessage()
	gm.SetHeader("From", m.From)
	gm.SetHeader("To", m.To)
	gm.SetHeader("Subject", m.Subject)
	gm.SetBody("text/plain", m.Body)

	for _, att := range m.Attachments {
		content := att.Content
		params := map[string]string{"name": att.Filename}
		contentType := mime.FormatMediaType(att.ContentType, params)
		if contentType == "" {
			contentType = mime.FormatMediaType("application/octet-stream", params)
		}
		gm.Attach(att.Filename,
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(content)
				return err
			}),
			gomail.SetHeader(map[string][]string{"Content-Type": {contentType}}),
		)
	}

	return gm
}
