// Package smtp sends campaign email through a plain SMTP relay.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"mailsched/internal/transport"
)

type Sender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string

	// InsecureSkipVerify disables certificate checks on STARTTLS (local relays only).
	InsecureSkipVerify bool
	// Now stamps the Date header; defaults to time.Now.
	Now func() time.Time
}

func (s *Sender) Send(ctx context.Context, m transport.Message) (transport.Result, error) {
	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return transport.Result{}, transport.Failure("dial", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	c, err := smtp.NewClient(conn, s.Host)
	if err != nil {
		_ = conn.Close()
		return transport.Result{}, failure(err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.Host, InsecureSkipVerify: s.InsecureSkipVerify}); err != nil {
			return transport.Result{}, failure(err)
		}
	}
	if s.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", s.Username, s.Password, s.Host)); err != nil {
			return transport.Result{}, failure(err)
		}
	}

	if err := c.Mail(bareAddress(s.From)); err != nil {
		return transport.Result{}, failure(err)
	}
	if err := c.Rcpt(m.To); err != nil {
		return transport.Result{}, failure(err)
	}
	w, err := c.Data()
	if err != nil {
		return transport.Result{}, failure(err)
	}
	if _, err := w.Write(s.compose(m)); err != nil {
		return transport.Result{}, failure(err)
	}
	if err := w.Close(); err != nil {
		return transport.Result{}, failure(err)
	}
	_ = c.Quit()

	return transport.Result{ProviderResponse: "smtp:" + messageID(m)}, nil
}

func (s *Sender) compose(m transport.Message) []byte {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	to := m.To
	if m.ToName != "" {
		to = transport.FormatAddress(m.ToName, m.To)
	}
	ctype := "text/plain"
	if transport.IsHTML(m.Body) {
		ctype = "text/html"
	}

	var b bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&b, "%s: %s\r\n", k, v) }
	header("From", s.From)
	header("To", to)
	header("Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	header("Date", now().Format(time.RFC1123Z))
	header("Message-ID", messageID(m))
	header("MIME-Version", "1.0")
	header("Content-Type", ctype+"; charset=UTF-8")
	header("Content-Transfer-Encoding", "8bit")
	if m.CampaignID != "" {
		header("X-Campaign-ID", m.CampaignID)
	}
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(m.Body, "\r\n", "\n"), "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}

func messageID(m transport.Message) string {
	return "<" + m.DispatchID + "@mailsched>"
}

// bareAddress strips a display name from "Name <addr>".
func bareAddress(from string) string {
	if i := strings.LastIndex(from, "<"); i >= 0 {
		return strings.TrimSuffix(from[i+1:], ">")
	}
	return from
}

func failure(err error) error {
	var te *textproto.Error
	if errors.As(err, &te) {
		return transport.Failure(strconv.Itoa(te.Code), err)
	}
	return transport.Failure("smtp", err)
}
