package smtp

import (
	"context"
	"errors"
	"io"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailsched/internal/domain"
	"mailsched/internal/transport"
)

type session struct {
	from string
	rcpt string
	data string
}

// fakeRelay accepts one SMTP session and reports what it saw.
func fakeRelay(t *testing.T, rejectRcpt bool) (port int, got <-chan session) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	out := make(chan session, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		tp := textproto.NewConn(conn)
		var s session
		_ = tp.PrintfLine("220 localhost ESMTP")
		for {
			line, err := tp.ReadLine()
			if err != nil {
				out <- s
				return
			}
			cmd := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
			switch cmd {
			case "EHLO", "HELO":
				_ = tp.PrintfLine("250 localhost")
			case "MAIL":
				s.from = line
				_ = tp.PrintfLine("250 ok")
			case "RCPT":
				s.rcpt = line
				if rejectRcpt {
					_ = tp.PrintfLine("550 no such user")
					continue
				}
				_ = tp.PrintfLine("250 ok")
			case "DATA":
				_ = tp.PrintfLine("354 go ahead")
				b, _ := io.ReadAll(tp.DotReader())
				s.data = string(b)
				_ = tp.PrintfLine("250 queued")
			case "QUIT":
				_ = tp.PrintfLine("221 bye")
				out <- s
				return
			default:
				_ = tp.PrintfLine("250 ok")
			}
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, out
}

func TestSendDeliversMessage(t *testing.T) {
	port, got := fakeRelay(t, false)
	s := &Sender{
		Host: "127.0.0.1", Port: port, From: "Team <team@example.com>",
		Now: func() time.Time { return time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC) },
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.Send(ctx, transport.Message{
		DispatchID: "dsp_1", CampaignID: "cmp_1",
		To: "ana@example.com", ToName: "Ana",
		Subject: "Olá Ana", Body: "Hi Ana\nsee you",
	})
	require.NoError(t, err)
	assert.Equal(t, "smtp:<dsp_1@mailsched>", res.ProviderResponse)

	sess := <-got
	assert.Contains(t, sess.from, "<team@example.com>")
	assert.Contains(t, sess.rcpt, "<ana@example.com>")
	assert.Contains(t, sess.data, "To: \"Ana\" <ana@example.com>")
	assert.Contains(t, sess.data, "Subject: =?utf-8?q?Ol=C3=A1_Ana?=")
	assert.Contains(t, sess.data, "Content-Type: text/plain; charset=UTF-8")
	assert.Contains(t, sess.data, "X-Campaign-ID: cmp_1")
	assert.Contains(t, sess.data, "Hi Ana\nsee you")
}

func TestSendRejectedRecipient(t *testing.T) {
	port, _ := fakeRelay(t, true)
	s := &Sender{Host: "127.0.0.1", Port: port, From: "team@example.com"}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.Send(ctx, transport.Message{DispatchID: "dsp_2", To: "ghost@example.com"})
	var te *domain.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "550", te.Code)
}

func TestSendDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	s := &Sender{Host: "127.0.0.1", Port: port, From: "team@example.com"}
	_, err = s.Send(context.Background(), transport.Message{To: "a@example.com"})
	var te *domain.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "dial", te.Code)
}

func TestBareAddress(t *testing.T) {
	assert.Equal(t, "team@example.com", bareAddress("Team <team@example.com>"))
	assert.Equal(t, "team@example.com", bareAddress("team@example.com"))
}
