package delivery

import (
	"context"
	"errors"
	"net"
	"net/textproto"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"mailpipe/tlsconfig"
)

const (
	defaultHeloName       = "localhost"
	defaultDialTimeout    = 30 * time.Second
	defaultSessionTimeout = 2 * time.Minute
)

// TransportOptions configures a Transport.
type TransportOptions struct {
	Port           int
	HeloName       string
	TLSMode        tlsconfig.Mode
	TLS            tlsconfig.Client
	Username       string
	Password       string
	DialTimeout    time.Duration
	SessionTimeout time.Duration
}

// Transport submits one message to one host per call. It never retries.
type Transport struct {
	port           string
	heloName       string
	tlsMode        tlsconfig.Mode
	tls            tlsconfig.Client
	username       string
	password       string
	dialTimeout    time.Duration
	sessionTimeout time.Duration
}

// NewTransport creates a Transport, filling zero options with defaults.
func NewTransport(opts TransportOptions) *Transport {
	if opts.Port == 0 {
		opts.Port = 25
	}
	if opts.HeloName == "" {
		opts.HeloName = defaultHeloName
	}
	if opts.TLSMode == "" {
		opts.TLSMode = tlsconfig.ModeOpportunistic
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = defaultSessionTimeout
	}
	return &Transport{
		port:           strconv.Itoa(opts.Port),
		heloName:       opts.HeloName,
		tlsMode:        opts.TLSMode,
		tls:            opts.TLS,
		username:       opts.Username,
		password:       opts.Password,
		dialTimeout:    opts.DialTimeout,
		sessionTimeout: opts.SessionTimeout,
	}
}

// Deliver performs MAIL/RCPT/DATA for one recipient on host. The first
// rejected step ends the exchange and its reply becomes the Outcome.
// Connection-level faults become the CodeTransportFailure sentinel.
func (t *Transport) Deliver(ctx context.Context, host, from, to string, data []byte) Outcome {
	addr := net.JoinHostPort(host, t.port)
	dialer := &net.Dialer{Timeout: t.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return TransportFailure("dial %s: %v", addr, err)
	}

	deadline := time.Now().Add(t.sessionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return TransportFailure("set deadline: %v", err)
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return outcomeFromError("greeting", err)
	}
	defer func() {
		_ = client.Reset()
		_ = client.Quit()
		_ = client.Close()
	}()

	if err := client.Hello(t.heloName); err != nil {
		return outcomeFromError("ehlo", err)
	}

	if t.tlsMode != tlsconfig.ModeNone {
		ok, _ := client.Extension("STARTTLS")
		switch {
		case ok:
			if err := client.StartTLS(t.tls.Config(host)); err != nil {
				return outcomeFromError("starttls", err)
			}
		case t.tlsMode == tlsconfig.ModeRequired:
			return TransportFailure("starttls: not offered by %s", host)
		}
	}

	if t.username != "" {
		if err := client.Auth(sasl.NewPlainClient("", t.username, t.password)); err != nil {
			return outcomeFromError("auth", err)
		}
	}

	if err := client.Mail(from, nil); err != nil {
		return outcomeFromError("mail from", err)
	}
	if err := client.Rcpt(to); err != nil {
		return outcomeFromError("rcpt to", err)
	}
	return sendData(client, data)
}

// sendData runs the DATA exchange on the client's text connection so the final
// reply the host sent becomes the Outcome.
func sendData(client *smtp.Client, payload []byte) Outcome {
	text := client.Text
	id, err := text.Cmd("DATA")
	if err != nil {
		return TransportFailure("data start: %v", err)
	}
	text.StartResponse(id)
	_, _, err = text.ReadResponse(354)
	text.EndResponse(id)
	if err != nil {
		return outcomeFromError("data start", err)
	}

	w := text.DotWriter()
	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return TransportFailure("data write: %v", err)
	}
	if err := w.Close(); err != nil {
		return TransportFailure("data write: %v", err)
	}
	code, msg, err := text.ReadResponse(2)
	if err != nil {
		return outcomeFromError("data close", err)
	}
	return Outcome{Code: code, Message: msg}
}

// outcomeFromError keeps the remote reply for SMTP rejections and maps
// everything else to the transport sentinel.
func outcomeFromError(stage string, err error) Outcome {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Code > 0 {
		return Outcome{Code: smtpErr.Code, Message: smtpErr.Message}
	}
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) && protoErr.Code > 0 {
		return Outcome{Code: protoErr.Code, Message: protoErr.Msg}
	}
	return TransportFailure("%s: %v", stage, err)
}
