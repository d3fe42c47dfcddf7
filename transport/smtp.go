package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"asyncmail/email"
	"asyncmail/internal/config"
	"asyncmail/tlsconfig"
)

// Signer signs a rendered message; *dkim.Signer implements it.
type Signer interface {
	Sign(message []byte, from string) ([]byte, error)
}

// SMTP sends through a single relay over one connection per Open/Close.
//
// Parameters: host, port, username, password, use_tls (STARTTLS), use_ssl
// (implicit TLS), timeout, insecure_skip_verify, local_name and signer.
type SMTP struct {
	host      string
	port      int
	username  string
	password  string
	useTLS    bool
	useSSL    bool
	insecure  bool
	timeout   time.Duration
	localName string
	signer    Signer

	client *smtp.Client
}

// NewSMTP builds an SMTP relay connection.
func NewSMTP(params Params) (Connection, error) {
	s := &SMTP{
		host:      params.String("host", "localhost"),
		port:      params.Int("port", 25),
		username:  params.String("username", ""),
		password:  params.String("password", ""),
		useTLS:    params.Bool("use_tls", false),
		useSSL:    params.Bool("use_ssl", false),
		insecure:  params.Bool("insecure_skip_verify", false),
		timeout:   params.Duration("timeout", 30*time.Second),
		localName: params.String("local_name", config.Hostname()),
	}
	if s.useTLS && s.useSSL {
		return nil, errors.New("smtp: use_tls and use_ssl are mutually exclusive")
	}
	if signer, ok := params["signer"].(Signer); ok {
		s.signer = signer
	}
	return s, nil
}

// Addr returns the relay address.
func (s *SMTP) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

func (s *SMTP) Open(ctx context.Context) error {
	if s.client != nil {
		return nil
	}
	client, err := dialSMTP(ctx, s.Addr(), s.host, s.timeout, s.useSSL, s.useTLS, s.insecure)
	if err != nil {
		return err
	}
	if err := client.Hello(s.localName); err != nil {
		client.Close()
		return fmt.Errorf("smtp: helo: %w", err)
	}
	if s.username != "" {
		auth := sasl.NewPlainClient("", s.username, s.password)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return fmt.Errorf("smtp: authentication failed: %w", err)
		}
	}
	s.client = client
	return nil
}

func (s *SMTP) Close() error {
	if s.client == nil {
		return nil
	}
	client := s.client
	s.client = nil
	if err := client.Quit(); err != nil {
		_ = client.Close()
		return fmt.Errorf("smtp: quit: %w", err)
	}
	return nil
}

func (s *SMTP) SendMessages(_ context.Context, messages []*email.Message) (int, error) {
	if s.client == nil {
		return 0, ErrNotOpen
	}
	sent := 0
	for _, m := range messages {
		env, err := newEnvelope(m, s.signer)
		if err != nil {
			return sent, err
		}
		if len(env.to) == 0 {
			continue
		}
		if err := s.client.SendMail(env.from, env.to, bytes.NewReader(env.data)); err != nil {
			return sent, fmt.Errorf("smtp: send: %w", err)
		}
		sent++
	}
	return sent, nil
}

type envelope struct {
	from string
	to   []string
	data []byte
}

func newEnvelope(m *email.Message, signer Signer) (envelope, error) {
	from, err := email.ParseAddress(m.From)
	if err != nil {
		return envelope{}, fmt.Errorf("sender: %w", err)
	}
	to, err := email.Envelope(m.Recipients())
	if err != nil {
		return envelope{}, fmt.Errorf("recipient: %w", err)
	}
	data, err := m.Bytes()
	if err != nil {
		return envelope{}, err
	}
	if signer != nil {
		if data, err = signer.Sign(data, m.From); err != nil {
			return envelope{}, err
		}
	}
	return envelope{from: from, to: to, data: data}, nil
}

func dialSMTP(ctx context.Context, addr, serverName string, timeout time.Duration, implicitTLS, startTLS, insecure bool) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("smtp: dial %s: %w", addr, err)
	}

	var tlsConf *tls.Config
	if implicitTLS || startTLS {
		if tlsConf, err = tlsconfig.Client(serverName, insecure); err != nil {
			conn.Close()
			return nil, err
		}
	}

	var client *smtp.Client
	switch {
	case implicitTLS:
		client = smtp.NewClient(tls.Client(conn, tlsConf))
	case startTLS:
		if client, err = smtp.NewClientStartTLS(conn, tlsConf); err != nil {
			conn.Close()
			return nil, fmt.Errorf("smtp: starttls: %w", err)
		}
	default:
		client = smtp.NewClient(conn)
	}
	if timeout > 0 {
		client.CommandTimeout = timeout
		client.SubmissionTimeout = timeout
	}
	return client, nil
}
