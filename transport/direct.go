package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-smtp"

	"asyncmail/email"
	"asyncmail/internal/audit"
	"asyncmail/internal/config"
	"asyncmail/tlsconfig"
)

var (
	mxLookup    = net.LookupMX
	smtpPort    = "25"
	deliverFunc = deliverHost
)

// Direct delivers straight to each recipient domain's MX hosts.
//
// Parameters: local_name, timeout, insecure_skip_verify and signer.
type Direct struct {
	opts   hostOptions
	signer Signer
}

type hostOptions struct {
	localName string
	timeout   time.Duration
	insecure  bool
}

// NewDirect builds a direct-to-MX connection.
func NewDirect(params Params) (Connection, error) {
	d := &Direct{opts: hostOptions{
		localName: params.String("local_name", config.Hostname()),
		timeout:   params.Duration("timeout", 30*time.Second),
		insecure:  params.Bool("insecure_skip_verify", false),
	}}
	if signer, ok := params["signer"].(Signer); ok {
		d.signer = signer
	}
	return d, nil
}

// Open is a no-op; each domain gets its own session.
func (d *Direct) Open(context.Context) error { return nil }

func (d *Direct) Close() error { return nil }

func (d *Direct) SendMessages(ctx context.Context, messages []*email.Message) (int, error) {
	sent := 0
	for _, m := range messages {
		env, err := newEnvelope(m, d.signer)
		if err != nil {
			return sent, err
		}
		if len(env.to) == 0 {
			continue
		}
		domains, groups, err := groupByDomain(env.to)
		if err != nil {
			return sent, err
		}
		for _, domain := range domains {
			if err := d.deliverDomain(ctx, domain, env.from, groups[domain], env.data); err != nil {
				return sent, err
			}
		}
		sent++
	}
	return sent, nil
}

func (d *Direct) deliverDomain(ctx context.Context, domain, from string, to []string, data []byte) error {
	records, err := ResolveMX(domain)
	if err != nil {
		return fmt.Errorf("MX lookup failed for %s: %w", domain, err)
	}
	if len(records) == 0 {
		return fmt.Errorf("MX lookup failed for %s: no MX records", domain)
	}
	var lastErr error
	for _, mx := range records {
		err := deliverFunc(ctx, mx.Host, from, to, data, d.opts)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("delivery to %s failed: %w", domain, lastErr)
}

// groupByDomain keeps the first-seen domain order.
func groupByDomain(rcpts []string) ([]string, map[string][]string, error) {
	var order []string
	groups := make(map[string][]string)
	for _, rcpt := range rcpts {
		domain, err := email.Domain(rcpt)
		if err != nil {
			return nil, nil, fmt.Errorf("recipient %q: %w", rcpt, err)
		}
		if _, seen := groups[domain]; !seen {
			order = append(order, domain)
		}
		groups[domain] = append(groups[domain], rcpt)
	}
	return order, groups, nil
}

// ResolveMX returns the MX records for domain, lowest preference first.
// Hosts sharing a preference are shuffled.
func ResolveMX(domain string) ([]*net.MX, error) {
	records, err := mxLookup(domain)
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})

	for i := 0; i < len(records); {
		j := i + 1
		for j < len(records) && records[j].Pref == records[i].Pref {
			j++
		}
		rand.Shuffle(j-i, func(a, b int) {
			records[i+a], records[i+b] = records[i+b], records[i+a]
		})
		i = j
	}

	for _, mx := range records {
		mx.Host = strings.TrimSuffix(mx.Host, ".")
	}
	return records, nil
}

func deliverHost(ctx context.Context, host, from string, to []string, data []byte, opts hostOptions) error {
	client, err := openHost(ctx, host, opts)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.SendMail(from, to, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if err := client.Quit(); err != nil {
		return fmt.Errorf("quit: %w", err)
	}
	return nil
}

// openHost greets host in plaintext and reconnects through STARTTLS when the
// host advertises it. A failed upgrade falls back to a plaintext session.
func openHost(ctx context.Context, host string, opts hostOptions) (*smtp.Client, error) {
	addr := net.JoinHostPort(host, smtpPort)
	client, err := greetHost(ctx, addr, opts, nil)
	if err != nil {
		return nil, err
	}
	if ok, _ := client.Extension("STARTTLS"); !ok {
		return client, nil
	}
	tlsConf, err := tlsconfig.Client(host, opts.insecure)
	if err != nil {
		client.Close()
		return nil, err
	}
	_ = client.Quit()

	secure, err := greetHost(ctx, addr, opts, tlsConf)
	if err == nil {
		return secure, nil
	}
	audit.Logger().Warn("starttls failed, delivering in plaintext", "host", host, "err", err)
	return greetHost(ctx, addr, opts, nil)
}

func greetHost(ctx context.Context, addr string, opts hostOptions, tlsConf *tls.Config) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: opts.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if opts.timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(4 * opts.timeout)); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set deadline: %w", err)
		}
	}

	var client *smtp.Client
	if tlsConf != nil {
		if client, err = smtp.NewClientStartTLS(conn, tlsConf); err != nil {
			return nil, fmt.Errorf("starttls: %w", err)
		}
	} else {
		client = smtp.NewClient(conn)
	}
	if err := client.Hello(opts.localName); err != nil {
		client.Close()
		return nil, fmt.Errorf("helo: %w", err)
	}
	return client, nil
}
