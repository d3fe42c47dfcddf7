package dkim

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	msgauthdkim "github.com/emersion/go-msgauth/dkim"

	"asyncmail/email"
)

// Signer applies DKIM signatures to rendered messages before they reach
// the SMTP transport.
type Signer struct {
	domain     string
	selector   string
	key        crypto.Signer
	headerKeys []string
}

// Selector returns the configured DKIM selector string.
func (s *Signer) Selector() string {
	if s == nil {
		return ""
	}
	return s.selector
}

// Domain returns the configured DKIM signing domain, if any.
func (s *Signer) Domain() string {
	if s == nil {
		return ""
	}
	return s.domain
}

// Options selects the signing key and identity.
type Options struct {
	Selector   string `yaml:"selector"`
	Domain     string `yaml:"domain"`
	KeyPath    string `yaml:"key_path"`
	PrivateKey string `yaml:"private_key"`
}

// Enabled reports whether any DKIM option is set.
func (o Options) Enabled() bool {
	return o.Selector != "" || o.KeyPath != "" || o.PrivateKey != "" || o.Domain != ""
}

// OptionsFromEnv reads ASYNCMAIL_DKIM_SELECTOR, ASYNCMAIL_DKIM_DOMAIN,
// ASYNCMAIL_DKIM_KEY_PATH and ASYNCMAIL_DKIM_PRIVATE_KEY.
func OptionsFromEnv() Options {
	return Options{
		Selector:   strings.TrimSpace(os.Getenv("ASYNCMAIL_DKIM_SELECTOR")),
		Domain:     strings.TrimSpace(os.Getenv("ASYNCMAIL_DKIM_DOMAIN")),
		KeyPath:    strings.TrimSpace(os.Getenv("ASYNCMAIL_DKIM_KEY_PATH")),
		PrivateKey: os.Getenv("ASYNCMAIL_DKIM_PRIVATE_KEY"),
	}
}

// New builds a Signer. It returns nil, nil when opts are empty.
//
// The domain is optional: when empty, the sender's domain is used for each
// message.
func New(opts Options) (*Signer, error) {
	if !opts.Enabled() {
		return nil, nil
	}

	if opts.Selector == "" {
		return nil, fmt.Errorf("dkim: selector is required when enabling DKIM")
	}

	var pemData []byte
	switch {
	case opts.PrivateKey != "":
		pemData = []byte(opts.PrivateKey)
	case opts.KeyPath != "":
		data, err := os.ReadFile(opts.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("dkim: read private key: %w", err)
		}
		pemData = data
	default:
		return nil, fmt.Errorf("dkim: provide a key path or an inline private key")
	}

	key, err := parsePrivateKey(pemData)
	if err != nil {
		return nil, fmt.Errorf("dkim: parse private key: %w", err)
	}

	return &Signer{
		domain:   strings.ToLower(opts.Domain),
		selector: opts.Selector,
		key:      key,
		headerKeys: []string{
			"from",
			"to",
			"cc",
			"reply-to",
			"subject",
			"date",
			"mime-version",
			"content-type",
			"message-id",
		},
	}, nil
}

// Sign ensures the message carries a DKIM signature. When the message already includes
// a DKIM-Signature header it is left untouched.
func (s *Signer) Sign(message []byte, from string) ([]byte, error) {
	if s == nil || s.key == nil {
		return message, nil
	}
	if hasSignature(message) {
		return message, nil
	}

	domain := s.domain
	if domain == "" {
		domain = extractDomain(from)
	}
	if domain == "" {
		return nil, fmt.Errorf("dkim: unable to determine signing domain")
	}

	opts := &msgauthdkim.SignOptions{
		Domain:                 domain,
		Selector:               s.selector,
		Signer:                 s.key,
		HeaderCanonicalization: msgauthdkim.CanonicalizationRelaxed,
		BodyCanonicalization:   msgauthdkim.CanonicalizationRelaxed,
		HeaderKeys:             s.headerKeys,
	}

	var signed bytes.Buffer
	reader := bytes.NewReader(normalizeLineEndings(message))
	if err := msgauthdkim.Sign(&signed, reader, opts); err != nil {
		return nil, fmt.Errorf("dkim: signing failed: %w", err)
	}
	return signed.Bytes(), nil
}

func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			break
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			return key, nil
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			if signer, ok := key.(crypto.Signer); ok {
				return signer, nil
			}
			return nil, fmt.Errorf("unsupported private key type in PKCS#8 container")
		}
		pemData = rest
	}
	return nil, fmt.Errorf("no private key found in PEM data")
}

func extractDomain(address string) string {
	addr, err := email.ParseAddress(address)
	if err != nil {
		return ""
	}
	domain, err := email.Domain(addr)
	if err != nil {
		return ""
	}
	return domain
}

func hasSignature(message []byte) bool {
	upper := bytes.ToUpper(message)
	return bytes.Contains(upper, []byte("\nDKIM-SIGNATURE:")) || bytes.HasPrefix(upper, []byte("DKIM-SIGNATURE:"))
}

func normalizeLineEndings(data []byte) []byte {
	if bytes.Contains(data, []byte("\r\n")) || !bytes.Contains(data, []byte("\n")) {
		return data
	}
	lines := bytes.Split(data, []byte{'\n'})
	return bytes.Join(lines, []byte("\r\n"))
}
