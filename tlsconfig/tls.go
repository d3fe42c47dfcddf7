package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Client returns the TLS configuration used when a transport talks to
// serverName. ASYNCMAIL_TLS_CA_FILE adds a PEM bundle of extra trusted roots.
func Client(serverName string, insecure bool) (*tls.Config, error) {
	conf := &tls.Config{
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecure,
	}
	caFile := os.Getenv("ASYNCMAIL_TLS_CA_FILE")
	if caFile == "" {
		return conf, nil
	}
	pemData, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("tls: read CA file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("tls: no certificates found in %s", caFile)
	}
	conf.RootCAs = pool
	return conf, nil
}
