package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asyncmail/email"
)

func stubMX(t *testing.T, lookup func(string) ([]*net.MX, error), deliver func(context.Context, string, string, []string, []byte, hostOptions) error) {
	t.Helper()
	originalLookup, originalDeliver := mxLookup, deliverFunc
	t.Cleanup(func() {
		mxLookup = originalLookup
		deliverFunc = originalDeliver
	})
	mxLookup = lookup
	if deliver != nil {
		deliverFunc = deliver
	}
}

func TestResolveMX(t *testing.T) {
	stubMX(t, func(string) ([]*net.MX, error) {
		return []*net.MX{
			{Host: "slow.example.com.", Pref: 20},
			{Host: "fast.example.com.", Pref: 5},
			{Host: "backup.example.com.", Pref: 20},
		}, nil
	}, nil)

	records, err := ResolveMX("example.com")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "fast.example.com", records[0].Host)
	assert.Equal(t, uint16(5), records[0].Pref)
	for _, r := range records {
		assert.NotEqual(t, byte('.'), r.Host[len(r.Host)-1])
	}
}

func TestDirectNoMX(t *testing.T) {
	stubMX(t, func(string) ([]*net.MX, error) { return nil, nil }, nil)

	conn, err := NewDirect(nil)
	require.NoError(t, err)
	n, err := conn.SendMessages(context.Background(), []*email.Message{
		email.New("s", "b", "sender@example.com", "rcpt@example.com"),
	})
	assert.Equal(t, 0, n)
	require.Error(t, err)
	assert.Equal(t, "MX lookup failed for example.com: no MX records", err.Error())
}

func TestDirectGroupsRecipientsByDomain(t *testing.T) {
	stubMX(t, func(domain string) ([]*net.MX, error) {
		return []*net.MX{{Host: "mx." + domain + ".", Pref: 10}}, nil
	}, nil)

	type call struct {
		host string
		to   []string
	}
	var calls []call
	deliverFunc = func(_ context.Context, host, from string, to []string, data []byte, opts hostOptions) error {
		assert.Equal(t, "sender@example.com", from)
		assert.Equal(t, "asyncmail.test", opts.localName)
		assert.Contains(t, string(data), "Subject: grouped")
		calls = append(calls, call{host: host, to: to})
		return nil
	}

	conn, err := NewDirect(Params{"local_name": "asyncmail.test"})
	require.NoError(t, err)
	m := email.New("grouped", "body", "sender@example.com", "a@one.test", "b@two.test")
	m.Cc = []string{"c@ONE.test"}

	n, err := conn.SendMessages(context.Background(), []*email.Message{m})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []call{
		{host: "mx.one.test", to: []string{"a@one.test", "c@ONE.test"}},
		{host: "mx.two.test", to: []string{"b@two.test"}},
	}, calls)
}

func TestDirectTriesEveryMX(t *testing.T) {
	stubMX(t, func(string) ([]*net.MX, error) {
		return []*net.MX{
			{Host: "mx1.example.com", Pref: 10},
			{Host: "mx2.example.com", Pref: 20},
		}, nil
	}, nil)

	var hosts []string
	deliverFunc = func(_ context.Context, host, _ string, _ []string, _ []byte, _ hostOptions) error {
		hosts = append(hosts, host)
		return errors.New("smtp error")
	}

	conn, err := NewDirect(nil)
	require.NoError(t, err)
	_, err = conn.SendMessages(context.Background(), []*email.Message{
		email.New("s", "b", "sender@example.com", "rcpt@example.com"),
	})
	require.Error(t, err)
	assert.Equal(t, []string{"mx1.example.com", "mx2.example.com"}, hosts)
}

func TestDeliverHostAgainstRelay(t *testing.T) {
	be, host, port := newRelay(t)
	original := smtpPort
	smtpPort = strconv.Itoa(port)
	t.Cleanup(func() { smtpPort = original })

	err := deliverHost(context.Background(), host, "sender@example.com", []string{"rcpt@example.com"}, []byte("Subject: hi\r\n\r\nbody\r\n"), hostOptions{localName: "asyncmail.test"})
	require.NoError(t, err)

	msgs := be.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"rcpt@example.com"}, msgs[0].To)
	assert.Contains(t, string(msgs[0].Data), "body")
	assert.False(t, msgs[0].TLS)
}

func TestDeliverHostUpgradesToStartTLS(t *testing.T) {
	t.Setenv("ASYNCMAIL_TLS_CA_FILE", "")
	be, host, port := newTLSRelay(t)
	original := smtpPort
	smtpPort = strconv.Itoa(port)
	t.Cleanup(func() { smtpPort = original })

	opts := hostOptions{localName: "asyncmail.test", timeout: 5 * time.Second, insecure: true}
	err := deliverHost(context.Background(), host, "sender@example.com", []string{"rcpt@example.com"}, []byte("Subject: hi\r\n\r\nsecret\r\n"), opts)
	require.NoError(t, err)

	msgs := be.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].TLS)
	assert.Contains(t, string(msgs[0].Data), "secret")
}

func TestDeliverHostFallsBackWhenStartTLSFails(t *testing.T) {
	t.Setenv("ASYNCMAIL_TLS_CA_FILE", "")
	be, host, port := newTLSRelay(t)
	original := smtpPort
	smtpPort = strconv.Itoa(port)
	t.Cleanup(func() { smtpPort = original })

	// The self-signed certificate does not verify, so the upgrade fails.
	opts := hostOptions{localName: "asyncmail.test", timeout: 5 * time.Second}
	err := deliverHost(context.Background(), host, "sender@example.com", []string{"rcpt@example.com"}, []byte("Subject: hi\r\n\r\nplain\r\n"), opts)
	require.NoError(t, err)

	msgs := be.Messages()
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].TLS)
}
