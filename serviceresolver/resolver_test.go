package serviceresolver

import (
	"context"
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startDNSServer(t *testing.T, records map[string][]dns.RR) string {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	server := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(req)
			answers, ok := records[req.Question[0].Name]
			if !ok {
				m.Rcode = dns.RcodeNameError
			}
			m.Answer = append(m.Answer, answers...)
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = server.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = server.Shutdown() })

	return pc.LocalAddr().String()
}

func srvRecord(t *testing.T, s string) dns.RR {
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func TestResolveURL(t *testing.T) {
	addr := startDNSServer(t, map[string][]dns.RR{
		"_seal._tcp.example.com.": {
			srvRecord(t, "_seal._tcp.example.com. 60 IN SRV 20 10 8443 backup.example.com."),
			srvRecord(t, "_seal._tcp.example.com. 60 IN SRV 10 5 8080 light.example.com."),
			srvRecord(t, "_seal._tcp.example.com. 60 IN SRV 10 50 9090 heavy.example.com."),
		},
	})
	resolver := NewResolver(addr)

	resolved, err := resolver.ResolveURL(context.Background(), "srv+https://_seal._tcp.example.com/keys")
	require.NoError(t, err)
	assert.Equal(t, "https://heavy.example.com:9090/keys", resolved)

	records, err := resolver.LookupSRV(context.Background(), "_seal._tcp.example.com")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, uint16(8443), records[2].Port)

	_, err = resolver.ResolveURL(context.Background(), "srv+http://_seal._tcp.missing.com")
	assert.Error(t, err)

	_, err = resolver.ResolveURL(context.Background(), "srv+ftp://_seal._tcp.example.com")
	assert.Error(t, err)
}

func TestPlainURLsPassThrough(t *testing.T) {
	resolver := NewResolver("127.0.0.1:1")
	resolved, err := resolver.ResolveURL(context.Background(), "http://127.0.0.1:8080")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8080", resolved)

	assert.True(t, IsSRVURL("SRV+https://x"))
	assert.False(t, IsSRVURL("https://x"))
}
