/*
Copyright 2020-2022 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package audit

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"time"

	"github.com/gravitational/trace"
	"github.com/vmihailenco/msgpack/v5"
)

// CertLease is a generated fake leaf certificate plus the duration it may
// be cached for.
type CertLease struct {
	Cert tls.Certificate
	TTL time.Duration
}

// CertAgent generates (or fetches) a fake leaf certificate for host, used
// to terminate the client side of an intercepted TLS connection. The real
// server-leaf certificate, when available, is passed along so the agent
// can mirror its SANs/validity.
type CertAgent interface {
	Generate(ctx context.Context, host string, realLeaf *x509.Certificate) (CertLease, error)
}

// certAgentRequest is the msgpack wire request sent to an external cert
// agent over UDP.
type certAgentRequest struct {
	Host string `msgpack:"host"`
	RealLeafDER []byte `msgpack:"real_leaf_der,omitempty"`
}

// certAgentResponse is the agent's reply: a PEM-encoded leaf certificate
// and key plus a TTL in seconds.
type certAgentResponse struct {
	CertPEM []byte `msgpack:"cert_pem"`
	KeyPEM []byte `msgpack:"key_pem"`
	TTLSeconds int `msgpack:"ttl_seconds"`
	Error string `msgpack:"error,omitempty"`
}

// UDPCertAgentConfig configures the msgpack-over-UDP client for an
// external cert-generation agent.
type UDPCertAgentConfig struct {
	AgentAddr string
	Timeout time.Duration
}

func (c *UDPCertAgentConfig) checkAndSetDefaults() error {
	if c.AgentAddr == "" {
		return trace.BadParameter("missing parameter AgentAddr")
	}
	if c.Timeout == 0 {
		c.Timeout = 2 * time.Second
	}
	return nil
}

// UDPCertAgent is a CertAgent that queries an external agent process over
// UDP, encoding each request/response as msgpack.
type UDPCertAgent struct {
	cfg UDPCertAgentConfig
}

// NewUDPCertAgent builds a UDPCertAgent from cfg.
func NewUDPCertAgent(cfg UDPCertAgentConfig) (*UDPCertAgent, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &UDPCertAgent{cfg: cfg}, nil
}

func (a *UDPCertAgent) Generate(ctx context.Context, host string, realLeaf *x509.Certificate) (CertLease, error) {
	req := certAgentRequest{Host: host}
	if realLeaf != nil {
		req.RealLeafDER = realLeaf.Raw
	}
	payload, err := msgpack.Marshal(req)
	if err != nil {
		return CertLease{}, trace.Wrap(err)
	}

	conn, err := net.Dial("udp", a.cfg.AgentAddr)
	if err != nil {
		return CertLease{}, trace.Wrap(err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok || time.Until(deadline) > a.cfg.Timeout {
		deadline = time.Now().Add(a.cfg.Timeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return CertLease{}, trace.Wrap(err)
	}

	if _, err := conn.Write(payload); err != nil {
		return CertLease{}, trace.Wrap(err)
	}

	buf := make([]byte, 64*1024)
	n, err := conn.Read(buf)
	if err != nil {
		return CertLease{}, trace.Wrap(err)
	}

	var resp certAgentResponse
	if err := msgpack.Unmarshal(buf[:n], &resp); err != nil {
		return CertLease{}, trace.Wrap(err)
	}
	if resp.Error != "" {
		return CertLease{}, trace.Errorf("cert agent: %s", resp.Error)
	}

	cert, err := tls.X509KeyPair(resp.CertPEM, resp.KeyPEM)
	if err != nil {
		return CertLease{}, trace.Wrap(err)
	}
	return CertLease{Cert: cert, TTL: time.Duration(resp.TTLSeconds) * time.Second}, nil
}

// precomputedKeys is a small queue of ready-to-sign RSA keys, avoiding a
// ~100ms keygen on the path of every first-seen host.
var precomputedKeys = make(chan *rsa.PrivateKey, 8)

func init() {
	go func() {
		for {
			key, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				time.Sleep(time.Second)
				continue
			}
			precomputedKeys <- key
		}
	}()
}

func getOrGenerateRSAKey() (*rsa.PrivateKey, error) {
	select {
	case k := <-precomputedKeys:
		return k, nil
	default:
		return rsa.GenerateKey(rand.Reader, 2048)
	}
}

// LocalCertAgent is a self-contained CertAgent that mints a leaf
// certificate signed by an in-process CA, for deployments with no
// external agent (and for tests). It mirrors the real leaf's DNS SANs
// when one is supplied.
type LocalCertAgent struct {
	CAKey *rsa.PrivateKey
	CACert *x509.Certificate
	TTL time.Duration
}

// NewLocalCertAgent generates a fresh self-signed CA and returns an agent
// that signs leaves with it.
func NewLocalCertAgent(ttl time.Duration) (*LocalCertAgent, error) {
	caKey, err := getOrGenerateRSAKey()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	caTemplate := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{CommonName: "egressd local interception CA"},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter: time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if ttl == 0 {
		ttl = time.Hour
	}
	return &LocalCertAgent{CAKey: caKey, CACert: caCert, TTL: ttl}, nil
}

func (a *LocalCertAgent) Generate(ctx context.Context, host string, realLeaf *x509.Certificate) (CertLease, error) {
	leafKey, err := getOrGenerateRSAKey()
	if err != nil {
		return CertLease{}, trace.Wrap(err)
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return CertLease{}, trace.Wrap(err)
	}

	dnsNames := []string{host}
	notAfter := time.Now().Add(a.TTL)
	if realLeaf != nil {
		if len(realLeaf.DNSNames) > 0 {
			dnsNames = realLeaf.DNSNames
		}
		if realLeaf.NotAfter.Before(notAfter) {
			notAfter = realLeaf.NotAfter
		}
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{CommonName: host},
		DNSNames: dnsNames,
		NotBefore: time.Now().Add(-time.Minute),
		NotAfter: notAfter,
		KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.CACert, &leafKey.PublicKey, a.CAKey)
	if err != nil {
		return CertLease{}, trace.Wrap(err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{der, a.CACert.Raw},
		PrivateKey: leafKey,
	}
	return CertLease{Cert: cert, TTL: time.Until(notAfter)}, nil
}
