package network

import (
	"crypto/tls"
	"testing"
)

func TestLinkCertIsStable(t *testing.T) {
	_, a, err := linkTLSCert()
	if err != nil {
		t.Fatalf("cert: %v", err)
	}
	_, b, err := linkTLSCert()
	if err != nil {
		t.Fatalf("cert: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("link certificate must be deterministic")
	}
}

func TestClientPinsLinkCert(t *testing.T) {
	conf, err := clientTLSConfig()
	if err != nil {
		t.Fatalf("client config: %v", err)
	}
	_, der, _ := linkTLSCert()
	if err := conf.VerifyPeerCertificate([][]byte{der}, nil); err != nil {
		t.Fatalf("pinned cert rejected: %v", err)
	}
	if err := conf.VerifyPeerCertificate([][]byte{[]byte("other")}, nil); err == nil {
		t.Fatalf("foreign cert accepted")
	}
	if conf.MinVersion != tls.VersionTLS13 || conf.NextProtos[0] != alpnLink {
		t.Fatalf("unexpected client config %+v", conf)
	}
}
