package relay

import "testing"

func TestToken_OrderIndependent(t *testing.T) {
	a := [16]byte{1, 2, 3}
	b := [16]byte{9, 8, 7}

	if Token(a, b) != Token(b, a) {
		t.Fatal("Token(a, b) != Token(b, a), want order-independent token")
	}
}

func TestToken_DifferentPairsDiffer(t *testing.T) {
	a := [16]byte{1}
	b := [16]byte{2}
	c := [16]byte{3}

	if Token(a, b) == Token(a, c) {
		t.Fatal("distinct peer pairs produced the same token")
	}
}

func TestSelfSignedTLSConfig_SetsALPN(t *testing.T) {
	conf, err := selfSignedTLSConfig()
	if err != nil {
		t.Fatalf("selfSignedTLSConfig() error = %v", err)
	}
	if len(conf.NextProtos) != 1 || conf.NextProtos[0] != ALPN {
		t.Fatalf("NextProtos = %v, want [%q]", conf.NextProtos, ALPN)
	}
	if len(conf.Certificates) != 1 {
		t.Fatalf("Certificates = %d, want 1", len(conf.Certificates))
	}
}

func TestNew_DefaultsMaxSessions(t *testing.T) {
	r := New(Config{MaxSessions: 0}, nil)
	if cap(r.sessions) != 50 {
		t.Fatalf("sessions capacity = %d, want default 50", cap(r.sessions))
	}
}
