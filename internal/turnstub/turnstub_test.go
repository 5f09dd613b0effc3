package turnstub

import (
	"testing"
	"time"
)

func TestBuildAndParseBindingRequest(t *testing.T) {
	msg, err := BuildBindingRequest()
	if err != nil {
		t.Fatalf("BuildBindingRequest() error = %v", err)
	}

	h, err := ParseHeader(msg)
	if err != nil {
		t.Fatalf("ParseHeader() error = %v", err)
	}
	if h.Type != BindingRequest {
		t.Fatalf("Type = %#x, want BindingRequest", h.Type)
	}
}

func TestParseHeader_RejectsShortMessage(t *testing.T) {
	if _, err := ParseHeader([]byte{1, 2, 3}); err != ErrShortHeader {
		t.Fatalf("err = %v, want ErrShortHeader", err)
	}
}

func TestParseHeader_RejectsBadCookie(t *testing.T) {
	buf := make([]byte, headerSize)
	if _, err := ParseHeader(buf); err != ErrBadCookie {
		t.Fatalf("err = %v, want ErrBadCookie", err)
	}
}

func TestIssueAndVerifyCredentials(t *testing.T) {
	secret := []byte("shared-realm-secret")

	creds, err := IssueCredentials(secret, "peer-1")
	if err != nil {
		t.Fatalf("IssueCredentials() error = %v", err)
	}
	if !VerifyCredentials(secret, creds) {
		t.Fatal("VerifyCredentials() = false, want true for freshly issued credentials")
	}
	if VerifyCredentials([]byte("wrong-secret"), creds) {
		t.Fatal("VerifyCredentials() = true with wrong secret, want false")
	}
}

func TestShouldRefresh_FreshCredentialDoesNotNeedRefresh(t *testing.T) {
	creds := Credentials{ExpiresAt: time.Now().Add(credentialLifetime)}
	if ShouldRefresh(creds) {
		t.Fatal("ShouldRefresh() = true for a brand new credential")
	}
}

func TestShouldRefresh_ExpiredCredentialNeedsRefresh(t *testing.T) {
	creds := Credentials{ExpiresAt: time.Now().Add(-time.Minute)}
	if !ShouldRefresh(creds) {
		t.Fatal("ShouldRefresh() = false for an expired credential")
	}
}

func TestShouldRefresh_PastRatioThreshold(t *testing.T) {
	// 90% of the lifetime has elapsed: well past the 80% refresh ratio.
	remaining := credentialLifetime / 10
	creds := Credentials{ExpiresAt: time.Now().Add(remaining)}
	if !ShouldRefresh(creds) {
		t.Fatal("ShouldRefresh() = false past the refresh ratio threshold")
	}
}
