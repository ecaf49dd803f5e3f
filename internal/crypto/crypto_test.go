package crypto

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
)

func TestEncryptDecryptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.json")
	if err := EncryptToFile(path, "broker-secret", "hunter2"); err != nil {
		t.Fatalf("EncryptToFile: %v", err)
	}

	got, err := LoadSecret(SecretConfig{EncryptedPath: path, Password: "hunter2"})
	if err != nil {
		t.Fatalf("LoadSecret: %v", err)
	}
	if got != "broker-secret" {
		t.Fatalf("got %q", got)
	}

	if _, err := DecryptFromFile(path, "wrong"); err == nil {
		t.Fatal("expected error for wrong password")
	}
}

func TestLoadSecretPrecedence(t *testing.T) {
	got, err := LoadSecret(SecretConfig{RawSecret: "raw", EncryptedPath: "/does/not/exist"})
	if err != nil || got != "raw" {
		t.Fatalf("got %q, %v", got, err)
	}
	if _, err := LoadSecret(SecretConfig{}); err == nil {
		t.Fatal("expected error with no source")
	}
}

func TestHeadersSignAndVerify(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000)
	auth := &HMACAuth{Key: "key-1", Secret: "s3cret"}

	h, err := auth.HeadersAt("POST", "/v1/session", `{"a":1}`, at)
	if err != nil {
		t.Fatal(err)
	}
	if h[HeaderTimestamp] != "1700000000000" {
		t.Fatalf("timestamp = %s", h[HeaderTimestamp])
	}
	if _, ok := h[HeaderOTP]; ok {
		t.Fatal("otp header set without seed")
	}
	if !Verify("s3cret", h[HeaderTimestamp], "POST", "/v1/session", `{"a":1}`, h[HeaderSignature]) {
		t.Fatal("signature did not verify")
	}
	if Verify("s3cret", h[HeaderTimestamp], "POST", "/v1/session", `{"a":2}`, h[HeaderSignature]) {
		t.Fatal("signature verified for a different body")
	}
}

func TestHeadersAttachTOTP(t *testing.T) {
	const seed = "JBSWY3DPEHPK3PXP"
	at := time.Unix(1_700_000_000, 0)
	auth := &HMACAuth{Key: "k", Secret: "s", TOTPSecret: seed}

	h, err := auth.HeadersAt("GET", "/", "", at)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := totp.GenerateCode(seed, at)
	if h[HeaderOTP] != want {
		t.Fatalf("otp = %s, want %s", h[HeaderOTP], want)
	}
	if strings.Contains(auth.String(), "JBSW") {
		t.Fatal("String leaks the totp seed")
	}
}
