package signing

import (
	"strings"
	"testing"
	"time"
)

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"event":"analysis.completed"}`)
	secret := "whsec_test"

	sig := Sign(payload, secret)

	if sig == "" {
		t.Fatal("signature should not be empty")
	}
	if sig[:7] != "sha256=" {
		t.Fatalf("signature should start with sha256=, got %s", sig[:7])
	}

	if !Verify(payload, secret, sig) {
		t.Fatal("Verify should return true for valid signature")
	}

	if Verify(payload, "wrong-secret", sig) {
		t.Fatal("Verify should return false for wrong secret")
	}

	if Verify([]byte("tampered"), secret, sig) {
		t.Fatal("Verify should return false for tampered payload")
	}

	if Verify(payload, secret, sig[:len(sig)-2]+"00") {
		t.Fatal("Verify should return false for altered signature")
	}
}

func TestSignEmptySecretPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Sign with empty secret should panic")
		}
	}()
	Sign([]byte("payload"), "")
}

func TestVerifyWithTimestamp(t *testing.T) {
	payload := []byte(`{"event":"file.uploaded"}`)
	secret := "whsec_test"
	sig := Sign(payload, secret)
	now := time.Unix(1_700_000_000, 0)

	if !VerifyWithTimestamp(payload, secret, sig, now.Unix(), now, 0) {
		t.Fatal("fresh timestamp should verify")
	}
	if !VerifyWithTimestamp(payload, secret, sig, now.Unix()-299, now, 0) {
		t.Fatal("timestamp within tolerance should verify")
	}
	if VerifyWithTimestamp(payload, secret, sig, now.Unix()-301, now, 0) {
		t.Fatal("stale timestamp should be rejected")
	}
	if !VerifyWithTimestamp(payload, secret, sig, now.Unix()+60, now, 0) {
		t.Fatal("receiver clock behind the sender should still verify")
	}
	if VerifyWithTimestamp(payload, secret, sig, now.Unix()+301, now, 0) {
		t.Fatal("future timestamp beyond tolerance should be rejected")
	}
	if VerifyWithTimestamp(payload, secret, sig, now.Unix()-30, now, 10*time.Second) {
		t.Fatal("custom tolerance should apply")
	}
}

func TestGenerateSecret(t *testing.T) {
	a := GenerateSecret()
	b := GenerateSecret()

	if !strings.HasPrefix(a, "whsec_") {
		t.Fatalf("secret should be prefixed with whsec_, got %s", a[:8])
	}
	if len(a) != len("whsec_")+64 {
		t.Fatalf("unexpected secret length %d", len(a))
	}
	if a == b {
		t.Fatal("secrets should be unique")
	}
}
