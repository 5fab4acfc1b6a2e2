package approval

import "testing"

func TestSignAndVerify(t *testing.T) {
	sig := Sign("test-secret-key", "123e4567-e89b-12d3-a456-426614174000", "approve")
	if !Verify("test-secret-key", "123e4567-e89b-12d3-a456-426614174000", "approve", sig) {
		t.Error("expected signature to verify")
	}
}

func TestVerify_InvalidSignature(t *testing.T) {
	if Verify("test-secret-key", "123e4567-e89b-12d3-a456-426614174000", "approve", "invalid") {
		t.Error("expected verification to fail")
	}
}

func TestVerify_WrongAction(t *testing.T) {
	sig := Sign("test-secret-key", "123e4567-e89b-12d3-a456-426614174000", "approve")
	if Verify("test-secret-key", "123e4567-e89b-12d3-a456-426614174000", "deny", sig) {
		t.Error("expected verification to fail for mismatched action")
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	sig := Sign("secret-one", "request-1", "approve")
	if Verify("secret-two", "request-1", "approve", sig) {
		t.Error("expected verification to fail for mismatched secret")
	}
}

func TestVerify_WrongRequestID(t *testing.T) {
	sig := Sign("test-secret-key", "request-1", "approve")
	if Verify("test-secret-key", "request-2", "approve", sig) {
		t.Error("expected verification to fail for mismatched request id")
	}
}

func TestSign_Deterministic(t *testing.T) {
	sig1 := Sign("test-secret-key", "123e4567-e89b-12d3-a456-426614174000", "approve")
	sig2 := Sign("test-secret-key", "123e4567-e89b-12d3-a456-426614174000", "approve")
	if sig1 != sig2 {
		t.Errorf("expected deterministic signatures, got %q and %q", sig1, sig2)
	}
}

func TestSign_Format(t *testing.T) {
	sig := Sign("test-secret-key", "test-id", "approve")
	if len(sig) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(sig))
	}
	for _, r := range sig {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			t.Errorf("expected lowercase hex digit, got %q in %q", r, sig)
		}
	}
}

func TestSign_EmptyInputs(t *testing.T) {
	sig := Sign("", "", "")
	if len(sig) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(sig))
	}
	if !Verify("", "", "", sig) {
		t.Error("expected empty-input signature to verify")
	}
}

func TestSign_UnicodeInputs(t *testing.T) {
	secret := "secret-ключ-🔐"
	requestID := "請求-αβγ"
	action := "承認"

	sig := Sign(secret, requestID, action)
	if !Verify(secret, requestID, action, sig) {
		t.Error("expected unicode-input signature to verify")
	}
}

func TestSign_NoCollisionWithColonInRequestID(t *testing.T) {
	sigA := Sign("secret", "a:b", "c")
	sigB := Sign("secret", "a", "b:c")
	if sigA == sigB {
		t.Error("length-prefixed signing must not collide across field boundaries")
	}
}
