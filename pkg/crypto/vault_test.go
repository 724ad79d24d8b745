package crypto

import (
	"errors"
	"testing"
)

func testKey() []byte {
	key := make([]byte, keySize)
	for i := range key {
		key[i] = byte(i * 7)
	}
	return key
}

func TestSealUnsealRoundTrip(t *testing.T) {
	v, err := NewVaultWithKey(testKey())
	if err != nil {
		t.Fatalf("NewVaultWithKey: %v", err)
	}

	tests := []struct {
		name  string
		value string
	}{
		{"empty", ""},
		{"api_key", "x9KpL2mN8qR5"},
		{"secret", "a-very-long-exchange-api-secret-with-sufficient-entropy-0123456789"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := v.Seal(tt.value)
			if err != nil {
				t.Fatalf("Seal: %v", err)
			}
			if got := SealedVersion(sealed); got != 1 {
				t.Errorf("SealedVersion = %d, want 1", got)
			}
			plain, err := v.Unseal(sealed)
			if err != nil {
				t.Fatalf("Unseal: %v", err)
			}
			if plain != tt.value {
				t.Errorf("Unseal = %q, want %q", plain, tt.value)
			}
		})
	}
}

func TestSealNonceIsRandom(t *testing.T) {
	v, _ := NewVaultWithKey(testKey())
	a, _ := v.Seal("same-credential")
	b, _ := v.Seal("same-credential")
	if a == b {
		t.Error("two seals of the same value must differ")
	}
}

func TestUnsealRejectsMalformed(t *testing.T) {
	v, _ := NewVaultWithKey(testKey())
	for _, bad := range []string{"", "plaintext", "ENC[v1]:", "ENC[v1]:%%%", "ENC[vX]:abcd"} {
		if _, err := v.Unseal(bad); err == nil {
			t.Errorf("Unseal(%q) succeeded, want error", bad)
		}
	}
}

func TestUnsealUnknownVersion(t *testing.T) {
	v, _ := NewVaultWithKey(testKey())
	sealed, _ := v.Seal("value")
	tampered := "ENC[v9]:" + sealed[len("ENC[v1]:"):]
	_, err := v.Unseal(tampered)
	if !errors.Is(err, ErrUnknownKeyVer) {
		t.Errorf("err = %v, want ErrUnknownKeyVer", err)
	}
}

func TestResealUsesCurrentKey(t *testing.T) {
	v, _ := NewVaultWithKey(testKey())
	rotated := make([]byte, keySize)
	for i := range rotated {
		rotated[i] = byte(255 - i)
	}
	v.mu.Lock()
	v.keys[2] = rotated
	v.current = 2
	v.mu.Unlock()

	v1only, _ := NewVaultWithKey(testKey())
	sealedV1, err := v1only.Seal("rotate-me")
	if err != nil {
		t.Fatalf("seal with v1: %v", err)
	}
	if SealedVersion(sealedV1) != 1 {
		t.Fatalf("unexpected version tag: %s", sealedV1)
	}

	resealed, err := v.Reseal(sealedV1)
	if err != nil {
		t.Fatalf("Reseal: %v", err)
	}
	if SealedVersion(resealed) != 2 {
		t.Errorf("resealed version = %d, want 2", SealedVersion(resealed))
	}
	plain, err := v.Unseal(resealed)
	if err != nil || plain != "rotate-me" {
		t.Errorf("Unseal after reseal = %q, %v", plain, err)
	}
}

func TestGenerateKeyUsable(t *testing.T) {
	encoded, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	t.Setenv(CredentialKeyEnv, encoded)
	v, err := LoadVault()
	if err != nil {
		t.Fatalf("LoadVault: %v", err)
	}
	sealed, err := v.Seal("generated")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if plain, err := v.Unseal(sealed); err != nil || plain != "generated" {
		t.Errorf("round trip = %q, %v", plain, err)
	}
}
