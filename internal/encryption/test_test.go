package encryption

import (
	"bytes"
	"errors"
	"testing"
)

func TestTestEncryptor_EncryptDecrypt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{name: "archive bytes", input: []byte("PK\x03\x04")},
		{name: "empty", input: []byte{}},
		{name: "large data", input: bytes.Repeat([]byte("abcdef"), 10000)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := NewTestEncryptor()

			var encrypted bytes.Buffer
			if err := e.Encrypt(bytes.NewReader(tt.input), &encrypted); err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if !bytes.HasPrefix(encrypted.Bytes(), testHeader) {
				t.Error("encrypted output missing test header")
			}

			dc, err := e.Unlock("anything")
			if err != nil {
				t.Fatalf("Unlock() error = %v", err)
			}
			var decrypted bytes.Buffer
			if err := dc.Decrypt(&encrypted, &decrypted); err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(decrypted.Bytes(), tt.input) {
				t.Errorf("round-trip mismatch: got %d bytes, want %d", decrypted.Len(), len(tt.input))
			}
		})
	}
}

func TestTestEncryptor_Passphrase(t *testing.T) {
	t.Parallel()
	e := NewTestEncryptor()
	if !e.IsConfigured() {
		t.Error("IsConfigured() = false, want true")
	}
	if err := e.Setup("secret"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if _, err := e.Unlock("wrong"); !errors.Is(err, ErrBadPassphrase) {
		t.Errorf("Unlock(wrong) error = %v, want ErrBadPassphrase", err)
	}
	if _, err := e.Unlock("secret"); err != nil {
		t.Errorf("Unlock(secret) error = %v", err)
	}
}

func TestTestDecryptionContext_InvalidHeader(t *testing.T) {
	t.Parallel()
	dc := &TestDecryptionContext{}

	if err := dc.Decrypt(bytes.NewReader([]byte("PK\x03\x04plain zip")), &bytes.Buffer{}); err == nil {
		t.Error("Decrypt() with wrong header should fail")
	}
	if err := dc.Decrypt(bytes.NewReader([]byte("HB")), &bytes.Buffer{}); err == nil {
		t.Error("Decrypt() with truncated header should fail")
	}
}
