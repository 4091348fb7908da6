package secret

import (
	"errors"
	"strings"
	"testing"
)

func TestBox_SealOpen(t *testing.T) {
	for _, pass := range []string{"", "correct horse battery staple"} {
		box, err := New(pass)
		if err != nil {
			t.Fatalf("New(%q): %v", pass, err)
		}

		testCases := []struct {
			name      string
			plaintext string
		}{
			{"empty string", ""},
			{"api key", "sk-1234567890abcdef"},
			{"dsn", "postgres://memtrigger:pw@localhost:5432/memories?sslmode=disable"},
			{"long value", strings.Repeat("a", 1000)},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				sealed, err := box.Seal(tc.plaintext)
				if err != nil {
					t.Fatalf("seal failed: %v", err)
				}
				if tc.plaintext == "" {
					if sealed != "" {
						t.Errorf("empty string should not be sealed, got %q", sealed)
					}
					return
				}
				if !IsSealed(sealed) {
					t.Errorf("sealed value should have prefix, got %q", sealed)
				}

				opened, err := box.Open(sealed)
				if err != nil {
					t.Fatalf("open failed: %v", err)
				}
				if opened != tc.plaintext {
					t.Errorf("got %q, want %q", opened, tc.plaintext)
				}
			})
		}
	}
}

func TestBox_WrongKey(t *testing.T) {
	a, _ := New("alpha")
	b, _ := New("bravo")

	sealed, err := a.Seal("sk-secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Open(sealed); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestBox_OpenPlaintext(t *testing.T) {
	box, _ := New("")
	got, err := box.Open("sk-not-sealed")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if got != "sk-not-sealed" {
		t.Errorf("plaintext should pass through, got %q", got)
	}
}

func TestBox_OpenInvalid(t *testing.T) {
	box, _ := New("")
	for _, input := range []string{Prefix + "not-valid-base64!!!", Prefix + "YWJj"} {
		if _, err := box.Open(input); err == nil {
			t.Errorf("expected error for %q", input)
		}
	}
}

func TestBox_OpenAll(t *testing.T) {
	box, _ := New("k")
	key, _ := box.Seal("sk-live")
	dsn := "postgres://localhost/db"

	if err := box.OpenAll(map[string]*string{"api_key": &key, "dsn": &dsn, "unset": nil}); err != nil {
		t.Fatalf("OpenAll: %v", err)
	}
	if key != "sk-live" || dsn != "postgres://localhost/db" {
		t.Errorf("unexpected values %q %q", key, dsn)
	}

	bad := Prefix + "YWJj"
	err := box.OpenAll(map[string]*string{"api_key": &bad})
	if err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Errorf("expected error naming api_key, got %v", err)
	}
}

func TestMask(t *testing.T) {
	testCases := []struct {
		input    string
		expected string
	}{
		{"", "****"},
		{"12345678", "****"},
		{"123456789", "1234...6789"},
		{"sk-1234567890abcdef", "sk-1...cdef"},
	}
	for _, tc := range testCases {
		if got := Mask(tc.input); got != tc.expected {
			t.Errorf("Mask(%q) = %q, want %q", tc.input, got, tc.expected)
		}
	}
}

func TestBox_DifferentNonces(t *testing.T) {
	box, _ := New("")
	enc1, _ := box.Seal("test-api-key")
	enc2, _ := box.Seal("test-api-key")
	if enc1 == enc2 {
		t.Error("same plaintext should produce different ciphertext")
	}
}
