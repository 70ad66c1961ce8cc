package domain

import (
	"testing"

	"pgregory.net/rapid"
)

func TestValidateDomainName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"valid", "acme-corp.com", nil},
		{"valid subdomain", "www.blog.acme-corp.com", nil},
		{"uppercase normalized", "ACME-CORP.COM", nil},
		{"trailing dot normalized", "acme-corp.com.", nil},
		{"empty", "", ErrInvalidDomainName},
		{"single label", "acme", ErrInvalidDomainName},
		{"leading hyphen", "-acme.com", ErrInvalidDomainName},
		{"underscore", "ac_me.com", ErrInvalidDomainName},
		{"numeric tld", "acme.123", ErrInvalidDomainName},
		{"reserved", "internal", ErrReservedDomain},
		{"reserved subdomain", "db.internal", ErrReservedDomain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDomainName(tt.input)
			if err != tt.wantErr {
				t.Errorf("ValidateDomainName(%q) = %v, want %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateDomainNameRejectsLongNames(t *testing.T) {
	label := make([]byte, MaxLabelLength+1)
	for i := range label {
		label[i] = 'a'
	}
	if err := ValidateDomainName(string(label) + ".com"); err != ErrInvalidDomainName {
		t.Errorf("overlong label: got %v", err)
	}

	long := ""
	for len(long) < MaxDomainLength {
		long += "abcdefgh."
	}
	if err := ValidateDomainName(long + "com"); err != ErrInvalidDomainName {
		t.Errorf("overlong name: got %v", err)
	}
}

func TestNormalizeDomainNameIsIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.String().Draw(t, "name")
		once := NormalizeDomainName(name)
		if twice := NormalizeDomainName(once); twice != once {
			t.Fatalf("normalize not idempotent: %q -> %q -> %q", name, once, twice)
		}
	})
}

func TestGenerateVerificationToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		token, err := GenerateVerificationToken()
		if err != nil {
			t.Fatalf("GenerateVerificationToken: %v", err)
		}
		if !ValidateVerificationToken(token) {
			t.Fatalf("generated token fails validation: %q", token)
		}
		if seen[token] {
			t.Fatal("duplicate token generated")
		}
		seen[token] = true
	}

	if ValidateVerificationToken("pmv_short") {
		t.Error("short token must be invalid")
	}
	if ValidateVerificationToken("vrf_" + "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff") {
		t.Error("wrong prefix must be invalid")
	}
}
