package domain

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"
)

func TestPoliteIsAntisymmetric(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		a := UserID(fmt.Sprintf("%08x", rng.Uint32()))
		b := UserID(fmt.Sprintf("%08x", rng.Uint32()))
		if a == b {
			continue
		}
		if Polite(a, b) == Polite(b, a) {
			t.Fatalf("both sides agree on politeness for %s/%s", a, b)
		}
	}
}

func TestPoliteMatchesLexicographicOrder(t *testing.T) {
	if !Polite("alice", "bob") {
		t.Fatal("smaller id must be polite")
	}
	if Polite("bob", "alice") {
		t.Fatal("larger id must be impolite")
	}
}

func TestNewUser(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		user    string
		wantErr error
	}{
		{"uuid token", "6f1c1f6e-4a4c-4c3e-9d55-1b2f3f7d1a11", "alice", nil},
		{"opaque token", "secret-token", "", nil},
		{"empty token", "", "alice", ErrTokenEmpty},
		{"long name", "t", strings.Repeat("x", MaxUsernameLen+1), ErrUsernameTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := NewUser(tt.token, tt.user)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if u.ID != UserIDFromToken(tt.token) {
				t.Fatalf("id %q not stable", u.ID)
			}
			if len(u.ID) != MaxUserIDLen {
				t.Fatalf("id %q has length %d", u.ID, len(u.ID))
			}
		})
	}
}

func TestMidRoundTrip(t *testing.T) {
	for i, k := range MediaKinds {
		if k.Mid() != fmt.Sprint(i) {
			t.Fatalf("%s mid = %q", k, k.Mid())
		}
		back, ok := KindForMid(k.Mid())
		if !ok || back != k {
			t.Fatalf("KindForMid(%q) = %v", k.Mid(), back)
		}
	}
}
