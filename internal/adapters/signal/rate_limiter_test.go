package signal

import "testing"

func TestRateLimiterPerUser(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)
	for i := 0; i < 2; i++ {
		if !rl.Allow("alice") {
			t.Fatalf("burst request %d denied", i)
		}
	}
	if rl.Allow("alice") {
		t.Fatal("request over burst allowed")
	}
	if !rl.Allow("bob") {
		t.Fatal("users share a bucket")
	}
	rl.Forget("alice")
	if !rl.Allow("alice") {
		t.Fatal("forgotten user still limited")
	}
}
