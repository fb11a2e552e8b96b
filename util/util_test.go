package util

import (
	"strings"
	"testing"
	"time"
)

func TestSha256HexIsStable(t *testing.T) {
	a := Sha256Hex("hello")
	b := Sha256Hex("hello")
	if a != b {
		t.Errorf("same input produced different digests: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func TestHashStringsOrderIndependent(t *testing.T) {
	a := HashStrings([]string{"mastodon.social", "pleroma.site", "misskey.io"})
	b := HashStrings([]string{"misskey.io", "mastodon.social", "pleroma.site"})
	if a != b {
		t.Errorf("order changed the digest: %s vs %s", a, b)
	}
}

func TestHashStringsDeduplicates(t *testing.T) {
	a := HashStrings([]string{"mastodon.social", "mastodon.social"})
	b := HashStrings([]string{"mastodon.social"})
	if a != b {
		t.Errorf("duplicates changed the digest: %s vs %s", a, b)
	}
}

func TestHashStringsDistinguishesSets(t *testing.T) {
	a := HashStrings([]string{"mastodon.social"})
	b := HashStrings([]string{"pleroma.site"})
	if a == b {
		t.Error("different sets produced the same digest")
	}
}

func TestBackoffBaseDoublesAndCaps(t *testing.T) {
	if got := BackoffBase(1); got != 30*time.Second {
		t.Errorf("attempt 1: expected 30s, got %v", got)
	}
	if got := BackoffBase(2); got != 60*time.Second {
		t.Errorf("attempt 2: expected 60s, got %v", got)
	}
	prev := time.Duration(0)
	for attempt := 1; attempt < 20; attempt++ {
		d := BackoffBase(attempt)
		if d < prev {
			t.Errorf("attempt %d: backoff decreased from %v to %v", attempt, prev, d)
		}
		if d > time.Hour {
			t.Errorf("attempt %d: backoff %v exceeds 1h cap", attempt, d)
		}
		prev = d
	}
	if BackoffBase(20) != time.Hour {
		t.Errorf("large attempt should hit the cap, got %v", BackoffBase(20))
	}
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	base := BackoffBase(3)
	lo := time.Duration(float64(base) * 0.8)
	hi := time.Duration(float64(base) * 1.2)
	for i := 0; i < 100; i++ {
		d := Backoff(3)
		if d < lo || d > hi {
			t.Fatalf("jittered backoff %v outside [%v, %v]", d, lo, hi)
		}
	}
}

func TestBackoffNeverExceedsCap(t *testing.T) {
	for i := 0; i < 100; i++ {
		if d := Backoff(30); d > time.Hour {
			t.Fatalf("jittered backoff %v above cap", d)
		}
	}
}

func TestGeneratePemKeypair(t *testing.T) {
	pair := GeneratePemKeypair()
	if !strings.Contains(pair.Private, "RSA PRIVATE KEY") {
		t.Error("private key missing PEM header")
	}
	if !strings.Contains(pair.Public, "PUBLIC KEY") {
		t.Error("public key missing PEM header")
	}
	if GeneratePemKeypair().Private == pair.Private {
		t.Error("two generated keypairs are identical")
	}
}

func TestApplyDefaultsCapsPullTokenTTL(t *testing.T) {
	conf := &AppConfig{}
	conf.Conf.PullTokenTTLSec = 600
	applyDefaults(conf)
	if conf.Conf.PullTokenTTLSec != 60 {
		t.Errorf("pull token TTL should cap at 60, got %d", conf.Conf.PullTokenTTLSec)
	}

	conf = &AppConfig{}
	applyDefaults(conf)
	if conf.Conf.DeliveryMaxAttempts != 5 {
		t.Errorf("default max attempts should be 5, got %d", conf.Conf.DeliveryMaxAttempts)
	}
	if conf.Conf.PullAudienceCap != 500 {
		t.Errorf("default audience cap should be 500, got %d", conf.Conf.PullAudienceCap)
	}
}
