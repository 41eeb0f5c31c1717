package dedup

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/Sentria-Labs/sentria/pkg/domain"
)

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("splunk", "ALT-1")
	b := Fingerprint("splunk", "ALT-1")
	if a != b {
		t.Fatalf("same identity hashed differently: %s vs %s", a, b)
	}
	if !regexp.MustCompile(`^[0-9a-f]{64}$`).MatchString(a) {
		t.Errorf("fingerprint %q is not lowercase sha256 hex", a)
	}
}

func TestFingerprintDistinguishes(t *testing.T) {
	base := Fingerprint("splunk", "ALT-1")
	if Fingerprint("qradar", "ALT-1") == base {
		t.Error("source not part of the fingerprint")
	}
	if Fingerprint("splunk", "ALT-2") == base {
		t.Error("alert_id not part of the fingerprint")
	}
	// Identity must not be splittable across the field boundary.
	if Fingerprint("splunkA", "LT-1") == base {
		t.Error("fingerprint concatenates fields without framing")
	}
}

func TestMemoryStoreSeen(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()

	seen, err := s.Seen(ctx, "fp-1", time.Hour)
	if err != nil || seen {
		t.Fatalf("first sighting: seen=%v err=%v", seen, err)
	}
	seen, err = s.Seen(ctx, "fp-1", time.Hour)
	if err != nil || !seen {
		t.Fatalf("second sighting: seen=%v err=%v", seen, err)
	}
}

func TestMemoryStoreDuplicateKeepsSize(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()
	s.Seen(ctx, "fp-1", time.Hour)
	before := s.Len()
	s.Seen(ctx, "fp-1", time.Hour)
	if got := s.Len(); got != before {
		t.Errorf("cache size changed on duplicate: %d -> %d", before, got)
	}
}

func TestMemoryStoreLookbackExpiry(t *testing.T) {
	s := NewMemoryStore(10)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	s.Seen(ctx, "fp-1", 24*time.Hour)

	now = now.Add(25 * time.Hour)
	seen, _ := s.Seen(ctx, "fp-1", 24*time.Hour)
	if seen {
		t.Error("sighting outside the lookback window reported as duplicate")
	}
	// The stale entry restarted; an immediate re-sighting is a duplicate.
	seen, _ = s.Seen(ctx, "fp-1", 24*time.Hour)
	if !seen {
		t.Error("first-seen timestamp did not restart")
	}
}

func TestMemoryStoreEviction(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()
	s.Seen(ctx, "a", time.Hour)
	s.Seen(ctx, "b", time.Hour)
	s.Seen(ctx, "c", time.Hour) // evicts a

	if s.Len() != 2 {
		t.Fatalf("Len = %d, want capacity 2", s.Len())
	}
	if seen, _ := s.Seen(ctx, "a", time.Hour); seen {
		t.Error("evicted fingerprint still reported as seen")
	}
}

func TestMemoryStoreEvictionKeepsHotEntries(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()
	s.Seen(ctx, "a", time.Hour)
	s.Seen(ctx, "b", time.Hour)
	s.Seen(ctx, "a", time.Hour) // touch a so b is coldest
	s.Seen(ctx, "c", time.Hour) // evicts b

	if seen, _ := s.Seen(ctx, "a", time.Hour); !seen {
		t.Error("recently used fingerprint was evicted")
	}
}

func TestDeduperIsDuplicate(t *testing.T) {
	d := New(NewMemoryStore(10), time.Hour)
	a := &domain.Alert{Source: "splunk", AlertID: "ALT-1"}
	ctx := context.Background()

	fp1, dup, err := d.IsDuplicate(ctx, a)
	if err != nil || dup {
		t.Fatalf("first pass: dup=%v err=%v", dup, err)
	}
	fp2, dup, err := d.IsDuplicate(ctx, a)
	if err != nil || !dup {
		t.Fatalf("second pass: dup=%v err=%v", dup, err)
	}
	if fp1 != fp2 {
		t.Errorf("fingerprints differ across sightings: %s vs %s", fp1, fp2)
	}
	if fp1 != Fingerprint("splunk", "ALT-1") {
		t.Errorf("deduper fingerprint diverges from Fingerprint()")
	}
}

func TestDeduperSameIDAcrossSources(t *testing.T) {
	d := New(NewMemoryStore(10), time.Hour)
	ctx := context.Background()
	_, dup, _ := d.IsDuplicate(ctx, &domain.Alert{Source: "splunk", AlertID: "ALT-1"})
	if dup {
		t.Fatal("fresh alert flagged")
	}
	_, dup, _ = d.IsDuplicate(ctx, &domain.Alert{Source: "qradar", AlertID: "ALT-1"})
	if dup {
		t.Error("same id from a different source flagged as duplicate")
	}
}
