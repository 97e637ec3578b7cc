package snapshot

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func testSnap(site, path string) *Snapshot {
	return &Snapshot{
		Key: Key{
			Site:       site,
			Path:       path,
			DeviceType: DeviceDesktop,
			Type:       TypeHTML,
		},
		Status:  200,
		Content: []byte("<h1>" + path + "</h1>"),
	}
}

func TestMemoryPutGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	s := testSnap("https://ex.com", "/a")
	s.Times.RenderedAt = time.Now().Add(-time.Minute)
	if err := m.Put(ctx, s); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := m.Get(ctx, s.Key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Content) != "<h1>/a</h1>" {
		t.Errorf("unexpected content: %s", got.Content)
	}
	if got.Times.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt to be set by put")
	}
	if got.Times.RenderedAt.After(got.Times.UpdatedAt) {
		t.Error("renderedAt must not exceed updatedAt")
	}
	if got.Times.LastAccessedAt.IsZero() {
		t.Error("expected get to bump lastAccessedAt")
	}
}

func TestMemoryGetMissing(t *testing.T) {
	m := NewMemoryStore()
	_, err := m.Get(context.Background(), Key{Site: "https://ex.com", Path: "/nope", DeviceType: DeviceDesktop, Type: TypeHTML})
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryPutOverwrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	s := testSnap("https://ex.com", "/a")
	if err := m.Put(ctx, s); err != nil {
		t.Fatalf("put: %v", err)
	}
	s2 := testSnap("https://ex.com", "/a")
	s2.Content = []byte("v2")
	if err := m.Put(ctx, s2); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := m.Get(ctx, s.Key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Content) != "v2" {
		t.Errorf("expected overwrite, got %s", got.Content)
	}
	if m.Len() != 1 {
		t.Errorf("expected 1 snapshot, got %d", m.Len())
	}
}

func TestMemoryScanBySiteOrderAndCursor(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	paths := []string{"/c", "/a", "/b", "/d", "/e"}
	for _, p := range paths {
		if err := m.Put(ctx, testSnap("https://ex.com", p)); err != nil {
			t.Fatalf("put %s: %v", p, err)
		}
	}
	// another site must not leak into the scan
	if err := m.Put(ctx, testSnap("https://other.com", "/z")); err != nil {
		t.Fatalf("put: %v", err)
	}

	var got []string
	cursor := ""
	for {
		page, err := m.ScanBySite(ctx, "https://ex.com", cursor, 2)
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		for _, s := range page.Snapshots {
			got = append(got, s.Key.Path)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	want := []string{"/a", "/b", "/c", "/d", "/e"}
	if len(got) != len(want) {
		t.Fatalf("expected %d paths, got %d (%v)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestMemoryInvalidate(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	s := testSnap("https://ex.com", "/a")
	if err := m.Put(ctx, s); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := m.Invalidate(ctx, s.Key); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := m.Get(ctx, s.Key); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after invalidate, got %v", err)
	}
	page, err := m.ScanBySite(ctx, "https://ex.com", "", 10)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(page.Snapshots) != 0 {
		t.Errorf("expected empty scan after invalidate, got %d", len(page.Snapshots))
	}
}

func TestMemoryExpireBefore(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	now := time.Now()
	for i, age := range []time.Duration{time.Hour, 30 * time.Minute, time.Minute} {
		s := testSnap("https://ex.com", fmt.Sprintf("/p%d", i))
		if err := m.Put(ctx, s); err != nil {
			t.Fatalf("put: %v", err)
		}
		// backdate directly; Put always stamps now
		m.mu.Lock()
		m.snaps[s.Key.String()].Times.UpdatedAt = now.Add(-age)
		m.mu.Unlock()
	}

	removed, err := m.ExpireBefore(ctx, now.Add(-45*time.Minute))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if m.Len() != 2 {
		t.Errorf("expected 2 survivors, got %d", m.Len())
	}
}

func TestMemoryLease(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	ok, err := m.AcquireLease(ctx, "janitor", 50*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("expected lease acquired, got ok=%v err=%v", ok, err)
	}
	ok, _ = m.AcquireLease(ctx, "janitor", 50*time.Millisecond)
	if ok {
		t.Fatal("expected lease held")
	}
	time.Sleep(60 * time.Millisecond)
	ok, _ = m.AcquireLease(ctx, "janitor", 50*time.Millisecond)
	if !ok {
		t.Fatal("expected lease reacquired after expiry")
	}
}

func TestKeyMemberRoundTrip(t *testing.T) {
	k := Key{Site: "https://ex.com", Path: "/a/b?q=1", DeviceType: DeviceMobile, Type: TypeStatic}
	got, ok := KeyFromMember(k.Site, k.Member())
	if !ok {
		t.Fatal("expected member to parse")
	}
	if got != k {
		t.Errorf("round trip mismatch: %+v != %+v", got, k)
	}
}

func TestSnapshotFreshness(t *testing.T) {
	now := time.Now()
	s := &Snapshot{Times: Times{RenderedAt: now.Add(-300 * time.Second)}}
	s.SetExpiry(180*time.Second, 86400*time.Second)

	if got := s.PrivateExpires.Sub(s.Times.RenderedAt); got != 180*time.Second {
		t.Errorf("privateExpires - renderedAt = %v, want 180s", got)
	}
	if got := s.SharedExpires.Sub(s.Times.RenderedAt); got != 86400*time.Second {
		t.Errorf("sharedExpires - renderedAt = %v, want 86400s", got)
	}
	if s.Fresh(now) {
		t.Error("expected snapshot past maxage to be unfresh")
	}
	if !s.ServableStale(now) {
		t.Error("expected snapshot within sMaxage to be servable stale")
	}
}
