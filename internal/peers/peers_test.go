package peers

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/netshare/netshare-node/internal/metrics"
)

func TestSelfFilterDropsOwnDeviceID(t *testing.T) {
	d := NewDirectory("self")
	ok := d.Upsert(Peer{DeviceID: "self", LastSeenUTC: time.Now()})
	if ok {
		t.Fatal("expected self datagram to be dropped")
	}
	if len(d.Snapshot()) != 0 {
		t.Fatal("expected no peers recorded")
	}
}

func TestUpsertCreatesThenRefreshes(t *testing.T) {
	d := NewDirectory("self")
	t1 := time.Now().Add(-time.Minute)
	d.Upsert(Peer{DeviceID: "peer-1", DeviceName: "old", LastSeenUTC: t1})

	t2 := time.Now()
	d.Upsert(Peer{DeviceID: "peer-1", DeviceName: "new", LastSeenUTC: t2})

	p, ok := d.Get("peer-1")
	if !ok {
		t.Fatal("expected peer to exist")
	}
	if p.DeviceName != "new" {
		t.Fatalf("DeviceName = %q, want new", p.DeviceName)
	}
	if !p.LastSeenUTC.Equal(t2) {
		t.Fatalf("LastSeenUTC not refreshed")
	}
}

func TestLivenessThreshold(t *testing.T) {
	now := time.Now()

	recent := Peer{LastSeenUTC: now.Add(-6999 * time.Millisecond)}
	if !recent.Online(now) {
		t.Fatal("expected peer seen 6999ms ago to be online")
	}

	stale := Peer{LastSeenUTC: now.Add(-7001 * time.Millisecond)}
	if stale.Online(now) {
		t.Fatal("expected peer seen 7001ms ago to be offline")
	}
}

func TestOnlineSnapshotFiltersOfflinePeers(t *testing.T) {
	d := NewDirectory("self")
	now := time.Now()
	d.Upsert(Peer{DeviceID: "online", LastSeenUTC: now})
	d.Upsert(Peer{DeviceID: "offline", LastSeenUTC: now.Add(-time.Hour)})

	online := d.OnlineSnapshot(now)
	if len(online) != 1 || online[0].DeviceID != "online" {
		t.Fatalf("online snapshot = %+v", online)
	}
}

func TestPeersOnlineGaugeTracksUpsertAndRemove(t *testing.T) {
	d := NewDirectory("self")
	coll := metrics.NewCollector()
	d.SetMetrics(coll)

	d.Upsert(Peer{DeviceID: "peer-1", LastSeenUTC: time.Now()})
	if got := testutil.ToFloat64(coll.PeersOnline); got != 1 {
		t.Fatalf("PeersOnline = %v, want 1", got)
	}

	d.Upsert(Peer{DeviceID: "peer-2", LastSeenUTC: time.Now()})
	if got := testutil.ToFloat64(coll.PeersOnline); got != 2 {
		t.Fatalf("PeersOnline = %v, want 2", got)
	}

	d.Remove("peer-1")
	if got := testutil.ToFloat64(coll.PeersOnline); got != 1 {
		t.Fatalf("PeersOnline = %v, want 1 after remove", got)
	}
}
