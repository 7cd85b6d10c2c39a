// Package peers implements the NetShare peer directory: a map from
// device-id to last-known endpoint and last-seen timestamp, with liveness
// derived at read time. Single-writer/many-reader.
package peers

import (
	"sync"
	"time"

	"github.com/netshare/netshare-node/internal/metrics"
)

// OfflineAfter is the liveness threshold: a peer is online iff
// now - last_seen <= OfflineAfter.
const OfflineAfter = 7000 * time.Millisecond

// Peer is one entry in the directory.
type Peer struct {
	DeviceID      string
	DeviceName    string
	Address       string
	TCPPort       int
	DiscoveryPort int
	LastSeenUTC   time.Time
}

// Online reports whether the peer was seen recently enough to be
// considered reachable, evaluated against now.
func (p Peer) Online(now time.Time) bool {
	return now.Sub(p.LastSeenUTC) <= OfflineAfter
}

// Directory owns the peer map exclusively.
type Directory struct {
	selfDeviceID string
	metrics      *metrics.Collector

	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewDirectory creates an empty peer directory. selfDeviceID is used to
// self-filter incoming discovery datagrams.
func NewDirectory(selfDeviceID string) *Directory {
	return &Directory{
		selfDeviceID: selfDeviceID,
		peers:        make(map[string]*Peer),
	}
}

// SetMetrics attaches a collector whose PeersOnline gauge is refreshed on
// every Upsert/Remove. Passing nil detaches it; the zero value (never
// called) means no metrics are recorded.
func (d *Directory) SetMetrics(coll *metrics.Collector) {
	d.mu.Lock()
	d.metrics = coll
	d.reportOnlineLocked()
	d.mu.Unlock()
}

// reportOnlineLocked refreshes the PeersOnline gauge. Caller must hold mu.
func (d *Directory) reportOnlineLocked() {
	if d.metrics == nil {
		return
	}
	now := time.Now()
	count := 0
	for _, p := range d.peers {
		if p.Online(now) {
			count++
		}
	}
	d.metrics.PeersOnline.Set(float64(count))
}

// Upsert creates or refreshes a peer entry. A datagram whose device-id
// matches the local node's own identity is dropped (self-filter) and
// Upsert reports false in that case.
func (d *Directory) Upsert(p Peer) bool {
	if p.DeviceID == d.selfDeviceID {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.peers[p.DeviceID]
	if !ok {
		cp := p
		d.peers[p.DeviceID] = &cp
		d.reportOnlineLocked()
		return true
	}

	existing.DeviceName = p.DeviceName
	existing.Address = p.Address
	existing.TCPPort = p.TCPPort
	existing.DiscoveryPort = p.DiscoveryPort
	existing.LastSeenUTC = p.LastSeenUTC
	d.reportOnlineLocked()
	return true
}

// Get returns the peer with the given device-id, if any.
func (d *Directory) Get(deviceID string) (Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.peers[deviceID]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Snapshot returns every known peer, online or not; the caller (typically
// the external UI layer) decides whether to prune offline entries.
func (d *Directory) Snapshot() []Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, *p)
	}
	return out
}

// OnlineSnapshot returns only peers considered online as of now.
func (d *Directory) OnlineSnapshot(now time.Time) []Peer {
	all := d.Snapshot()
	out := all[:0:0]
	for _, p := range all {
		if p.Online(now) {
			out = append(out, p)
		}
	}
	return out
}

// Remove deletes a peer entry (used by the UI layer to prune offline
// peers; the directory itself never removes entries implicitly).
func (d *Directory) Remove(deviceID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.peers[deviceID]; !ok {
		return false
	}
	delete(d.peers, deviceID)
	d.reportOnlineLocked()
	return true
}
