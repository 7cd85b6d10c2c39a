// Package discovery implements LAN peer discovery over UDP broadcast:
// periodic ANNOUNCE beacons, QUERY/RESPONSE on demand, and delivery of
// observed peers into a peers.Directory. The read loop polls against a
// context for shutdown using a read deadline, with the UDP connection
// handle guarded by an RWMutex.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/netshare/netshare-node/internal/logging"
	"github.com/netshare/netshare-node/internal/netutil"
	"github.com/netshare/netshare-node/internal/peers"
	"github.com/netshare/netshare-node/internal/wireproto"
)

// AnnounceInterval is how often a node broadcasts an ANNOUNCE beacon.
const AnnounceInterval = 2000 * time.Millisecond

// errorLogInterval throttles repeated read/write error logging so a
// persistently broken socket doesn't flood the log hub.
const errorLogInterval = 30 * time.Second

const maxDatagramSize = 4096

// Identity describes the node for announcement purposes.
type Identity struct {
	DeviceID      string
	DeviceName    string
	TCPPort       int
	DiscoveryPort int
	Capability    wireproto.Capability
}

// Service runs the UDP discovery announce/listen loop.
type Service struct {
	identity Identity
	dir      *peers.Directory
	logger   *logging.Hub

	// RespondToQueries controls whether this node answers QUERY
	// messages with a unicast RESPONSE. Some deployments only want to
	// discover others without advertising presence on demand.
	RespondToQueries bool

	mu            sync.RWMutex
	conn          *net.UDPConn
	broadcastAddr net.IP
	running       bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lastErrLogMu sync.Mutex
	lastErrLog   time.Time
}

// NewService constructs a discovery Service. broadcastAddr is the
// directed or limited broadcast address to announce on (see
// netutil.BroadcastAddressForInterface).
func NewService(identity Identity, dir *peers.Directory, logger *logging.Hub, broadcastAddr net.IP) *Service {
	return &Service{
		identity:         identity,
		dir:              dir,
		logger:           logger,
		RespondToQueries: true,
		broadcastAddr:    broadcastAddr,
	}
}

// Start binds the UDP discovery port and launches the announce and
// listen loops.
func (s *Service) Start(ctx context.Context) error {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: s.identity.DiscoveryPort}
	if err := netutil.CheckUDPPortAvailable(addr); err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("discovery: listen udp :%d: %w", s.identity.DiscoveryPort, err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.conn = conn
	s.running = true
	s.ctx = runCtx
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(2)
	go s.announceLoop()
	go s.listenLoop()

	s.logger.Info("discovery", "listening on udp :%d", s.identity.DiscoveryPort)
	return nil
}

// Stop cancels the loops and closes the socket, blocking until both
// goroutines have exited.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	conn := s.conn
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var closeErr error
	if conn != nil {
		closeErr = conn.Close()
	}
	s.wg.Wait()
	return closeErr
}

func (s *Service) announceLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(AnnounceInterval)
	defer ticker.Stop()

	s.sendAnnounce()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sendAnnounce()
		}
	}
}

func (s *Service) sendAnnounce() {
	msg := s.buildMessage(wireproto.DiscoveryAnnounce)
	s.broadcast(msg)
}

// buildMessage assembles an outgoing datagram. A QUERY carries only
// proto/type/timestamp; identity, ports, and capability appear on
// ANNOUNCE and RESPONSE only.
func (s *Service) buildMessage(msgType string) wireproto.DiscoveryMessage {
	msg := wireproto.DiscoveryMessage{
		Proto:        wireproto.ProtocolVersion,
		Type:         msgType,
		TimestampUTC: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if msgType == wireproto.DiscoveryQuery {
		return msg
	}
	msg.DeviceID = s.identity.DeviceID
	msg.DeviceName = s.identity.DeviceName
	msg.TCPPort = s.identity.TCPPort
	msg.DiscoveryPort = s.identity.DiscoveryPort
	msg.Capability = s.identity.Capability
	return msg
}

func (s *Service) broadcast(msg wireproto.DiscoveryMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("discovery", fmt.Sprintf("marshal %s", msg.Type), err)
		return
	}

	s.mu.RLock()
	conn := s.conn
	bcast := s.broadcastAddr
	s.mu.RUnlock()
	if conn == nil || bcast == nil {
		return
	}

	dst := &net.UDPAddr{IP: bcast, Port: s.identity.DiscoveryPort}
	if _, err := conn.WriteToUDP(data, dst); err != nil {
		s.throttledError("broadcast %s: %v", msg.Type, err)
	}
}

func (s *Service) unicast(msg wireproto.DiscoveryMessage, dst *net.UDPAddr) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("discovery", fmt.Sprintf("marshal %s", msg.Type), err)
		return
	}

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return
	}

	if _, err := conn.WriteToUDP(data, dst); err != nil {
		s.throttledError("unicast %s to %s: %v", msg.Type, dst, err)
	}
}

func (s *Service) listenLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.ctx.Done():
				return
			default:
				s.throttledError("read: %v", err)
				continue
			}
		}

		s.handleDatagram(buf[:n], remote)
	}
}

func (s *Service) handleDatagram(data []byte, remote *net.UDPAddr) {
	var msg wireproto.DiscoveryMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.throttledError("decode datagram from %s: %v", remote, err)
		return
	}

	if msg.Proto != wireproto.ProtocolVersion {
		return
	}
	if msg.DeviceID == s.identity.DeviceID {
		return
	}

	switch msg.Type {
	case wireproto.DiscoveryAnnounce, wireproto.DiscoveryResponse:
		s.dir.Upsert(peers.Peer{
			DeviceID:      msg.DeviceID,
			DeviceName:    msg.DeviceName,
			Address:       remote.IP.String(),
			TCPPort:       msg.TCPPort,
			DiscoveryPort: msg.DiscoveryPort,
			LastSeenUTC:   time.Now().UTC(),
		})
	case wireproto.DiscoveryQuery:
		// A spec-minimal QUERY carries only proto/type/timestamp and
		// leaves DeviceID empty; don't upsert a bogus anonymous peer for
		// it. Only enrich the directory when the sender identified itself.
		if msg.DeviceID != "" {
			s.dir.Upsert(peers.Peer{
				DeviceID:      msg.DeviceID,
				DeviceName:    msg.DeviceName,
				Address:       remote.IP.String(),
				TCPPort:       msg.TCPPort,
				DiscoveryPort: msg.DiscoveryPort,
				LastSeenUTC:   time.Now().UTC(),
			})
		}
		if s.RespondToQueries {
			// Reply to the sender's source endpoint: a minimal QUERY
			// carries no DiscoveryPort field to address by.
			resp := s.buildMessage(wireproto.DiscoveryResponse)
			s.unicast(resp, remote)
		}
	}
}

// Query broadcasts a one-off QUERY beacon, prompting peers to respond
// immediately instead of waiting for their next ANNOUNCE.
func (s *Service) Query() {
	msg := s.buildMessage(wireproto.DiscoveryQuery)
	s.broadcast(msg)
}

func (s *Service) throttledError(format string, args ...any) {
	s.lastErrLogMu.Lock()
	defer s.lastErrLogMu.Unlock()

	now := time.Now()
	if now.Sub(s.lastErrLog) < errorLogInterval {
		return
	}
	s.lastErrLog = now
	s.logger.Warn("discovery", format, args...)
}
