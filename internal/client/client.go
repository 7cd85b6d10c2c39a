// Package client implements the session client side of the protocol:
// opens a TCP connection to a peer's session server, drives the
// HELLO/AUTH handshake, and issues the request catalog over the same
// connection, framed by internal/wireproto.
package client

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/netshare/netshare-node/internal/auth"
	"github.com/netshare/netshare-node/internal/netutil"
	"github.com/netshare/netshare-node/internal/transfer"
	"github.com/netshare/netshare-node/internal/wireproto"
)

// ControlTimeout bounds every control-path read/write, matching the
// server's 15-second liveness bound.
const ControlTimeout = 15 * time.Second

// ErrNoKeyConfigured is returned when the server requires PSK auth but
// the client has no shared key configured. The client fails locally
// rather than sending an empty-key MAC.
var ErrNoKeyConfigured = fmt.Errorf("client: server requires psk-hmac-sha256 auth but no shared key is configured")

// Identity describes the local node for the HELLO handshake.
type Identity struct {
	DeviceID   string
	DeviceName string
	SharedKey  string // empty if this node has no PSK configured
}

// Session is an established, authenticated connection to a remote
// session server, ready to issue requests.
type Session struct {
	conn        net.Conn
	r           *wireproto.Reader
	w           *wireproto.Writer
	identity    Identity
	serverID    string
	serverNonce []byte
	hashReqOK   bool
	reqCounter  int
	tracker     *transfer.Tracker
}

// Dial opens a TCP connection to addr, performs HELLO (and AUTH if the
// server requires it), and returns a ready Session. The connection is
// closed and an error returned if the handshake fails at any step.
func Dial(addr string, identity Identity) (*Session, error) {
	conn, err := net.DialTimeout("tcp", addr, ControlTimeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}

	tc := netutil.TimeoutConn{Conn: conn, Timeout: ControlTimeout}
	sess := &Session{
		conn:     conn,
		r:        wireproto.NewReader(tc),
		w:        wireproto.NewWriter(tc),
		identity: identity,
	}

	if err := sess.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return sess, nil
}

// DialWithBackoff retries Dial with a 250ms/500ms/1s backoff sequence
// before giving up.
func DialWithBackoff(addr string, identity Identity) (*Session, error) {
	backoffs := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}
	var lastErr error
	for i := 0; ; i++ {
		sess, err := Dial(addr, identity)
		if err == nil {
			return sess, nil
		}
		lastErr = err
		if i >= len(backoffs) {
			break
		}
		time.Sleep(backoffs[i])
	}
	return nil, lastErr
}

func (s *Session) handshake() error {
	requestedAuth := auth.ModeOpen
	if s.identity.SharedKey != "" {
		requestedAuth = auth.ModePSKHMACSHA256
	}

	helloReq := wireproto.HelloRequest{
		Type:       wireproto.TypeHello,
		ReqID:      s.nextReqID(),
		Proto:      wireproto.ProtocolVersion,
		DeviceID:   s.identity.DeviceID,
		DeviceName: s.identity.DeviceName,
		Auth:       requestedAuth,
	}
	if err := s.writeJSON(helloReq); err != nil {
		return err
	}

	var ack wireproto.HelloAckResponse
	if err := s.readJSON(&ack); err != nil {
		return fmt.Errorf("client: read HELLO_ACK: %w", err)
	}
	if !ack.OK {
		return fmt.Errorf("client: HELLO rejected: %s", errCode(ack.Error))
	}

	s.serverID = ack.ServerID
	s.hashReqOK = ack.Capability.HashReq
	nonce, err := auth.DecodeNonce(ack.Nonce)
	if err != nil {
		return fmt.Errorf("client: decode server nonce: %w", err)
	}
	s.serverNonce = nonce

	// Prefer the server's advertised policy over local config: a client
	// that only consulted its own settings cannot interoperate with a
	// server that requires auth.
	needsAuth := ack.AuthRequired || ack.SelectedAuth == auth.ModePSKHMACSHA256
	if !needsAuth {
		return nil
	}
	if s.identity.SharedKey == "" {
		return ErrNoKeyConfigured
	}
	return s.doAuth()
}

func (s *Session) doAuth() error {
	_, clientNonceB64, err := auth.NewNonce()
	if err != nil {
		return err
	}
	clientNonce, _ := auth.DecodeNonce(clientNonceB64)

	mac := auth.ComputeMACBase64(s.identity.SharedKey, s.serverNonce, clientNonce, s.serverID, s.identity.DeviceID)

	req := wireproto.AuthRequest{
		Type:        wireproto.TypeAuth,
		ReqID:       s.nextReqID(),
		ClientNonce: clientNonceB64,
		MAC:         mac,
	}
	if err := s.writeJSON(req); err != nil {
		return err
	}

	var resp wireproto.AuthOKResponse
	if err := s.readJSON(&resp); err != nil {
		return fmt.Errorf("client: read AUTH_OK: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("client: auth rejected: %s", errCode(resp.Error))
	}
	return nil
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Ping issues a PING and waits for PONG.
func (s *Session) Ping() error {
	req := wireproto.PingRequest{Type: wireproto.TypePing, ReqID: s.nextReqID()}
	if err := s.writeJSON(req); err != nil {
		return err
	}
	var resp wireproto.PongResponse
	if err := s.readJSON(&resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("client: ping rejected: %s", errCode(resp.Error))
	}
	return nil
}

// ListShares returns the remote node's advertised shares.
func (s *Session) ListShares() ([]wireproto.ShareInfo, error) {
	req := wireproto.ListSharesRequest{Type: wireproto.TypeListShares, ReqID: s.nextReqID()}
	if err := s.writeJSON(req); err != nil {
		return nil, err
	}
	var resp wireproto.ListSharesResponse
	if err := s.readJSON(&resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("client: list_shares rejected: %s", errCode(resp.Error))
	}
	return resp.Shares, nil
}

// ListDir lists the immediate children of path within shareID.
func (s *Session) ListDir(shareID, path string) ([]wireproto.DirEntry, error) {
	req := wireproto.ListDirRequest{Type: wireproto.TypeListDir, ReqID: s.nextReqID(), ShareID: shareID, Path: path}
	if err := s.writeJSON(req); err != nil {
		return nil, err
	}
	var resp wireproto.ListDirResponse
	if err := s.readJSON(&resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("client: list_dir rejected: %s", errCode(resp.Error))
	}
	return resp.Entries, nil
}

// Stat returns size/mtime/sha256 for a regular file within shareID.
func (s *Session) Stat(shareID, path string) (wireproto.FileStat, error) {
	req := wireproto.StatRequest{Type: wireproto.TypeStat, ReqID: s.nextReqID(), ShareID: shareID, Path: path}
	if err := s.writeJSON(req); err != nil {
		return wireproto.FileStat{}, err
	}
	var resp wireproto.StatResponse
	if err := s.readJSON(&resp); err != nil {
		return wireproto.FileStat{}, err
	}
	if !resp.OK || resp.Stat == nil {
		return wireproto.FileStat{}, fmt.Errorf("client: stat rejected: %s", errCode(resp.Error))
	}
	return *resp.Stat, nil
}

// SetTracker attaches a transfer tracker whose progress tuples the UI
// layer observes; Cancel on it closes this session's connection. May be
// shared with the session server's tracker.
func (s *Session) SetTracker(tr *transfer.Tracker) {
	s.tracker = tr
}

// Download drives a full download sequence for shareID/path into
// localPath, resuming from whatever prefix is already present on disk.
// One transfer per connection: after this call the session is spent and
// must be closed.
func (s *Session) Download(shareID, path, localPath string) (wireproto.DownloadAckResponse, error) {
	offset, err := localPrefixLength(localPath)
	if err != nil {
		return wireproto.DownloadAckResponse{}, err
	}

	// When the server advertised the range-hash capability, verify the
	// local prefix against the server's copy before resuming; a stale
	// prefix restarts the download from zero instead of failing the
	// integrity check after transferring the whole suffix.
	if offset > 0 && s.hashReqOK {
		if localHex, err := transfer.RangeSHA256(localPath, 0, offset); err == nil {
			remoteHex, err := s.HashRange(shareID, path, 0, offset)
			if err == nil && remoteHex != localHex {
				offset = 0
			}
		}
	}

	req := wireproto.DownloadReqRequest{
		Type:       wireproto.TypeDownloadReq,
		ReqID:      s.nextReqID(),
		TransferID: uuid.New().String(),
		ShareID:    shareID,
		Path:       path,
		Offset:     offset,
	}
	s.tracker.Begin(req.TransferID, transfer.DirectionDownload, func() { s.conn.Close() })
	return transfer.RunDownload(s.w, s.r, localPath, req, s.tracker)
}

// Upload drives a full upload sequence for localPath into shareID/path.
// One transfer per connection, same as Download.
func (s *Session) Upload(shareID, path, localPath string) (wireproto.UploadAckResponse, error) {
	sha, size, err := transfer.LocalFileSHA256(localPath)
	if err != nil {
		return wireproto.UploadAckResponse{}, err
	}

	req := wireproto.UploadReqRequest{
		Type:       wireproto.TypeUploadReq,
		ReqID:      s.nextReqID(),
		TransferID: uuid.New().String(),
		ShareID:    shareID,
		Path:       path,
		File:       wireproto.FileRef{Size: size, SHA256: sha},
	}
	s.tracker.Begin(req.TransferID, transfer.DirectionUpload, func() { s.conn.Close() })
	return transfer.RunUpload(s.w, s.r, localPath, req, s.tracker)
}

// HashRange opportunistically issues HASH_REQ against the server's
// reserved range-hash operation, used by a resuming client to cheaply
// verify a local partial file's prefix before paying for a
// DOWNLOAD_REQ. Servers that don't enable it return BAD_REQUEST, which
// this method surfaces as an error rather than retrying forever.
func (s *Session) HashRange(shareID, path string, rangeStart, rangeLen int64) (string, error) {
	if !s.hashReqOK {
		return "", fmt.Errorf("client: server did not advertise hashReq capability")
	}
	req := wireproto.HashReqRequest{
		Type: wireproto.TypeHashReq, ReqID: s.nextReqID(),
		ShareID: shareID, Path: path, RangeStart: rangeStart, RangeLen: rangeLen,
	}
	if err := s.writeJSON(req); err != nil {
		return "", err
	}
	var resp wireproto.HashRespResponse
	if err := s.readJSON(&resp); err != nil {
		return "", err
	}
	if !resp.OK {
		return "", fmt.Errorf("client: hash_req rejected: %s", errCode(resp.Error))
	}
	return resp.SHA256, nil
}

func (s *Session) nextReqID() string {
	s.reqCounter++
	return fmt.Sprintf("%s-%d", s.identity.DeviceID, s.reqCounter)
}

func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("client: marshal %T: %w", v, err)
	}
	return s.w.WriteJSON(data)
}

func (s *Session) readJSON(v any) error {
	frame, err := s.r.ReadFrame()
	if err != nil {
		return err
	}
	if frame.Kind != wireproto.KindJSON {
		return fmt.Errorf("client: expected JSON frame, got binary")
	}
	return json.Unmarshal(frame.Payload, v)
}

func errCode(e *wireproto.ErrorInfo) string {
	if e == nil {
		return "unknown"
	}
	return e.Code
}

// localPrefixLength reports the size of any local file already present at
// path, or 0 if it does not exist yet. Used as the requested Offset in a
// DOWNLOAD_REQ: the server clamps it into range.
func localPrefixLength(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("client: stat local %s: %w", path, err)
	}
	return info.Size(), nil
}
