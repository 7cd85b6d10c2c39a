// Package server implements the session state machine: one goroutine per
// accepted TCP connection walking
// AWAIT_HELLO -> AWAIT_AUTH -> READY -> TRANSFER -> CLOSED, dispatching
// the request catalog against the share registry, hash cache, and
// transfer engine. Per-connection request rate limiting uses a
// golang.org/x/time/rate token bucket rather than a fixed per-minute
// counter, so bursts within the configured rate don't get throttled.
package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/netshare/netshare-node/internal/auth"
	"github.com/netshare/netshare-node/internal/logging"
	"github.com/netshare/netshare-node/internal/metrics"
	"github.com/netshare/netshare-node/internal/netutil"
	"github.com/netshare/netshare-node/internal/pathsafe"
	"github.com/netshare/netshare-node/internal/shares"
	"github.com/netshare/netshare-node/internal/transfer"
	"github.com/netshare/netshare-node/internal/wireproto"
)

// ControlTimeout bounds every control-path read/write.
const ControlTimeout = 15 * time.Second

// state is the per-connection session state machine.
type state int

const (
	stateAwaitHello state = iota
	stateAwaitAuth
	stateReady
	stateTransfer
	stateClosed
)

// Policy is the server's local auth/protocol decisions, resolved from
// the node's persisted configuration.
type Policy struct {
	ProtocolVersion string
	ServerDeviceID  string
	OpenMode        bool
	SharedKey       string
	EnableHashReq   bool
}

// Server accepts TCP connections and drives sessions against the given
// collaborators.
type Server struct {
	policy  Policy
	shares  *shares.Registry
	hashes  *transfer.HashCache
	logger  *logging.Hub
	metrics *metrics.Collector

	// RequestsPerSecond/Burst configure the per-connection rate.Limiter
	// applied to control-path requests.
	RequestsPerSecond rate.Limit
	Burst             int

	// Tracker, when set, records progress tuples for transfers this
	// server serves. May be nil.
	Tracker *transfer.Tracker
}

// NewServer constructs a Server. hashes memoizes the full-file digests
// that STAT and DOWNLOAD_ACK report.
func NewServer(policy Policy, registry *shares.Registry, hashes *transfer.HashCache, logger *logging.Hub, coll *metrics.Collector) *Server {
	return &Server{
		policy:            policy,
		shares:            registry,
		hashes:            hashes,
		logger:            logger,
		metrics:           coll,
		RequestsPerSecond: 50,
		Burst:             20,
	}
}

// Listen binds addr for the session server, failing fast with a clear
// error if the port is already taken rather than leaving that to
// net.Listen's generic "address already in use".
func Listen(addr string) (net.Listener, error) {
	if err := netutil.CheckTCPPortAvailable(addr); err != nil {
		return nil, err
	}
	return net.Listen("tcp", addr)
}

// Serve accepts connections on ln until it errors (e.g. after Close), one
// goroutine per connection.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

type session struct {
	srv          *Server
	conn         net.Conn
	r            *wireproto.Reader
	w            *wireproto.Writer
	state        state
	limiter      *rate.Limiter
	serverNonce  []byte
	clientID     string
	authed       bool
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	tc := netutil.TimeoutConn{Conn: conn, Timeout: ControlTimeout}
	sess := &session{
		srv:     s,
		conn:    conn,
		r:       wireproto.NewReader(tc),
		w:       wireproto.NewWriter(tc),
		state:   stateAwaitHello,
		limiter: rate.NewLimiter(s.RequestsPerSecond, s.Burst),
	}
	sess.run()
}

func (sess *session) run() {
	s := sess.srv
	for sess.state != stateClosed {
		frame, err := sess.r.ReadFrame()
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("server", "connection %s read error: %v", sess.conn.RemoteAddr(), err)
			}
			return
		}
		if frame.Kind != wireproto.KindJSON {
			return
		}

		env, err := wireproto.PeekEnvelope(frame.Payload)
		if err != nil {
			return
		}

		if !sess.limiter.Allow() {
			resp, _ := wireproto.NewErrorResponse(env.Type, env.ReqID, wireproto.CodeRateLimited, "request rate limit exceeded")
			sess.w.WriteJSON(resp)
			continue
		}

		if err := sess.dispatch(env, frame.Payload); err != nil {
			s.logger.Debug("server", "dispatch %s: %v", env.Type, err)
			return
		}
	}
}

func (sess *session) dispatch(env wireproto.Envelope, raw []byte) error {
	s := sess.srv

	switch sess.state {
	case stateAwaitHello:
		if env.Type != "HELLO" {
			return sess.rejectUnknown(env)
		}
		return sess.handleHello(raw)

	case stateAwaitAuth:
		if env.Type != "AUTH" {
			return sess.rejectUnknown(env)
		}
		return sess.handleAuth(raw)

	case stateReady:
		switch env.Type {
		case "PING":
			return sess.handlePing(raw)
		case "LIST_SHARES":
			return sess.handleListShares(raw)
		case "LIST_DIR":
			return sess.handleListDir(raw)
		case "STAT":
			return sess.handleStat(raw)
		case "DOWNLOAD_REQ":
			return sess.handleDownload(raw)
		case "UPLOAD_REQ":
			return sess.handleUpload(raw)
		case "HASH_REQ":
			if s.policy.EnableHashReq {
				return sess.handleHashReq(raw)
			}
			return sess.rejectUnknown(env)
		default:
			return sess.rejectUnknown(env)
		}

	default:
		return sess.rejectUnknown(env)
	}
}

func (sess *session) rejectUnknown(env wireproto.Envelope) error {
	resp, err := wireproto.NewErrorResponse(env.Type, env.ReqID, wireproto.CodeBadRequest, "unexpected or unknown request in current state")
	if err != nil {
		return err
	}
	sess.w.WriteJSON(resp)
	err = fmt.Errorf("bad request %q in state %d", env.Type, sess.state)
	sess.state = stateClosed
	return err
}

func (sess *session) handleHello(raw []byte) error {
	s := sess.srv
	var req wireproto.HelloRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}

	if req.Proto != s.policy.ProtocolVersion {
		resp, _ := wireproto.NewErrorResponse("HELLO", req.ReqID, wireproto.CodeUnsupportedVersion, "protocol version mismatch")
		sess.w.WriteJSON(resp)
		s.metrics.HandshakesFail.Inc()
		sess.state = stateClosed
		return fmt.Errorf("unsupported proto %q", req.Proto)
	}
	if req.Auth != auth.ModeOpen && req.Auth != auth.ModePSKHMACSHA256 {
		resp, _ := wireproto.NewErrorResponse("HELLO", req.ReqID, wireproto.CodeBadRequest, "unsupported auth mode requested")
		sess.w.WriteJSON(resp)
		s.metrics.HandshakesFail.Inc()
		sess.state = stateClosed
		return fmt.Errorf("bad auth mode %q", req.Auth)
	}

	_, nonceB64, err := auth.NewNonce()
	if err != nil {
		return err
	}
	sess.serverNonce, _ = auth.DecodeNonce(nonceB64)
	sess.clientID = req.DeviceID

	selectedAuth := auth.ModeOpen
	authRequired := !s.policy.OpenMode
	if authRequired {
		selectedAuth = auth.ModePSKHMACSHA256
	}

	ack := wireproto.HelloAckResponse{
		Type:         "HELLO_ACK",
		ReqID:        req.ReqID,
		OK:           true,
		ServerID:     s.policy.ServerDeviceID,
		Nonce:        nonceB64,
		Auth:         []string{auth.ModeOpen, auth.ModePSKHMACSHA256},
		AuthRequired: authRequired,
		SelectedAuth: selectedAuth,
		Capability:   wireproto.Capability{AuthModes: []string{auth.ModeOpen, auth.ModePSKHMACSHA256}, Resume: true, HashReq: s.policy.EnableHashReq},
	}
	if err := writeJSON(sess.w, ack); err != nil {
		return err
	}

	if !authRequired {
		sess.state = stateReady
		s.metrics.HandshakesOK.Inc()
	} else {
		sess.state = stateAwaitAuth
	}
	return nil
}

func (sess *session) handleAuth(raw []byte) error {
	s := sess.srv
	var req wireproto.AuthRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}

	if s.policy.OpenMode {
		ok := wireproto.AuthOKResponse{Type: "AUTH_OK", ReqID: req.ReqID, OK: true}
		sess.state = stateReady
		s.metrics.HandshakesOK.Inc()
		return writeJSON(sess.w, ok)
	}

	clientNonce, err := auth.DecodeNonce(req.ClientNonce)
	if err != nil {
		resp, _ := wireproto.NewErrorResponse("AUTH", req.ReqID, wireproto.CodeAuthFailed, "malformed client nonce")
		sess.w.WriteJSON(resp)
		s.metrics.AuthFailures.Inc()
		sess.state = stateClosed
		return fmt.Errorf("malformed client nonce: %w", err)
	}

	providedMAC, err := auth.DecodeNonce(req.MAC)
	if err != nil {
		resp, _ := wireproto.NewErrorResponse("AUTH", req.ReqID, wireproto.CodeAuthFailed, "malformed MAC")
		sess.w.WriteJSON(resp)
		s.metrics.AuthFailures.Inc()
		sess.state = stateClosed
		return fmt.Errorf("malformed MAC: %w", err)
	}

	ok := auth.Verify(s.policy.SharedKey, sess.serverNonce, clientNonce, s.policy.ServerDeviceID, sess.clientID, providedMAC)
	if !ok {
		resp, _ := wireproto.NewErrorResponse("AUTH", req.ReqID, wireproto.CodeAuthFailed, "MAC verification failed")
		sess.w.WriteJSON(resp)
		s.metrics.AuthFailures.Inc()
		sess.state = stateClosed
		return fmt.Errorf("auth failed for client %q", sess.clientID)
	}

	sess.authed = true
	sess.state = stateReady
	s.metrics.HandshakesOK.Inc()
	return writeJSON(sess.w, wireproto.AuthOKResponse{Type: "AUTH_OK", ReqID: req.ReqID, OK: true})
}

func (sess *session) handlePing(raw []byte) error {
	var req wireproto.PingRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	return writeJSON(sess.w, wireproto.PongResponse{Type: "PONG", ReqID: req.ReqID, OK: true})
}

func (sess *session) handleListShares(raw []byte) error {
	var req wireproto.ListSharesRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}

	list := sess.srv.shares.List()
	out := make([]wireproto.ShareInfo, 0, len(list))
	for _, sh := range list {
		out = append(out, wireproto.ShareInfo{ShareID: sh.ShareID, Name: sh.Name, ReadOnly: sh.ReadOnly})
	}
	return writeJSON(sess.w, wireproto.ListSharesResponse{Type: "LIST_SHARES_RESP", ReqID: req.ReqID, OK: true, Shares: out})
}

// resolveShare looks up shareId and resolves path beneath its root,
// returning the absolute path or an error code to send to the client.
func (sess *session) resolveShare(shareID, relPath string) (string, *shares.Share, string) {
	sh, ok := sess.srv.shares.Get(shareID)
	if !ok {
		return "", nil, wireproto.CodeNotFound
	}
	abs, err := pathsafe.Resolve(sh.LocalPath, relPath)
	if err != nil {
		sess.srv.metrics.PathRejections.Inc()
		return "", nil, wireproto.CodePathTraversal
	}
	return abs, &sh, ""
}

func (sess *session) handleListDir(raw []byte) error {
	var req wireproto.ListDirRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}

	abs, _, code := sess.resolveShare(req.ShareID, req.Path)
	if code != "" {
		resp, _ := wireproto.NewErrorResponse("LIST_DIR", req.ReqID, code, "cannot resolve share/path")
		return sess.w.WriteJSON(resp)
	}

	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		resp, _ := wireproto.NewErrorResponse("LIST_DIR", req.ReqID, wireproto.CodeNotFound, "not a directory")
		return sess.w.WriteJSON(resp)
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		resp, _ := wireproto.NewErrorResponse("LIST_DIR", req.ReqID, wireproto.CodeIOError, err.Error())
		return sess.w.WriteJSON(resp)
	}

	out := make([]wireproto.DirEntry, 0, len(entries))
	for _, e := range entries {
		entryInfo, err := e.Info()
		if err != nil {
			continue
		}
		de := wireproto.DirEntry{Name: e.Name(), IsDir: e.IsDir()}
		if !e.IsDir() {
			de.Size = entryInfo.Size()
			de.MTimeUTC = entryInfo.ModTime().UTC().Format(time.RFC3339Nano)
		}
		out = append(out, de)
	}
	return writeJSON(sess.w, wireproto.ListDirResponse{Type: "LIST_DIR_RESP", ReqID: req.ReqID, OK: true, Entries: out})
}

func (sess *session) handleStat(raw []byte) error {
	var req wireproto.StatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}

	abs, _, code := sess.resolveShare(req.ShareID, req.Path)
	if code != "" {
		resp, _ := wireproto.NewErrorResponse("STAT", req.ReqID, code, "cannot resolve share/path")
		return sess.w.WriteJSON(resp)
	}

	info, err := os.Stat(abs)
	if err != nil || !info.Mode().IsRegular() {
		resp, _ := wireproto.NewErrorResponse("STAT", req.ReqID, wireproto.CodeNotFound, "not a regular file")
		return sess.w.WriteJSON(resp)
	}

	sum, _, err := sess.srv.hashes.FullFileSHA256(abs)
	if err != nil {
		resp, _ := wireproto.NewErrorResponse("STAT", req.ReqID, wireproto.CodeIOError, err.Error())
		return sess.w.WriteJSON(resp)
	}

	return writeJSON(sess.w, wireproto.StatResponse{
		Type: "STAT_RESP", ReqID: req.ReqID, OK: true,
		Stat: &wireproto.FileStat{Size: info.Size(), MTimeUTC: info.ModTime().UTC().Format(time.RFC3339Nano), SHA256: sum},
	})
}

func (sess *session) handleDownload(raw []byte) error {
	var req wireproto.DownloadReqRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}

	abs, _, code := sess.resolveShare(req.ShareID, req.Path)
	if code != "" {
		resp, _ := wireproto.NewErrorResponse("DOWNLOAD_REQ", req.ReqID, code, "cannot resolve share/path")
		sess.w.WriteJSON(resp)
		sess.state = stateClosed
		return fmt.Errorf("download rejected: %s", code)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.Mode().IsRegular() {
		resp, _ := wireproto.NewErrorResponse("DOWNLOAD_REQ", req.ReqID, wireproto.CodeNotFound, "not a regular file")
		sess.w.WriteJSON(resp)
		sess.state = stateClosed
		return fmt.Errorf("download target missing: %s", abs)
	}

	sess.state = stateTransfer
	sess.srv.metrics.TransfersActive.Inc()
	defer sess.srv.metrics.TransfersActive.Dec()

	if err := transfer.ServeDownload(sess.w, sess.r, sess.srv.hashes, abs, req, sess.srv.metrics, sess.srv.Tracker); err != nil {
		return err
	}
	sess.state = stateClosed
	return nil
}

func (sess *session) handleUpload(raw []byte) error {
	var req wireproto.UploadReqRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}

	sh, ok := sess.srv.shares.Get(req.ShareID)
	if !ok {
		resp, _ := wireproto.NewErrorResponse("UPLOAD_REQ", req.ReqID, wireproto.CodeNotFound, "share not found")
		sess.w.WriteJSON(resp)
		sess.state = stateClosed
		return fmt.Errorf("upload share missing: %s", req.ShareID)
	}
	if sh.ReadOnly {
		resp, _ := wireproto.NewErrorResponse("UPLOAD_REQ", req.ReqID, wireproto.CodeReadOnly, "share is read-only")
		sess.w.WriteJSON(resp)
		sess.state = stateClosed
		return nil
	}
	abs, err := pathsafe.Resolve(sh.LocalPath, req.Path)
	if err != nil {
		sess.srv.metrics.PathRejections.Inc()
		resp, _ := wireproto.NewErrorResponse("UPLOAD_REQ", req.ReqID, wireproto.CodePathTraversal, "path escapes share root")
		sess.w.WriteJSON(resp)
		sess.state = stateClosed
		return fmt.Errorf("upload path traversal rejected: %s", req.Path)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		resp, _ := wireproto.NewErrorResponse("UPLOAD_REQ", req.ReqID, wireproto.CodeIOError, err.Error())
		sess.w.WriteJSON(resp)
		sess.state = stateClosed
		return err
	}

	sess.state = stateTransfer
	sess.srv.metrics.TransfersActive.Inc()
	defer sess.srv.metrics.TransfersActive.Dec()

	if err := transfer.ServeUpload(sess.w, sess.r, abs, req, sess.srv.metrics, sess.srv.Tracker); err != nil {
		return err
	}
	sess.state = stateClosed
	return nil
}

func (sess *session) handleHashReq(raw []byte) error {
	var req wireproto.HashReqRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	abs, _, code := sess.resolveShare(req.ShareID, req.Path)
	if code != "" {
		resp, _ := wireproto.NewErrorResponse("HASH_REQ", req.ReqID, code, "cannot resolve share/path")
		return sess.w.WriteJSON(resp)
	}

	info, err := os.Stat(abs)
	if err != nil || !info.Mode().IsRegular() {
		resp, _ := wireproto.NewErrorResponse("HASH_REQ", req.ReqID, wireproto.CodeNotFound, "not a regular file")
		return sess.w.WriteJSON(resp)
	}
	if req.RangeStart < 0 || req.RangeLen <= 0 || req.RangeStart+req.RangeLen > info.Size() {
		resp, _ := wireproto.NewErrorResponse("HASH_REQ", req.ReqID, wireproto.CodeInvalidRange, "range outside file bounds")
		return sess.w.WriteJSON(resp)
	}

	sum, err := transfer.RangeSHA256(abs, req.RangeStart, req.RangeLen)
	if err != nil {
		resp, _ := wireproto.NewErrorResponse("HASH_REQ", req.ReqID, wireproto.CodeIOError, err.Error())
		return sess.w.WriteJSON(resp)
	}
	return writeJSON(sess.w, wireproto.HashRespResponse{Type: "HASH_RESP", ReqID: req.ReqID, OK: true, SHA256: sum})
}

func writeJSON(w *wireproto.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("server: marshal %T: %w", v, err)
	}
	return w.WriteJSON(data)
}

// NewDeviceID generates a fresh stable device identifier for first run.
func NewDeviceID() string {
	return uuid.New().String()
}
