package transfer

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/netshare/netshare-node/internal/metrics"
	"github.com/netshare/netshare-node/internal/wireproto"
)

func pipeEnds() (clientRW, serverRW net.Conn) {
	a, b := net.Pipe()
	return a, b
}

func TestFullDownloadProducesByteIdenticalFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "hello.txt")
	if err := os.WriteFile(src, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "downloaded.txt")

	client, server := pipeEnds()
	defer client.Close()
	defer server.Close()

	hashes, err := NewHashCache(16)
	if err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() {
		r := wireproto.NewReader(server)
		w := wireproto.NewWriter(server)
		frame, err := r.ReadFrame()
		if err != nil {
			errCh <- err
			return
		}
		var req wireproto.DownloadReqRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			errCh <- err
			return
		}
		errCh <- ServeDownload(w, r, hashes, src, req, nil, nil)
	}()

	cw := wireproto.NewWriter(client)
	cr := wireproto.NewReader(client)
	req := wireproto.DownloadReqRequest{Type: "DOWNLOAD_REQ", ReqID: "r1", TransferID: "t1", ShareID: "s1", Path: "hello.txt", Offset: 0}
	ack, err := RunDownload(cw, cr, dst, req, nil)
	if err != nil {
		t.Fatalf("RunDownload: %v", err)
	}
	if ack.File.Size != 11 {
		t.Fatalf("expected size 11, got %d", ack.File.Size)
	}

	if err := <-errCh; err != nil {
		t.Fatalf("ServeDownload: %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Fatalf("got %q, want %q", got, "hello world")
	}
}

func TestDownloadResumeFromOffsetSix(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "hello.txt")
	if err := os.WriteFile(src, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "partial.txt")
	if err := os.WriteFile(dst, []byte("hello "), 0o644); err != nil {
		t.Fatal(err)
	}

	client, server := pipeEnds()
	defer client.Close()
	defer server.Close()

	hashes, err := NewHashCache(16)
	if err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() {
		r := wireproto.NewReader(server)
		w := wireproto.NewWriter(server)
		frame, err := r.ReadFrame()
		if err != nil {
			errCh <- err
			return
		}
		var req wireproto.DownloadReqRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			errCh <- err
			return
		}
		errCh <- ServeDownload(w, r, hashes, src, req, nil, nil)
	}()

	cw := wireproto.NewWriter(client)
	cr := wireproto.NewReader(client)
	req := wireproto.DownloadReqRequest{Type: "DOWNLOAD_REQ", ReqID: "r2", TransferID: "t2", ShareID: "s1", Path: "hello.txt", Offset: 6}
	ack, err := RunDownload(cw, cr, dst, req, nil)
	if err != nil {
		t.Fatalf("RunDownload: %v", err)
	}
	if ack.Offset != 6 {
		t.Fatalf("expected clamped offset 6, got %d", ack.Offset)
	}

	if err := <-errCh; err != nil {
		t.Fatalf("ServeDownload: %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Fatalf("got %q, want %q", got, "hello world")
	}
}

func TestServeDownloadFeedsBytesSent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "hello.txt")
	if err := os.WriteFile(src, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "downloaded.txt")

	client, server := pipeEnds()
	defer client.Close()
	defer server.Close()

	hashes, err := NewHashCache(16)
	if err != nil {
		t.Fatal(err)
	}
	coll := metrics.NewCollector()

	errCh := make(chan error, 1)
	go func() {
		r := wireproto.NewReader(server)
		w := wireproto.NewWriter(server)
		frame, err := r.ReadFrame()
		if err != nil {
			errCh <- err
			return
		}
		var req wireproto.DownloadReqRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			errCh <- err
			return
		}
		errCh <- ServeDownload(w, r, hashes, src, req, coll, nil)
	}()

	cw := wireproto.NewWriter(client)
	cr := wireproto.NewReader(client)
	req := wireproto.DownloadReqRequest{Type: "DOWNLOAD_REQ", ReqID: "r1", TransferID: "t1", ShareID: "s1", Path: "hello.txt", Offset: 0}
	if _, err := RunDownload(cw, cr, dst, req, nil); err != nil {
		t.Fatalf("RunDownload: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("ServeDownload: %v", err)
	}

	if got := testutil.ToFloat64(coll.BytesSent); got != 11 {
		t.Fatalf("BytesSent = %v, want 11", got)
	}
}

func TestUploadRoundTripVerifiesHash(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "local.bin")
	content := make([]byte, 300*1024)
	for i := range content {
		content[i] = byte(i % 251)
	}
	if err := os.WriteFile(local, content, 0o644); err != nil {
		t.Fatal(err)
	}
	remote := filepath.Join(dir, "remote", "uploaded.bin")

	client, server := pipeEnds()
	defer client.Close()
	defer server.Close()

	sha, err := hashFile(local)
	if err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() {
		r := wireproto.NewReader(server)
		w := wireproto.NewWriter(server)
		frame, err := r.ReadFrame()
		if err != nil {
			errCh <- err
			return
		}
		var req wireproto.UploadReqRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			errCh <- err
			return
		}
		errCh <- ServeUpload(w, r, remote, req, nil, nil)
	}()

	cw := wireproto.NewWriter(client)
	cr := wireproto.NewReader(client)
	info, err := os.Stat(local)
	if err != nil {
		t.Fatal(err)
	}
	req := wireproto.UploadReqRequest{
		Type: "UPLOAD_REQ", ReqID: "r3", TransferID: "t3", ShareID: "s1", Path: "uploaded.bin",
		File: wireproto.FileRef{Size: info.Size(), SHA256: sha},
	}
	if _, err := RunUpload(cw, cr, local, req, nil); err != nil {
		t.Fatalf("RunUpload: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("ServeUpload: %v", err)
	}

	got, err := os.ReadFile(remote)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(content) {
		t.Fatalf("got %d bytes, want %d", len(got), len(content))
	}
}

func TestServeUploadFeedsBytesReceived(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "local.bin")
	content := []byte("upload this content")
	if err := os.WriteFile(local, content, 0o644); err != nil {
		t.Fatal(err)
	}
	remote := filepath.Join(dir, "remote", "uploaded.bin")

	client, server := pipeEnds()
	defer client.Close()
	defer server.Close()

	sha, err := hashFile(local)
	if err != nil {
		t.Fatal(err)
	}
	coll := metrics.NewCollector()

	errCh := make(chan error, 1)
	go func() {
		r := wireproto.NewReader(server)
		w := wireproto.NewWriter(server)
		frame, err := r.ReadFrame()
		if err != nil {
			errCh <- err
			return
		}
		var req wireproto.UploadReqRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			errCh <- err
			return
		}
		errCh <- ServeUpload(w, r, remote, req, coll, nil)
	}()

	cw := wireproto.NewWriter(client)
	cr := wireproto.NewReader(client)
	req := wireproto.UploadReqRequest{
		Type: "UPLOAD_REQ", ReqID: "r4", TransferID: "t4", ShareID: "s1", Path: "uploaded.bin",
		File: wireproto.FileRef{Size: int64(len(content)), SHA256: sha},
	}
	if _, err := RunUpload(cw, cr, local, req, nil); err != nil {
		t.Fatalf("RunUpload: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("ServeUpload: %v", err)
	}

	if got := testutil.ToFloat64(coll.BytesReceived); got != float64(len(content)) {
		t.Fatalf("BytesReceived = %v, want %d", got, len(content))
	}
}

func TestServeUploadFeedsIntegrityFailsOnHashMismatch(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "local.bin")
	content := []byte("this is the real content")
	if err := os.WriteFile(local, content, 0o644); err != nil {
		t.Fatal(err)
	}
	remote := filepath.Join(dir, "remote", "uploaded.bin")

	client, server := pipeEnds()
	defer client.Close()
	defer server.Close()

	coll := metrics.NewCollector()

	errCh := make(chan error, 1)
	go func() {
		r := wireproto.NewReader(server)
		w := wireproto.NewWriter(server)
		frame, err := r.ReadFrame()
		if err != nil {
			errCh <- err
			return
		}
		var req wireproto.UploadReqRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			errCh <- err
			return
		}
		errCh <- ServeUpload(w, r, remote, req, coll, nil)
	}()

	cw := wireproto.NewWriter(client)
	cr := wireproto.NewReader(client)
	req := wireproto.UploadReqRequest{
		Type: "UPLOAD_REQ", ReqID: "r5", TransferID: "t5", ShareID: "s1", Path: "uploaded.bin",
		File: wireproto.FileRef{Size: int64(len(content)), SHA256: "deadbeef"},
	}
	if _, err := RunUpload(cw, cr, local, req, nil); err == nil {
		t.Fatal("expected RunUpload to report the server's declared-hash mismatch")
	}
	if err := <-errCh; err != nil {
		t.Fatalf("ServeUpload: %v", err)
	}

	if got := testutil.ToFloat64(coll.IntegrityFails); got != 1 {
		t.Fatalf("IntegrityFails = %v, want 1", got)
	}
}

func TestServeUploadRejectsOvershootWithBadRequest(t *testing.T) {
	dir := t.TempDir()
	remote := filepath.Join(dir, "remote", "uploaded.bin")

	client, server := pipeEnds()
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		r := wireproto.NewReader(server)
		w := wireproto.NewWriter(server)
		frame, err := r.ReadFrame()
		if err != nil {
			errCh <- err
			return
		}
		var req wireproto.UploadReqRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			errCh <- err
			return
		}
		errCh <- ServeUpload(w, r, remote, req, nil, nil)
	}()

	cw := wireproto.NewWriter(client)
	cr := wireproto.NewReader(client)

	// Declare 5 bytes, then announce a 10-byte chunk. The server must
	// reject with BAD_REQUEST at the overshoot point; it does so on the
	// chunk header, before consuming any of the chunk body.
	reqData, err := json.Marshal(wireproto.UploadReqRequest{
		Type: "UPLOAD_REQ", ReqID: "r6", TransferID: "t6", ShareID: "s1", Path: "uploaded.bin",
		File: wireproto.FileRef{Size: 5, SHA256: "deadbeef"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := cw.WriteJSON(reqData); err != nil {
		t.Fatal(err)
	}

	ackFrame, err := cr.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	var ack wireproto.UploadAckResponse
	if err := json.Unmarshal(ackFrame.Payload, &ack); err != nil {
		t.Fatal(err)
	}
	if !ack.OK || ack.Offset != 0 {
		t.Fatalf("unexpected upload ack: %+v", ack)
	}

	chunkData, err := json.Marshal(wireproto.FileChunk{Type: "FILE_CHUNK", TransferID: "t6", Offset: 0, Length: 10})
	if err != nil {
		t.Fatal(err)
	}
	if err := cw.WriteJSON(chunkData); err != nil {
		t.Fatal(err)
	}

	respFrame, err := cr.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	env, err := wireproto.PeekEnvelope(respFrame.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if env.IsOK() {
		t.Fatalf("expected a failure response, got %s", respFrame.Payload)
	}
	if env.Error == nil || env.Error.Code != wireproto.CodeBadRequest {
		t.Fatalf("error = %+v, want code BAD_REQUEST", env.Error)
	}

	if err := <-errCh; err != nil {
		t.Fatalf("ServeUpload: %v", err)
	}
	if info, statErr := os.Stat(remote); statErr == nil && info.Size() != 0 {
		t.Fatalf("destination grew past the rejection point: %d bytes", info.Size())
	}
}
