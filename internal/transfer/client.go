package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/netshare/netshare-node/internal/wireproto"
)

// ErrIntegrityFailed is returned when a transfer's final digest does not
// match the hash(es) the peer advertised.
var ErrIntegrityFailed = errors.New("transfer: integrity check failed")

// RunDownload drives the client side of a download: it sends
// DOWNLOAD_REQ, reads the DOWNLOAD_ACK, truncates any stale local tail,
// seeds a running hash over the local prefix, and writes incoming
// chunks until FILE_END, verifying the digest against both the ACK and
// FILE_END hashes. tr may be nil.
func RunDownload(w *wireproto.Writer, r *wireproto.Reader, localPath string, req wireproto.DownloadReqRequest, tr *Tracker) (wireproto.DownloadAckResponse, error) {
	ack, err := runDownload(w, r, localPath, req, tr)
	tr.Finish(req.TransferID, err)
	return ack, err
}

func runDownload(w *wireproto.Writer, r *wireproto.Reader, localPath string, req wireproto.DownloadReqRequest, tr *Tracker) (wireproto.DownloadAckResponse, error) {
	if err := writeJSON(w, req); err != nil {
		return wireproto.DownloadAckResponse{}, err
	}

	ackFrame, err := r.ReadFrame()
	if err != nil {
		return wireproto.DownloadAckResponse{}, err
	}
	var ack wireproto.DownloadAckResponse
	if err := json.Unmarshal(ackFrame.Payload, &ack); err != nil {
		return wireproto.DownloadAckResponse{}, err
	}
	if !ack.OK {
		return ack, fmt.Errorf("transfer: download rejected: %s", errCode(ack.Error))
	}

	tr.Begin(req.TransferID, DirectionDownload, nil)
	tr.Update(req.TransferID, ack.Offset, ack.File.Size)

	f, err := os.OpenFile(localPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return ack, fmt.Errorf("transfer: open %s: %w", localPath, err)
	}
	defer f.Close()

	if err := f.Truncate(ack.Offset); err != nil {
		return ack, fmt.Errorf("transfer: truncate %s to %d: %w", localPath, ack.Offset, err)
	}

	running, err := SeededHash(localPath, ack.Offset)
	if err != nil {
		return ack, err
	}
	if _, err := f.Seek(ack.Offset, io.SeekStart); err != nil {
		return ack, err
	}

	for {
		frame, err := r.ReadFrame()
		if err != nil {
			return ack, err
		}
		env, err := wireproto.PeekEnvelope(frame.Payload)
		if err != nil {
			return ack, err
		}

		switch env.Type {
		case "FILE_CHUNK":
			var chunk wireproto.FileChunk
			if err := json.Unmarshal(frame.Payload, &chunk); err != nil {
				return ack, err
			}
			bin, err := r.ReadFrame()
			if err != nil {
				return ack, err
			}
			if bin.Kind != wireproto.KindBinary || len(bin.Payload) != chunk.Length {
				return ack, fmt.Errorf("transfer: chunk length mismatch: header=%d frame=%d", chunk.Length, len(bin.Payload))
			}
			if _, err := f.Write(bin.Payload); err != nil {
				return ack, fmt.Errorf("transfer: write %s: %w", localPath, err)
			}
			if _, err := running.Write(bin.Payload); err != nil {
				return ack, err
			}
			tr.Advance(req.TransferID, int64(len(bin.Payload)))

		case "FILE_END":
			var end wireproto.FileEnd
			if err := json.Unmarshal(frame.Payload, &end); err != nil {
				return ack, err
			}
			finalHex := running.HexSum()
			var endHex string
			if end.File != nil {
				endHex = end.File.SHA256
			}
			if finalHex != ack.File.SHA256 || finalHex != endHex {
				return ack, ErrIntegrityFailed
			}
			return ack, nil

		default:
			return ack, fmt.Errorf("transfer: unexpected message %q during download", env.Type)
		}
	}
}

// RunUpload drives the client side of an upload: it sends UPLOAD_REQ
// (whose file hash the caller has already computed), reads UPLOAD_ACK's
// resume offset, seeds a running hash over the prefix before that
// offset, streams chunks from it, and checks the server's UPLOAD_DONE.
// tr may be nil.
func RunUpload(w *wireproto.Writer, r *wireproto.Reader, localPath string, req wireproto.UploadReqRequest, tr *Tracker) (wireproto.UploadAckResponse, error) {
	ack, err := runUpload(w, r, localPath, req, tr)
	tr.Finish(req.TransferID, err)
	return ack, err
}

func runUpload(w *wireproto.Writer, r *wireproto.Reader, localPath string, req wireproto.UploadReqRequest, tr *Tracker) (wireproto.UploadAckResponse, error) {
	if err := writeJSON(w, req); err != nil {
		return wireproto.UploadAckResponse{}, err
	}

	ackFrame, err := r.ReadFrame()
	if err != nil {
		return wireproto.UploadAckResponse{}, err
	}
	var ack wireproto.UploadAckResponse
	if err := json.Unmarshal(ackFrame.Payload, &ack); err != nil {
		return wireproto.UploadAckResponse{}, err
	}
	if !ack.OK {
		return ack, fmt.Errorf("transfer: upload rejected: %s", errCode(ack.Error))
	}

	tr.Begin(req.TransferID, DirectionUpload, nil)
	tr.Update(req.TransferID, ack.Offset, req.File.Size)

	f, err := os.Open(localPath)
	if err != nil {
		return ack, fmt.Errorf("transfer: open %s: %w", localPath, err)
	}
	defer f.Close()

	running, err := SeededHash(localPath, ack.Offset)
	if err != nil {
		return ack, err
	}
	if _, err := f.Seek(ack.Offset, io.SeekStart); err != nil {
		return ack, err
	}

	buf := make([]byte, ChunkSize)
	pos := ack.Offset
	for pos < req.File.Size {
		n, readErr := f.Read(buf)
		if n > 0 {
			chunk := wireproto.FileChunk{
				Type:       "FILE_CHUNK",
				TransferID: req.TransferID,
				Offset:     pos,
				Length:     n,
			}
			if err := writeJSON(w, chunk); err != nil {
				return ack, err
			}
			if err := w.WriteBinary(buf[:n]); err != nil {
				return ack, err
			}
			if _, err := running.Write(buf[:n]); err != nil {
				return ack, err
			}
			pos += int64(n)
			tr.Advance(req.TransferID, int64(n))
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return ack, fmt.Errorf("transfer: read %s: %w", localPath, readErr)
		}
	}

	end := wireproto.FileEnd{
		Type:       "FILE_END",
		TransferID: req.TransferID,
		OK:         true,
		File:       &wireproto.FileRef{Size: req.File.Size, SHA256: running.HexSum()},
	}
	if err := writeJSON(w, end); err != nil {
		return ack, err
	}

	doneFrame, err := r.ReadFrame()
	if err != nil {
		return ack, err
	}
	var done wireproto.UploadDoneResponse
	if err := json.Unmarshal(doneFrame.Payload, &done); err != nil {
		return ack, err
	}
	if !done.OK {
		return ack, fmt.Errorf("transfer: upload failed: %s", errCode(done.Error))
	}
	return ack, nil
}

func errCode(e *wireproto.ErrorInfo) string {
	if e == nil {
		return "unknown"
	}
	return e.Code
}
