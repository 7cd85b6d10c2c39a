package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/netshare/netshare-node/internal/metrics"
	"github.com/netshare/netshare-node/internal/wireproto"
)

// ServeDownload implements the server side of a download for one
// transfer: the caller has already resolved shareId+path to absPath and
// validated the share exists; req.Offset is clamped here. coll and tr
// may be nil.
func ServeDownload(w *wireproto.Writer, r *wireproto.Reader, hashes *HashCache, absPath string, req wireproto.DownloadReqRequest, coll *metrics.Collector, tr *Tracker) error {
	err := serveDownload(w, r, hashes, absPath, req, coll, tr)
	tr.Finish(req.TransferID, err)
	return err
}

func serveDownload(w *wireproto.Writer, r *wireproto.Reader, hashes *HashCache, absPath string, req wireproto.DownloadReqRequest, coll *metrics.Collector, tr *Tracker) error {
	fileSha, fullSize, err := hashes.FullFileSHA256(absPath)
	if err != nil {
		return fmt.Errorf("transfer: hash %s: %w", absPath, err)
	}

	offset := req.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > fullSize {
		offset = fullSize
	}

	ack := wireproto.DownloadAckResponse{
		Type:   "DOWNLOAD_ACK",
		ReqID:  req.ReqID,
		OK:     true,
		File:   &wireproto.FileRef{Size: fullSize, SHA256: fileSha},
		Offset: offset,
	}
	if err := writeJSON(w, ack); err != nil {
		return err
	}

	tr.Begin(req.TransferID, DirectionDownload, nil)
	tr.Update(req.TransferID, offset, fullSize)

	f, err := os.Open(absPath)
	if err != nil {
		return fmt.Errorf("transfer: open %s: %w", absPath, err)
	}
	defer f.Close()

	running, err := SeededHash(absPath, offset)
	if err != nil {
		return err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("transfer: seek %s to %d: %w", absPath, offset, err)
	}

	buf := make([]byte, ChunkSize)
	pos := offset
	for pos < fullSize {
		n, readErr := f.Read(buf)
		if n > 0 {
			chunk := wireproto.FileChunk{
				Type:       "FILE_CHUNK",
				TransferID: req.TransferID,
				Offset:     pos,
				Length:     n,
			}
			if err := writeJSON(w, chunk); err != nil {
				return err
			}
			if err := w.WriteBinary(buf[:n]); err != nil {
				return err
			}
			if _, err := running.Write(buf[:n]); err != nil {
				return err
			}
			pos += int64(n)
			tr.Advance(req.TransferID, int64(n))
			if coll != nil {
				coll.BytesSent.Add(float64(n))
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return fmt.Errorf("transfer: read %s: %w", absPath, readErr)
		}
	}

	end := wireproto.FileEnd{
		Type:       "FILE_END",
		TransferID: req.TransferID,
		OK:         true,
		File:       &wireproto.FileRef{Size: fullSize, SHA256: running.HexSum()},
	}
	return writeJSON(w, end)
}

// ServeUpload implements the server side of an upload. absPath is the
// already-path-safety-checked destination; the caller has already
// rejected read-only shares and missing shares before calling this. coll
// and tr may be nil.
func ServeUpload(w *wireproto.Writer, r *wireproto.Reader, absPath string, req wireproto.UploadReqRequest, coll *metrics.Collector, tr *Tracker) error {
	err := serveUpload(w, r, absPath, req, coll, tr)
	tr.Finish(req.TransferID, err)
	return err
}

func serveUpload(w *wireproto.Writer, r *wireproto.Reader, absPath string, req wireproto.UploadReqRequest, coll *metrics.Collector, tr *Tracker) error {
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("transfer: mkdir for %s: %w", absPath, err)
	}

	var resumeOffset int64
	if info, err := os.Stat(absPath); err == nil {
		if info.Size() <= req.File.Size {
			resumeOffset = info.Size()
		}
	}

	ack := wireproto.UploadAckResponse{
		Type:   "UPLOAD_ACK",
		ReqID:  req.ReqID,
		OK:     true,
		Offset: resumeOffset,
	}
	if err := writeJSON(w, ack); err != nil {
		return err
	}

	tr.Begin(req.TransferID, DirectionUpload, nil)
	tr.Update(req.TransferID, resumeOffset, req.File.Size)

	f, err := os.OpenFile(absPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("transfer: open %s for write: %w", absPath, err)
	}
	defer f.Close()

	running, err := SeededHash(absPath, resumeOffset)
	if err != nil {
		return err
	}
	if _, err := f.Seek(resumeOffset, io.SeekStart); err != nil {
		return fmt.Errorf("transfer: seek %s to %d: %w", absPath, resumeOffset, err)
	}

	written := resumeOffset
	for {
		frame, err := r.ReadFrame()
		if err != nil {
			return err
		}
		if frame.Kind != wireproto.KindJSON {
			return fmt.Errorf("transfer: expected JSON header frame, got binary")
		}

		env, err := wireproto.PeekEnvelope(frame.Payload)
		if err != nil {
			return err
		}

		switch env.Type {
		case "FILE_CHUNK":
			var chunk wireproto.FileChunk
			if err := json.Unmarshal(frame.Payload, &chunk); err != nil {
				return err
			}
			if written+int64(chunk.Length) > req.File.Size {
				tr.Finish(req.TransferID, fmt.Errorf("upload exceeds declared size"))
				data, _ := wireproto.NewErrorResponse("UPLOAD_REQ", req.ReqID, wireproto.CodeBadRequest, "upload exceeds declared size")
				return w.WriteJSON(data)
			}
			bin, err := r.ReadFrame()
			if err != nil {
				return err
			}
			if bin.Kind != wireproto.KindBinary || len(bin.Payload) != chunk.Length {
				return fmt.Errorf("transfer: chunk length mismatch: header=%d frame=%d", chunk.Length, len(bin.Payload))
			}
			if _, err := f.Write(bin.Payload); err != nil {
				return fmt.Errorf("transfer: write %s: %w", absPath, err)
			}
			if _, err := running.Write(bin.Payload); err != nil {
				return err
			}
			written += int64(len(bin.Payload))
			tr.Advance(req.TransferID, int64(len(bin.Payload)))
			if coll != nil {
				coll.BytesReceived.Add(float64(len(bin.Payload)))
			}

		case "FILE_END":
			var end wireproto.FileEnd
			if err := json.Unmarshal(frame.Payload, &end); err != nil {
				return err
			}
			finalHex := running.HexSum()
			expectedHex := req.File.SHA256
			var endHex string
			if end.File != nil {
				endHex = end.File.SHA256
			}
			if finalHex != expectedHex || finalHex != endHex {
				tr.Finish(req.TransferID, ErrIntegrityFailed)
				if coll != nil {
					coll.IntegrityFails.Inc()
				}
				done := wireproto.UploadDoneResponse{
					Type:       "UPLOAD_DONE",
					TransferID: req.TransferID,
					OK:         false,
					Error:      &wireproto.ErrorInfo{Code: wireproto.CodeIntegrityFailed, Message: "uploaded content hash mismatch"},
				}
				return writeJSON(w, done)
			}

			done := wireproto.UploadDoneResponse{
				Type:       "UPLOAD_DONE",
				TransferID: req.TransferID,
				OK:         true,
			}
			return writeJSON(w, done)

		default:
			return fmt.Errorf("transfer: unexpected message %q during upload", env.Type)
		}
	}
}

func writeJSON(w *wireproto.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transfer: marshal %T: %w", v, err)
	}
	return w.WriteJSON(data)
}
