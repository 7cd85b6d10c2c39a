package wireproto

// Capability advertises a node's supported auth modes and resume support;
// carried in discovery messages and in HELLO_ACK.
type Capability struct {
	AuthModes []string `json:"authModes"`
	Resume    bool     `json:"resume"`
	// HashReq advertises support for the reserved HASH_REQ/HASH_RESP
	// range-hash operation — a client must not assume it is dispatched
	// just because the server's protocol major version matches.
	HashReq bool `json:"hashReq"`
}

// Discovery message types: the three UDP message shapes.
const (
	DiscoveryAnnounce = "DISCOVERY_ANNOUNCE"
	DiscoveryQuery    = "DISCOVERY_QUERY"
	DiscoveryResponse = "DISCOVERY_RESPONSE"
)

// DiscoveryMessage is the self-contained UDP payload broadcast or
// unicast between nodes. QUERY datagrams only populate Proto/Type/Timestamp.
type DiscoveryMessage struct {
	Proto          string     `json:"proto"`
	Type           string     `json:"type"`
	DeviceID       string     `json:"deviceId"`
	DeviceName     string     `json:"deviceName,omitempty"`
	TCPPort        int        `json:"tcpPort,omitempty"`
	DiscoveryPort  int        `json:"discoveryPort,omitempty"`
	TimestampUTC   string     `json:"timestamp"`
	Capability     Capability `json:"capability,omitempty"`
}

// HelloRequest is the client's HELLO.
type HelloRequest struct {
	Type       string `json:"type"`
	ReqID      string `json:"reqId"`
	Proto      string `json:"proto"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	Auth       string `json:"auth"`
}

// HelloAckResponse is the server's HELLO_ACK.
type HelloAckResponse struct {
	Type          string     `json:"type"`
	ReqID         string     `json:"reqId"`
	OK            bool       `json:"ok"`
	Error         *ErrorInfo `json:"error,omitempty"`
	ServerID      string     `json:"serverId,omitempty"`
	Nonce         string     `json:"nonce,omitempty"`
	Auth          []string   `json:"auth,omitempty"`
	AuthRequired  bool       `json:"authRequired,omitempty"`
	SelectedAuth  string     `json:"selectedAuth,omitempty"`
	Capability    Capability `json:"capability,omitempty"`
}

// AuthRequest is the client's AUTH.
type AuthRequest struct {
	Type        string `json:"type"`
	ReqID       string `json:"reqId"`
	ClientNonce string `json:"clientNonce"`
	MAC         string `json:"mac"`
}

// AuthOKResponse is the server's AUTH_OK.
type AuthOKResponse struct {
	Type  string     `json:"type"`
	ReqID string     `json:"reqId"`
	OK    bool       `json:"ok"`
	Error *ErrorInfo `json:"error,omitempty"`
}

// PingRequest/PongResponse implement the liveness check.
type PingRequest struct {
	Type  string `json:"type"`
	ReqID string `json:"reqId"`
}

type PongResponse struct {
	Type  string     `json:"type"`
	ReqID string     `json:"reqId"`
	OK    bool       `json:"ok"`
	Error *ErrorInfo `json:"error,omitempty"`
}

// ListSharesRequest/Response.
type ListSharesRequest struct {
	Type  string `json:"type"`
	ReqID string `json:"reqId"`
}

type ShareInfo struct {
	ShareID  string `json:"shareId"`
	Name     string `json:"name"`
	ReadOnly bool   `json:"readOnly"`
}

type ListSharesResponse struct {
	Type   string      `json:"type"`
	ReqID  string      `json:"reqId"`
	OK     bool        `json:"ok"`
	Error  *ErrorInfo  `json:"error,omitempty"`
	Shares []ShareInfo `json:"shares,omitempty"`
}

// ListDirRequest/Response.
type ListDirRequest struct {
	Type    string `json:"type"`
	ReqID   string `json:"reqId"`
	ShareID string `json:"shareId"`
	Path    string `json:"path"`
}

type DirEntry struct {
	Name     string `json:"name"`
	IsDir    bool   `json:"isDir"`
	Size     int64  `json:"size,omitempty"`
	MTimeUTC string `json:"mtimeUtc,omitempty"`
}

type ListDirResponse struct {
	Type    string     `json:"type"`
	ReqID   string     `json:"reqId"`
	OK      bool       `json:"ok"`
	Error   *ErrorInfo `json:"error,omitempty"`
	Entries []DirEntry `json:"entries,omitempty"`
}

// StatRequest/Response.
type StatRequest struct {
	Type    string `json:"type"`
	ReqID   string `json:"reqId"`
	ShareID string `json:"shareId"`
	Path    string `json:"path"`
}

type FileStat struct {
	Size     int64  `json:"size"`
	MTimeUTC string `json:"mtimeUtc"`
	SHA256   string `json:"sha256"`
}

type StatResponse struct {
	Type  string     `json:"type"`
	ReqID string     `json:"reqId"`
	OK    bool       `json:"ok"`
	Error *ErrorInfo `json:"error,omitempty"`
	Stat  *FileStat  `json:"stat,omitempty"`
}

// FileRef appears in DOWNLOAD_ACK/FILE_END/UPLOAD_REQ.
type FileRef struct {
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// DownloadReqRequest/Ack.
type DownloadReqRequest struct {
	Type       string `json:"type"`
	ReqID      string `json:"reqId"`
	TransferID string `json:"transferId"`
	ShareID    string `json:"shareId"`
	Path       string `json:"path"`
	Offset     int64  `json:"offset"`
}

type DownloadAckResponse struct {
	Type   string     `json:"type"`
	ReqID  string     `json:"reqId"`
	OK     bool       `json:"ok"`
	Error  *ErrorInfo `json:"error,omitempty"`
	File   *FileRef   `json:"file,omitempty"`
	Offset int64      `json:"offset"`
}

// FileChunk is the JSON header preceding each binary chunk frame.
type FileChunk struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	Offset     int64  `json:"offset"`
	Length     int    `json:"length"`
}

// FileEnd terminates a download stream.
type FileEnd struct {
	Type       string     `json:"type"`
	TransferID string     `json:"transferId"`
	OK         bool       `json:"ok"`
	Error      *ErrorInfo `json:"error,omitempty"`
	File       *FileRef   `json:"file,omitempty"`
}

// UploadReqRequest/Ack/Done.
type UploadReqRequest struct {
	Type       string  `json:"type"`
	ReqID      string  `json:"reqId"`
	TransferID string  `json:"transferId"`
	ShareID    string  `json:"shareId"`
	Path       string  `json:"path"`
	File       FileRef `json:"file"`
}

type UploadAckResponse struct {
	Type   string     `json:"type"`
	ReqID  string     `json:"reqId"`
	OK     bool       `json:"ok"`
	Error  *ErrorInfo `json:"error,omitempty"`
	Offset int64      `json:"offset"`
}

type UploadDoneResponse struct {
	Type       string     `json:"type"`
	TransferID string     `json:"transferId"`
	OK         bool       `json:"ok"`
	Error      *ErrorInfo `json:"error,omitempty"`
}

// HashReqRequest/Resp — the reserved range-hash operation.
type HashReqRequest struct {
	Type       string `json:"type"`
	ReqID      string `json:"reqId"`
	ShareID    string `json:"shareId"`
	Path       string `json:"path"`
	RangeStart int64  `json:"rangeStart"`
	RangeLen   int64  `json:"rangeLen"`
}

type HashRespResponse struct {
	Type   string     `json:"type"`
	ReqID  string     `json:"reqId"`
	OK     bool       `json:"ok"`
	Error  *ErrorInfo `json:"error,omitempty"`
	SHA256 string     `json:"sha256,omitempty"`
}
