package wire

import (
	"fmt"
	"time"
)

// result carries the fields shared by every server-to-client header.
type result struct {
	frameMeta

	Ok    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// GenericResponse is a plain acknowledgement or error, optionally with a
// human-readable message.
type GenericResponse struct {
	result

	Msg string `json:"msg,omitempty"`
}

// Ack returns an acknowledgement carrying an outcome flag and a message.
// REGISTER uses this shape for both success and failure.
func Ack(ok bool, msg string) *GenericResponse {
	return &GenericResponse{result: result{Ok: ok}, Msg: msg}
}

// OK returns a bare success acknowledgement.
func OK() *GenericResponse {
	return &GenericResponse{result: result{Ok: true}}
}

// Err returns a failure response with the given error text.
func Err(msg string) *GenericResponse {
	return &GenericResponse{result: result{Error: msg}}
}

// Errf is Err with formatting.
func Errf(format string, args ...any) *GenericResponse {
	return Err(fmt.Sprintf(format, args...))
}

// PongResponse answers PING.
type PongResponse struct {
	result

	Pong bool `json:"pong"`
}

// NewPong returns the PING acknowledgement.
func NewPong() *PongResponse {
	return &PongResponse{result: result{Ok: true}, Pong: true}
}

// ByeResponse answers QUIT, after which the server closes the connection.
type ByeResponse struct {
	result

	Bye bool `json:"bye"`
}

// NewBye returns the QUIT acknowledgement.
func NewBye() *ByeResponse {
	return &ByeResponse{result: result{Ok: true}, Bye: true}
}

// LoginResponse answers a successful LOGIN with the connection's session
// identifier.
type LoginResponse struct {
	result

	SessionID string `json:"session_id"`
}

// NewLogin returns the LOGIN success response.
func NewLogin(sessionID string) *LoginResponse {
	return &LoginResponse{result: result{Ok: true}, SessionID: sessionID}
}

// Entry is one directory listing item.
type Entry struct {
	// Type is "folder" or "file"
	Type string `json:"type"`

	// Path is relative to the user's storage root
	Path string `json:"path"`

	// Size is 0 for folders; for files it is the index record size
	Size int64 `json:"size"`

	ModTime time.Time `json:"mtime"`
}

// ListResponse answers LIST with the immediate children of cwd, folders and
// files separated.
type ListResponse struct {
	result

	Cwd     string  `json:"cwd"`
	Folders []Entry `json:"folders"`
	Files   []Entry `json:"files"`
}

// NewList returns a LIST success response. Nil slices are normalized so the
// JSON arrays are always present.
func NewList(cwd string, folders, files []Entry) *ListResponse {
	if folders == nil {
		folders = []Entry{}
	}
	if files == nil {
		files = []Entry{}
	}
	return &ListResponse{result: result{Ok: true}, Cwd: cwd, Folders: folders, Files: files}
}

// UploadResponse answers a successful UPLOAD or WRITE_TEXT with the stored
// size.
type UploadResponse struct {
	result

	Size int64 `json:"size"`
}

// NewUpload returns the UPLOAD success response.
func NewUpload(size int64) *UploadResponse {
	return &UploadResponse{result: result{Ok: true}, Size: size}
}

// DownloadResponse answers DOWNLOAD; the file bytes travel in the frame
// payload.
type DownloadResponse struct {
	result

	Path string `json:"path"`
	Size int64  `json:"size"`
}

// NewDownload returns the DOWNLOAD success header for a payload of size
// bytes.
func NewDownload(path string, size int64) *DownloadResponse {
	return &DownloadResponse{result: result{Ok: true}, Path: path, Size: size}
}

// TextResponse answers READ_TEXT with the decoded file content.
type TextResponse struct {
	result

	Content string `json:"content"`
}

// NewText returns the READ_TEXT success response.
func NewText(content string) *TextResponse {
	return &TextResponse{result: result{Ok: true}, Content: content}
}

// StatsResponse answers STATS with server-wide and per-user figures.
type StatsResponse struct {
	result

	ActiveUsers      int   `json:"active_users"`
	ServerUptimeSecs int64 `json:"server_uptime_secs"`
	ServerBytesIn    int64 `json:"server_bytes_in"`
	ServerBytesOut   int64 `json:"server_bytes_out"`
	UserUsedBytes    int64 `json:"user_used_bytes"`
	UserQuotaBytes   int64 `json:"user_quota_bytes"`
}

// NewStats returns an empty STATS success response; the caller fills in the
// counters.
func NewStats() *StatsResponse {
	return &StatsResponse{result: result{Ok: true}}
}
