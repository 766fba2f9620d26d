package wire

import (
	"encoding/json"
	"errors"
)

// Command identifies the requested operation.
type Command string

// Pre-authentication commands. REGISTER and LOGIN are only meaningful
// before authentication; PING and QUIT work in any state.
const (
	CmdPing     Command = "PING"
	CmdRegister Command = "REGISTER"
	CmdLogin    Command = "LOGIN"
	CmdQuit     Command = "QUIT"
)

// Authenticated commands.
const (
	CmdList      Command = "LIST"
	CmdMkdir     Command = "MKDIR"
	CmdUpload    Command = "UPLOAD"
	CmdDownload  Command = "DOWNLOAD"
	CmdDelete    Command = "DELETE"
	CmdRename    Command = "RENAME"
	CmdReadText  Command = "READ_TEXT"
	CmdWriteText Command = "WRITE_TEXT"
	CmdStats     Command = "STATS"
)

// Request is the client-side request builder: one flat struct covering
// every command's fields, with unused fields omitted on the wire.
//
//	REGISTER, LOGIN   username, password
//	LIST              cwd
//	MKDIR, DOWNLOAD,
//	DELETE, READ_TEXT path
//	UPLOAD            path, overwrite (+ payload)
//	RENAME            old_path, new_path
//	WRITE_TEXT        path, content
//
// The server never decodes into Request; it reads an Envelope and decodes
// the per-command request type once the command is known.
type Request struct {
	frameMeta

	Cmd       Command `json:"cmd"`
	Username  string  `json:"username,omitempty"`
	Password  string  `json:"password,omitempty"`
	Path      string  `json:"path,omitempty"`
	OldPath   string  `json:"old_path,omitempty"`
	NewPath   string  `json:"new_path,omitempty"`
	Cwd       string  `json:"cwd,omitempty"`
	Content   string  `json:"content,omitempty"`
	Overwrite bool    `json:"overwrite,omitempty"`
}

// Envelope is the server-side view of a request header before dispatch: the
// frame metadata plus the command tag, with the remaining header bytes
// retained undecoded. Decode extracts the command-specific fields once the
// command is known.
type Envelope struct {
	frameMeta

	Cmd Command `json:"cmd"`

	raw []byte
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var head struct {
		DataLen int64   `json:"data_len"`
		Cmd     Command `json:"cmd"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	e.DataLen = head.DataLen
	e.Cmd = head.Cmd
	e.raw = append(e.raw[:0], data...)
	return nil
}

// Decode unmarshals the command-specific request fields into req. Fields
// whose JSON types do not match are an error; fields absent from the header
// keep their zero values.
func (e *Envelope) Decode(req any) error {
	if e.raw == nil {
		return errors.New("wire: empty envelope")
	}
	return json.Unmarshal(e.raw, req)
}

// Per-command request fields, decoded from an Envelope.

// RegisterRequest creates a new account.
type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginRequest authenticates the connection.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ListRequest lists the immediate children of Cwd.
type ListRequest struct {
	Cwd string `json:"cwd"`
}

// MkdirRequest creates a directory, parents included.
type MkdirRequest struct {
	Path string `json:"path"`
}

// UploadRequest stores the frame payload at Path.
type UploadRequest struct {
	Path      string `json:"path"`
	Overwrite bool   `json:"overwrite"`
}

// DownloadRequest fetches the file at Path.
type DownloadRequest struct {
	Path string `json:"path"`
}

// DeleteRequest removes the file or directory tree at Path.
type DeleteRequest struct {
	Path string `json:"path"`
}

// RenameRequest moves OldPath to NewPath.
type RenameRequest struct {
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
}

// ReadTextRequest reads the text file at Path.
type ReadTextRequest struct {
	Path string `json:"path"`
}

// WriteTextRequest stores Content at Path, overwriting.
type WriteTextRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}
