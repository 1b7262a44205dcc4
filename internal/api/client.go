package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// NodeKind discriminates the two remote record variants.
type NodeKind string

const (
	KindFile   NodeKind = "FILE"
	KindFolder NodeKind = "FOLDER"
)

// NodeStatus is the remote lifecycle state of a node.
type NodeStatus string

const (
	StatusAvailable NodeStatus = "AVAILABLE"
	StatusTrash     NodeStatus = "TRASH"
)

// NodeInfo is the wire-level metadata record returned by every mutating
// drive operation and by the listing endpoints. The root folder is the
// only node with an empty Name and no Parents.
type NodeInfo struct {
	ID          string     `json:"id"`
	Kind        NodeKind   `json:"kind"`
	Name        string     `json:"name,omitempty"`
	Created     time.Time  `json:"createdDate"`
	Modified    time.Time  `json:"modifiedDate"`
	Status      NodeStatus `json:"status"`
	Description string     `json:"description,omitempty"`

	// File-only fields. Zero for folders.
	MD5  string `json:"md5,omitempty"`
	Size int64  `json:"size,omitempty"`

	Parents []string `json:"parents,omitempty"`
}

// Client is the remote drive collaborator. Implementations own
// authentication, HTTP handling, and retry policy; callers see either a
// NodeInfo or a RequestError. No method here retries on behalf of the
// caller.
type Client interface {
	// ListFolders and ListFiles return the complete listing of the
	// account's folders or files with the given status. A full cache
	// reconciliation fetches all four listings (both kinds, both
	// statuses) before mutating local state.
	ListFolders(ctx context.Context, status NodeStatus) ([]NodeInfo, error)
	ListFiles(ctx context.Context, status NodeStatus) ([]NodeInfo, error)

	// DownloadRange opens a ranged read of a file's content starting at
	// offset. The returned length is the number of bytes the stream will
	// deliver, which may be less than the requested length when the
	// range extends past end of content.
	DownloadRange(ctx context.Context, nodeID string, offset, length int64) (io.ReadCloser, int64, error)

	// OverwriteStream replaces a file's content with the bytes read from
	// body, as a single streaming request.
	OverwriteStream(ctx context.Context, nodeID string, body io.Reader) (NodeInfo, error)

	// Upload creates a new file with content under the given parent.
	Upload(ctx context.Context, name, parentID string, body io.Reader) (NodeInfo, error)

	// CreateFolder and CreateFile create empty nodes under a parent.
	// A name collision surfaces as a RequestError with StatusConflict.
	CreateFolder(ctx context.Context, name, parentID string) (NodeInfo, error)
	CreateFile(ctx context.Context, name, parentID string) (NodeInfo, error)

	// ClearContent truncates a file's content to zero bytes.
	ClearContent(ctx context.Context, nodeID string) (NodeInfo, error)

	Move(ctx context.Context, nodeID, newParentID string) (NodeInfo, error)
	Rename(ctx context.Context, nodeID, newName string) (NodeInfo, error)
	Trash(ctx context.Context, nodeID string) (NodeInfo, error)
	Restore(ctx context.Context, nodeID string) (NodeInfo, error)

	// Quota returns the total capacity of the account in bytes.
	Quota(ctx context.Context) (int64, error)
}

// Status codes with meaning to callers. StatusConnError is not an HTTP
// code: it marks transport-level failures (DNS, reset, TLS) where no
// response was received.
const (
	StatusConnError     = 0
	StatusConflict      = http.StatusConflict
	StatusReqTimeout    = http.StatusRequestTimeout
	StatusRangeInvalid  = http.StatusRequestedRangeNotSatisfiable
	StatusGatewayExpiry = http.StatusGatewayTimeout
)

// RequestError is the uniform failure type raised by Client
// implementations.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	if e.StatusCode == StatusConnError {
		return fmt.Sprintf("drive request failed: %s", e.Message)
	}
	return fmt.Sprintf("drive request failed (HTTP %d): %s", e.StatusCode, e.Message)
}

// IsConflict reports whether the error is a remote name collision.
func (e *RequestError) IsConflict() bool { return e.StatusCode == StatusConflict }

// IsTimeout reports whether the error is a remote or gateway timeout.
func (e *RequestError) IsTimeout() bool {
	return e.StatusCode == StatusReqTimeout || e.StatusCode == StatusGatewayExpiry
}
