package cache

import (
	"time"

	"github.com/drivefs/drivefs/internal/api"
)

// Node is a locally cached drive node. Kind discriminates the file and
// folder variants; MD5 and Size are meaningful only for files. The root
// folder is the single folder with an empty Name and no parents.
type Node struct {
	ID          string
	Kind        api.NodeKind
	Name        string
	Created     time.Time
	Modified    time.Time
	Status      api.NodeStatus
	Description string

	// File-only fields.
	MD5  string
	Size int64

	// Parents holds the parent folder ids the node is linked under.
	// A node may have several parents (hardlink-like).
	Parents []string
}

// IsFile reports whether the node is a file.
func (n *Node) IsFile() bool { return n.Kind == api.KindFile }

// IsFolder reports whether the node is a folder.
func (n *Node) IsFolder() bool { return n.Kind == api.KindFolder }

// Trashed reports whether the node is in the remote trash.
func (n *Node) Trashed() bool { return n.Status == api.StatusTrash }

// nodeFromInfo converts a wire metadata record into a cache node.
func nodeFromInfo(info api.NodeInfo) *Node {
	return &Node{
		ID:          info.ID,
		Kind:        info.Kind,
		Name:        info.Name,
		Created:     info.Created,
		Modified:    info.Modified,
		Status:      info.Status,
		Description: info.Description,
		MD5:         info.MD5,
		Size:        info.Size,
		Parents:     append([]string(nil), info.Parents...),
	}
}

// equalInfo reports whether the stored node matches a remote record in
// all tracked fields. Parent links are compared by the reconciler
// separately through the edge table.
func (n *Node) equalInfo(info api.NodeInfo) bool {
	return n.ID == info.ID &&
		n.Kind == info.Kind &&
		n.Name == info.Name &&
		n.Created.Equal(info.Created) &&
		n.Modified.Equal(info.Modified) &&
		n.Status == info.Status &&
		n.Description == info.Description &&
		n.MD5 == info.MD5 &&
		n.Size == info.Size
}
