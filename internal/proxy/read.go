// Package proxy contains the streaming intermediaries between the
// filesystem layer and the remote drive: a read proxy that keeps
// partially-consumed ranged download streams alive for sequential
// reads, and a write proxy that turns buffered POSIX writes into a
// single streaming overwrite per open file handle.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// ErrChunkTruncated marks a protocol violation: a download stream
// delivered fewer bytes than requested without reaching its declared
// end. The offending chunk is discarded, never retried transparently.
var ErrChunkTruncated = errors.New("proxy: chunk ended before declared range")

// DefaultMaxChunksPerNode bounds the number of open download streams
// kept per node. Random access opens one stream per non-contiguous
// read; the cap limits socket usage while leaving sequential reads
// (the dominant kernel pattern, including read-ahead) fully served by
// stream reuse.
const DefaultMaxChunksPerNode = 15

// DefaultFetchSize is the range length requested when a new chunk is
// opened. Far larger than any single read: the stream stays open and
// subsequent sequential reads consume it instead of opening new
// connections.
const DefaultFetchSize = 512 << 20

// Downloader is the slice of the remote client the read proxy needs.
type Downloader interface {
	DownloadRange(ctx context.Context, nodeID string, offset, length int64) (io.ReadCloser, int64, error)
}

// ReadConfig tunes the read proxy. Zero values select the defaults.
type ReadConfig struct {
	FetchSize        int64
	MaxChunksPerNode int
}

// ReadProxy manages the per-node chunk collections. Safe for
// concurrent use; reads for distinct nodes proceed in parallel while
// chunk manipulation for one node is serialized.
type ReadProxy struct {
	client    Downloader
	logger    *slog.Logger
	fetchSize int64
	maxChunks int

	mu    sync.Mutex
	nodes map[string]*nodeChunks
}

// NewReadProxy creates a read proxy over the given downloader.
func NewReadProxy(client Downloader, logger *slog.Logger, cfg ReadConfig) *ReadProxy {
	if cfg.FetchSize <= 0 {
		cfg.FetchSize = DefaultFetchSize
	}
	if cfg.MaxChunksPerNode <= 0 {
		cfg.MaxChunksPerNode = DefaultMaxChunksPerNode
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ReadProxy{
		client:    client,
		logger:    logger,
		fetchSize: cfg.FetchSize,
		maxChunks: cfg.MaxChunksPerNode,
		nodes:     make(map[string]*nodeChunks),
	}
}

// chunk is an open ranged download stream that may be partially read.
type chunk struct {
	body io.ReadCloser

	// offset is the next byte position the stream will deliver.
	offset int64

	// end is the last byte position the stream contains.
	end int64
}

// covers reports whether the chunk's cursor is exactly at offset and
// at least length bytes remain before its end.
func (c *chunk) covers(offset, length int64) bool {
	return offset == c.offset && offset+length-1 <= c.end
}

// remaining returns the number of unread bytes left in the chunk.
func (c *chunk) remaining() int64 {
	return c.end - c.offset + 1
}

// consume reads up to length bytes from the chunk, stopping early only
// at the chunk's declared end. A short read before the end is a
// protocol violation.
func (c *chunk) consume(length int64) ([]byte, error) {
	if rest := c.remaining(); length > rest {
		length = rest
	}
	buf := make([]byte, length)
	n, err := io.ReadFull(c.body, buf)
	c.offset += int64(n)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrChunkTruncated
		}
		return nil, fmt.Errorf("proxy: chunk read: %w", err)
	}
	return buf, nil
}

func (c *chunk) close() {
	// Best effort: the stream may already be broken.
	_ = c.body.Close()
}

// nodeChunks is the bounded FIFO collection of open chunks for one
// node. The newest chunk sits at the tail; eviction removes the head
// (insertion order, not access order).
type nodeChunks struct {
	mu     sync.Mutex
	chunks []*chunk
}

func (p *ReadProxy) node(nodeID string) *nodeChunks {
	p.mu.Lock()
	defer p.mu.Unlock()
	nc, ok := p.nodes[nodeID]
	if !ok {
		nc = &nodeChunks{}
		p.nodes[nodeID] = nc
	}
	return nc
}

// Read returns up to length bytes of the node's content starting at
// offset. An existing chunk whose cursor matches is consumed in place;
// otherwise a new ranged stream is opened, evicting the oldest chunk
// once the per-node cap is reached. Fewer bytes than requested are
// returned only when the range extends past end of content.
func (p *ReadProxy) Read(ctx context.Context, nodeID string, offset, length int64) ([]byte, error) {
	nc := p.node(nodeID)
	nc.mu.Lock()
	defer nc.mu.Unlock()

	// Most-recently-added first: sequential readers almost always want
	// the chunk they consumed last.
	for i := len(nc.chunks) - 1; i >= 0; i-- {
		c := nc.chunks[i]
		if !c.covers(offset, length) {
			continue
		}
		buf, err := c.consume(length)
		if err != nil {
			c.close()
			nc.chunks = append(nc.chunks[:i], nc.chunks[i+1:]...)
			p.logger.Warn("dropping broken chunk", "node", nodeID, "offset", offset, "error", err)
			return nil, err
		}
		return buf, nil
	}

	body, contentLength, err := p.client.DownloadRange(ctx, nodeID, offset, p.fetchSize)
	if err != nil {
		return nil, fmt.Errorf("proxy: opening chunk for %s at %d: %w", nodeID, offset, err)
	}
	c := &chunk{body: body, offset: offset, end: offset + contentLength - 1}

	nc.chunks = append(nc.chunks, c)
	if len(nc.chunks) > p.maxChunks {
		evicted := nc.chunks[0]
		nc.chunks = nc.chunks[1:]
		evicted.close()
	}

	buf, err := c.consume(length)
	if err != nil {
		c.close()
		nc.chunks = nc.chunks[:len(nc.chunks)-1]
		return nil, err
	}
	return buf, nil
}

// Release closes and clears all open chunks for the node. Close errors
// are swallowed; the streams are being discarded either way.
func (p *ReadProxy) Release(nodeID string) {
	p.mu.Lock()
	nc := p.nodes[nodeID]
	delete(p.nodes, nodeID)
	p.mu.Unlock()

	if nc == nil {
		return
	}
	nc.mu.Lock()
	defer nc.mu.Unlock()
	for _, c := range nc.chunks {
		c.close()
	}
	nc.chunks = nil
}
