package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/drivefs/drivefs/internal/api"
)

// ErrInvalidSeek is returned when a write arrives at any offset other
// than the stream's current length. Overwrites are strictly sequential
// from offset zero; there is no local staging area to seek within.
var ErrInvalidSeek = errors.New("proxy: non-sequential write")

// ErrWriteTimeout is returned when the block queue stays full for the
// whole put timeout, meaning the uploader has stalled.
var ErrWriteTimeout = errors.New("proxy: write queue full")

const (
	// DefaultQueueDepth is the maximum number of buffered write blocks
	// per open handle before writers block.
	DefaultQueueDepth = 32

	// DefaultWriteTimeout bounds how long a writer waits for queue
	// space.
	DefaultWriteTimeout = 60 * time.Second

	// DefaultUploadConcurrency bounds the number of overwrite uploads
	// in flight across all handles.
	DefaultUploadConcurrency = 16
)

// Overwriter is the slice of the remote client the write proxy needs.
type Overwriter interface {
	OverwriteStream(ctx context.Context, nodeID string, body io.Reader) (api.NodeInfo, error)
}

// MetadataSink receives the metadata record a completed upload
// produced.
type MetadataSink interface {
	UpsertRemote(ctx context.Context, info api.NodeInfo) error
}

// WriteConfig tunes the write proxy. Zero values select the defaults.
type WriteConfig struct {
	QueueDepth        int
	WriteTimeout      time.Duration
	UploadConcurrency int
}

// WriteProxy turns the kernel's buffered writes into one streaming
// overwrite per open handle. The first write (which must land at offset
// zero) starts an uploader goroutine that consumes the handle's block
// queue as the request body; later writes append to the queue and must
// continue exactly where the previous one ended.
type WriteProxy struct {
	client  Overwriter
	sink    MetadataSink
	logger  *slog.Logger
	timeout time.Duration
	depth   int
	slots   chan struct{}

	mu      sync.Mutex
	streams map[uint64]*writeStream
}

// NewWriteProxy creates a write proxy over the given overwriter. sink
// may be nil when no metadata propagation is wanted.
func NewWriteProxy(client Overwriter, sink MetadataSink, logger *slog.Logger, cfg WriteConfig) *WriteProxy {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = DefaultUploadConcurrency
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &WriteProxy{
		client:  client,
		sink:    sink,
		logger:  logger,
		timeout: cfg.WriteTimeout,
		depth:   cfg.QueueDepth,
		slots:   make(chan struct{}, cfg.UploadConcurrency),
		streams: make(map[uint64]*writeStream),
	}
}

// writeStream is the per-handle state: a bounded FIFO of write blocks
// bridging the POSIX write path (producer) and the upload request body
// (consumer). A single cond covers every transition; the waiters are
// few and distinct predicates keep them honest.
type writeStream struct {
	mu   sync.Mutex
	cond *sync.Cond

	nodeID   string
	blocks   [][]byte
	partial  []byte
	capacity int
	offset   int64

	closed   bool
	started  bool
	done     bool
	writeErr error
}

func newWriteStream(capacity int) *writeStream {
	s := &writeStream{capacity: capacity}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// enqueue appends a block, blocking while the queue is full. The
// offset check, the wait for space, and the append happen under one
// lock acquisition so concurrent writers cannot interleave out of
// order. The data is copied; the kernel reuses its buffer after the
// call returns.
func (s *writeStream) enqueue(nodeID string, offset int64, data []byte, timeout time.Duration) (first bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return false, s.writeErr
	}
	if offset != s.offset {
		s.writeErr = ErrInvalidSeek
		s.cond.Broadcast()
		return false, ErrInvalidSeek
	}

	deadline := time.Now().Add(timeout)
	for len(s.blocks) >= s.capacity {
		if s.writeErr != nil {
			return false, s.writeErr
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, ErrWriteTimeout
		}
		wake := time.AfterFunc(remaining, s.cond.Broadcast)
		s.cond.Wait()
		wake.Stop()
	}
	if s.writeErr != nil {
		return false, s.writeErr
	}

	first = !s.started
	if first {
		s.started = true
		s.nodeID = nodeID
	}
	s.blocks = append(s.blocks, append([]byte(nil), data...))
	s.offset += int64(len(data))
	s.cond.Broadcast()
	return first, nil
}

// Read implements io.Reader for the uploader. It drains the queue one
// block at a time and reports EOF once the stream is closed and empty.
func (s *writeStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.partial) == 0 {
		if s.writeErr != nil {
			return 0, s.writeErr
		}
		if len(s.blocks) > 0 {
			s.partial = s.blocks[0]
			s.blocks = s.blocks[1:]
			s.cond.Broadcast()
			continue
		}
		if s.closed {
			return 0, io.EOF
		}
		s.cond.Wait()
	}

	n := copy(p, s.partial)
	s.partial = s.partial[n:]
	if len(s.partial) == 0 && len(s.blocks) == 0 {
		s.cond.Broadcast()
	}
	return n, nil
}

// waitDrained blocks until every buffered byte has been handed to the
// uploader, or the stream has failed.
func (s *writeStream) waitDrained() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.blocks) > 0 || len(s.partial) > 0 {
		if s.writeErr != nil {
			return s.writeErr
		}
		s.cond.Wait()
	}
	return s.writeErr
}

// waitDone blocks until the upload has finished or failed. No timeout:
// release must not abandon an in-flight overwrite.
func (s *writeStream) waitDone() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.done && s.writeErr == nil {
		s.cond.Wait()
	}
	return s.writeErr
}

// fail records the stream's sticky error. The first failure wins; every
// later operation on the handle reports it.
func (s *writeStream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr == nil {
		s.writeErr = err
	}
	s.cond.Broadcast()
}

func (s *writeStream) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	s.cond.Broadcast()
}

func (s *writeStream) closeQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}

func (s *writeStream) stickyErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeErr
}

func (p *WriteProxy) stream(handle uint64) *writeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.streams[handle]
	if !ok {
		s = newWriteStream(p.depth)
		p.streams[handle] = s
	}
	return s
}

func (p *WriteProxy) lookup(handle uint64) *writeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streams[handle]
}

func (p *WriteProxy) remove(handle uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.streams, handle)
}

// Write buffers one block for the handle. The very first block must
// land at offset zero; it binds the handle to nodeID and starts the
// uploader. Every later block must continue at the current stream
// length, or the handle fails permanently with ErrInvalidSeek.
func (p *WriteProxy) Write(nodeID string, handle uint64, offset int64, data []byte) error {
	s := p.stream(handle)
	first, err := s.enqueue(nodeID, offset, data, p.timeout)
	if err != nil {
		return err
	}
	if first {
		go p.upload(s)
	}
	return nil
}

// upload streams the handle's queue to the remote as one overwrite
// request, gated by the global concurrency limit, then pushes the
// resulting metadata into the sink.
func (p *WriteProxy) upload(s *writeStream) {
	p.slots <- struct{}{}
	defer func() { <-p.slots }()

	ctx := context.Background()
	info, err := p.client.OverwriteStream(ctx, s.nodeID, s)
	if err != nil {
		p.logger.Error("overwrite upload failed", "node", s.nodeID, "error", err)
		s.fail(fmt.Errorf("proxy: overwrite of %s: %w", s.nodeID, err))
		return
	}

	if p.sink != nil {
		if err := p.sink.UpsertRemote(ctx, info); err != nil {
			// Remote content is already written; the next sync pass
			// repairs the cache record.
			p.logger.Warn("caching uploaded metadata failed", "node", s.nodeID, "error", err)
		}
	}
	s.finish()
}

// Flush blocks until the handle's buffered blocks have all been handed
// to the uploader. Handles never written to flush trivially.
func (p *WriteProxy) Flush(handle uint64) error {
	s := p.lookup(handle)
	if s == nil {
		return nil
	}
	return s.waitDrained()
}

// Release ends the handle's write stream: the queue is closed so the
// upload body reaches EOF, then the call blocks until the upload
// completes or fails. The handle's state is discarded either way, so a
// retried release cannot re-report an old failure.
func (p *WriteProxy) Release(handle uint64) error {
	s := p.lookup(handle)
	if s == nil {
		return nil
	}
	defer p.remove(handle)

	s.closeQueue()

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return s.stickyErr()
	}
	return s.waitDone()
}
