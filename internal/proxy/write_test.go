package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/drivefs/drivefs/internal/api"
)

// fakeOverwriter records the body of every overwrite it receives.
type fakeOverwriter struct {
	mu     sync.Mutex
	bodies map[string][]byte
	err    error

	// block, when set, delays the overwrite without reading the body
	// until the channel is closed.
	block chan struct{}
}

func newFakeOverwriter() *fakeOverwriter {
	return &fakeOverwriter{bodies: make(map[string][]byte)}
}

func (f *fakeOverwriter) OverwriteStream(_ context.Context, nodeID string, body io.Reader) (api.NodeInfo, error) {
	if f.block != nil {
		<-f.block
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return api.NodeInfo{}, err
	}
	f.mu.Lock()
	f.bodies[nodeID] = data
	f.mu.Unlock()
	if f.err != nil {
		return api.NodeInfo{}, f.err
	}
	return api.NodeInfo{
		ID:   nodeID,
		Kind: api.KindFile,
		MD5:  "newmd5",
		Size: int64(len(data)),
	}, nil
}

func (f *fakeOverwriter) body(nodeID string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[nodeID]
}

// fakeSink records upserted metadata.
type fakeSink struct {
	mu    sync.Mutex
	infos []api.NodeInfo
}

func (f *fakeSink) UpsertRemote(_ context.Context, info api.NodeInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos = append(f.infos, info)
	return nil
}

func TestWriteRoundTrip(t *testing.T) {
	client := newFakeOverwriter()
	sink := &fakeSink{}
	proxy := NewWriteProxy(client, sink, nil, WriteConfig{})

	if err := proxy.Write("X1", 7, 0, []byte("hello ")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := proxy.Write("X1", 7, 6, []byte("world")); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if err := proxy.Flush(7); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := proxy.Release(7); err != nil {
		t.Fatalf("release: %v", err)
	}

	if got := client.body("X1"); !bytes.Equal(got, []byte("hello world")) {
		t.Errorf("uploaded body %q, want %q", got, "hello world")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.infos) != 1 {
		t.Fatalf("expected 1 metadata upsert, got %d", len(sink.infos))
	}
	if sink.infos[0].Size != 11 || sink.infos[0].MD5 != "newmd5" {
		t.Errorf("unexpected upserted metadata: %+v", sink.infos[0])
	}
}

func TestWriteNonSequentialFails(t *testing.T) {
	client := newFakeOverwriter()
	proxy := NewWriteProxy(client, nil, nil, WriteConfig{})

	if err := proxy.Write("X1", 7, 4096, []byte("data")); !errors.Is(err, ErrInvalidSeek) {
		t.Fatalf("expected ErrInvalidSeek, got %v", err)
	}
	// The failure is sticky: even a well-placed write is refused.
	if err := proxy.Write("X1", 7, 0, []byte("data")); !errors.Is(err, ErrInvalidSeek) {
		t.Errorf("expected sticky ErrInvalidSeek, got %v", err)
	}
	if err := proxy.Release(7); !errors.Is(err, ErrInvalidSeek) {
		t.Errorf("expected release to report the sticky error, got %v", err)
	}
}

func TestWriteGapAfterStartFails(t *testing.T) {
	client := newFakeOverwriter()
	proxy := NewWriteProxy(client, nil, nil, WriteConfig{})

	if err := proxy.Write("X1", 7, 0, []byte("abcd")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := proxy.Write("X1", 7, 8, []byte("efgh")); !errors.Is(err, ErrInvalidSeek) {
		t.Errorf("expected ErrInvalidSeek on gap, got %v", err)
	}
}

func TestWriteUploadFailureIsSticky(t *testing.T) {
	client := newFakeOverwriter()
	client.err = errors.New("remote rejected the request")
	proxy := NewWriteProxy(client, nil, nil, WriteConfig{})

	if err := proxy.Write("X1", 7, 0, []byte("doomed")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := proxy.Release(7); !errors.Is(err, client.err) {
		t.Fatalf("expected release to surface the upload failure, got %v", err)
	}

	// The handle state is discarded on release; a new handle starts
	// clean.
	client.err = nil
	if err := proxy.Write("X1", 8, 0, []byte("fine")); err != nil {
		t.Errorf("write on fresh handle: %v", err)
	}
	if err := proxy.Release(8); err != nil {
		t.Errorf("release of fresh handle: %v", err)
	}
}

func TestWriteQueueFullTimesOut(t *testing.T) {
	client := newFakeOverwriter()
	client.block = make(chan struct{})

	proxy := NewWriteProxy(client, nil, nil, WriteConfig{
		QueueDepth:   1,
		WriteTimeout: 50 * time.Millisecond,
	})

	if err := proxy.Write("X1", 7, 0, []byte("abcd")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	// The uploader is stalled, so the single queue slot never frees.
	if err := proxy.Write("X1", 7, 4, []byte("efgh")); !errors.Is(err, ErrWriteTimeout) {
		t.Errorf("expected ErrWriteTimeout, got %v", err)
	}

	// Unblock the uploader and let the handle wind down.
	close(client.block)
	if err := proxy.Release(7); err != nil {
		t.Errorf("release after timeout: %v", err)
	}
}

func TestReleaseUnwrittenHandle(t *testing.T) {
	proxy := NewWriteProxy(newFakeOverwriter(), nil, nil, WriteConfig{})
	if err := proxy.Flush(99); err != nil {
		t.Errorf("flush of unknown handle: %v", err)
	}
	if err := proxy.Release(99); err != nil {
		t.Errorf("release of unknown handle: %v", err)
	}
}
