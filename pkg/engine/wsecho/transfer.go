package wsecho

import (
	"context"
	"io"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cdnprobe/cdnprobe/internal/lifecycle"
	"github.com/cdnprobe/cdnprobe/internal/metrics"
	"github.com/cdnprobe/cdnprobe/pkg/probe"
	"github.com/cdnprobe/cdnprobe/pkg/probe/spec"
)

// RunDownload implements probe.Engine. Each stream reads binary messages
// and discards them after counting their size; textual server measurements
// are counted and otherwise ignored.
func (e *Engine) RunDownload(ctx context.Context, lc *lifecycle.Lifecycle,
	target *probe.Target, onBytes probe.OnBytes) error {
	for i := 0; i < Streams; i++ {
		stream := i
		lc.LaunchWorker(streamName("download", stream), func() error {
			metrics.ActiveWorkers.Inc()
			defer metrics.ActiveWorkers.Dec()
			return e.receiverStream(ctx, lc, target.URL, onBytes)
		})
	}
	<-ctx.Done()
	return nil
}

// RunUpload implements probe.Engine. Each stream sends scaled binary
// messages, reporting each message's size once its write has completed.
func (e *Engine) RunUpload(ctx context.Context, lc *lifecycle.Lifecycle,
	target *probe.Target, onBytes probe.OnBytes) error {
	uploadURL := target.Metadata["uploadURL"]
	if uploadURL == "" {
		uploadURL = target.URL
	}
	for i := 0; i < Streams; i++ {
		stream := i
		lc.LaunchWorker(streamName("upload", stream), func() error {
			metrics.ActiveWorkers.Inc()
			defer metrics.ActiveWorkers.Dec()
			return e.senderStream(ctx, lc, uploadURL, onBytes)
		})
	}
	<-ctx.Done()
	return nil
}

func streamName(phase string, id int) string {
	return EngineName + "-" + phase + "-" + string(rune('0'+id))
}

// receiverStream reads from one connection until it fails, which during
// teardown is the expected stop signal.
func (e *Engine) receiverStream(ctx context.Context, lc *lifecycle.Lifecycle,
	rawURL string, onBytes probe.OnBytes) error {

	conn, err := e.connect(ctx, rawURL)
	if err != nil {
		return err
	}
	if !lc.RegisterClient(conn) {
		return nil
	}
	defer func() {
		lc.UnregisterClient(conn)
		conn.Close()
	}()
	conn.SetReadDeadline(time.Now().Add(spec.PhaseDuration + 5*time.Second))
	defer watchContext(ctx, conn)()

	for {
		kind, reader, err := conn.NextReader()
		if err != nil {
			if lc.ShouldStop() || ctx.Err() != nil ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		switch kind {
		case websocket.BinaryMessage:
			// Binary messages are discarded after reading their size.
			size, err := io.Copy(io.Discard, reader)
			if err != nil {
				return err
			}
			onBytes(int(size))
			metrics.PhaseBytes.WithLabelValues("download").Add(float64(size))
		case websocket.TextMessage:
			data, err := io.ReadAll(reader)
			if err != nil {
				return err
			}
			onBytes(len(data))
			metrics.PhaseBytes.WithLabelValues("download").Add(float64(len(data)))
		}
	}
}

// senderStream writes prepared binary messages, scaling the message size as
// the connection's throughput grows so the per-message overhead stays a
// small fraction of the bytes sent.
func (e *Engine) senderStream(ctx context.Context, lc *lifecycle.Lifecycle,
	rawURL string, onBytes probe.OnBytes) error {

	conn, err := e.connect(ctx, rawURL)
	if err != nil {
		return err
	}
	if !lc.RegisterClient(conn) {
		return nil
	}
	defer func() {
		lc.UnregisterClient(conn)
		conn.Close()
	}()
	conn.SetWriteDeadline(time.Now().Add(spec.PhaseDuration + 5*time.Second))
	defer watchContext(ctx, conn)()

	// Each stream has its own randomness source, so simultaneous Read()
	// calls never happen.
	rnd := rand.New(rand.NewSource(time.Now().UnixMilli()))
	size := spec.MinMessageSize
	message, err := makePreparedMessage(rnd, size)
	if err != nil {
		return err
	}

	var sent int
	for ctx.Err() == nil && !lc.ShouldStop() {
		if err := conn.WritePreparedMessage(message); err != nil {
			if lc.ShouldStop() || ctx.Err() != nil {
				return nil
			}
			return err
		}
		onBytes(size)
		metrics.PhaseBytes.WithLabelValues("upload").Add(float64(size))
		sent += size

		// Scale the message once it is a small fraction of the bytes sent.
		if size >= spec.MaxScaledMessageSize || size > sent/spec.ScalingFraction {
			continue
		}
		size *= 2
		message, err = makePreparedMessage(rnd, size)
		if err != nil {
			return err
		}
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Done sending")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return nil
}

// watchContext closes the connection when ctx ends, so reads and writes
// blocked inside the websocket library unwind without waiting out their
// I/O deadline. The returned func stops the watcher.
func watchContext(ctx context.Context, conn *websocket.Conn) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// makePreparedMessage returns a websocket.PreparedMessage of the requested
// size filled with random bytes.
func makePreparedMessage(rnd *rand.Rand, size int) (*websocket.PreparedMessage, error) {
	data := make([]byte, size)
	rnd.Read(data)
	return websocket.NewPreparedMessage(websocket.BinaryMessage, data)
}
