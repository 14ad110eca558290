// Package netx provides a net.Conn wrapper that counts bytes crossing the
// socket and exposes kernel-level TCP information where the platform
// supports it. Every connection opened by a measurement engine goes through
// this package so that wire-level byte accounting is always available.
package netx

import (
	"context"
	"crypto/tls"
	"net"
	"os"
	"sync/atomic"
	"time"

	guuid "github.com/google/uuid"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/ndt-server/tcpinfox"
	"github.com/m-lab/tcp-info/tcp"
	"github.com/m-lab/uuid"

	"github.com/cdnprobe/cdnprobe/internal/congestion"
)

// Conn is an extended net.Conn that stores its dial time, a duplicate of the
// underlying socket's file descriptor, and counters for read/written bytes.
type Conn struct {
	net.Conn

	fp           *os.File
	dialTime     time.Time
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// DialContext opens a TCP connection to addr and wraps it in a *Conn.
func DialContext(ctx context.Context, addr string) (*Conn, error) {
	d := &net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return fromTCPConn(conn.(*net.TCPConn))
}

// DialTLSContext opens a TCP connection to addr, wraps it in a *Conn and
// completes a TLS handshake on top of it. The returned tls.Conn's NetConn()
// is the counting *Conn, so wire bytes include TLS framing.
func DialTLSContext(ctx context.Context, addr, serverName string, tlsConf *tls.Config) (*tls.Conn, error) {
	inner, err := DialContext(ctx, addr)
	if err != nil {
		return nil, err
	}
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	}
	if tlsConf.ServerName == "" {
		conf := tlsConf.Clone()
		conf.ServerName = serverName
		tlsConf = conf
	}
	tlsConn := tls.Client(inner, tlsConf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		inner.Close()
		return nil, err
	}
	return tlsConn, nil
}

// FromTCPConn wraps an already-open TCP connection.
func FromTCPConn(tcpConn *net.TCPConn) (*Conn, error) {
	return fromTCPConn(tcpConn)
}

// Read reads from the underlying net.Conn and updates the read bytes counter.
func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.bytesRead.Add(uint64(n))
	return n, err
}

// Write writes to the underlying net.Conn and updates the written bytes counter.
func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.bytesWritten.Add(uint64(n))
	return n, err
}

// ByteCounters returns the read and written byte counters, in this order.
func (c *Conn) ByteCounters() (uint64, uint64) {
	return c.bytesRead.Load(), c.bytesWritten.Load()
}

// Close closes the underlying net.Conn and the duplicate file descriptor.
func (c *Conn) Close() error {
	return c.close()
}

// Abort closes the connection without flushing queued data. A graceful TCP
// close is too slow to bound phase duration, so the forced teardown path
// uses this instead of Close.
func (c *Conn) Abort() error {
	if tcpConn, ok := c.Conn.(*net.TCPConn); ok {
		tcpConn.SetLinger(0)
	}
	return c.close()
}

// SetCC sets the congestion control algorithm on the underlying file
// descriptor.
func (c *Conn) SetCC(cc string) error {
	return congestion.Set(c.fp, cc)
}

// GetCC gets the current congestion control algorithm from the underlying
// file descriptor.
func (c *Conn) GetCC() (string, error) {
	return congestion.Get(c.fp)
}

// Info returns the TCPInfo struct associated with the underlying socket. It
// returns tcpinfox.ErrNoSupport where TCP_INFO is not available.
func (c *Conn) Info() (*tcp.LinuxTCPInfo, error) {
	return tcpinfox.GetTCPInfo(c.fp)
}

// DialTime returns this connection's dial time.
func (c *Conn) DialTime() time.Time {
	return c.dialTime
}

// UUID returns an M-Lab UUID. On platforms not supporting SO_COOKIE, it
// returns a google/uuid as a fallback. If the fallback fails, it panics.
func (c *Conn) UUID() (string, error) {
	id, err := uuid.FromFile(c.fp)
	if err != nil {
		// fallback: use google/uuid if the platform does not support SO_COOKIE.
		gid, err := guuid.NewUUID()
		// NOTE: this could only fail when guuid.GetTime() fails.
		rtx.Must(err, "unable to fallback to uuid")
		id = gid.String()
	}
	return id, nil
}
