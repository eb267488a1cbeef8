package wire

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fannst/fmta/global"
	"github.com/fannst/fmta/lalog"
)

const (
	// DefaultIOTimeout is the one deadline set on every accepted
	// connection: it caps the connection's total lifetime, and no
	// separate inactivity deadline is set.
	DefaultIOTimeout = 10 * time.Minute
)

// App is implemented by whatever protocol runs over an accepted
// connection — in FMTA's case, an smtpd.Daemon for both the plain and
// implicit-TLS listeners.
type App interface {
	// Serve converses with the client until the connection should close.
	// The listener closes conn after Serve returns.
	Serve(conn *Conn, clientIP string)
}

// Listener accepts TCP connections, applies a per-IP rate limit, sets a
// baseline I/O deadline, and hands each connection to App.Serve on its
// own goroutine — one goroutine per connection, matching spec.md §5.
// If TLSConfig is non-nil, every accepted connection is upgraded to TLS
// before being handed to App (the "implicit TLS" listener); otherwise
// connections start in plaintext and STARTTLS upgrade is the App's
// responsibility.
type Listener struct {
	Name        string
	Addr        string
	Port        int
	App         App
	LimitPerSec int
	TLSConfig   *tls.Config
	Logger      *lalog.Logger

	mutex     sync.Mutex
	rateLimit *lalog.RateLimit
	listener  net.Listener
}

// Start binds the listener and begins accepting. It returns once the
// socket is bound; use Serve to block on the accept loop.
func (l *Listener) Start() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.listener != nil {
		return fmt.Errorf("wire.Listener(%s): already started", l.Name)
	}
	if l.Logger == nil {
		l.Logger = lalog.DefaultLogger
	}
	l.rateLimit = lalog.NewRateLimit(1, l.LimitPerSec, l.Logger)
	ln, err := net.Listen("tcp", net.JoinHostPort(l.Addr, strconv.Itoa(l.Port)))
	if err != nil {
		return fmt.Errorf("wire.Listener(%s): listen on port %d: %w", l.Name, l.Port, err)
	}
	l.listener = ln
	return nil
}

// Serve runs the accept loop until Stop is called or shutdown is
// triggered. Call Start first.
func (l *Listener) Serve() error {
	l.mutex.Lock()
	ln := l.listener
	l.mutex.Unlock()
	if ln == nil {
		return fmt.Errorf("wire.Listener(%s): Start was not called", l.Name)
	}
	l.Logger.Info(l.Name, nil, "listening on %s:%d", l.Addr, l.Port)
	for {
		if global.ShuttingDown() {
			return global.ErrShutdown
		}
		conn, err := ln.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "closed") {
				return nil
			}
			return fmt.Errorf("wire.Listener(%s): accept: %w", l.Name, err)
		}
		tcpConn, ok := conn.(*net.TCPConn)
		var clientIP string
		if ok {
			clientIP = tcpConn.RemoteAddr().(*net.TCPAddr).IP.String()
		} else {
			clientIP = conn.RemoteAddr().String()
		}
		if !l.rateLimit.Add(clientIP, true) {
			l.Logger.MaybeMinorError(conn.Close())
			continue
		}
		go l.handle(conn, clientIP)
	}
}

func (l *Listener) handle(conn net.Conn, clientIP string) {
	defer func() {
		l.Logger.MaybeMinorError(conn.Close())
	}()
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(DefaultIOTimeout / 3)
	}
	if err := conn.SetDeadline(time.Now().Add(DefaultIOTimeout)); err != nil {
		l.Logger.Warning(clientIP, err, "failed to set baseline deadline")
		return
	}
	wrapped := NewConn(conn)
	if l.TLSConfig != nil {
		if err := wrapped.UpgradeServer(l.TLSConfig); err != nil {
			l.Logger.Warning(clientIP, err, "implicit TLS handshake failed")
			return
		}
	}
	l.App.Serve(wrapped, clientIP)
}

// Stop closes the listening socket. Connections already being served
// continue until App.Serve returns.
func (l *Listener) Stop() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.listener != nil {
		l.Logger.MaybeMinorError(l.listener.Close())
		l.listener = nil
	}
}
