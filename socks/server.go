package socks

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/a7maadf/anonnet/anonerr"
	"github.com/a7maadf/anonnet/config"
	"github.com/a7maadf/anonnet/directory"
	"github.com/a7maadf/anonnet/rendezvous"
	"github.com/a7maadf/anonnet/streammux"
	"github.com/a7maadf/anonnet/wire"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
)

// portFileName is where the chosen loopback port is written (§6 Persisted
// State), so a local client app can discover a dynamically-assigned port
// without parsing log output.
const portFileName = "socks5_port.txt"

// connectTimeout bounds one CONNECT request's directory lookup, circuit
// build, and stream open combined.
const connectTimeout = 60 * time.Second

// Server is the loopback SOCKS5 listener that is the only way a local
// application reaches a `.anon` address: it never resolves, dials, or
// even looks up a non-`.anon` host, per §4.8's invariant that clearnet
// refusal happens before any circuit construction is attempted.
type Server struct {
	dir    *directory.Directory
	client *rendezvous.Client
	mux    *streammux.Mux
	logger *zap.Logger

	listener net.Listener

	wg sync.WaitGroup
}

// New creates a Server that resolves `.anon` addresses through dir,
// builds rendezvous circuits through client, and multiplexes streams
// through mux.
func New(dir *directory.Directory, client *rendezvous.Client, mux *streammux.Mux, logger *zap.Logger) *Server {
	return &Server{dir: dir, client: client, mux: mux, logger: logger}
}

// Listen binds the loopback listener and writes the chosen port to
// <dataDir>/socks5_port.txt (skipped when dataDir is empty). Separated
// from Serve so callers and tests can learn the bound address before the
// accept loop starts.
func (s *Server) Listen(addr, dataDir string) error {
	if addr == "" {
		addr = config.Defaults.SocksListenAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return anonerr.Wrap(anonerr.Fatal, "socks.Listen", "bind loopback listener", err)
	}
	s.listener = netutil.LimitListener(ln, config.Defaults.MaxSocksConnections)

	if dataDir != "" {
		if err := writePortFile(dataDir, s.listener.Addr()); err != nil {
			s.logger.Warn("socks: failed to write port file", zap.Error(err))
		}
	}
	s.logger.Info("socks: listening", zap.Stringer("addr", s.listener.Addr()))
	return nil
}

// Addr returns the bound listener address; valid only after Listen.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve runs the accept loop until ctx is cancelled or Close is called.
// Listen must be called first.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
			}
			return anonerr.Wrap(anonerr.Local, "socks.Serve", "accept", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting new connections; in-flight ones run to
// completion.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func writePortFile(dataDir string, addr net.Addr) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return err
	}
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("socks: listener address %v is not TCP", addr)
	}
	return os.WriteFile(filepath.Join(dataDir, portFileName), []byte(strconv.Itoa(tcpAddr.Port)), 0o600)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	connID := uuid.New()
	logger := s.logger.With(zap.String("conn_id", connID.String()))
	defer conn.Close()

	ok, err := readGreeting(conn)
	if err != nil {
		logger.Debug("socks: reading greeting", zap.Error(err))
		return
	}
	if !ok {
		_ = writeMethodSelection(conn, authMethodNoAcceptable)
		return
	}
	if err := writeMethodSelection(conn, authMethodNoAuth); err != nil {
		return
	}

	req, err := readRequest(conn)
	if err != nil {
		logger.Debug("socks: reading request", zap.Error(err))
		return
	}

	if req.cmd != cmdConnect {
		_ = writeReply(conn, replyCommandUnsupported)
		return
	}
	if req.atyp != atypDomain {
		_ = writeReply(conn, replyAddrUnsupported)
		return
	}

	// §4.8 step 2: refuse anything that isn't a syntactically valid .anon
	// hostname before any lookup is issued — clearnet blocking is an
	// invariant, not a policy.
	if !wire.IsAnonHostname(req.host) {
		logger.Debug("socks: refused non-.anon host", zap.String("host", req.host))
		_ = writeReply(conn, replyRuleRefused)
		return
	}
	address, err := wire.ParseAnonHostname(req.host)
	if err != nil {
		_ = writeReply(conn, replyGeneralFailure)
		return
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	stream, err := s.connectStream(connectCtx, address, req.port)
	if err != nil {
		logger.Debug("socks: connect failed", zap.String("host", req.host), zap.Error(err))
		_ = writeReply(conn, replyCodeFor(err))
		return
	}
	defer stream.Close()

	if err := writeReply(conn, replySucceeded); err != nil {
		return
	}

	relay(conn, stream)
}

// connectStream resolves address, builds a rendezvous circuit to it, and
// opens a stream to targetPort over that circuit — steps 3-5 of §4.8.
func (s *Server) connectStream(ctx context.Context, address wire.ServiceAddress, targetPort uint16) (*streammux.Stream, error) {
	desc, err := s.dir.Lookup(ctx, address)
	if err != nil {
		return nil, err
	}
	session, err := s.client.Connect(ctx, desc)
	if err != nil {
		return nil, err
	}
	s.mux.Bind(session.Circuit, session.Crypto)
	return s.mux.OpenStream(ctx, session.Circuit, targetPort)
}

func replyCodeFor(err error) byte {
	switch anonerr.KindOf(err) {
	case anonerr.ServiceUnreachable:
		return replyHostUnreachable
	case anonerr.PolicyRefusal:
		return replyRuleRefused
	case anonerr.Exhaustion:
		return replyGeneralFailure
	default:
		return replyGeneralFailure
	}
}

// relay copies bytes both directions until either side closes, exactly
// the "relay bytes both directions" tail of §4.8 step 6.
func relay(conn net.Conn, stream *streammux.Stream) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(stream, conn)
		_ = stream.Close()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(conn, stream)
	}()
	wg.Wait()
}
