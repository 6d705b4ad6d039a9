package altstratum

import (
	"crypto/tls"
	"net"
	"sync"

	"github.com/tos-network/stratum-pool/internal/stratum"
	"github.com/tos-network/stratum-pool/internal/util"
)

// XatumConfig configures the mandatory-TLS listener. It is a distinct
// bind/certificate pair from the plain Stratum server's own optional TLS
// listener, for deployments that want a dedicated, always-encrypted
// endpoint on its own port.
type XatumConfig struct {
	Bind     string
	CertFile string
	KeyFile  string
}

// XatumServer is a TLS-only front end for the Stratum dispatch path: every
// accepted connection is handed to stratum.Server.ServeConn unchanged, so
// it gets the identical mining.subscribe/submit/notify handling the plain
// TCP listener gets.
type XatumServer struct {
	cfg      XatumConfig
	stratum  *stratum.Server
	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
}

// NewXatumServer builds a TLS front end for an existing Stratum server.
func NewXatumServer(cfg XatumConfig, srv *stratum.Server) *XatumServer {
	return &XatumServer{cfg: cfg, stratum: srv, quit: make(chan struct{})}
}

// Start loads the TLS certificate and begins accepting connections.
func (s *XatumServer) Start() error {
	cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
	if err != nil {
		return err
	}

	ln, err := tls.Listen("tcp", s.cfg.Bind, &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		return err
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()
	util.Infof("xatum (TLS) listening on %s", s.cfg.Bind)
	return nil
}

// Stop closes the listener and waits for the accept loop to exit.
func (s *XatumServer) Stop() error {
	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *XatumServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				util.Warnf("xatum accept error: %v", err)
				continue
			}
		}
		go s.stratum.ServeConn(conn)
	}
}
