// Package server owns the client-facing listeners: plain TCP, TLS and
// IRC over WebSocket. Every accepted connection is handed to the
// protocol front end; the listeners only deal in bytes and lifecycle.
package server

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ircmesh/ircmesh/internal/config"
)

// ConnServer speaks the protocol on an accepted connection and returns
// when the connection is done. *irc.Server satisfies it.
type ConnServer interface {
	Serve(conn net.Conn)
}

// Server accepts client connections on the configured ports and tracks
// them so shutdown can cut every live session loose.
type Server struct {
	front ConnServer
	cfg   config.Config

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	addr   net.Addr
	wsAddr net.Addr
}

func New(front ConnServer, cfg config.Config) *Server {
	return &Server{
		front: front,
		cfg:   cfg,
		conns: make(map[net.Conn]struct{}),
	}
}

// Run opens the listeners and blocks until ctx is canceled or a
// listener fails. A canceled ctx is a clean shutdown and returns nil.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	ln, err := s.listen(":" + strconv.Itoa(s.cfg.Port))
	if err != nil {
		return errors.Wrap(err, "irc listener")
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	scheme := "irc"
	if s.cfg.SSL {
		scheme = "ircs"
	}
	log.Infof("SRV: listening on %s (%s)", ln.Addr(), scheme)
	g.Go(func() error { return s.acceptLoop(ln) })

	var wsSrv *http.Server
	if s.cfg.WSPort != 0 {
		wsLn, err := net.Listen("tcp", ":"+strconv.Itoa(s.cfg.WSPort))
		if err != nil {
			ln.Close()
			return errors.Wrap(err, "websocket listener")
		}
		s.mu.Lock()
		s.wsAddr = wsLn.Addr()
		s.mu.Unlock()

		mux := http.NewServeMux()
		mux.HandleFunc("/", s.handleWS)
		wsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		log.Infof("SRV: websocket listener on %s", wsLn.Addr())
		g.Go(func() error {
			if err := wsSrv.Serve(wsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "websocket server")
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		if wsSrv != nil {
			wsSrv.Close()
		}
		s.closeConns()
		return nil
	})

	return g.Wait()
}

// Addr is the bound IRC listener address, once Run has opened it.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// WSAddr is the bound WebSocket listener address, if one is configured.
func (s *Server) WSAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wsAddr
}

func (s *Server) listen(addr string) (net.Listener, error) {
	if !s.cfg.SSL {
		return net.Listen("tcp", addr)
	}
	cert, err := tls.LoadX509KeyPair(s.cfg.SSLCert, s.cfg.SSLKey)
	if err != nil {
		return nil, errors.Wrap(err, "load tls keypair")
	}
	return tls.Listen("tcp", addr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
}

func (s *Server) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		s.track(conn)
		go func() {
			defer s.untrack(conn)
			s.front.Serve(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

// untrack closes the connection as well, so both exit paths, a client
// hanging up and a server shutdown, end in the same place.
func (s *Server) untrack(conn net.Conn) {
	conn.Close()
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}
