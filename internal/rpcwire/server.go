package rpcwire

import (
	"fmt"
	"net"
	"net/rpc"

	"go.uber.org/zap"
)

// Server listens for inbound node-to-node RPC calls. Accepting and
// serving connections are split into two select cases, the same idiom
// the teacher uses for its plugin RPC server and its gossip receiver, so
// graceful shutdown never races an in-flight Accept.
type Server struct {
	log     *zap.Logger
	engine  *rpc.Server
	closing chan chan error
}

// NewServer registers svc under the "Node" service name and returns a
// Server ready to Listen.
func NewServer(svc *Service, log *zap.Logger) (*Server, error) {
	engine := rpc.NewServer()
	if err := engine.RegisterName(serviceName, svc); err != nil {
		return nil, fmt.Errorf("registering rpc service: %w", err)
	}
	return &Server{log: log, engine: engine, closing: make(chan chan error)}, nil
}

// Listen binds addr and starts serving in the background. It returns once
// the listener is bound so the caller knows the port is live.
func (s *Server) Listen(bindAddr string) error {
	l, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return err
	}
	go s.serveLoop(l)
	return nil
}

func (s *Server) serveLoop(l net.Listener) {
	defer l.Close()

	accepting := make(chan struct{}, 1)
	serving := make(chan net.Conn, 1)
	accepting <- struct{}{}

	for {
		select {
		case errch := <-s.closing:
			errch <- nil
			return

		case <-accepting:
			go func() {
				conn, err := l.Accept()
				if err != nil {
					return
				}
				serving <- conn
			}()

		case conn, ok := <-serving:
			if !ok {
				return
			}
			go s.engine.ServeConn(conn)
			accepting <- struct{}{}
		}
	}
}

// Shutdown gracefully stops accepting new connections.
func (s *Server) Shutdown() error {
	errch := make(chan error)
	s.closing <- errch
	return <-errch
}
