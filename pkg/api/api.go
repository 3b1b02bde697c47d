package api

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/getdozer/dozer/pkg/dconfig"
	"github.com/getdozer/dozer/pkg/log"
	"github.com/getdozer/dozer/pkg/security"
)

// Server owns the lifecycle of every query transport §6 enables: REST,
// gRPC and the Postgres wire protocol, all reading through one Registry.
// It follows the teacher's reconciler Start/Stop pairing instead of a
// single blocking run loop, so cmd/dozer can bring query serving up and
// down independently of ingestion.
type Server struct {
	cfg  dconfig.APIConfig
	reg  *Registry
	rest *RESTServer
	grpc *GRPCServer
	pg   *PGServer
	errc chan error
}

// NewServer builds a Server for every transport cfg enables. nodeType and
// nodeID select the certificate directory gRPC's mTLS is loaded from,
// matching pkg/security's naming convention.
func NewServer(cfg dconfig.APIConfig, reg *Registry, nodeType, nodeID string) (*Server, error) {
	s := &Server{cfg: cfg, reg: reg, errc: make(chan error, 3)}

	if cfg.REST.Enabled {
		s.rest = NewRESTServer(reg)
	}
	if cfg.GRPC.Enabled {
		opts, err := grpcServerOptions(nodeType, nodeID)
		if err != nil {
			return nil, err
		}
		s.grpc = NewGRPCServer(reg, opts...)
	}
	if cfg.Postgres.Enabled {
		s.pg = NewPGServer(reg)
	}
	return s, nil
}

// grpcServerOptions builds grpc.Creds(...) from the node's certificate
// directory, TLS 1.3 minimum. Client certificates are requested but not
// required, and a certificate a client does send is not verified against
// the CA pool (tls.RequestClientCert). A node with no certificate directory yet serves gRPC without
// transport credentials rather than failing to start.
func grpcServerOptions(nodeType, nodeID string) ([]grpc.ServerOption, error) {
	certDir, err := security.GetCertDir(nodeType, nodeID)
	if err != nil {
		return nil, fmt.Errorf("api: resolving cert dir: %w", err)
	}
	if !security.CertExists(certDir) {
		return nil, nil
	}
	cert, err := security.LoadCertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("api: loading server cert: %w", err)
	}
	ca, err := security.LoadCACertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("api: loading CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(ca)
	tlsCfg := &tls.Config{
		ClientAuth:   tls.RequestClientCert,
		Certificates: []tls.Certificate{*cert},
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS13,
	}
	return []grpc.ServerOption{grpc.Creds(credentials.NewTLS(tlsCfg))}, nil
}

// Start launches every enabled transport on its configured port in its
// own goroutine and returns immediately. Transport failures surface on
// Err(), not as a return value, since transports run for the life of the
// process.
func (s *Server) Start() {
	if s.rest != nil {
		go func() {
			if err := s.rest.Listen(fmt.Sprintf(":%d", s.cfg.REST.Port)); err != nil {
				s.errc <- fmt.Errorf("api: rest: %w", err)
			}
		}()
	}
	if s.grpc != nil {
		go func() {
			if err := s.grpc.Listen(fmt.Sprintf(":%d", s.cfg.GRPC.Port)); err != nil {
				s.errc <- fmt.Errorf("api: grpc: %w", err)
			}
		}()
	}
	if s.pg != nil {
		go func() {
			if err := s.pg.Listen(fmt.Sprintf(":%d", s.cfg.Postgres.Port)); err != nil {
				s.errc <- fmt.Errorf("api: pg: %w", err)
			}
		}()
	}
}

// Err returns the channel transport failures are reported on.
func (s *Server) Err() <-chan error { return s.errc }

// Stop gracefully stops every running transport.
func (s *Server) Stop() {
	if s.rest != nil {
		if err := s.rest.Shutdown(); err != nil {
			log.WithComponent("api").Warn().Err(err).Msg("rest shutdown")
		}
	}
	if s.grpc != nil {
		s.grpc.Stop()
	}
	// PGServer's listener has no graceful drain; it exits with the process.
}
