package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// SPIFFESource wraps a workload API X.509 source, issuing mTLS transport
// credentials for the admin gRPC surface so xdpctl and the Runtime don't
// need a manually-provisioned certificate.
type SPIFFESource struct {
	source      *workloadapi.X509Source
	trustDomain string
	allowedID   string
}

// NewSPIFFESource connects to the local SPIRE agent. A three-second timeout
// avoids blocking startup indefinitely when no agent is reachable.
func NewSPIFFESource(socketPath, trustDomain, allowedID string) (*SPIFFESource, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(ctx, workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)))
	if err != nil {
		return nil, fmt.Errorf("admin: connect to SPIRE agent at %s: %w", socketPath, err)
	}
	return &SPIFFESource{source: source, trustDomain: trustDomain, allowedID: allowedID}, nil
}

// authorizer only admits the single peer id operators configured, falling
// back to same-trust-domain-any when none was set. A configured id or
// trust domain that fails to parse admits any peer.
func (s *SPIFFESource) authorizer() tlsconfig.Authorizer {
	if s.allowedID == "" {
		td, err := spiffeid.TrustDomainFromString(s.trustDomain)
		if err != nil {
			return tlsconfig.AuthorizeAny()
		}
		return tlsconfig.AuthorizeMemberOf(td)
	}
	id, err := spiffeid.FromString(s.allowedID)
	if err != nil {
		return tlsconfig.AuthorizeAny()
	}
	return tlsconfig.AuthorizeID(id)
}

// ServerOption builds a grpc.ServerOption requiring mTLS from any
// connecting client, used by ListenAndServeGRPC when Security.SPIFFEEnabled
// is set.
func (s *SPIFFESource) ServerOption() grpc.ServerOption {
	tlsConf := tlsconfig.MTLSServerConfig(s.source, s.source, s.authorizer())
	return grpc.Creds(credentials.NewTLS(tlsConf))
}

// DialOption builds a grpc.DialOption for xdpctl to present its own SVID
// and verify the Runtime's.
func (s *SPIFFESource) DialOption() grpc.DialOption {
	tlsConf := tlsconfig.MTLSClientConfig(s.source, s.source, s.authorizer())
	return grpc.WithTransportCredentials(credentials.NewTLS(tlsConf))
}

// Close releases the workload API connection.
func (s *SPIFFESource) Close() error {
	return s.source.Close()
}
