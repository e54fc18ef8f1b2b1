// Package engine defines the boundary between the proxy and the orchestration
// engine driver. The proxy only ever talks to a Client obtained from a Dialer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Sentinel errors a Client may return. Implementations wrap them with %w.
var (
	ErrDomainAlreadyExists = errors.New("domain already exists")
	ErrEntityNotExists     = errors.New("entity does not exist")
	ErrBadRequest          = errors.New("bad request")
	ErrServiceBusy         = errors.New("service busy")
	ErrCancelled           = errors.New("operation cancelled")
	ErrClosed              = errors.New("client closed")
)

// Error categories reported to the client library.
const (
	CategoryEntityNotExists     = "EntityNotExists"
	CategoryDomainAlreadyExists = "DomainAlreadyExists"
	CategoryBadRequest          = "BadRequest"
	CategoryServiceBusy         = "ServiceBusy"
	CategoryCancelled           = "Cancelled"
	CategoryTimeout             = "Timeout"
	CategoryGeneric             = "Generic"
)

// Category maps an adapter error onto the category reported to the library.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEntityNotExists):
		return CategoryEntityNotExists
	case errors.Is(err, ErrDomainAlreadyExists):
		return CategoryDomainAlreadyExists
	case errors.Is(err, ErrBadRequest):
		return CategoryBadRequest
	case errors.Is(err, ErrServiceBusy):
		return CategoryServiceBusy
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return CategoryCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	default:
		return CategoryGeneric
	}
}

// DomainStatus mirrors the engine's domain lifecycle states.
type DomainStatus string

const (
	DomainRegistered DomainStatus = "REGISTERED"
	DomainDeprecated DomainStatus = "DEPRECATED"
)

// RegisterDomainRequest describes a domain to create.
type RegisterDomainRequest struct {
	Name          string
	Description   string
	OwnerEmail    string
	RetentionDays int32
	EmitMetrics   bool
	SecurityToken string
}

// UpdateDomainRequest changes a domain. Nil fields are left unchanged.
type UpdateDomainRequest struct {
	Name          string
	Description   *string
	OwnerEmail    *string
	RetentionDays *int32
	EmitMetrics   *bool
	SecurityToken string
}

// DomainDescription is what the engine reports about a domain.
type DomainDescription struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Description   string       `json:"description"`
	OwnerEmail    string       `json:"owner_email"`
	Status        DomainStatus `json:"status"`
	RetentionDays int32        `json:"retention_days"`
	EmitMetrics   bool         `json:"emit_metrics"`
	Created       time.Time    `json:"created"`
	Updated       time.Time    `json:"updated"`
}

// Client is the subset of the engine driver the proxy forwards to.
type Client interface {
	RegisterDomain(ctx context.Context, req RegisterDomainRequest) error
	DescribeDomain(ctx context.Context, name string) (*DomainDescription, error)
	UpdateDomain(ctx context.Context, req UpdateDomainRequest) error
	CancelOperation(ctx context.Context, operationID string) error
	Close() error
}

// ConnectOptions carries the connect request's parameters to a Dialer.
type ConnectOptions struct {
	Endpoints     []string
	Identity      string
	Domain        string
	ClientTimeout time.Duration
}

// Validate checks that at least one endpoint is given and each is host:port.
func (o ConnectOptions) Validate() error {
	if len(o.Endpoints) == 0 {
		return fmt.Errorf("%w: no endpoints", ErrBadRequest)
	}
	for _, ep := range o.Endpoints {
		host, port, err := net.SplitHostPort(ep)
		if err != nil {
			return fmt.Errorf("%w: endpoint %q: %v", ErrBadRequest, ep, err)
		}
		if host == "" {
			return fmt.Errorf("%w: endpoint %q: missing host", ErrBadRequest, ep)
		}
		if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
			return fmt.Errorf("%w: endpoint %q: invalid port", ErrBadRequest, ep)
		}
	}
	return nil
}

// Dialer establishes a Client for the given options.
type Dialer func(ctx context.Context, opts ConnectOptions) (Client, error)
