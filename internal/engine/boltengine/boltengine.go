// Package boltengine is a single-node development engine persisted in bbolt.
// It implements engine.Client so the proxy can be exercised end to end without
// a remote cluster.
package boltengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/berrythewa/cadence-proxy/internal/engine"
)

const (
	domainsBucket    = "domains"
	operationsBucket = "operations"

	defaultOpenTimeout = 1 * time.Second
)

// StoreConfig holds configuration for Store initialization
type StoreConfig struct {
	DBPath      string
	OpenTimeout time.Duration
	Logger      *zap.Logger
}

// Store is the bbolt database behind the development engine.
type Store struct {
	db     *bbolt.DB
	logger *zap.Logger
}

type domainRecord struct {
	engine.DomainDescription
	SecurityToken string `json:"security_token,omitempty"`
}

type operationRecord struct {
	OperationID string    `json:"operation_id"`
	CancelledBy string    `json:"cancelled_by"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// OpenStore opens (creating if needed) the database and its buckets.
func OpenStore(cfg StoreConfig) (*Store, error) {
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = defaultOpenTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := bbolt.Open(cfg.DBPath, 0600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{domainsBucket, operationsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("Engine store initialized", zap.String("db_path", cfg.DBPath))
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dialer hands out clients that share one Store. The store is opened on the
// first successful dial and kept until Close.
type Dialer struct {
	cfg StoreConfig

	mu    sync.Mutex
	store *Store
}

// NewDialer creates a Dialer for the database at cfg.DBPath.
func NewDialer(cfg StoreConfig) *Dialer {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Dialer{cfg: cfg}
}

// Dial validates the connect options and returns a client bound to the store.
func (d *Dialer) Dial(ctx context.Context, opts engine.ConnectOptions) (engine.Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.store == nil {
		store, err := OpenStore(d.cfg)
		if err != nil {
			return nil, err
		}
		d.store = store
	}

	d.cfg.Logger.Info("Engine client connected",
		zap.Strings("endpoints", opts.Endpoints),
		zap.String("identity", opts.Identity))

	return &Client{store: d.store, identity: opts.Identity, timeout: opts.ClientTimeout}, nil
}

// Close releases the store, if one was opened.
func (d *Dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.store == nil {
		return nil
	}
	err := d.store.Close()
	d.store = nil
	return err
}

// Client implements engine.Client on top of a Store.
type Client struct {
	store    *Store
	identity string
	timeout  time.Duration

	mu     sync.RWMutex
	closed bool
}

var _ engine.Client = (*Client)(nil)

func (c *Client) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, nil, engine.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if c.timeout > 0 {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		return ctx, cancel, nil
	}
	return ctx, func() {}, nil
}

// RegisterDomain creates a domain. Registering an existing name fails with
// engine.ErrDomainAlreadyExists.
func (c *Client) RegisterDomain(ctx context.Context, req engine.RegisterDomainRequest) error {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	if req.Name == "" {
		return fmt.Errorf("%w: domain name is required", engine.ErrBadRequest)
	}
	if req.RetentionDays < 0 {
		return fmt.Errorf("%w: retention days must not be negative", engine.ErrBadRequest)
	}

	now := time.Now().UTC()
	rec := domainRecord{
		DomainDescription: engine.DomainDescription{
			ID:            uuid.New().String(),
			Name:          req.Name,
			Description:   req.Description,
			OwnerEmail:    req.OwnerEmail,
			Status:        engine.DomainRegistered,
			RetentionDays: req.RetentionDays,
			EmitMetrics:   req.EmitMetrics,
			Created:       now,
			Updated:       now,
		},
		SecurityToken: req.SecurityToken,
	}

	err = c.store.db.Update(func(tx *bbolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		b := tx.Bucket([]byte(domainsBucket))
		if b.Get([]byte(req.Name)) != nil {
			return fmt.Errorf("%w: %s", engine.ErrDomainAlreadyExists, req.Name)
		}
		encoded, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal domain: %w", err)
		}
		return b.Put([]byte(req.Name), encoded)
	})
	if err != nil {
		return err
	}

	c.store.logger.Debug("Domain registered",
		zap.String("domain", rec.Name),
		zap.String("domain_id", rec.ID),
		zap.String("identity", c.identity))
	return nil
}

// DescribeDomain returns the stored description of a domain.
func (c *Client) DescribeDomain(ctx context.Context, name string) (*engine.DomainDescription, error) {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	if name == "" {
		return nil, fmt.Errorf("%w: domain name is required", engine.ErrBadRequest)
	}

	var rec domainRecord
	err = c.store.db.View(func(tx *bbolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		v := tx.Bucket([]byte(domainsBucket)).Get([]byte(name))
		if v == nil {
			return fmt.Errorf("%w: domain %s", engine.ErrEntityNotExists, name)
		}
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	desc := rec.DomainDescription
	return &desc, nil
}

// UpdateDomain applies the non-nil fields of req. A domain registered with a
// security token can only be updated by presenting the same token.
func (c *Client) UpdateDomain(ctx context.Context, req engine.UpdateDomainRequest) error {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	if req.Name == "" {
		return fmt.Errorf("%w: domain name is required", engine.ErrBadRequest)
	}

	return c.store.db.Update(func(tx *bbolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		b := tx.Bucket([]byte(domainsBucket))
		v := b.Get([]byte(req.Name))
		if v == nil {
			return fmt.Errorf("%w: domain %s", engine.ErrEntityNotExists, req.Name)
		}

		var rec domainRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal domain: %w", err)
		}
		if rec.SecurityToken != "" && rec.SecurityToken != req.SecurityToken {
			return fmt.Errorf("%w: security token mismatch", engine.ErrBadRequest)
		}

		if req.Description != nil {
			rec.Description = *req.Description
		}
		if req.OwnerEmail != nil {
			rec.OwnerEmail = *req.OwnerEmail
		}
		if req.RetentionDays != nil {
			if *req.RetentionDays < 0 {
				return fmt.Errorf("%w: retention days must not be negative", engine.ErrBadRequest)
			}
			rec.RetentionDays = *req.RetentionDays
		}
		if req.EmitMetrics != nil {
			rec.EmitMetrics = *req.EmitMetrics
		}
		rec.Updated = time.Now().UTC()

		encoded, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal domain: %w", err)
		}
		c.store.logger.Debug("Domain updated", zap.String("domain", rec.Name))
		return b.Put([]byte(req.Name), encoded)
	})
}

// CancelOperation records a cancellation for operationID. Cancelling twice is not an error.
func (c *Client) CancelOperation(ctx context.Context, operationID string) error {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	if operationID == "" {
		return fmt.Errorf("%w: operation id is required", engine.ErrBadRequest)
	}

	return c.store.db.Update(func(tx *bbolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		b := tx.Bucket([]byte(operationsBucket))
		if b.Get([]byte(operationID)) != nil {
			return nil
		}
		encoded, err := json.Marshal(operationRecord{
			OperationID: operationID,
			CancelledBy: c.identity,
			CancelledAt: time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("failed to marshal operation: %w", err)
		}
		return b.Put([]byte(operationID), encoded)
	})
}

// IsCancelled reports whether a cancellation was recorded for operationID.
func (c *Client) IsCancelled(operationID string) (bool, error) {
	var found bool
	err := c.store.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket([]byte(operationsBucket)).Get([]byte(operationID)) != nil
		return nil
	})
	return found, err
}

// Close detaches the client. The shared store stays open for later dials.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
