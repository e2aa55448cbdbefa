package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/aoserv/aoserv-client/pkg/config"
)

// ConnectorCache shares one Connector per configuration. Configurations for
// the same account that differ in any setting, such as ListenCaches or pool
// size, get separate connectors.
//
// Concurrent first requests for the same account create a single connector.
// A new connector must answer a ping before it is cached, so bad credentials
// or unreachable masters are reported to every waiting caller and retried on
// the next request.
type ConnectorCache struct {
	connectors map[string]*Connector
	group      singleflight.Group
	mu         sync.Mutex
	closed     bool
}

// NewConnectorCache returns an empty cache.
func NewConnectorCache() *ConnectorCache {
	return &ConnectorCache{connectors: make(map[string]*Connector)}
}

// Get returns the connector for cfg's account, creating it on first use.
func (cc *ConnectorCache) Get(ctx context.Context, cfg *config.ClientConfig) (*Connector, error) {
	key := cacheKey(cfg)
	if c, err := cc.lookup(key); c != nil || err != nil {
		return c, err
	}

	createCtx := context.WithoutCancel(ctx)
	ch := cc.group.DoChan(key, func() (any, error) {
		if c, err := cc.lookup(key); c != nil || err != nil {
			return c, err
		}

		c, err := New(cfg)
		if err != nil {
			return nil, err
		}

		pingCtx, cancel := context.WithTimeout(createCtx, cfg.ConnTimeout+cfg.ReadTimeout)
		defer cancel()
		if err := c.Ping(pingCtx); err != nil {
			_ = c.Close()
			return nil, err
		}

		cc.mu.Lock()
		defer cc.mu.Unlock()
		if cc.closed {
			_ = c.Close()
			return nil, ErrClosed
		}
		cc.connectors[key] = c
		return c, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Connector), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (cc *ConnectorCache) lookup(key string) (*Connector, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.closed {
		return nil, ErrClosed
	}
	return cc.connectors[key], nil
}

// Len returns the number of cached connectors.
func (cc *ConnectorCache) Len() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return len(cc.connectors)
}

// Close closes every cached connector. Later calls to Get fail with ErrClosed.
func (cc *ConnectorCache) Close() error {
	cc.mu.Lock()
	cc.closed = true
	connectors := cc.connectors
	cc.connectors = make(map[string]*Connector)
	cc.mu.Unlock()

	var errs []error
	for _, c := range connectors {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// cacheKey identifies a connector configuration: the account, the master
// set and every setting that shapes the connector. Master order does not
// matter; the ring decides the order.
func cacheKey(cfg *config.ClientConfig) string {
	key := *cfg
	key.Masters = slices.Clone(cfg.Masters)
	slices.Sort(key.Masters)
	return fmt.Sprintf("%#v", key)
}
