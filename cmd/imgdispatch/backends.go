package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/imgdispatch/broker"
	brokermem "github.com/xraph/imgdispatch/broker/memory"
	brokernats "github.com/xraph/imgdispatch/broker/nats"
	brokerredis "github.com/xraph/imgdispatch/broker/redis"
	"github.com/xraph/imgdispatch/storage"
	"github.com/xraph/imgdispatch/storage/local"
	"github.com/xraph/imgdispatch/storage/minio"
	"github.com/xraph/imgdispatch/store"
	"github.com/xraph/imgdispatch/store/memory"
	"github.com/xraph/imgdispatch/store/postgres"
	storeredis "github.com/xraph/imgdispatch/store/redis"
)

// backends holds the connections a process opened. close releases them in
// reverse order.
type backends struct {
	store   store.Store
	broker  broker.Broker
	storage storage.Storage
	closers []func() error
}

func (b *backends) onClose(fn func() error) { b.closers = append(b.closers, fn) }

func (b *backends) close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// redisConn lazily dials the one Redis client the store and broker share.
type redisConn struct {
	url    string
	client *goredis.Client
}

func (c *redisConn) get() (*goredis.Client, error) {
	if c.client != nil {
		return c.client, nil
	}
	opts, err := goredis.ParseURL(c.url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	c.client = goredis.NewClient(opts)
	return c.client, nil
}

func (c *redisConn) close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// openBackends connects the configured store, broker and storage.
func openBackends(ctx context.Context, s settings, logger *slog.Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			_ = b.close()
		}
	}()

	rc := &redisConn{url: s.RedisURL}
	b.onClose(rc.close)

	if b.store, err = openStore(ctx, s, logger, rc); err != nil {
		return nil, err
	}
	b.onClose(b.store.Close)

	if err := b.store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping store: %w", err)
	}
	if err := b.store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	if b.broker, err = openBroker(s, logger, rc, b.onClose); err != nil {
		return nil, err
	}
	b.onClose(b.broker.Close)

	if b.storage, err = openStorage(ctx, s); err != nil {
		return nil, err
	}

	logger.Info("backends ready",
		slog.String("store", s.Store),
		slog.String("broker", s.Broker),
		slog.String("storage", s.Storage),
	)
	return b, nil
}

func openStore(ctx context.Context, s settings, logger *slog.Logger, rc *redisConn) (store.Store, error) {
	switch s.Store {
	case "memory":
		return memory.New(), nil
	case "redis":
		client, err := rc.get()
		if err != nil {
			return nil, err
		}
		return storeredis.New(client, storeredis.WithLogger(logger)), nil
	case "postgres":
		return postgres.New(ctx, s.PostgresURL, postgres.WithLogger(logger))
	default:
		return nil, fmt.Errorf("unknown store %q: want memory, redis or postgres", s.Store)
	}
}

func openBroker(s settings, logger *slog.Logger, rc *redisConn, onClose func(func() error)) (broker.Broker, error) {
	switch s.Broker {
	case "memory":
		return brokermem.New(), nil
	case "redis":
		client, err := rc.get()
		if err != nil {
			return nil, err
		}
		return brokerredis.New(client, brokerredis.WithLogger(logger)), nil
	case "nats":
		nc, err := nats.Connect(s.NatsURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.Timeout(5*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		onClose(func() error { return nc.Drain() })
		return brokernats.New(nc, brokernats.WithLogger(logger), brokernats.WithStream(s.NatsStream))
	default:
		return nil, fmt.Errorf("unknown broker %q: want memory, redis or nats", s.Broker)
	}
}

func openStorage(ctx context.Context, s settings) (storage.Storage, error) {
	switch s.Storage {
	case "local":
		return local.New(s.LocalRoot)
	case "minio":
		st, err := minio.New(
			minio.WithEndpoint(s.MinioEndpoint),
			minio.WithBucket(s.MinioBucket),
			minio.WithAccessKey(s.MinioAccessKey),
			minio.WithSecretKey(s.MinioSecretKey),
			minio.WithRegion(s.MinioRegion),
			minio.WithSSL(s.MinioSSL),
		)
		if err != nil {
			return nil, err
		}
		if err := st.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage %q: want local or minio", s.Storage)
	}
}
