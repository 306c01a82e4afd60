package distributed

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	recipe "go.etcd.io/etcd/client/v3/experimental/recipes"
)

const etcdPrefix = "/fimtune/barrier/"

// EtcdBarrier synchronisiert Raenge mit einer etcd Double-Barrier
type EtcdBarrier struct {
	client  *clientv3.Client
	session *concurrency.Session
	env     Env
}

// NewEtcdBarrier verbindet sich mit endpoints und oeffnet eine Lease-Session
func NewEtcdBarrier(ctx context.Context, endpoints []string, env Env) (*EtcdBarrier, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:           endpoints,
		DialTimeout:         5 * time.Second,
		DialKeepAliveTime:   5 * time.Second,
		PermitWithoutStream: true,
		Context:             ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd: %w", err)
	}

	session, err := concurrency.NewSession(client, concurrency.WithTTL(30), concurrency.WithContext(ctx))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd session: %w", err)
	}

	return &EtcdBarrier{client: client, session: session, env: env}, nil
}

func (b *EtcdBarrier) key(name string) string {
	run := b.env.RunID
	if run == "" {
		run = "default"
	}
	return etcdPrefix + run + "/" + name
}

// Wait tritt in die Barriere ein und verlaesst sie, sobald alle Raenge eingetreten sind
func (b *EtcdBarrier) Wait(ctx context.Context, name string) error {
	barrier := recipe.NewDoubleBarrier(b.session, b.key(name), b.env.WorldSize)

	done := make(chan error, 1)
	go func() {
		if err := barrier.Enter(); err != nil {
			done <- err
			return
		}
		done <- barrier.Leave()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("barrier %s: %w", name, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("barrier %s: %w", name, ctx.Err())
	}
}

// Close beendet Session und Client
func (b *EtcdBarrier) Close() error {
	err := b.session.Close()
	if cerr := b.client.Close(); err == nil {
		err = cerr
	}
	return err
}
