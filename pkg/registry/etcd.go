package registry

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/canopydb/canopy/pkg/types"
)

// etcd-backed peer directory: every daemon registers
// /canopy/peers/<index> = <addr> under a kept-alive lease and watches the
// prefix so departures and joins propagate without restarts.

const (
	keyPrefix   = "/canopy/peers/"
	dialTimeout = 5 * time.Second
)

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

// Register announces this peer under a lease and keeps the lease alive
// until ctx is cancelled. The returned lease id can be revoked on
// shutdown for a prompt departure.
func Register(ctx context.Context, cli *clientv3.Client, idx types.PeerIndex, addr string, ttl time.Duration) (clientv3.LeaseID, error) {
	log := zap.S().Named("registry")

	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	lease, err := cli.Grant(ctx, seconds)
	if err != nil {
		return 0, fmt.Errorf("grant lease: %w", err)
	}

	key := keyPrefix + strconv.Itoa(int(idx))
	if _, err := cli.Put(ctx, key, addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, fmt.Errorf("register %s: %w", key, err)
	}

	ka, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return 0, fmt.Errorf("keep lease alive: %w", err)
	}
	go func() {
		for range ka {
		}
		log.Debugw("lease keepalive stopped", "peer", idx)
	}()

	log.Infow("registered", "peer", idx, "addr", addr, "ttl", ttl)
	return lease.ID, nil
}

// Peers reads the current peer table.
func Peers(ctx context.Context, cli *clientv3.Client) (map[types.PeerIndex]string, error) {
	resp, err := cli.Get(ctx, keyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}

	return parsePeers(resp), nil
}

// Watch invokes fn with the full peer table on every change under the
// prefix, until ctx is cancelled.
func Watch(ctx context.Context, cli *clientv3.Client, fn func(map[types.PeerIndex]string)) {
	log := zap.S().Named("registry")

	go func() {
		wch := cli.Watch(ctx, keyPrefix, clientv3.WithPrefix())
		for resp := range wch {
			if err := resp.Err(); err != nil {
				log.Warnw("peer watch error", "err", err)
				continue
			}

			peers, err := Peers(ctx, cli)
			if err != nil {
				log.Warnw("peer refresh failed", "err", err)
				continue
			}
			fn(peers)
		}
	}()
}

func parsePeers(resp *clientv3.GetResponse) map[types.PeerIndex]string {
	log := zap.S().Named("registry")

	peers := make(map[types.PeerIndex]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		raw := strings.TrimPrefix(string(kv.Key), keyPrefix)
		idx, err := strconv.Atoi(raw)
		if err != nil || idx < 0 || idx > 127 {
			log.Warnw("ignoring malformed peer key", "key", string(kv.Key))
			continue
		}
		peers[types.PeerIndex(idx)] = string(kv.Value)
	}
	return peers
}
