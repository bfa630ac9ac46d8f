// Copyright 2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package controlplane

import (
	"context"
	"errors"
	"fmt"
	"io"

	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/time/rate"
)

var errWatchClosed = errors.New("etcd watch channel closed")

// EtcdClient is the part of [clientv3.Client] the etcd source uses.
type EtcdClient interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan
}

// NewEtcdSource creates a source backed by every key under prefix. Each
// value holds one or more service records. Any change under the prefix
// triggers a full re-read; limiter bounds how often that happens, so a
// burst of writes costs one fetch. A nil limiter allows one fetch per
// second.
func NewEtcdSource(client EtcdClient, prefix string, limiter *rate.Limiter) Source {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Limit(1), 1)
	}
	return &etcdSource{client: client, prefix: prefix, limiter: limiter}
}

type etcdSource struct {
	client  EtcdClient
	prefix  string
	limiter *rate.Limiter
}

func (es *etcdSource) New(ctx context.Context, receiver Receiver, refresh <-chan struct{}) io.Closer {
	ctx, cancel := context.WithCancel(ctx)
	task := &pollingTask{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(task.done)
		defer cancel()
		es.run(ctx, receiver, refresh)
	}()
	return task
}

func (es *etcdSource) run(ctx context.Context, receiver Receiver, refresh <-chan struct{}) {
	for ctx.Err() == nil {
		// Watch before the first read so no change falls between them.
		watchCtx, stopWatch := context.WithCancel(ctx)
		events := es.client.Watch(watchCtx, es.prefix, clientv3.WithPrefix())
		es.fetch(ctx, receiver)
		err := es.follow(ctx, receiver, events, refresh)
		stopWatch()
		if err != nil && ctx.Err() == nil {
			receiver.OnError(err)
		}
		if es.limiter.Wait(ctx) != nil {
			return
		}
	}
}

// follow re-reads the prefix on every watch response or refresh until the
// watch fails.
func (es *etcdSource) follow(
	ctx context.Context,
	receiver Receiver,
	events clientv3.WatchChan,
	refresh <-chan struct{},
) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-refresh:
		case response, ok := <-events:
			if !ok {
				return errWatchClosed
			}
			if err := response.Err(); err != nil {
				return fmt.Errorf("etcd watch %s: %w", es.prefix, err)
			}
		}
		if es.limiter.Wait(ctx) != nil {
			return nil
		}
		es.fetch(ctx, receiver)
	}
}

func (es *etcdSource) fetch(ctx context.Context, receiver Receiver) {
	response, err := es.client.Get(ctx, es.prefix, clientv3.WithPrefix())
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		receiver.OnError(fmt.Errorf("etcd get %s: %w", es.prefix, err))
		return
	}
	var registrations []Registration
	for _, kv := range response.Kvs {
		records, err := DecodeRecords(kv.Value)
		if err == nil {
			var converted []Registration
			converted, err = Flatten(records)
			registrations = append(registrations, converted...)
		}
		if err != nil {
			// One bad key does not invalidate the others.
			receiver.OnError(fmt.Errorf("etcd key %s: %w", kv.Key, err))
		}
	}
	receiver.OnRegistrations(registrations)
}
