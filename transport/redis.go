// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/creachadair/agentrpc"
	"github.com/creachadair/agentrpc/wire"
	"github.com/creachadair/taskgroup"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultChannelPrefix is the prefix of the Redis channel names used when
// RedisOptions.Prefix is empty.
const DefaultChannelPrefix = "agentrpc:"

// RedisOptions are settings for a Redis transport. A nil *RedisOptions
// provides default values.
type RedisOptions struct {
	// Prefix is prepended to each address to form its channel name.
	Prefix string

	// Logger receives diagnostics. If nil, the global zerolog logger is used.
	Logger *zerolog.Logger
}

// Redis is a transport that exchanges envelopes through Redis pub/sub. Each
// address is a channel; sending a message publishes it to the channel of
// the destination, and each agent subscribes to its own channel.
//
// Redis pub/sub does not store messages: a message published to an address
// with no subscriber is lost, and Send reports ErrUnknownAddress.
type Redis struct {
	addr   wire.Address
	client redis.UniversalClient
	prefix string
	log    zerolog.Logger
	binding

	μ     sync.Mutex
	ps    *redis.PubSub
	tasks *taskgroup.Group
}

// NewRedis constructs a Redis transport for the local address addr using the
// given client. The caller remains responsible for closing the client.
func NewRedis(addr wire.Address, client redis.UniversalClient, opts *RedisOptions) *Redis {
	r := &Redis{addr: addr, client: client, prefix: DefaultChannelPrefix, log: log.Logger}
	if opts != nil {
		if opts.Prefix != "" {
			r.prefix = opts.Prefix
		}
		if opts.Logger != nil {
			r.log = *opts.Logger
		}
	}
	return r
}

// Bind sets the receiver for inbound messages, and returns r to permit
// chaining.
func (r *Redis) Bind(recv agentrpc.Receiver) *Redis { r.set(recv); return r }

func (r *Redis) channel(addr wire.Address) string { return r.prefix + string(addr) }

// Start subscribes to the channel for the local address, and delivers
// messages to the bound receiver until Close is called or ctx ends. Start
// returns once the subscription is confirmed.
func (r *Redis) Start(ctx context.Context) error {
	recv, err := r.get()
	if err != nil {
		return err
	}
	r.μ.Lock()
	defer r.μ.Unlock()
	if r.ps != nil {
		return errors.New("transport is already started")
	}
	ps := r.client.Subscribe(ctx, r.channel(r.addr))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("subscribe %q: %w", r.channel(r.addr), err)
	}
	r.ps = ps
	r.tasks = taskgroup.New(nil)

	ch := ps.Channel()
	r.tasks.Go(func() error {
		g := taskgroup.New(nil)
		defer g.Wait()
		for {
			select {
			case <-ctx.Done():
				ps.Close()
				return nil
			case msg, ok := <-ch:
				if !ok {
					return nil
				}
				var env Envelope
				if err := env.Decode([]byte(msg.Payload)); err != nil {
					r.log.Warn().Err(err).Str("channel", msg.Channel).Msg("discarding invalid envelope")
					continue
				}
				g.Go(func() error {
					recv.Receive(ctx, env.Payload, env.From, env.Tag)
					return nil
				})
			}
		}
	})
	return nil
}

// Send implements the agentrpc.Transport interface.
func (r *Redis) Send(ctx context.Context, to wire.Address, payload []byte, tag string) error {
	env := Envelope{From: r.addr, To: to, Tag: tag, Payload: payload}
	n, err := r.client.Publish(ctx, r.channel(to), env.Encode()).Result()
	if err != nil {
		return fmt.Errorf("publish to %q: %w", to, err)
	} else if n == 0 {
		return fmt.Errorf("%w: %q has no subscriber", ErrUnknownAddress, to)
	}
	return nil
}

// Close ends the subscription and waits for deliveries in flight to finish.
func (r *Redis) Close() error {
	r.μ.Lock()
	ps, tasks := r.ps, r.tasks
	r.ps, r.tasks = nil, nil
	r.μ.Unlock()
	if ps == nil {
		return nil
	}
	ps.Close()
	tasks.Wait()
	return nil
}
