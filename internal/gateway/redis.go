package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "ohlcv:"

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// RedisSource reads point payloads straight from the backend's broadcast
// channels (ohlcv:{symbol}).
type RedisSource struct {
	client *redis.Client
}

func NewRedisSource(opts RedisOptions) *RedisSource {
	return &RedisSource{client: redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})}
}

// NewRedisSourceFromClient wraps an existing client, mostly for tests.
func NewRedisSourceFromClient(client *redis.Client) *RedisSource {
	return &RedisSource{client: client}
}

func (s *RedisSource) Open(ctx context.Context, symbol string) (Stream, error) {
	ps := s.client.Subscribe(ctx, channelPrefix+symbol)

	// Wait for the subscription confirmation so a dead server fails Open
	// rather than the first Recv.
	msg, err := ps.Receive(ctx)
	if err != nil {
		ps.Close()
		return nil, transportErr("open redis channel", err)
	}
	if _, ok := msg.(*redis.Subscription); !ok {
		ps.Close()
		return nil, transportErr("open redis channel", fmt.Errorf("unexpected reply %T", msg))
	}
	st := &redisStream{ctx: ctx, ps: ps, done: make(chan struct{})}
	// A blocked ReceiveMessage does not observe ctx; closing the PubSub does.
	go func() {
		select {
		case <-ctx.Done():
			st.Close()
		case <-st.done:
		}
	}()
	return st, nil
}

func (s *RedisSource) Close() error {
	return s.client.Close()
}

type redisStream struct {
	ctx       context.Context
	ps        *redis.PubSub
	done      chan struct{}
	closeOnce sync.Once
}

func (st *redisStream) Recv() ([]byte, error) {
	msg, err := st.ps.ReceiveMessage(st.ctx)
	if err != nil {
		return nil, transportErr("redis recv", err)
	}
	return []byte(msg.Payload), nil
}

func (st *redisStream) Close() error {
	var err error
	st.closeOnce.Do(func() {
		close(st.done)
		err = st.ps.Close()
	})
	return err
}
