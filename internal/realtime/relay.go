package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"collabboard/api/internal/util"
)

type envelope struct {
	Origin string `json:"origin"`
	Scope  string `json:"scope"`
	Key    string `json:"key"`
	Frame  string `json:"frame"`
}

type RelayOptions struct {
	Channel   string
	QueueSize int
}

// RedisRelay forwards frames published on this instance to every other
// instance through Redis pub/sub, and delivers the frames they forward to
// the local hub. Frames never come back to the instance that sent them.
type RedisRelay struct {
	client  *redis.Client
	hub     *Hub
	channel string
	origin  string
	queue   chan envelope
	breaker *gobreaker.CircuitBreaker
	logger  *log.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

// NewRedisRelay attaches a relay to hub. Call it before the hub serves
// traffic, then start Run.
func NewRedisRelay(client *redis.Client, hub *Hub, opts RelayOptions, logger *log.Logger) *RedisRelay {
	if opts.Channel == "" {
		opts.Channel = "collabboard:events"
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if logger == nil {
		logger = hub.logger
	}
	r := &RedisRelay{
		client:  client,
		hub:     hub,
		channel: opts.Channel,
		origin:  util.NewID("node"),
		queue:   make(chan envelope, opts.QueueSize),
		logger:  logger,
		ready:   make(chan struct{}),
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "realtime-relay",
		MaxRequests: 1,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(log.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("circuit breaker state changed")
		},
	})
	hub.relay = r
	return r
}

// Ready is closed once the first subscription is confirmed.
func (r *RedisRelay) Ready() <-chan struct{} { return r.ready }

// Run publishes queued frames and consumes remote ones until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.publishLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		r.subscribeLoop(ctx)
	}()
	wg.Wait()
}

func (r *RedisRelay) enqueue(env envelope) {
	env.Origin = r.origin
	select {
	case r.queue <- env:
	default:
		r.logger.WithFields(log.Fields{"scope": env.Scope, "key": env.Key}).Warn("realtime relay queue full, dropping frame")
	}
}

func (r *RedisRelay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-r.queue:
			payload, err := sonic.Marshal(env)
			if err != nil {
				r.logger.WithError(err).Error("encode relay envelope")
				continue
			}
			_, err = r.breaker.Execute(func() (interface{}, error) {
				pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				defer cancel()
				return nil, r.client.Publish(pubCtx, r.channel, payload).Err()
			})
			if err != nil {
				r.logger.WithError(err).WithField("channel", r.channel).Warn("relay publish failed")
			}
		}
	}
}

func (r *RedisRelay) subscribeLoop(ctx context.Context) {
	for {
		sub := r.client.Subscribe(ctx, r.channel)
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			if ctx.Err() != nil {
				return
			}
			r.logger.WithError(err).Error("relay subscribe failed, retrying")
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}
		r.readyOnce.Do(func() { close(r.ready) })

		r.consume(ctx, sub.Channel())
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("relay channel closed, reconnecting")
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

func (r *RedisRelay) consume(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := sonic.UnmarshalString(msg.Payload, &env); err != nil {
				r.logger.WithError(err).Warn("unable to parse relay frame")
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			switch env.Scope {
			case scopeBoard, scopeIdentity:
				r.hub.deliver(env.Scope, env.Key, []byte(env.Frame))
			case scopeClose:
				r.hub.closeBoard(env.Key)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
