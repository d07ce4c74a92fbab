package main

import (
	"context"

	"github.com/agentuity/go-metacache/backend/memory"
	redisstore "github.com/agentuity/go-metacache/backend/redis"
	"github.com/agentuity/go-metacache/collection"
	"github.com/agentuity/go-metacache/env"
	"github.com/agentuity/go-metacache/logger"
	"github.com/agentuity/go-metacache/metadata"
	"github.com/agentuity/go-metacache/resilience"
	"github.com/agentuity/go-metacache/routing"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const serviceName = "metacache"

// service is what both backends offer.
type service interface {
	collection.Fetcher
	routing.RangeReader
}

type app struct {
	log         logger.Logger
	settings    *Settings
	topology    *metadata.Topology
	memory      *memory.Store
	redis       *redisstore.Store
	client      *redis.Client
	collections *collection.Cache
	maps        *routing.Cache
	shutdown    func()
}

func loadTopology(cmd *cobra.Command) (*metadata.Topology, *Settings, error) {
	filename := env.FlagOrEnv(cmd, "topology", "METACACHE_TOPOLOGY", "")
	settings, err := LoadSettings(filename)
	if err != nil {
		return nil, nil, err
	}
	if filename == "" {
		return &metadata.Topology{}, settings, nil
	}
	topology, err := metadata.LoadTopology(filename)
	if err != nil {
		return nil, nil, err
	}
	return topology, settings, nil
}

func connectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "error parsing redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "error connecting to redis")
	}
	return client, nil
}

// newApp builds the backend and both caches from the command's flags. With a
// redis url the caches read from Redis; otherwise from an in-memory store
// seeded with the topology.
func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	tel, shutdown, err := env.NewTelemetry(ctx, cmd, serviceName)
	if err != nil {
		return nil, err
	}
	log := tel.Logger
	a := &app{log: log, shutdown: shutdown}

	a.topology, a.settings, err = loadTopology(cmd)
	if err != nil {
		a.Close()
		return nil, err
	}

	var svc service
	if redisURL := env.FlagOrEnv(cmd, "redis-url", "METACACHE_REDIS_URL", ""); redisURL != "" {
		a.client, err = connectRedis(ctx, redisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		opts := append(a.settings.RedisOptions(), redisstore.WithLogger(log))
		a.redis = redisstore.New(a.client, opts...)
		svc = a.redis
	} else {
		a.memory, err = memory.NewFromTopology(a.topology, memory.WithLogger(log))
		if err != nil {
			a.Close()
			return nil, err
		}
		svc = a.memory
	}

	a.collections = collection.New(svc,
		collection.WithLogger(log),
		collection.WithTracerProvider(tel.TracerProvider),
		collection.WithMeterProvider(tel.MeterProvider),
		collection.WithBreaker(resilience.NewBreaker(a.breakerConfig("collections"))),
	)
	a.maps = routing.New(svc,
		routing.WithLogger(log),
		routing.WithTracerProvider(tel.TracerProvider),
		routing.WithMeterProvider(tel.MeterProvider),
		routing.WithBreaker(resilience.NewBreaker(a.breakerConfig("ranges"))),
		routing.WithRetry(a.settings.RetryConfig()),
		routing.WithPageSize(a.settings.PageSize),
	)
	return a, nil
}

func (a *app) breakerConfig(name string) resilience.BreakerConfig {
	cfg := a.settings.BreakerConfig(name)
	cfg.Logger = a.log
	return cfg
}

// split splits a range in whichever backend the app uses.
func (a *app) split(ctx context.Context, collectionID, rangeID, at string) ([]metadata.PartitionKeyRange, error) {
	if a.redis != nil {
		return a.redis.Split(ctx, collectionID, rangeID, at)
	}
	return a.memory.Split(collectionID, rangeID, at)
}

func (a *app) Close() {
	if a.client != nil {
		a.client.Close()
	}
	if a.shutdown != nil {
		a.shutdown()
	}
}
