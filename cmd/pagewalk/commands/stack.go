package commands

import (
	"context"
	"fmt"
	stdslog "log/slog"
	"os"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/cursorpage/clock"
	"github.com/unkn0wn-root/cursorpage/codec"
	"github.com/unkn0wn-root/cursorpage/config"
	"github.com/unkn0wn-root/cursorpage/genstore"
	"github.com/unkn0wn-root/cursorpage/internal/follow"
	logruslog "github.com/unkn0wn-root/cursorpage/log/logrus"
	slogadapter "github.com/unkn0wn-root/cursorpage/log/slog"
	zaplog "github.com/unkn0wn-root/cursorpage/log/zap"
	"github.com/unkn0wn-root/cursorpage/logging"
	"github.com/unkn0wn-root/cursorpage/pagecache"
	"github.com/unkn0wn-root/cursorpage/provider"
	"github.com/unkn0wn-root/cursorpage/provider/bigcache"
	"github.com/unkn0wn-root/cursorpage/provider/lru"
	redisprovider "github.com/unkn0wn-root/cursorpage/provider/redis"
	"github.com/unkn0wn-root/cursorpage/provider/ristretto"
)

// newLogger builds the configured adapter. The returned func flushes it.
func newLogger(cfg *config.Logger) (logging.Logger, func(), error) {
	switch cfg.Adapter {
	case "zap":
		lvl, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, nil, err
		}
		zc := zap.NewProductionConfig()
		zc.Level = lvl
		l, err := zc.Build()
		if err != nil {
			return nil, nil, err
		}
		return zaplog.ZapLogger{L: l}, func() { _ = l.Sync() }, nil
	case "logrus":
		lvl, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, nil, err
		}
		l := logrus.New()
		l.SetOutput(os.Stderr)
		l.SetLevel(lvl)
		return logruslog.LogrusLogger{E: logrus.NewEntry(l)}, func() {}, nil
	default:
		return slogadapter.Logger{L: newSlog(cfg)}, func() {}, nil
	}
}

func newSlog(cfg *config.Logger) *stdslog.Logger {
	var lvl stdslog.Level
	if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
		lvl = stdslog.LevelInfo
	}
	return stdslog.New(stdslog.NewTextHandler(os.Stderr, &stdslog.HandlerOptions{Level: lvl}))
}

// newBackend returns the page store and, for redis, a shared generation
// store. A nil GenStore selects the in-process default.
func newBackend(ctx context.Context, cfg *config.Config, clk clock.Clock) (provider.Provider, genstore.GenStore, error) {
	cc := cfg.Cache
	switch cc.Provider {
	case "ristretto":
		p, err := ristretto.New(ristretto.Config{
			NumCounters: int64(cc.LRUSize) * 10,
			MaxCost:     cc.MaxCostMB << 20,
			BufferItems: 64,
		})
		return p, nil, err
	case "bigcache":
		p, err := bigcache.New(bigcache.Config{
			LifeWindow:         2 * cfg.DefaultTTL,
			MaxEntriesInWindow: cc.LRUSize,
			HardMaxCacheSizeMB: int(cc.MaxCostMB),
		})
		return p, nil, err
	case "redis":
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cc.Redis.Addr,
			Password: cc.Redis.Password,
			DB:       cc.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", cc.Redis.Addr, err)
		}
		p, err := redisprovider.New(redisprovider.Config{Client: rdb})
		if err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		// the generation store owns the client and closes it
		return p, genstore.NewRedisGenStoreWithTTL(rdb, cc.Namespace, cc.Redis.GenTTL), nil
	default:
		p, err := lru.New(lru.Config{Size: cc.LRUSize, Clock: clk})
		return p, nil, err
	}
}

func newCodec(name string) (codec.Codec[follow.Entry], error) {
	switch name {
	case "msgpack":
		return codec.Msgpack[follow.Entry]{}, nil
	case "cbor":
		return codec.NewCBOR[follow.Entry](false)
	default:
		return codec.JSONCodec[follow.Entry]{}, nil
	}
}

func cacheOptions(ctx context.Context, cfg *config.Config, clk clock.Clock) (pagecache.Options[follow.Entry], error) {
	cd, err := newCodec(cfg.Cache.Codec)
	if err != nil {
		return pagecache.Options[follow.Entry]{}, err
	}
	p, gens, err := newBackend(ctx, cfg, clk)
	if err != nil {
		return pagecache.Options[follow.Entry]{}, err
	}
	return pagecache.Options[follow.Entry]{
		Namespace:  cfg.Cache.Namespace,
		Provider:   p,
		Codec:      cd,
		GenStore:   gens,
		DefaultTTL: cfg.DefaultTTL,
	}, nil
}
