package store

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-authcore/internal/pkg/metrics"
	"github.com/kubilitics/kubilitics-authcore/internal/pkg/redact"
	"github.com/kubilitics/kubilitics-authcore/internal/pkg/tracing"
)

// DefaultOpTimeout bounds a single store round trip when none is configured.
const DefaultOpTimeout = 500 * time.Millisecond

// Instrumented decorates a Store with a per-operation deadline, latency and
// error metrics, a trace span and a warning log on failure. Keys only ever
// appear in logs and spans as their redacted namespace.
type Instrumented struct {
	next    Store
	timeout time.Duration
	log     *zap.Logger
}

// NewInstrumented wraps next. A non-positive timeout selects DefaultOpTimeout.
func NewInstrumented(next Store, timeout time.Duration, log *zap.Logger) *Instrumented {
	if timeout <= 0 {
		timeout = DefaultOpTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Instrumented{next: next, timeout: timeout, log: log}
}

func (s *Instrumented) do(ctx context.Context, op, key string, fn func(context.Context) error) error {
	ns := Namespace(key)
	ctx, span := tracing.StartSpan(ctx, "store."+op, attribute.String("store.namespace", ns))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	metrics.StoreOpDurationSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StoreOpErrorsTotal.WithLabelValues(op).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
		s.log.Warn("store operation failed",
			zap.String("op", op),
			zap.String("key", redact.Key(key, ns)),
			zap.Error(err),
		)
	}
	return err
}

func (s *Instrumented) Get(ctx context.Context, key string) (v string, found bool, err error) {
	err = s.do(ctx, "get", key, func(ctx context.Context) error {
		v, found, err = s.next.Get(ctx, key)
		return err
	})
	return v, found, err
}

func (s *Instrumented) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.do(ctx, "set", key, func(ctx context.Context) error {
		return s.next.Set(ctx, key, value, ttl)
	})
}

func (s *Instrumented) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (ok bool, err error) {
	err = s.do(ctx, "setnx", key, func(ctx context.Context) error {
		ok, err = s.next.SetIfAbsent(ctx, key, value, ttl)
		return err
	})
	return ok, err
}

func (s *Instrumented) SetIfPresent(ctx context.Context, key, value string, ttl time.Duration) (ok bool, err error) {
	err = s.do(ctx, "setxx", key, func(ctx context.Context) error {
		ok, err = s.next.SetIfPresent(ctx, key, value, ttl)
		return err
	})
	return ok, err
}

func (s *Instrumented) Delete(ctx context.Context, keys ...string) error {
	first := ""
	if len(keys) > 0 {
		first = keys[0]
	}
	return s.do(ctx, "del", first, func(ctx context.Context) error {
		return s.next.Delete(ctx, keys...)
	})
}

func (s *Instrumented) Exists(ctx context.Context, key string) (ok bool, err error) {
	err = s.do(ctx, "exists", key, func(ctx context.Context) error {
		ok, err = s.next.Exists(ctx, key)
		return err
	})
	return ok, err
}

func (s *Instrumented) ListPush(ctx context.Context, key, value string) error {
	return s.do(ctx, "rpush", key, func(ctx context.Context) error {
		return s.next.ListPush(ctx, key, value)
	})
}

func (s *Instrumented) ListPushCapped(ctx context.Context, key, value string, max int64, ttl time.Duration) (evicted []string, err error) {
	err = s.do(ctx, "rpush_capped", key, func(ctx context.Context) error {
		evicted, err = s.next.ListPushCapped(ctx, key, value, max, ttl)
		return err
	})
	return evicted, err
}

func (s *Instrumented) ListReplace(ctx context.Context, key string, values []string, ttl time.Duration) error {
	return s.do(ctx, "replace", key, func(ctx context.Context) error {
		return s.next.ListReplace(ctx, key, values, ttl)
	})
}

func (s *Instrumented) ListTrim(ctx context.Context, key string, start, stop int64) error {
	return s.do(ctx, "ltrim", key, func(ctx context.Context) error {
		return s.next.ListTrim(ctx, key, start, stop)
	})
}

func (s *Instrumented) ListRange(ctx context.Context, key string, start, stop int64) (vals []string, err error) {
	err = s.do(ctx, "lrange", key, func(ctx context.Context) error {
		vals, err = s.next.ListRange(ctx, key, start, stop)
		return err
	})
	return vals, err
}

func (s *Instrumented) ListRemove(ctx context.Context, key, value string) (n int64, err error) {
	err = s.do(ctx, "lrem", key, func(ctx context.Context) error {
		n, err = s.next.ListRemove(ctx, key, value)
		return err
	})
	return n, err
}

func (s *Instrumented) ListLen(ctx context.Context, key string) (n int64, err error) {
	err = s.do(ctx, "llen", key, func(ctx context.Context) error {
		n, err = s.next.ListLen(ctx, key)
		return err
	})
	return n, err
}

func (s *Instrumented) KeysMatching(ctx context.Context, pattern string) (keys []string, err error) {
	// Enumeration may span many round trips; it only inherits the caller's deadline.
	ctx, span := tracing.StartSpan(ctx, "store.scan", attribute.String("store.namespace", Namespace(pattern)))
	defer span.End()
	start := time.Now()
	keys, err = s.next.KeysMatching(ctx, pattern)
	metrics.StoreOpDurationSeconds.WithLabelValues("scan").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StoreOpErrorsTotal.WithLabelValues("scan").Inc()
		span.RecordError(err)
		s.log.Warn("store scan failed", zap.String("namespace", Namespace(pattern)), zap.Error(err))
	}
	return keys, err
}

func (s *Instrumented) Ping(ctx context.Context) error {
	return s.do(ctx, "ping", "", s.next.Ping)
}

func (s *Instrumented) Close() error {
	return s.next.Close()
}

var _ Store = (*Instrumented)(nil)
