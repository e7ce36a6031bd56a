// Package logging implements a Backend that delegates everything to a nested Backend,
// logging operations as they happen.
package logging

import (
	"context"

	"go.uber.org/zap"

	"github.com/bobg/keeper"
	"github.com/bobg/keeper/backend"
)

var _ keeper.Backend = &Backend{}

type Backend struct {
	b      keeper.Backend
	logger *zap.Logger
}

func New(b keeper.Backend, logger *zap.Logger) *Backend {
	return &Backend{b: b, logger: logger}
}

func (b *Backend) Has(ctx context.Context, key keeper.Key) (bool, error) {
	ok, err := b.b.Has(ctx, key)
	if err != nil {
		b.logger.Error("Has", zap.Stringer("key", key), zap.Error(err))
	} else {
		b.logger.Info("Has", zap.Stringer("key", key), zap.Bool("found", ok))
	}
	return ok, err
}

func (b *Backend) Get(ctx context.Context, key keeper.Key) (keeper.Value, error) {
	val, err := b.b.Get(ctx, key)
	if err != nil {
		b.logger.Error("Get", zap.Stringer("key", key), zap.Error(err))
	} else {
		b.logger.Info("Get", zap.Stringer("key", key), zap.Int("size", val.Len()))
	}
	return val, err
}

func (b *Backend) ListKeys(ctx context.Context, start keeper.Key, f func(keeper.Key) error) error {
	b.logger.Info("ListKeys", zap.Stringer("start", start))
	return b.b.ListKeys(ctx, start, func(key keeper.Key) error {
		err := f(key)
		if err != nil {
			b.logger.Error("ListKeys", zap.Stringer("key", key), zap.Error(err))
		} else {
			b.logger.Debug("ListKeys", zap.Stringer("key", key))
		}
		return err
	})
}

func (b *Backend) Put(ctx context.Context, key keeper.Key, data []byte, meta keeper.Metadata) error {
	err := b.b.Put(ctx, key, data, meta)
	if err != nil {
		b.logger.Error("Put", zap.Stringer("key", key), zap.Error(err))
	} else {
		b.logger.Info("Put", zap.Stringer("key", key), zap.Int("size", len(data)), zap.Any("meta", meta))
	}
	return err
}

func (b *Backend) OpenWrite(ctx context.Context, meta keeper.Metadata) (keeper.StreamHandle, error) {
	w, err := b.b.OpenWrite(ctx, meta)
	if err != nil {
		b.logger.Error("OpenWrite", zap.Error(err))
		return nil, err
	}
	b.logger.Info("OpenWrite", zap.Any("meta", meta))
	return &stream{StreamHandle: w, logger: b.logger}, nil
}

func (b *Backend) Close() error {
	err := b.b.Close()
	if err != nil {
		b.logger.Error("Close", zap.Error(err))
	} else {
		b.logger.Info("Close")
	}
	return err
}

type stream struct {
	keeper.StreamHandle
	logger *zap.Logger
	n      int
}

func (s *stream) Write(p []byte) (int, error) {
	n, err := s.StreamHandle.Write(p)
	s.n += n
	return n, err
}

func (s *stream) Close() error {
	err := s.StreamHandle.Close()
	if err != nil {
		s.logger.Error("stream Close", zap.Int("size", s.n), zap.Error(err))
		return err
	}
	key, _ := s.StreamHandle.Key()
	s.logger.Info("stream Close", zap.Stringer("key", key), zap.Int("size", s.n))
	return nil
}

func init() {
	backend.Register("logging", func(ctx context.Context, conf map[string]interface{}) (keeper.Backend, error) {
		nested, err := backend.Nested(ctx, conf, "nested")
		if err != nil {
			return nil, err
		}
		logger, err := zap.NewDevelopment()
		if err != nil {
			nested.Close()
			return nil, err
		}
		return New(nested, logger), nil
	})
}
