package main

import (
	"context"
	"time"

	"github.com/radovskyb/watcher"
	"go.uber.org/zap"

	"github.com/yonatandev1/cordkit/internal/config"
)

type tokenSetter interface {
	SetToken(token string)
}

// watchTokenChanges polls path and hands every new token to client until
// ctx is done.
func watchTokenChanges(ctx context.Context, path string, interval time.Duration, client tokenSetter, lg *zap.Logger) error {
	w := watcher.New()
	w.SetMaxEvents(1)
	w.FilterOps(watcher.Write, watcher.Create)

	if err := w.Add(path); err != nil {
		return err
	}

	go func() {
		for {
			select {
			case <-w.Event:
				token, err := config.ReadToken(path)
				if err != nil {
					lg.Warn("reading token file", zap.String("path", path), zap.Error(err))
					continue
				}
				if token == "" {
					lg.Warn("token file is empty, keeping the current token", zap.String("path", path))
					continue
				}
				client.SetToken(token)
				lg.Info("token reloaded", zap.String("path", path))
			case err := <-w.Error:
				lg.Warn("token watcher", zap.Error(err))
			case <-ctx.Done():
				w.Close()
				return
			case <-w.Closed:
				return
			}
		}
	}()

	go func() {
		if err := w.Start(interval); err != nil {
			lg.Error("token watcher stopped", zap.Error(err))
		}
	}()
	w.Wait()
	return nil
}
