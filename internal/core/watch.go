package core

import (
	"context"
	"time"

	"go.uber.org/zap"

	"marketmaker/internal/obs"
	"marketmaker/internal/ops"
)

// Watch polls the modification time of the config file and hands every newer valid
// config to apply. An invalid file is logged and skipped; the running config stays.
func Watch(ctx context.Context, path string, since time.Time, interval time.Duration, log *zap.SugaredLogger, apply func(ops.Loaded)) {
	if interval <= 0 {
		return
	}
	log = obs.Nop(log)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastMod := since
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mod, err := ops.ModTime(path)
			if err != nil {
				log.Warnf("config stat %s, err: %+v", path, err)
				continue
			}
			if !mod.After(lastMod) {
				continue
			}
			lastMod = mod
			loaded, err := ops.Load(path)
			if err != nil {
				log.Errorf("config reload %s, err: %+v", path, err)
				continue
			}
			log.Infof("config changed: %s, version: %s", path, loaded.Version)
			apply(loaded)
		}
	}
}
