package sysconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/orderdesk/pkg/observability"
)

// Seed is the YAML document of initial config values:
//
//	configs:
//	  - key: reminder_interval_hours
//	    type: notifications
//	    value: 2
//	  - key: order_types
//	    type: orders
//	    value: [cnc, injection_molding, sheet_metal]
type Seed struct {
	Configs []SeedEntry `yaml:"configs"`
}

// SeedEntry is one config value in a seed file
type SeedEntry struct {
	Key         string      `yaml:"key"`
	Type        string      `yaml:"type"`
	Description string      `yaml:"description"`
	Value       interface{} `yaml:"value"`
}

// LoadSeed reads and parses a seed file
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed parses seed YAML
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	for i, e := range seed.Configs {
		if e.Key == "" || e.Type == "" {
			return nil, fmt.Errorf("seed entry %d: key and type are required", i)
		}
	}
	return &seed, nil
}

// ApplySeed writes seed values into the store. With overwrite false only
// missing keys are written; with overwrite true any value that differs from
// the stored one is written as a new version. Returns the keys written.
func (s *Store) ApplySeed(ctx context.Context, seed *Seed, overwrite bool) ([]string, error) {
	var written []string
	for _, e := range seed.Configs {
		value, err := json.Marshal(e.Value)
		if err != nil {
			return written, fmt.Errorf("seed %s: %w", e.Key, err)
		}

		current, err := s.Get(ctx, e.Key, e.Type)
		switch {
		case errors.Is(err, ErrConfigNotFound):
		case err != nil:
			return written, err
		case !overwrite:
			continue
		case jsonEqual(current.Value, value):
			continue
		}

		if _, err := s.Set(ctx, e.Key, e.Type, value, e.Description, nil); err != nil {
			return written, fmt.Errorf("seed %s: %w", e.Key, err)
		}
		written = append(written, e.Key)
	}
	return written, nil
}

func jsonEqual(a, b []byte) bool {
	var va, vb interface{}
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

// WatchSeed re-applies the seed file with overwrite whenever it changes,
// until ctx is cancelled. The parent directory is watched so editors that
// replace the file by rename are picked up. applied, if non-nil, receives the
// keys written by each reload.
func (s *Store) WatchSeed(ctx context.Context, path string, applied func([]string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	logger := s.logger.WithField("seed", abs)

	go func() {
		defer watcher.Close()
		defer observability.RecoverPanic(logger, "seed watcher")

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				seed, err := LoadSeed(abs)
				if err != nil {
					logger.WithError(err).Warn("Ignoring unreadable seed file")
					continue
				}
				keys, err := s.ApplySeed(ctx, seed, true)
				if err != nil {
					logger.WithError(err).Warn("Seed reload partially applied")
				}
				if len(keys) > 0 {
					logger.WithField("keys", keys).Info("Seed reloaded")
				}
				if applied != nil {
					applied(keys)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("Seed watcher error")
			}
		}
	}()

	return nil
}
