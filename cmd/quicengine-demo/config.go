package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/orizon-lang/quicmux/internal/quicengine"
)

// fileSettings is the on-disk JSON shape for the demo's reloadable
// settings: plain struct, encoding/json, no viper/cobra.
type fileSettings struct {
	ProcTimeThreshMicros int64 `json:"proc_time_thresh_micros"`
	PacePackets          bool  `json:"pace_packets"`
	ECN                  bool  `json:"ecn"`
}

func loadFileSettings(path string) (fileSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileSettings{}, err
	}

	var fs fileSettings
	if err := json.Unmarshal(data, &fs); err != nil {
		return fileSettings{}, fmt.Errorf("parse %s: %w", path, err)
	}

	return fs, nil
}

// applyFileSettings merges fs into base, leaving the reconfigure-locked
// fields (scid_len, versions, watermarks) untouched.
func applyFileSettings(base quicengine.Settings, fs fileSettings) quicengine.Settings {
	base.ProcTimeThreshMicros = fs.ProcTimeThreshMicros
	base.PacePackets = fs.PacePackets
	base.ECN = fs.ECN

	return base
}

// watchConfig uses fsnotify.Watcher's Events/Errors channels directly
// rather than introducing a Watcher interface, since the demo only ever
// watches one file.
func watchConfig(path string, logger *demoLogger, reload func(fileSettings)) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := w.Add(path); err != nil {
		w.Close()

		return nil, err
	}

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}

				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				fs, err := loadFileSettings(path)
				if err != nil {
					logger.Logf("config reload failed: %v", err)

					continue
				}

				reload(fs)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}

				logger.Logf("config watcher error: %v", err)
			}
		}
	}()

	return w, nil
}
