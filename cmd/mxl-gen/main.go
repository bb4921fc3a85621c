/*
 * Copyright 2025 Media eXchange Layer contributors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// mxl-gen produces a timed test pattern into a flow described by a
// small YAML file, pacing grain commits against the flow's edit rate.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/k0zmo/mxl"
)

type flowFile struct {
	ID       string `yaml:"id"`
	Media    string `yaml:"media"` // "discrete" or "continuous"
	EditRate struct {
		Numerator   int64 `yaml:"numerator"`
		Denominator int64 `yaml:"denominator"`
	} `yaml:"edit_rate"`
	HistoryDepth   uint64 `yaml:"history_depth"`
	CellSize       uint64 `yaml:"cell_size"`
	Channels       uint32 `yaml:"channels"`
	SampleWordSize uint32 `yaml:"sample_word_size"`
	BatchSize      uint64 `yaml:"batch_size"`
	Schema         string `yaml:"schema"`
}

func (f flowFile) config() (mxl.FlowConfig, error) {
	var cfg mxl.FlowConfig
	id, err := uuid.Parse(f.ID)
	if err != nil {
		return cfg, fmt.Errorf("flow id: %w", err)
	}
	cfg.ID = id
	switch f.Media {
	case "discrete":
		cfg.Variant = mxl.FlowDiscrete
	case "continuous":
		cfg.Variant = mxl.FlowContinuous
	default:
		return cfg, fmt.Errorf("media %q: want discrete or continuous", f.Media)
	}
	cfg.EditRate = mxl.Rational{Numerator: f.EditRate.Numerator, Denominator: f.EditRate.Denominator}
	cfg.HistoryDepth = f.HistoryDepth
	cfg.CellSize = f.CellSize
	cfg.Channels = f.Channels
	cfg.SampleWordSize = f.SampleWordSize
	return cfg, nil
}

func main() {
	domain := flag.String("domain", "", "MXL domain directory")
	config := flag.String("config", "", "flow description YAML")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	if *domain == "" || *config == "" {
		log.Fatal("missing -domain or -config")
	}

	raw, err := os.ReadFile(*config)
	if err != nil {
		log.Fatalw("read config", "path", *config, "err", err)
	}
	var ff flowFile
	if err := yaml.Unmarshal(raw, &ff); err != nil {
		log.Fatalw("parse config", "path", *config, "err", err)
	}
	cfg, err := ff.config()
	if err != nil {
		log.Fatalw("flow config", "err", err)
	}

	inst, err := mxl.CreateInstance(*domain)
	if err != nil {
		log.Fatalw("open domain", "domain", *domain, "err", err)
	}
	defer inst.Close()

	w, created, err := inst.CreateFlowWriter(cfg, []byte(ff.Schema))
	if err != nil {
		log.Fatalw("create flow writer", "flow", cfg.ID, "err", err)
	}
	defer w.Close()
	log.Infow("writer attached", "flow", cfg.ID, "created", created, "variant", cfg.Variant)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	switch cfg.Variant {
	case mxl.FlowDiscrete:
		runDiscrete(log, w, stop)
	case mxl.FlowContinuous:
		batch := ff.BatchSize
		if batch == 0 {
			batch = 48
		}
		runContinuous(log, w, batch, stop)
	}
}

func runDiscrete(log *zap.SugaredLogger, w *mxl.FlowWriter, stop <-chan os.Signal) {
	rate := w.EditRate()
	index := mxl.TimestampToIndex(rate, mxl.Now())
	for {
		select {
		case <-stop:
			log.Infow("stopping", "last_index", index-1)
			return
		default:
		}

		info, buf, err := w.OpenGrain(index)
		if err != nil {
			log.Fatalw("open grain", "index", index, "err", err)
		}
		for i := range buf {
			buf[i] = byte(index)
		}
		info.ValidSlices = info.TotalSlices
		if err := w.CommitGrain(info); err != nil {
			log.Fatalw("commit grain", "index", index, "err", err)
		}

		index++
		mxl.SleepForNs(mxl.NsUntilIndex(rate, index-1))
	}
}

func runContinuous(log *zap.SugaredLogger, w *mxl.FlowWriter, batch uint64, stop <-chan os.Signal) {
	rate := w.EditRate()
	index := mxl.TimestampToIndex(rate, mxl.Now())
	for {
		select {
		case <-stop:
			log.Infow("stopping", "next_index", index)
			return
		default:
		}

		s, err := w.OpenSamples(index, batch)
		if err != nil {
			log.Fatalw("open samples", "index", index, "err", err)
		}
		for _, ch := range s.Channels {
			for i := range ch.First {
				ch.First[i] = byte(index)
			}
			for i := range ch.Second {
				ch.Second[i] = byte(index)
			}
		}
		if err := w.CommitSamples(); err != nil {
			log.Fatalw("commit samples", "index", index, "err", err)
		}

		index += batch
		mxl.SleepForNs(mxl.NsUntilIndex(rate, index-1))
	}
}
