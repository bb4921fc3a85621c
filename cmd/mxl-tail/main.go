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

// mxl-tail follows a flow, waiting for each successive index and
// reporting the observed source delay.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/k0zmo/mxl"
)

func main() {
	domain := flag.String("domain", "", "MXL domain directory")
	flowID := flag.String("flow", "", "flow UUID to follow")
	timeout := flag.Duration("timeout", time.Second, "per-grain wait timeout")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	if *domain == "" || *flowID == "" {
		log.Fatal("missing -domain or -flow")
	}
	id, err := uuid.Parse(*flowID)
	if err != nil {
		log.Fatalw("parse flow id", "flow", *flowID, "err", err)
	}

	inst, err := mxl.CreateInstance(*domain)
	if err != nil {
		log.Fatalw("open domain", "domain", *domain, "err", err)
	}
	defer inst.Close()

	r, err := inst.CreateFlowReader(id)
	if err != nil {
		log.Fatalw("open flow", "flow", id, "err", err)
	}
	defer r.Close()

	rate := r.EditRate()
	log.Infow("following flow", "flow", id, "variant", r.Variant(), "rate", rate)

	index := r.RuntimeInfo().HeadIndex
	if index == mxl.UndefinedIndex {
		index = mxl.TimestampToIndex(rate, mxl.Now())
	} else {
		index++
	}

	for {
		deadline := mxl.Now().Add(*timeout)
		var err error
		if r.Variant() == mxl.FlowDiscrete {
			err = r.WaitForGrain(index, 1, deadline)
		} else {
			err = r.WaitForSamples(index, deadline)
		}
		switch {
		case errors.Is(err, mxl.ErrTimeout):
			log.Warnw("no data", "index", index)
			continue
		case err != nil:
			log.Fatalw("wait", "index", index, "err", err)
		}

		delay := mxl.Now() - mxl.IndexToTimestamp(rate, index)
		log.Infow("data", "index", index, "source_delay_ms", float64(delay)/1e6)
		index = r.RuntimeInfo().HeadIndex + 1
	}
}
