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

// mxl-info inspects an MXL domain: it lists the flows below a domain
// directory and dumps a single flow's header and live state.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/k0zmo/mxl"
)

func main() {
	domain := flag.String("domain", "", "MXL domain directory")
	flowID := flag.String("flow", "", "flow UUID to inspect (default: list all flows)")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	logCfg := zap.NewProductionConfig()
	if *verbose {
		logCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := logCfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	if *domain == "" {
		log.Fatal("missing -domain")
	}
	inst, err := mxl.CreateInstance(*domain)
	if err != nil {
		log.Fatalw("open domain", "domain", *domain, "err", err)
	}
	defer inst.Close()

	if *flowID == "" {
		listFlows(log, inst)
		return
	}

	id, err := uuid.Parse(*flowID)
	if err != nil {
		log.Fatalw("parse flow id", "flow", *flowID, "err", err)
	}
	dumpFlow(log, inst, id)
}

func listFlows(log *zap.SugaredLogger, inst *mxl.Instance) {
	ids, err := inst.ListFlows()
	if err != nil {
		log.Fatalw("list flows", "err", err)
	}
	if len(ids) == 0 {
		fmt.Println("no flows in domain")
		return
	}
	for _, id := range ids {
		r, err := inst.CreateFlowReader(id)
		if err != nil {
			log.Warnw("open flow", "flow", id, "err", err)
			continue
		}
		ri := r.RuntimeInfo()
		fmt.Printf("%s  %-10s  rate=%-11s  head=%s  writer=%v\n",
			id, ri.Variant, ri.EditRate, fmtIndex(ri.HeadIndex), ri.WriterAttached)
		r.Close()
	}
}

func dumpFlow(log *zap.SugaredLogger, inst *mxl.Instance, id uuid.UUID) {
	r, err := inst.CreateFlowReader(id)
	if err != nil {
		log.Fatalw("open flow", "flow", id, "err", err)
	}
	defer r.Close()

	ri := r.RuntimeInfo()
	fmt.Printf("flow          %s\n", id)
	fmt.Printf("variant       %s\n", ri.Variant)
	fmt.Printf("edit rate     %s\n", ri.EditRate)
	fmt.Printf("history depth %d\n", ri.HistoryDepth)
	fmt.Printf("head index    %s\n", fmtIndex(ri.HeadIndex))
	if ri.HeadIndex != mxl.UndefinedIndex {
		fmt.Printf("head time     %d ns TAI\n", ri.HeadCommitTime)
		lag := mxl.Now() - mxl.IndexToTimestamp(ri.EditRate, ri.HeadIndex)
		fmt.Printf("head age      %.3f ms\n", float64(lag)/1e6)
	}
	fmt.Printf("writer        attached=%v epoch=%d\n", ri.WriterAttached, ri.WriterEpoch)
	if schema := r.Schema(); len(schema) > 0 {
		fmt.Printf("schema        %s\n", schema)
	}
}

func fmtIndex(index uint64) string {
	if index == mxl.UndefinedIndex {
		return "-"
	}
	return fmt.Sprintf("%d", index)
}
