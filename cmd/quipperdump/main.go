// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Quipperdump is a diagnostic tool that dumps the metadata and record
// stream of a perf.data file, optionally running it through the
// second-pass mapping/remapping processor.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"reflect"

	"github.com/aclements/go-quipper/convert"
	"github.com/aclements/go-quipper/perffile"
	"github.com/aclements/go-quipper/profile"
)

func main() {
	var (
		flagInput   = flag.String("i", "perf.data", "input perf.data `file`")
		flagOrder   = flag.String("order", "time", "sort `order`; one of: file, time, causal")
		flagRemap   = flag.Bool("remap", false, "run the second pass and remap addresses")
		flagDiscard = flag.Bool("discard-unused", false, "discard MMAP events no sample referenced (requires -remap)")
	)
	flag.Parse()
	order, ok := parseOrder(*flagOrder)
	if flag.NArg() > 0 || !ok {
		flag.Usage()
		os.Exit(1)
	}

	f, err := perffile.Open(*flagInput)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	printMeta(&f.Meta)

	if !*flagRemap {
		rs := f.Records(order)
		for rs.Next() {
			fmt.Printf("%v %+v\n", rs.Record.Type(), rs.Record)
		}
		if err := rs.Err(); err != nil {
			log.Fatal(err)
		}
		return
	}

	p, err := profile.FromFile(f)
	if err != nil {
		log.Fatal(err)
	}
	if err := convert.Process(p, convert.Config{Remap: true, DiscardUnusedEvents: *flagDiscard}); err != nil {
		log.Fatal(err)
	}
	for _, ev := range p.Events {
		fmt.Printf("%v %+v\n", ev.Type(), ev)
	}
	fmt.Printf("stats: %+v\n", p.Stats)
}

// printMeta prints every non-zero field of m, the same general-purpose
// reflection approach the teacher used to dump a variable set of
// optional header fields without hand-listing each one twice.
func printMeta(m *perffile.FileMeta) {
	rv := reflect.ValueOf(m).Elem()
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		v := rv.Field(i)
		if v.IsZero() {
			continue
		}
		fmt.Printf("%s: %v\n", rt.Field(i).Name, v.Interface())
	}
}

func parseOrder(order string) (perffile.RecordsOrder, bool) {
	switch order {
	case "file":
		return perffile.RecordsFileOrder, true
	case "time":
		return perffile.RecordsTimeOrder, true
	case "causal":
		return perffile.RecordsCausalOrder, true
	}
	return 0, false
}
