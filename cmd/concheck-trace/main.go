// concheck-trace pretty-prints a binary trace dump written by concheck's
// --dump-trace option.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/torvine/concheck/tracer"
)

var (
	file    = flag.String("file", "", "Trace dump to read")
	verbose = flag.Bool("verbose", false, "Include parameters and leaf values")
)

func main() {
	flag.Parse()
	if *file == "" {
		log.Fatal("--file is required")
	}
	f, err := os.Open(*file)
	if err != nil {
		log.Fatalf("couldn't open dump: %s", err)
	}
	defer f.Close()

	roots, err := tracer.ReadDump(f)
	if err != nil {
		log.Fatalf("couldn't parse dump: %s", err)
	}

	tids := make([]int, 0, len(roots))
	for tid := range roots {
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	for _, tid := range tids {
		fmt.Printf("=== thread %d ===\n", tid)
		if err := tracer.FormatText(os.Stdout, roots[tid], *verbose); err != nil {
			log.Fatalln("couldn't format:", err)
		}
	}
}
