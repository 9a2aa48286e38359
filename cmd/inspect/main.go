package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"voxsynq/pkg/models"
	"voxsynq/pkg/store"
)

// inspect dumps conversation history or call history straight from a
// pebble DB dir, for offline debugging of a stopped server.
func main() {
	var (
		dbPath = flag.String("db", "./.voxsynq", "DB path (the server's -db value)")
		userA  = flag.String("a", "", "first participant")
		userB  = flag.String("b", "", "second participant")
		calls  = flag.String("calls", "", "dump call history for this user instead")
		limit  = flag.Int("limit", 50, "max call records")
	)
	flag.Parse()

	st, err := store.Open(filepath.Join(*dbPath, "store"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", *dbPath, err)
		os.Exit(1)
	}
	defer st.Close()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if *calls != "" {
		recs, err := st.ListCallHistory(*calls, *limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list call history: %v\n", err)
			os.Exit(1)
		}
		_ = enc.Encode(recs)
		return
	}

	if *userA == "" || *userB == "" {
		fmt.Fprintln(os.Stderr, "-a and -b required (or -calls <user>)")
		os.Exit(2)
	}
	msgs, corrupted, err := st.Load(models.PairKey(*userA, *userB))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load conversation: %v\n", err)
		os.Exit(1)
	}
	if corrupted {
		fmt.Fprintln(os.Stderr, "warning: conversation log contains corrupt entries")
	}
	_ = enc.Encode(msgs)
}
