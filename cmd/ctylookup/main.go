// Command ctylookup resolves callsigns against the geocoding table and prints
// the coordinates the predictor would use.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"hfpredict/cty"
	"hfpredict/spot"

	"golang.org/x/term"
)

func main() {
	dataPath := flag.String("data", "data/cty/cty.plist", "cty.plist or prefix JSON table")
	flag.Parse()

	db, err := cty.Load(*dataPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading %s: %v\n", *dataPath, err)
		os.Exit(1)
	}

	if flag.NArg() > 0 {
		for _, call := range flag.Args() {
			printLookup(db, call)
		}
		return
	}

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		fmt.Printf("loaded %d prefixes\n", len(db.Keys))
		fmt.Println("enter callsigns (Ctrl+D to quit)")
	}
	scanner := bufio.NewScanner(os.Stdin)
	for {
		if interactive {
			fmt.Print("> ")
		}
		if !scanner.Scan() {
			break
		}
		if call := strings.TrimSpace(scanner.Text()); call != "" {
			printLookup(db, call)
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "input error: %v\n", err)
	}
}

func printLookup(db *cty.DB, call string) {
	normalized := spot.NormalizeCallsign(call)
	info, ok := db.LookupCallsign(normalized)
	if !ok {
		fmt.Printf("%s -> no matching prefix\n", normalized)
		return
	}
	grid, _ := info.Coordinate().Grid4()
	fmt.Printf("%s -> prefix=%s country=%s lat=%.4f lon=%.4f grid=%s\n",
		normalized, info.Prefix, info.Country, info.Latitude, info.Longitude, grid)
}
