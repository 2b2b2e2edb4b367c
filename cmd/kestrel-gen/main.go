// kestrel-gen writes a synthetic transaction CSV for exercising the detector.
//
// Usage:
//
//	kestrel-gen -output clients_transactions.csv -seed 42
package main

import (
	"bufio"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/opensource-finance/kestrel/internal/generator"
	"github.com/opensource-finance/kestrel/internal/loader"
)

func main() {
	def := generator.DefaultConfig()

	out := flag.String("output", "clients_transactions.csv", "output CSV path (- for stdout)")
	seed := flag.Uint64("seed", uint64(time.Now().UnixNano()), "random seed")
	clients := flag.Int("clients", def.Clients, "number of clients")
	firstID := flag.Int("first-id", def.FirstClientID, "first client id")
	start := flag.String("start", def.Start.Format(time.DateOnly), "first day (YYYY-MM-DD)")
	end := flag.String("end", def.End.Format(time.DateOnly), "last instant (YYYY-MM-DD)")
	foreign := flag.Int("foreign", def.ForeignClients, "clients with a foreign transaction")
	unusual := flag.Int("unusual", def.UnusualClients, "clients with far-away duplicates")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg := generator.Config{
		Clients:        *clients,
		FirstClientID:  *firstID,
		ForeignClients: *foreign,
		UnusualClients: *unusual,
	}
	var err error
	if cfg.Start, err = time.Parse(time.DateOnly, *start); err != nil {
		slog.Error("invalid -start", "error", err)
		os.Exit(1)
	}
	if cfg.End, err = time.Parse(time.DateOnly, *end); err != nil {
		slog.Error("invalid -end", "error", err)
		os.Exit(1)
	}

	txs := generator.New(cfg, *seed).Generate()

	f := os.Stdout
	if *out != "-" {
		if f, err = os.Create(*out); err != nil {
			slog.Error("failed to create output", "path", *out, "error", err)
			os.Exit(1)
		}
		defer f.Close()
	}

	w := bufio.NewWriter(f)
	if err := loader.WriteCSV(w, txs); err != nil {
		slog.Error("failed to write transactions", "error", err)
		os.Exit(1)
	}
	if err := w.Flush(); err != nil {
		slog.Error("failed to write transactions", "error", err)
		os.Exit(1)
	}

	slog.Info("transactions generated", "path", *out, "count", len(txs), "seed", *seed)
}
