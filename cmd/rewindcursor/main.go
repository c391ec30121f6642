// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/walletindexer/indexdb"
	"github.com/btcsuite/walletindexer/internal/cfgutil"
	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var datadir = btcutil.AppDataDir("walletindexer", false)

// Flags.
var opts = struct {
	Force    bool   `short:"f" description:"Force the change without prompt"`
	DBDriver string `long:"dbdriver" description:"Database backend {sqlite, postgres}"`
	DBDSN    string `long:"dbdsn" description:"Database connection string"`
	To       uint64 `long:"to" description:"Event id to rewind the cursor to -- events after it are delivered again"`
	Start    bool   `long:"start" description:"Rewind the cursor before the first event so the whole stream is delivered again"`
	Drop     bool   `long:"drop" description:"Drop all synced data, keeping registered wallets, and resync from the first event"`
}{
	DBDriver: "sqlite",
	DBDSN:    filepath.Join(datadir, "index.db"),
}

func init() {
	_, err := flags.Parse(&opts)
	if err != nil {
		os.Exit(1)
	}
}

func yes(s string) bool {
	switch s {
	case "y", "Y", "yes", "Yes":
		return true
	default:
		return false
	}
}

func no(s string) bool {
	switch s {
	case "n", "N", "no", "No":
		return true
	default:
		return false
	}
}

// confirm asks the operator to confirm question. It reports false on EOF
// or a negative answer.
func confirm(question string) (bool, error) {
	scanner := bufio.NewScanner(bufio.NewReader(os.Stdin))
	for {
		fmt.Printf("%s [y/N] ", question)

		if !scanner.Scan() {
			// Exit on EOF.
			return false, scanner.Err()
		}
		resp := scanner.Text()
		if yes(resp) {
			return true, nil
		}
		if no(resp) || resp == "" {
			return false, nil
		}

		fmt.Println("Enter yes or no.")
	}
}

func main() {
	os.Exit(mainInt())
}

func mainInt() int {
	driver := indexdb.DriverSQLite
	switch opts.DBDriver {
	case "sqlite":
		fmt.Println("Database path:", opts.DBDSN)
		exists, err := cfgutil.FileExists(opts.DBDSN)
		if err != nil {
			fmt.Println(err)
			return 1
		}
		if !exists {
			fmt.Println("Database file does not exist")
			return 1
		}

	case "postgres":
		driver = indexdb.DriverPostgres

	default:
		fmt.Println("Unknown database backend:", opts.DBDriver)
		return 1
	}

	to := fn.Some(opts.To)
	question := fmt.Sprintf("Replay all events after event %d?", opts.To)
	if opts.Start {
		to = fn.None[uint64]()
		question = "Replay all events from the first event?"
	}
	if opts.Drop {
		question = "Drop all synced data and resync from the first event?"
	}

	if !opts.Force {
		ok, err := confirm(question)
		if err != nil {
			fmt.Println()
			fmt.Println(err)
			return 1
		}
		if !ok {
			return 0
		}
	}

	ctx := context.Background()
	db, err := indexdb.Open(ctx, driver, opts.DBDSN)
	if err != nil {
		fmt.Println("Failed to open database:", err)
		return 1
	}
	defer db.Close()

	err = db.Update(ctx, func(tx *indexdb.Tx) error {
		if opts.Drop {
			fmt.Println("Dropping synced data")
			return tx.DropIndex(ctx)
		}

		fmt.Println("Rewinding cursor")
		return tx.RewindCursor(ctx, to, time.Now())
	})
	if err != nil {
		fmt.Println("Failed to update the index:", err)
		return 1
	}

	return 0
}
