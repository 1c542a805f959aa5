// Command kvtool is a small demonstration CLI over the kv.IDB stack: it
// stands in for the higher-level node process that would otherwise be the
// only caller of this storage layer in a real full node.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/pkg/errors"

	"github.com/ntp1chain/ntp1node/internal/ntplog"
	"github.com/ntp1chain/ntp1node/kv"
	"github.com/ntp1chain/ntp1node/kv/lrucache"
	"github.com/ntp1chain/ntp1node/kv/mdbx"
	"github.com/ntp1chain/ntp1node/kv/memdb"
	"github.com/ntp1chain/ntp1node/kv/readcache"
	"github.com/ntp1chain/ntp1node/kv/writecache"
)

// CLI is the full flag/command surface. Of SPEC_FULL.md §7's
// configuration surface it exposes path, clearBeforeOpen, cacheMaxSize
// and maxEntries as flags; hintSizeBytes has no flag, every command
// passes 0. The remaining flags pick the backend, the cache layers and
// the log level.
type CLI struct {
	Path            string `help:"Directory for the persistent backend; ignored with --backend=memory." type:"path"`
	Backend         string `help:"persistent or memory." enum:"persistent,memory" default:"persistent"`
	ClearBeforeOpen bool   `help:"Remove any existing data files before opening."`
	WithWriteCache  bool   `help:"Stack a write-through cache above the backend."`
	WithReadCache   bool   `help:"Stack a read-through cache above the backend (below any write-through cache)."`
	CacheMaxSize    int64  `help:"Write-through cache auto-flush threshold in bytes; 0 disables auto-flush." default:"0"`
	MaxEntries      int    `help:"Wrap the whole stack in an LRU cache bounded to this many entries; 0 disables the LRU layer." default:"0"`
	LogLevel        string `help:"debug, info, warn, or error." default:"info"`

	Write WriteCmd `cmd:"" help:"Write a value under index/key."`
	Read  ReadCmd  `cmd:"" help:"Read the value stored under index/key."`
	Erase EraseCmd `cmd:"" help:"Erase one (or all, with --all) value(s) under index/key."`
	Stat  StatCmd  `cmd:"" help:"Print per-index key counts."`
	Flush FlushCmd `cmd:"" help:"Flush any buffered writes to the backend."`
}

type WriteCmd struct {
	Index string `arg:"" help:"Index name, e.g. MAIN."`
	Key   string `arg:""`
	Value string `arg:""`
}

func (c *WriteCmd) Run(cli *CLI) error {
	idx, err := parseIndex(c.Index)
	if err != nil {
		return err
	}
	return withStack(cli, func(db kv.IDB) error {
		if err := db.BeginDBTransaction(0); err != nil {
			return err
		}
		if err := db.Write(idx, []byte(c.Key), []byte(c.Value)); err != nil {
			_ = db.AbortDBTransaction()
			return err
		}
		return db.CommitDBTransaction()
	})
}

type ReadCmd struct {
	Index string `arg:""`
	Key   string `arg:""`
}

func (c *ReadCmd) Run(cli *CLI) error {
	idx, err := parseIndex(c.Index)
	if err != nil {
		return err
	}
	return withStack(cli, func(db kv.IDB) error {
		vals, err := db.ReadMultiple(idx, []byte(c.Key))
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			fmt.Println("(absent)")
			return nil
		}
		for _, v := range vals {
			fmt.Printf("%s\n", v)
		}
		return nil
	})
}

type EraseCmd struct {
	Index string `arg:""`
	Key   string `arg:""`
	All   bool   `help:"Erase every value under the key, not just one."`
}

func (c *EraseCmd) Run(cli *CLI) error {
	idx, err := parseIndex(c.Index)
	if err != nil {
		return err
	}
	return withStack(cli, func(db kv.IDB) error {
		if err := db.BeginDBTransaction(0); err != nil {
			return err
		}
		if c.All {
			err = db.EraseAll(idx, []byte(c.Key))
		} else {
			err = db.Erase(idx, []byte(c.Key))
		}
		if err != nil {
			_ = db.AbortDBTransaction()
			return err
		}
		return db.CommitDBTransaction()
	})
}

type StatCmd struct{}

func (c *StatCmd) Run(cli *CLI) error {
	return withStack(cli, func(db kv.IDB) error {
		for _, idx := range kv.AllIndexes() {
			all, err := db.ReadAll(idx)
			if err != nil {
				return err
			}
			fmt.Printf("%-16s %d keys\n", idx, len(all))
		}
		return nil
	})
}

type FlushCmd struct{}

func (c *FlushCmd) Run(cli *CLI) error {
	return withStack(cli, func(db kv.IDB) error {
		ok, err := db.Flush(0)
		if err != nil {
			return err
		}
		fmt.Printf("flushed=%v flushCount=%d\n", ok, db.GetFlushCount())
		return nil
	})
}

func parseIndex(name string) (kv.Index, error) {
	for _, idx := range kv.AllIndexes() {
		if idx.String() == name {
			return idx, nil
		}
	}
	return 0, errors.Errorf("unknown index %q", name)
}

// openBackend constructs the bottom of the stack: either the persistent
// backend or the in-memory oracle backend, per --backend.
func openBackend(cli *CLI, log *ntplog.Logger) (kv.IDB, error) {
	switch cli.Backend {
	case "memory":
		return memdb.New(log), nil
	default:
		if cli.Path == "" {
			return nil, errors.New("--path is required with --backend=persistent")
		}
		return mdbx.Open(cli.Path, cli.ClearBeforeOpen, log)
	}
}

// buildStack layers the requested caches over the chosen backend, in the
// order SPEC_FULL.md §2 describes the data flow: client -> WTC -> RTC ->
// backend, with an optional LRU wrapper around the whole thing.
func buildStack(cli *CLI, log *ntplog.Logger) (kv.IDB, error) {
	backend, err := openBackend(cli, log)
	if err != nil {
		return nil, err
	}
	var stack kv.IDB = backend
	if cli.WithReadCache {
		stack = readcache.New(stack, log)
	}
	if cli.WithWriteCache {
		stack = writecache.New(stack, cli.CacheMaxSize, log)
	}
	if cli.MaxEntries > 0 {
		stack = lrucache.New[kv.IDB](stack, cli.MaxEntries, log)
	}
	return stack, nil
}

func withStack(cli *CLI, fn func(db kv.IDB) error) error {
	log, err := ntplog.New(cli.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	db, err := buildStack(cli, log)
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(db)
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("kvtool"),
		kong.Description("Exercise the embedded key-value storage stack from the command line."),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	if err != nil {
		if kv.IsKind(err, kv.KindNotFound) {
			fmt.Fprintln(os.Stderr, "not found:", err)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
