// zonectl exercises the code cache: it runs synthetic workloads, prints
// statistics and listings, and reads persisted event logs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/dc0d/onexit"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/codezone/config"
	"github.com/chazu/codezone/disasm"
	"github.com/chazu/codezone/eventlog"
)

func main() {
	dir := flag.String("dir", ".", "Directory to start the codezone.toml search from")
	verbosity := flag.Int("v", -1, "Log verbosity (overrides the config file)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: zonectl [options] <command> [command options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  run      Drive the code cache with a synthetic workload\n")
		fmt.Fprintf(os.Stderr, "  disasm   Print the compiled methods of a small workload\n")
		fmt.Fprintf(os.Stderr, "  events   List sessions or print the events of one session\n")
		fmt.Fprintf(os.Stderr, "  config   Print the effective configuration\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.FindAndLoad(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *verbosity >= 0 {
		cfg.Log.Verbosity = *verbosity
	}
	configureLogging(cfg)

	args := flag.Args()
	switch args[0] {
	case "run":
		err = runCmd(cfg, args[1:])
	case "disasm":
		err = disasmCmd(cfg, args[1:])
	case "events":
		err = eventsCmd(cfg, args[1:])
	case "config":
		err = toml.NewEncoder(os.Stdout).Encode(cfg)
	default:
		err = fmt.Errorf("unknown command %q", args[0])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func configureLogging(cfg *config.Config) {
	if cfg.Log.File == "" {
		commonlog.Configure(cfg.Log.Verbosity, nil)
		return
	}
	path := cfg.Path(cfg.Log.File)
	commonlog.Configure(cfg.Log.Verbosity, &path)
}

// openStore opens the configured event database, or returns nil when none
// is configured.
func openStore(cfg *config.Config) (*eventlog.Store, error) {
	if cfg.EventLog.Database == "" {
		return nil, nil
	}
	store, err := eventlog.OpenStore(cfg.Path(cfg.EventLog.Database))
	if err != nil {
		return nil, err
	}
	onexit.Register(func() { store.Close() })
	return store, nil
}

func runCmd(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	classes := fs.Int("classes", 8, "Number of receiver classes")
	rounds := fs.Int("rounds", 10000, "Number of driver rounds")
	seed := fs.Int64("seed", 1, "Random seed")
	invalidate := fs.Int("invalidate-every", 500, "Rounds between class invalidations (0 disables)")
	dump := fs.Bool("dump", false, "Print the event ring after the run")
	fs.Parse(args)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	w, err := newWorkload(cfg, *classes, *seed)
	if err != nil {
		return err
	}
	defer w.close()
	w.invalidateEvery = *invalidate
	defer w.events.DumpOnFatal(os.Stderr, store)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cfg.Sweeper.Interval > 0 {
		w.z.StartSweepTimer(ctx, cfg.Sweeper.Interval)
	}

	w.run(*rounds)
	if err := w.z.Verify(); err != nil {
		return err
	}
	if err := w.report(os.Stdout); err != nil {
		return err
	}
	if *dump {
		if err := w.events.Dump(os.Stdout); err != nil {
			return err
		}
	}
	if store != nil {
		if err := store.Save(w.events.Session(), w.events.Events()); err != nil {
			return err
		}
		fmt.Printf("events saved as session %s\n", w.events.Session())
	}
	return nil
}

func disasmCmd(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("disasm", flag.ExitOnError)
	classes := fs.Int("classes", 2, "Number of receiver classes")
	rounds := fs.Int("rounds", 4, "Number of driver rounds before listing")
	fs.Parse(args)

	w, err := newWorkload(cfg, *classes, 1)
	if err != nil {
		return err
	}
	defer w.close()
	w.invalidateEvery = 0
	for i := 0; i < *rounds; i++ {
		w.step(i)
	}

	names := disasm.Symbols(w.z.Stubs())
	for _, nm := range w.z.All() {
		if err := disasm.Fprint(os.Stdout, nm, names); err != nil {
			return err
		}
		fmt.Println()
	}
	return nil
}

func eventsCmd(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	session := fs.String("session", "", "Session to print (lists sessions when empty)")
	fs.Parse(args)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("no event database configured")
	}
	defer store.Close()

	if *session == "" {
		sessions, err := store.Sessions()
		if err != nil {
			return err
		}
		for _, s := range sessions {
			fmt.Println(s)
		}
		return nil
	}

	id, err := uuid.Parse(*session)
	if err != nil {
		return fmt.Errorf("invalid session %q: %w", *session, err)
	}
	events, err := store.Load(id)
	if err != nil {
		return err
	}
	for _, e := range events {
		fmt.Println(e)
	}
	return nil
}
