package cmds

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-delve/symsnap/pkg/config"
	"github.com/go-delve/symsnap/pkg/logflags"
	"github.com/go-delve/symsnap/pkg/pe"
	"github.com/go-delve/symsnap/pkg/proc"
	"github.com/go-delve/symsnap/pkg/proc/native"
	"github.com/go-delve/symsnap/pkg/snapshot"
	"github.com/go-delve/symsnap/pkg/symbols"
	"github.com/go-delve/symsnap/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path where logs should go.
	logDest string
	// configFile overrides the default configuration file.
	configFile string
	// symbolPath is a symbol path in the _NT_SYMBOL_PATH syntax.
	symbolPath string

	// stack walk flags
	depth       int
	showRegs    bool
	onException bool

	profileOut string

	rewriteComment string
	rewriteRemove  []uint

	conf *config.Config
)

const symsnapCommandLongDesc = `Symsnap examines Windows process snapshots.

It reads the module, thread and memory streams of a snapshot, walks
thread stacks with the unwind tables of the loaded images and names the
frames with symbol files found in local directories or on symbol servers.

Symbol sources come from the configuration file, the --symbol-path flag or
the _NT_SYMBOL_PATH environment variable, for example:

` + "`symsnap stack --symbol-path 'srv*C:\\symbols*https://msdl.microsoft.com/download/symbols' crash.dmp`"

// New returns an initialized command tree.
func New() *cobra.Command {
	rootCommand := &cobra.Command{
		Use:           "symsnap",
		Short:         "Symsnap examines Windows process snapshots.",
		Long:          symsnapCommandLongDesc,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logflags.Setup(log, logOutput, logDest); err != nil {
				return err
			}
			if configFile != "" {
				c, err := config.LoadConfigFrom(configFile)
				if err != nil {
					return err
				}
				conf = c
			} else {
				conf = config.LoadConfig()
			}
			return nil
		},
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output: pe, symbols, locator, unwind, snapshot, proc.`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file.")
	rootCommand.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file, defaults to the user configuration directory.")
	rootCommand.PersistentFlags().StringVar(&symbolPath, "symbol-path", "", "Symbol path, added to the sources of the configuration file.")

	// 'image' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "image <file>",
		Short: "Prints the metadata of a PE image.",
		Args:  cobra.ExactArgs(1),
		RunE:  imageCmd,
	})

	// 'streams' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "streams <snapshot>",
		Short: "Lists the streams of a snapshot.",
		Args:  cobra.ExactArgs(1),
		RunE:  streamsCmd,
	})

	// 'modules' subcommand.
	modulesCommand := &cobra.Command{
		Use:   "modules <snapshot>",
		Short: "Lists the modules of a snapshot and the state of their symbols.",
		Args:  cobra.ExactArgs(1),
		RunE:  modulesCmd,
	}
	rootCommand.AddCommand(modulesCommand)

	// 'stack' subcommand.
	stackCommand := &cobra.Command{
		Use:   "stack <snapshot> [thread id...]",
		Short: "Prints thread stacks.",
		Long: `Prints the stacks of the threads of a snapshot.

Without thread ids every thread is printed. With --exception the stack of
the faulting thread at the time of the exception is printed instead.`,
		Args: cobra.MinimumNArgs(1),
		RunE: stackCmd,
	}
	addWalkFlags(stackCommand.Flags())
	stackCommand.Flags().BoolVarP(&showRegs, "regs", "r", false, "Print the registers of every frame.")
	stackCommand.Flags().BoolVarP(&onException, "exception", "e", false, "Print the stack of the exception.")
	rootCommand.AddCommand(stackCommand)

	// 'resolve' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "resolve <snapshot> <address|pattern>...",
		Short: "Resolves addresses to symbols and symbol patterns to addresses.",
		Long: `Resolves addresses to symbols and symbol patterns to addresses.

Arguments that parse as numbers are addresses, the others are patterns of
the form [module!]name where both parts may contain '*' and '?'.`,
		Args: cobra.MinimumNArgs(2),
		RunE: resolveCmd,
	})

	// 'profile' subcommand.
	profileCommand := &cobra.Command{
		Use:   "profile <snapshot>",
		Short: "Writes the stacks of all threads as a pprof profile.",
		Args:  cobra.ExactArgs(1),
		RunE:  profileCmd,
	}
	addWalkFlags(profileCommand.Flags())
	profileCommand.Flags().StringVarP(&profileOut, "output", "o", "stacks.pb.gz", "Output file.")
	rootCommand.AddCommand(profileCommand)

	// 'rewrite' subcommand.
	rewriteCommand := &cobra.Command{
		Use:   "rewrite <snapshot> <output>",
		Short: "Copies a snapshot, optionally editing its streams.",
		Long: `Copies a snapshot, optionally editing its streams.

Every stream is preserved, unknown ones included, unless removed with
--remove. Without edits the output is identical to files written by
symsnap.`,
		Args: cobra.ExactArgs(2),
		RunE: rewriteCmd,
	}
	rewriteCommand.Flags().StringVar(&rewriteComment, "comment", "", "Replaces the comment stream.")
	rewriteCommand.Flags().UintSliceVar(&rewriteRemove, "remove", nil, "Stream types to remove.")
	rootCommand.AddCommand(rewriteCommand)

	// 'minimize' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "minimize <snapshot> <output>",
		Short: "Writes a snapshot holding only thread stacks and the code they run.",
		Args:  cobra.ExactArgs(2),
		RunE:  minimizeCmd,
	})

	// 'maps' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "maps <pid>",
		Short: "Prints the committed memory regions of a live process (windows only).",
		Args:  cobra.ExactArgs(1),
		RunE:  mapsCmd,
	})

	// 'version' subcommand.
	var versionVerbose = false
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Symsnap\n%s\n", version.SymsnapVersion)
			if versionVerbose {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&versionVerbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	return rootCommand
}

func addWalkFlags(fs *pflag.FlagSet) {
	fs.IntVarP(&depth, "depth", "d", 0, "Maximum number of frames, zero means the configured limit.")
}

// symbolLocator builds the locator of every symbol source.
func symbolLocator() (symbols.Locator, error) {
	dirs, servers := conf.SymbolSources()
	sp := symbolPath
	if sp == "" {
		sp = os.Getenv("_NT_SYMBOL_PATH")
	}
	pdirs, pservers := config.ParseSymbolPath(sp)
	dirs = append(dirs, pdirs...)
	for _, srv := range pservers {
		if srv.CacheDir == "" {
			srv.CacheDir = conf.SymbolCacheDir
		}
		servers = append(servers, srv)
	}

	var chain symbols.Chain
	if len(dirs) > 0 {
		chain = append(chain, &symbols.DirLocator{Dirs: dirs})
	}
	for _, srv := range servers {
		opts := []symbols.ServerOption{
			symbols.WithURL(srv.URL),
			symbols.WithTimeout(conf.GetServerTimeout()),
		}
		if srv.CacheDir != "" {
			opts = append(opts, symbols.WithCacheDir(srv.CacheDir))
		}
		l, err := symbols.NewServerLocator(opts...)
		if err != nil {
			return nil, fmt.Errorf("symbol server %s: %w", srv.URL, err)
		}
		chain = append(chain, l)
	}
	if len(chain) == 0 {
		return nil, nil
	}
	return chain, nil
}

func procConfig() (proc.Config, error) {
	loc, err := symbolLocator()
	if err != nil {
		return proc.Config{}, err
	}
	return proc.Config{
		Locator:            loc,
		EagerSymbols:       conf.EagerSymbols,
		MaxFrames:          conf.GetMaxFrames(),
		TolerateReadErrors: conf.TolerateReadErrors,
		MemoryCachePages:   conf.GetMemoryCachePages(),
	}, nil
}

func openSnapshot(path string) (*proc.Process, error) {
	cfg, err := procConfig()
	if err != nil {
		return nil, err
	}
	return proc.OpenSnapshot(path, cfg)
}

// signalContext returns a context canceled by an interrupt, symbol
// downloads can take a while.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func imageCmd(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	img, err := pe.Parse(f, fi.Size(), pe.FileLayout)
	if err != nil {
		return err
	}
	printImage(cmd.OutOrStdout(), img)
	return nil
}

func streamsCmd(cmd *cobra.Command, args []string) error {
	v, err := snapshot.OpenFile(args[0])
	if v == nil {
		return err
	}
	defer v.Close()
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}
	printStreams(cmd.OutOrStdout(), v)
	return nil
}

func modulesCmd(cmd *cobra.Command, args []string) error {
	p, err := openSnapshot(args[0])
	if err != nil {
		return err
	}
	defer p.Close()
	printModules(cmd.OutOrStdout(), p.Catalog().Modules())
	return nil
}

func stackCmd(cmd *cobra.Command, args []string) error {
	p, err := openSnapshot(args[0])
	if err != nil {
		return err
	}
	defer p.Close()
	ctx, cancel := signalContext()
	defer cancel()

	var stacks []*proc.Stack
	switch {
	case onException:
		st, err := p.ExceptionStacktrace(ctx, depth)
		if err != nil {
			return err
		}
		stacks = append(stacks, st)
	case len(args) > 1:
		for _, arg := range args[1:] {
			tid, err := strconv.ParseUint(arg, 0, 32)
			if err != nil {
				return fmt.Errorf("invalid thread id %q", arg)
			}
			st, err := p.Stacktrace(ctx, uint32(tid), depth)
			if err != nil {
				return err
			}
			stacks = append(stacks, st)
		}
	default:
		stacks, err = p.Stacktraces(ctx, depth)
		if err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	for i, st := range stacks {
		if i > 0 {
			fmt.Fprintln(out)
		}
		printStack(out, st, showRegs)
	}
	return nil
}

func resolveCmd(cmd *cobra.Command, args []string) error {
	p, err := openSnapshot(args[0])
	if err != nil {
		return err
	}
	defer p.Close()
	out := cmd.OutOrStdout()
	for _, arg := range args[1:] {
		if addr, err := strconv.ParseUint(arg, 0, 64); err == nil {
			si, ok := p.Catalog().ResolveAddress(addr)
			if !ok {
				fmt.Fprintf(out, "%#x\t?\n", addr)
				continue
			}
			fmt.Fprintf(out, "%#x\t%s%s\n", addr, si, fileLine(si.File, si.Line))
			continue
		}
		r := p.Catalog().ResolveName(arg)
		if len(r) == 0 {
			fmt.Fprintf(out, "%s\tnot found\n", arg)
		}
		for _, si := range r {
			fmt.Fprintf(out, "%#x\t%s\n", si.Address, si)
		}
	}
	return nil
}

func profileCmd(cmd *cobra.Command, args []string) error {
	p, err := openSnapshot(args[0])
	if err != nil {
		return err
	}
	defer p.Close()
	ctx, cancel := signalContext()
	defer cancel()
	stacks, err := p.Stacktraces(ctx, depth)
	if err != nil {
		return err
	}
	f, err := os.Create(profileOut)
	if err != nil {
		return err
	}
	if err := p.WriteProfile(f, stacks); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d stacks to %s\n", len(stacks), profileOut)
	return nil
}

func rewriteCmd(cmd *cobra.Command, args []string) error {
	v, err := snapshot.OpenFile(args[0])
	if v == nil {
		return err
	}
	defer v.Close()
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}
	return writeFile(args[1], func(f *os.File) error {
		return snapshot.Rewrite(v, f, func(b *snapshot.Builder) error {
			for _, typ := range rewriteRemove {
				b.RemoveStream(snapshot.StreamType(typ))
			}
			if rewriteComment != "" {
				b.RemoveStream(snapshot.CommentStreamW)
				b.RemoveStream(snapshot.CommentStreamA)
				return b.AddComment(rewriteComment)
			}
			return nil
		})
	})
}

func minimizeCmd(cmd *cobra.Command, args []string) error {
	p, err := openSnapshot(args[0])
	if err != nil {
		return err
	}
	defer p.Close()
	return writeFile(args[1], func(f *os.File) error {
		var state proc.DumpState
		p.Dump(f, 0, &state)
		return state.Err
	})
}

func mapsCmd(cmd *cobra.Command, args []string) error {
	pid, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		return fmt.Errorf("invalid pid %q", args[0])
	}
	m, err := native.OpenProcessMemory(uint32(pid))
	if err != nil {
		return err
	}
	defer m.Close()
	mm, err := m.MemoryMap()
	if err != nil && len(mm) == 0 {
		return err
	}
	printMemoryMap(cmd.OutOrStdout(), mm)
	return err
}

// writeFile creates path and calls write, removing the file if anything
// fails.
func writeFile(path string, write func(f *os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	err = write(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return err
	}
	return nil
}
