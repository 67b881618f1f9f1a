package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"sandbox2/executor"
	"sandbox2/forkserver"
	"sandbox2/monitor"
	"sandbox2/utils"
)

var runCmd = &cobra.Command{
	Use:   "run <helper-binary> [args...]",
	Short: "Run a sandboxee under a policy",
	Long: `Run starts the given forkserver helper binary, spawns one
policy-confined sandboxee from it, and waits for the terminal result.
The helper must serve the forkserver protocol when started with the
SANDBOX2_FORKSERVER environment marker; this binary itself qualifies.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

var (
	runPolicy   policyFlags
	runWallTime time.Duration
	runCwd      string
	runEnv      []string
	runTTY      bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runPolicy.register(runCmd.Flags())
	runCmd.Flags().DurationVar(&runWallTime, "wall-time", 0, "kill the sandboxee after this wall-clock duration")
	runCmd.Flags().StringVar(&runCwd, "cwd", "", "working directory inside the sandboxee")
	runCmd.Flags().StringSliceVar(&runEnv, "env", nil, "environment variables for the sandboxee, as KEY=VALUE")
	runCmd.Flags().BoolVarP(&runTTY, "tty", "t", false, "give the sandboxee a pseudo-terminal for its standard streams")
}

func runRun(cmd *cobra.Command, args []string) error {
	pol, err := runPolicy.buildPolicy()
	if err != nil {
		return fmt.Errorf("build policy: %w", err)
	}

	cfg := executor.Config{
		Binary:        args[0],
		Args:          args[1:],
		Policy:        pol,
		Cwd:           runCwd,
		Env:           runEnv,
		WallTimeLimit: runWallTime,
	}

	var console *utils.Console
	if runTTY {
		console, err = utils.NewConsole()
		if err != nil {
			return fmt.Errorf("allocate console: %w", err)
		}
		defer console.Close()

		slave, err := console.OpenSlave()
		if err != nil {
			return fmt.Errorf("open console slave: %w", err)
		}
		defer slave.Close()

		slaveFd := int(slave.Fd())
		cfg.FdMappings = []forkserver.FdMapping{
			{LocalFd: slaveFd, RemoteFd: 0, Name: "stdin"},
			{LocalFd: slaveFd, RemoteFd: 1, Name: "stdout"},
			{LocalFd: slaveFd, RemoteFd: 2, Name: "stderr"},
		}
	} else {
		cfg.FdMappings = []forkserver.FdMapping{
			{LocalFd: 0, RemoteFd: 0, Name: "stdin"},
			{LocalFd: 1, RemoteFd: 1, Name: "stdout"},
			{LocalFd: 2, RemoteFd: 2, Name: "stderr"},
		}
	}

	exec := executor.New(cfg)
	if err := exec.Init(); err != nil {
		return fmt.Errorf("start sandboxee: %w", err)
	}
	defer exec.Shutdown()

	if console != nil {
		if ws, err := utils.GetWinsize(os.Stdin); err == nil {
			utils.SetWinsize(console.Master(), ws)
		}
		restore, err := rawTerminal()
		if err == nil && restore != nil {
			defer restore()
		}
		go io.Copy(console.Master(), os.Stdin)
		go io.Copy(os.Stdout, console.Master())
	}

	res := exec.AwaitResult()
	return reportResult(res)
}

// rawTerminal switches the supervisor's stdin to raw mode for the
// duration of an interactive session, returning the restore func.
func rawTerminal() (func(), error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, nil
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return func() { term.Restore(fd, state) }, nil
}

// reportResult renders the terminal result the way a shell user expects:
// silent success, a diagnostic line otherwise, and a matching exit code.
func reportResult(res monitor.Result) error {
	switch res.Status {
	case monitor.StatusExited:
		if res.ExitCode != 0 {
			os.Exit(res.ExitCode)
		}
		return nil
	case monitor.StatusSignaled:
		return fmt.Errorf("sandboxee killed by signal %d", res.Signal)
	case monitor.StatusViolation:
		if res.Violation != nil {
			return fmt.Errorf("policy violation: %s (nr %d)",
				res.Violation, res.Violation.SyscallNr)
		}
		return fmt.Errorf("policy violation")
	case monitor.StatusTimedOut:
		return fmt.Errorf("sandboxee exceeded its wall-clock limit")
	case monitor.StatusExternalKill:
		return fmt.Errorf("sandboxee terminated on request")
	default:
		return fmt.Errorf("sandboxee ended with status %s", res.Status)
	}
}
