// Package cli is the terminal client: one-shot cobra commands, or an
// interactive shell when started without arguments.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nozsavsev/keynote-realtime/internal/config"
	"github.com/nozsavsev/keynote-realtime/internal/realtime"
	"github.com/nozsavsev/keynote-realtime/internal/registry"
)

const commandTimeout = 30 * time.Second

var errNotConnected = errors.New("not connected, run the start command first")

type shell struct {
	root *cobra.Command
	v    *viper.Viper
	in   io.Reader
	out  io.Writer

	cfgFile string
	app     *App
	newApp  func(cfg *config.Config, out io.Writer) (*App, error)
}

func newShell(in io.Reader, out io.Writer) *shell {
	s := &shell{
		v:      viper.New(),
		in:     in,
		out:    out,
		newApp: NewApp,
	}

	s.root = &cobra.Command{
		Use:           "keynote",
		Short:         "Keynote realtime client",
		Long:          "Drive a keynote room from the terminal as presenter, screen or spectator.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return s.ensureApp()
		},
	}
	s.root.SetOut(out)
	s.root.SetErr(out)

	flags := s.root.PersistentFlags()
	flags.StringVar(&s.cfgFile, "config", "", "config file (default is $HOME/.keynote.yaml)")
	flags.String("api-base", "", "Base url of the keynote REST api")
	flags.String("realtime-base", "", "Base url of the keynote hubs (default <api-base>/realtime)")
	flags.String("token", "", "Bearer token of the logged-in presenter")
	flags.String("cookie-db", "", "Path of the persistent cookie store")

	config.SetDefaults(s.v)
	s.v.BindPFlag(config.APIBaseKey, flags.Lookup("api-base"))
	s.v.BindPFlag(config.RealtimeBaseKey, flags.Lookup("realtime-base"))
	s.v.BindPFlag(config.TokenKey, flags.Lookup("token"))
	s.v.BindPFlag(config.CookieDBKey, flags.Lookup("cookie-db"))

	s.root.AddCommand(
		s.presentCmd(),
		s.screenCmd(),
		s.spectateCmd(),
		s.keynotesCmd(),
		s.statusCmd(),
		s.visibleCmd(),
	)
	return s
}

// ensureApp reads the configuration and builds the app on first use. The
// shell keeps it for every later command.
func (s *shell) ensureApp() error {
	if s.app != nil {
		return nil
	}
	if err := config.Read(s.v, s.cfgFile); err != nil {
		return err
	}
	cfg, err := config.FromViper(s.v)
	if err != nil {
		return err
	}
	app, err := s.newApp(cfg, s.out)
	if err != nil {
		return err
	}
	s.app = app
	return nil
}

func (s *shell) close() {
	if s.app != nil {
		s.app.Close()
		s.app = nil
	}
}

func (s *shell) exec(args []string) error {
	s.root.SetArgs(args)
	return s.root.ExecuteContext(context.Background())
}

// run executes one command, or the interactive shell when args is empty.
func (s *shell) run(args []string) int {
	defer s.close()

	if len(args) > 0 {
		if err := s.exec(args); err != nil {
			fmt.Fprintln(s.out, "Error:", err)
			return 1
		}
		s.hold()
		return 0
	}

	fmt.Fprintln(s.out, "entering interactive mode, type 'exit' to quit")
	scanner := bufio.NewScanner(s.in)
	for {
		fmt.Fprint(s.out, "keynote❯ ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		args, err := shellwords.Parse(line)
		if err != nil {
			fmt.Fprintln(s.out, "Error:", err)
			continue
		}
		if err := s.exec(args); err != nil {
			fmt.Fprintln(s.out, "Error:", err)
		}
	}
	return 0
}

// hold keeps a one-shot command with live hub connections running until
// interrupted.
func (s *shell) hold() {
	if s.app == nil || s.app.reg.Status().Overall == registry.OverallDisconnected {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(s.out, "Press Ctrl+C to exit")
	<-ctx.Done()
	fmt.Fprintln(s.out, "Shutting down...")
}

func (s *shell) visibleCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "visible <on|off>",
		Short:     "Mark the client as foreground or background",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			on, err := parseOnOff(args[0])
			if err != nil {
				return err
			}
			s.app.reg.SetVisible(on)
			return nil
		},
	}
}

func parseOnOff(arg string) (bool, error) {
	switch strings.ToLower(arg) {
	case "on", "up", "yes", "true":
		return true, nil
	case "off", "down", "no", "false":
		return false, nil
	default:
		return false, fmt.Errorf("expected on or off, got %q", arg)
	}
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, commandTimeout)
}

func requireConnected(state realtime.ConnectionState) error {
	if state != realtime.Connected {
		return errNotConnected
	}
	return nil
}

func failed(op string) error {
	return fmt.Errorf("%s failed", op)
}

// Execute runs the client with the process arguments.
func Execute() {
	os.Exit(newShell(os.Stdin, os.Stdout).run(os.Args[1:]))
}
