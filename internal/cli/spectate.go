package cli

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nozsavsev/keynote-realtime/internal/room"
)

func (s *shell) spectateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spectate",
		Short: "Follow a room as a spectator",
	}

	var name string
	join := &cobra.Command{
		Use:   "join <room-code>",
		Short: "Connect the spectator hub and join a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			sp := s.app.reg.Spectator
			s.app.watch(sp.Hub(), sp.OnConnectionState, sp.OnCurrentRoom)
			if err := sp.Connect(ctx); err != nil {
				return err
			}
			if !sp.JoinRoom(ctx, args[0]) {
				return failed("JoinRoom")
			}
			if name != "" && !sp.SetName(ctx, name) {
				return failed("SetName")
			}
			s.app.printf("👀 Watching room %s\n", room.FormatCode(room.NormalizeCode(args[0])))
			return nil
		},
	}
	join.Flags().StringVar(&name, "name", "", "Name shown to the presenter")

	cmd.AddCommand(
		join,
		&cobra.Command{
			Use:   "leave",
			Short: "Leave the room",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := commandContext(cmd)
				defer cancel()
				if !s.app.reg.Spectator.LeaveRoom(ctx) {
					return failed("LeaveRoom")
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "name <name>",
			Short: "Change the spectator name",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := commandContext(cmd)
				defer cancel()
				if !s.app.reg.Spectator.SetName(ctx, args[0]) {
					return failed("SetName")
				}
				return nil
			},
		},
		&cobra.Command{
			Use:       "hand <up|down>",
			Short:     "Raise or lower a hand",
			Args:      cobra.ExactArgs(1),
			ValidArgs: []string{"up", "down"},
			RunE: func(cmd *cobra.Command, args []string) error {
				raised, err := parseOnOff(args[0])
				if err != nil {
					return err
				}
				ctx, cancel := commandContext(cmd)
				defer cancel()
				if !s.app.reg.Spectator.SetHandRaised(ctx, raised) {
					return failed("SetHandRaised")
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "page <n>",
			Short: "Move the room to a frame while holding control",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return err
				}
				sp := s.app.reg.Spectator
				if !sp.HasTempControl() {
					s.app.printf("You do not have slide control\n")
					return nil
				}
				ctx, cancel := commandContext(cmd)
				defer cancel()
				if !sp.SetPage(ctx, n) {
					return failed("SetPage")
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "room",
			Short: "Show the room being watched",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				s.app.printf("%s\n", describeRoom(s.app.reg.Spectator.CurrentRoom()))
				return nil
			},
		},
	)
	return cmd
}
