package cli

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nozsavsev/keynote-realtime/internal/room"
)

func (s *shell) screenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "screen",
		Short: "Act as a display screen waiting to be claimed",
	}

	var autoJoin bool
	start := &cobra.Command{
		Use:   "start",
		Short: "Connect the screen hub and show a claim code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			sc := s.app.reg.Screen
			sc.SetAutoJoin(autoJoin)
			s.app.watch(sc.Hub(), sc.OnConnectionState, sc.OnCurrentRoom)
			s.app.subscribe("screen-code", func() []func() {
				return []func(){sc.RoomCode().Subscribe(func(code string) {
					if code != "" && !autoJoin {
						s.app.printf("📨 Room code %s received, run: screen join %s\n", room.FormatCode(code), code)
					}
				})}
			})

			if err := sc.Connect(ctx); err != nil {
				return err
			}
			if sc.HasScreen() {
				s.app.printf("🖥  Already showing %s\n", describeRoom(sc.CurrentRoom()))
				return nil
			}

			code := sc.WaitRoomAsScreen(ctx)
			if code == "" {
				return failed("WaitRoomAsScreen")
			}
			id := ""
			if me := sc.Me(); me != nil {
				id = me.Identifier
			}
			s.app.printf("🖥  Screen %s waiting, claim code %s\n", id, room.FormatCode(code))
			return nil
		},
	}
	start.Flags().BoolVar(&autoJoin, "auto-join", true, "Join as soon as a presenter sends a room code")

	cmd.AddCommand(
		start,
		&cobra.Command{
			Use:   "join <room-code>",
			Short: "Join a room as its screen",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := commandContext(cmd)
				defer cancel()
				if !s.app.reg.Screen.JoinRoomAsScreen(ctx, args[0]) {
					return failed("JoinRoomAsScreen")
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "page <n>",
			Short: "Move the room to a frame from the screen",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return err
				}
				ctx, cancel := commandContext(cmd)
				defer cancel()
				if !s.app.reg.Screen.SetPage(ctx, n) {
					return failed("SetPage")
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "leave",
			Short: "Detach the screen from its room",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				sc := s.app.reg.Screen
				if err := requireConnected(sc.ConnectionState()); err != nil {
					return err
				}
				ctx, cancel := commandContext(cmd)
				defer cancel()
				sc.LeaveRoom(ctx)
				return nil
			},
		},
		&cobra.Command{
			Use:   "room",
			Short: "Show the room the screen belongs to",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				s.app.printf("%s\n", describeRoom(s.app.reg.Screen.CurrentRoom()))
				return nil
			},
		},
	)
	return cmd
}
