package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nozsavsev/keynote-realtime/internal/room"
)

func (s *shell) presentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "present",
		Short: "Run a room as the presenter",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "start",
			Short: "Connect the presenter hub and open a room",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := commandContext(cmd)
				defer cancel()

				if s.app.cfg.Token == "" {
					return errors.New("presenting needs a token, set --token or KEYNOTE_TOKEN")
				}
				user, err := s.app.api.CurrentUser(ctx)
				if err != nil {
					return fmt.Errorf("load user: %w", err)
				}

				p := s.app.reg.Presenter
				s.app.watch(p.Hub(), p.OnConnectionState, p.OnCurrentRoom)
				if err := s.app.reg.SetUser(ctx, user.ID); err != nil {
					return err
				}
				if err := requireConnected(p.ConnectionState()); err != nil {
					return err
				}
				r := p.CurrentRoom()
				if r == nil {
					return failed("CreateRoom")
				}
				s.app.printf("🎤 Presenting in room %s\n", room.FormatCode(r.RoomCode))
				return nil
			},
		},
		&cobra.Command{
			Use:   "room",
			Short: "Show the current room",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				s.app.printf("%s\n", describeRoom(s.app.reg.Presenter.CurrentRoom()))
				return nil
			},
		},
		&cobra.Command{
			Use:   "keynote <keynote-id>",
			Short: "Select the keynote shown in the room",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := commandContext(cmd)
				defer cancel()
				if !s.app.reg.Presenter.SetKeynote(ctx, args[0]) {
					return failed("SetKeynote")
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "page <n|next|prev>",
			Short: "Move the room to a frame",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := commandContext(cmd)
				defer cancel()

				p := s.app.reg.Presenter
				var ok bool
				switch args[0] {
				case "next":
					ok = p.NextPage(ctx)
				case "prev":
					ok = p.PrevPage(ctx)
				default:
					n, err := strconv.Atoi(args[0])
					if err != nil {
						return fmt.Errorf("invalid page %q", args[0])
					}
					ok = p.SetPage(ctx, n)
				}
				if !ok {
					return failed("SetPage")
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "qr <on|off>",
			Short: "Show or hide the spectator QR code on screen",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				show, err := parseOnOff(args[0])
				if err != nil {
					return err
				}
				ctx, cancel := commandContext(cmd)
				defer cancel()
				if !s.app.reg.Presenter.SetShowSpectatorQR(ctx, show) {
					return failed("SetShowSpectatorQR")
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "control <give spectator-id|take>",
			Short: "Hand slide control to a spectator or take it back",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := commandContext(cmd)
				defer cancel()

				p := s.app.reg.Presenter
				switch {
				case args[0] == "give" && len(args) == 2:
					if !p.GiveTempControl(ctx, args[1]) {
						return failed("GiveTempControl")
					}
				case args[0] == "take" && len(args) == 1:
					if !p.TakeTempControl(ctx) {
						return failed("TakeTempControl")
					}
				default:
					return fmt.Errorf("usage: %s", cmd.Use)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "claim <screen-id>",
			Short: "Send the room code to a waiting screen",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := commandContext(cmd)
				defer cancel()

				p := s.app.reg.Presenter
				r := p.CurrentRoom()
				if r == nil {
					return errors.New("no room to claim a screen for")
				}
				if !p.SendRoomCodeToScreen(ctx, r.RoomCode, strings.TrimSpace(args[0])) {
					return failed("SendRoomCodeToScreen")
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "name <name>",
			Short: "Set the presenter name",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := commandContext(cmd)
				defer cancel()
				if !s.app.reg.Presenter.SetPresentorName(ctx, args[0]) {
					return failed("SetPresentorName")
				}
				return nil
			},
		},
		&cobra.Command{
			Use:       "kick <spectator|screen> <id>",
			Short:     "Remove a spectator or the screen from the room",
			Args:      cobra.ExactArgs(2),
			ValidArgs: []string{"spectator", "screen"},
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := commandContext(cmd)
				defer cancel()

				p := s.app.reg.Presenter
				switch args[0] {
				case "spectator":
					if !p.RemoveSpectator(ctx, args[1]) {
						return failed("RemoveSpectator")
					}
				case "screen":
					if !p.RemoveScreen(ctx, args[1]) {
						return failed("RemoveScreen")
					}
				default:
					return fmt.Errorf("cannot kick %q", args[0])
				}
				return nil
			},
		},
	)
	return cmd
}
