package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nozsavsev/keynote-realtime/internal/api"
)

func (s *shell) keynotesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keynotes",
		Short: "Manage the logged-in user's keynotes",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List keynotes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			user, err := s.app.api.CurrentUser(ctx)
			if err != nil {
				return err
			}
			if len(user.Keynotes) == 0 {
				s.app.printf("No keynotes\n")
				return nil
			}
			for _, k := range user.Keynotes {
				s.app.printf("%s\t%s\t%d frames\n", k.ID, k.Name, k.TotalFrames)
			}
			return nil
		},
	}

	var req api.CreateKeynoteRequest
	var mobileFile, notesFile string
	create := &cobra.Command{
		Use:   "create <name> <keynote-file>",
		Short: "Upload a new keynote",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			r := req
			r.Name = args[0]

			var closers []*os.File
			defer func() {
				for _, f := range closers {
					f.Close()
				}
			}()
			open := func(path string) (*api.Upload, error) {
				if path == "" {
					return nil, nil
				}
				f, err := os.Open(path)
				if err != nil {
					return nil, err
				}
				closers = append(closers, f)
				return &api.Upload{Filename: filepath.Base(path), Content: f}, nil
			}

			var err error
			if r.Keynote, err = open(args[1]); err != nil {
				return err
			}
			if r.MobileKeynote, err = open(mobileFile); err != nil {
				return err
			}
			if r.PresentorNotes, err = open(notesFile); err != nil {
				return err
			}

			k, err := s.app.api.CreateKeynote(ctx, r)
			if err != nil {
				return err
			}
			s.app.printf("📁 Created keynote %s (%s)\n", k.Name, k.ID)
			return nil
		},
	}
	create.Flags().StringVar(&req.Description, "description", "", "Keynote description")
	create.Flags().StringVar(&req.Type, "type", "pdf", "Keynote type")
	create.Flags().StringVar(&req.TransitionType, "transition", "none", "Transition between frames")
	create.Flags().IntVar(&req.TotalFrames, "frames", 0, "Number of frames")
	create.Flags().StringVar(&mobileFile, "mobile", "", "Keynote file for mobile spectators")
	create.Flags().StringVar(&notesFile, "notes", "", "Presenter notes file")

	remove := &cobra.Command{
		Use:   "delete <keynote-id>",
		Short: "Delete a keynote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			if err := s.app.api.DeleteKeynote(ctx, args[0]); err != nil {
				return err
			}
			s.app.printf("Deleted keynote %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, create, remove)
	return cmd
}

func (s *shell) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show backend and hub connection status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			backend, err := s.app.api.Status(ctx)
			if err != nil {
				backend = fmt.Sprintf("unreachable (%v)", err)
			}
			st := s.app.reg.Status()

			s.app.printf("backend:   %s\n", backend)
			s.app.printf("presenter: %s\n", st.Presenter)
			s.app.printf("screen:    %s\n", st.Screen)
			s.app.printf("spectator: %s\n", st.Spectator)
			s.app.printf("overall:   %s\n", st.Overall)

			if stats, err := s.app.store.GetStats(); err == nil {
				s.app.printf("cookies:   %v stored for %v origins\n", stats["cookie_count"], stats["origin_count"])
			}
			return nil
		},
	}
}
