package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/spcmremote/spcmremote/internal/crypto"
	"github.com/spcmremote/spcmremote/internal/filetransfer"
	"github.com/spcmremote/spcmremote/internal/protocol"
	"github.com/spcmremote/spcmremote/internal/session"
	"github.com/spcmremote/spcmremote/internal/sysinfo"
)

func versionCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Connect and print the SPCM and client versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			local := sysinfo.Collect()
			fmt.Printf("Client:   %s (%s, %s)\n", local.Version, local.Platform(), local.GoVersion)
			if len(local.IPAddresses) > 0 {
				fmt.Printf("Local:    %s\n", strings.Join(local.IPAddresses, ", "))
			}
			return g.withSession(func(ctx context.Context, r *app, s *session.Session) error {
				fmt.Printf("Endpoint: %s\n", s.Endpoint().Address())
				if s.Endpoint().Instance != "" {
					fmt.Printf("Instance: %s\n", s.Endpoint().Instance)
				}
				fmt.Printf("Version:  %s\n", s.Version())
				if pub, err := crypto.ParsePublicKey(s.PeerKey()); err == nil {
					if fp, err := crypto.Fingerprint(pub); err == nil {
						fmt.Printf("Key:      %s\n", fp)
					}
				}
				return nil
			})
		},
	}
}

func commandCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "command <text>",
		Short: "Send a raw command and print the reply",
		Long: `Send a raw command such as "pressmenu:systemparameter" and print the
parsed reply. A rejected command exits with status 3.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			return g.withSession(func(ctx context.Context, r *app, s *session.Session) error {
				out, err := s.Command(ctx, text)
				if out != nil {
					fmt.Println(formatOutcome(out))
				}
				return err
			})
		},
	}
}

func imageCmd(g *globalOptions) *cobra.Command {
	var (
		kind   string
		window int
		cycle  int
	)

	cmd := &cobra.Command{
		Use:   "image",
		Short: "Receive an image into the temp directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := protocol.ParseImageKind(kind)
			if err != nil {
				return fmt.Errorf("%w: %v", session.ErrInvalidArgument, err)
			}
			return g.withSession(func(ctx context.Context, r *app, s *session.Session) error {
				img, err := s.GetImage(ctx, session.ImageRequest{Kind: k, Window: window, Cycle: cycle})
				if err != nil {
					return err
				}
				fmt.Printf("%s (%s)\n", img.Path, filetransfer.FormatSize(img.Size))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", string(protocol.ImageFirstMoment), "Image kind: 1stMoment, Fit, Fitted")
	cmd.Flags().IntVar(&window, "window", 1, "Time window")
	cmd.Flags().IntVar(&cycle, "cycle", 1, "Measurement cycle")

	return cmd
}

func traceCmd(g *globalOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "trace <number>",
		Short: "Receive a decay trace",
		Long:  "Receive decay trace <number> (1-based) and print one value per line.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("%w: trace number %q", session.ErrInvalidArgument, args[0])
			}
			return g.withSession(func(ctx context.Context, r *app, s *session.Session) error {
				values, err := s.GetTrace(ctx, n)
				if err != nil {
					return err
				}
				if output == "" {
					_, err = os.Stdout.WriteString(formatTrace(values))
					return err
				}
				if err := os.WriteFile(output, []byte(formatTrace(values)), 0644); err != nil {
					return fmt.Errorf("failed to write trace: %w", err)
				}
				fmt.Printf("%d values written to %s\n", len(values), output)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write values to a file instead of stdout")

	return cmd
}

func setImageSizeCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set-image-size <width> <height>",
		Short: "Set the image size in pixels",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, h, err := parseSize(args[0], args[1])
			if err != nil {
				return err
			}
			return g.withSession(func(ctx context.Context, r *app, s *session.Session) error {
				if err := s.SetImageSize(ctx, w, h); err != nil {
					return err
				}
				fmt.Printf("Image size set to %dx%d\n", w, h)
				return nil
			})
		},
	}
}

func shutdownCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Ask the remote SPCM application to exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withSession(func(ctx context.Context, r *app, s *session.Session) error {
				if err := s.Shutdown(ctx); err != nil {
					return err
				}
				fmt.Println("Shutdown requested")
				return nil
			})
		},
	}
}

// formatOutcome renders a reply for the terminal.
func formatOutcome(o protocol.Outcome) string {
	switch v := o.(type) {
	case protocol.Success:
		return "OK"
	case protocol.Numeric:
		return strconv.FormatFloat(v.Value, 'g', -1, 64)
	case protocol.Text:
		return v.Value
	case protocol.Failure:
		return "rejected: " + v.Detail
	default:
		return fmt.Sprint(o)
	}
}

func formatTrace(values []uint32) string {
	var b strings.Builder
	for _, v := range values {
		b.WriteString(strconv.FormatUint(uint64(v), 10))
		b.WriteByte('\n')
	}
	return b.String()
}

func parseSize(ws, hs string) (int, int, error) {
	w, err := strconv.Atoi(ws)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: width %q", session.ErrInvalidArgument, ws)
	}
	h, err := strconv.Atoi(hs)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: height %q", session.ErrInvalidArgument, hs)
	}
	return w, h, nil
}
