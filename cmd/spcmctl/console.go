package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/spcmremote/spcmremote/internal/filetransfer"
	"github.com/spcmremote/spcmremote/internal/protocol"
	"github.com/spcmremote/spcmremote/internal/session"
)

const consoleHelp = `Commands:
  version                  query the SPCM version
  image [kind] [win] [cyc] receive an image (kind: 1stMoment, Fit, Fitted)
  trace <n>                receive decay trace n and print a summary
  size <width> <height>    set the image size
  shutdown                 ask SPCM to exit
  help                     show this help
  quit                     close the session
Anything else is sent as a raw command.`

func consoleCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Open an interactive session",
		Long: `Connect once and read commands from standard input until "quit" or
end of input. When metrics are enabled the session state is served on
/healthz.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withSession(func(ctx context.Context, r *app, s *session.Session) error {
				stop, err := r.startHealth(sessionStats(s))
				if err != nil {
					return err
				}
				defer stop()

				interactive := term.IsTerminal(int(os.Stdin.Fd()))
				fmt.Printf("Connected to %s (version %s)\n", s.Endpoint().Address(), s.Version())
				if interactive {
					fmt.Println(`Type "help" for commands.`)
				}
				return runConsole(ctx, s, os.Stdin, os.Stdout, interactive)
			})
		},
	}
}

// runConsole executes one line at a time. Rejected commands are reported
// and the loop continues; a closed session ends it.
func runConsole(ctx context.Context, s *session.Session, in io.Reader, out io.Writer, prompt bool) error {
	scanner := bufio.NewScanner(in)
	for {
		if prompt {
			fmt.Fprint(out, "spcm> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		quit, err := consoleLine(ctx, s, line, out)
		if quit {
			return nil
		}
		if err == nil {
			continue
		}

		var respErr *protocol.ResponseError
		switch {
		case errors.As(err, &respErr),
			errors.Is(err, session.ErrInvalidArgument),
			errors.Is(err, filetransfer.ErrTimeout) && s.State().CanCommand():
			fmt.Fprintf(out, "error: %v\n", err)
		default:
			return err
		}
	}
}

func consoleLine(ctx context.Context, s *session.Session, line string, out io.Writer) (quit bool, err error) {
	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "quit", "exit":
		return true, nil
	case "help", "?":
		fmt.Fprintln(out, consoleHelp)
		return false, nil
	case "version":
		o, err := s.Command(ctx, protocol.CmdVersion)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(out, formatOutcome(o))
		return false, nil
	case "image":
		req, err := parseImageArgs(fields[1:])
		if err != nil {
			return false, err
		}
		img, err := s.GetImage(ctx, req)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "%s (%s)\n", img.Path, filetransfer.FormatSize(img.Size))
		return false, nil
	case "trace":
		if len(fields) != 2 {
			return false, fmt.Errorf("%w: usage: trace <n>", session.ErrInvalidArgument)
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return false, fmt.Errorf("%w: trace number %q", session.ErrInvalidArgument, fields[1])
		}
		values, err := s.GetTrace(ctx, n)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(out, summarizeTrace(values))
		return false, nil
	case "size":
		if len(fields) != 3 {
			return false, fmt.Errorf("%w: usage: size <width> <height>", session.ErrInvalidArgument)
		}
		w, h, err := parseSize(fields[1], fields[2])
		if err != nil {
			return false, err
		}
		if err := s.SetImageSize(ctx, w, h); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "OK")
		return false, nil
	case "shutdown":
		if err := s.Shutdown(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "Shutdown requested")
		return true, nil
	default:
		o, err := s.Command(ctx, line)
		if o != nil {
			fmt.Fprintln(out, formatOutcome(o))
		}
		return false, err
	}
}

func parseImageArgs(args []string) (session.ImageRequest, error) {
	var req session.ImageRequest
	if len(args) > 3 {
		return req, fmt.Errorf("%w: usage: image [kind] [window] [cycle]", session.ErrInvalidArgument)
	}

	if len(args) > 0 {
		kind, err := protocol.ParseImageKind(args[0])
		if err != nil {
			return req, fmt.Errorf("%w: %v", session.ErrInvalidArgument, err)
		}
		req.Kind = kind
	}
	for i, dst := range []*int{&req.Window, &req.Cycle} {
		if len(args) <= i+1 {
			break
		}
		v, err := strconv.Atoi(args[i+1])
		if err != nil || v < 1 {
			return req, fmt.Errorf("%w: %q must be a positive number", session.ErrInvalidArgument, args[i+1])
		}
		*dst = v
	}
	return req, nil
}

func summarizeTrace(values []uint32) string {
	if len(values) == 0 {
		return "0 values"
	}
	var (
		sum  uint64
		peak uint32
		at   int
	)
	for i, v := range values {
		sum += uint64(v)
		if v > peak {
			peak, at = v, i
		}
	}
	return fmt.Sprintf("%d values, total %d, peak %d at %d", len(values), sum, peak, at)
}
