package session

import (
	"context"
	"fmt"

	"github.com/spcmremote/spcmremote/internal/filetransfer"
	"github.com/spcmremote/spcmremote/internal/logging"
	"github.com/spcmremote/spcmremote/internal/protocol"
)

// ImageRequest selects the image pushed by GetImage.
type ImageRequest struct {
	Kind protocol.ImageKind

	// Window and Cycle default to 1
	Window int
	Cycle  int
}

// GetImage asks the peer to push an image over a side channel and stores it
// in the temp directory. The listener is bound before the command is sent
// and accepts in the background, so the reply and the push may arrive in
// either order.
func (s *Session) GetImage(ctx context.Context, req ImageRequest) (filetransfer.Image, error) {
	if req.Kind == "" {
		req.Kind = protocol.ImageFirstMoment
	}
	if req.Window == 0 {
		req.Window = 1
	}
	if req.Cycle == 0 {
		req.Cycle = 1
	}
	if req.Window < 0 || req.Cycle < 0 {
		return filetransfer.Image{}, fmt.Errorf("%w: window and cycle must be positive", ErrInvalidArgument)
	}

	dir := s.client.tempDir()
	if dir == "" {
		return filetransfer.Image{}, fmt.Errorf("%w: no directory for received images", ErrConfiguration)
	}

	img, err := receive(ctx, s, filetransfer.KindImage, filetransfer.ImageHandler(dir), func(port int) string {
		return protocol.GetImageCommand(req.Kind, port, req.Window, req.Cycle)
	})
	if err != nil {
		return filetransfer.Image{}, err
	}

	s.logger.Info("image received",
		logging.KeyKind, string(req.Kind),
		logging.KeyFile, img.Path,
		logging.KeyBytes, filetransfer.FormatSize(img.Size))
	return img, nil
}

// GetTrace asks the peer to push decay trace traceNumber (1-based) and
// returns its values.
func (s *Session) GetTrace(ctx context.Context, traceNumber int) ([]uint32, error) {
	if traceNumber < 1 {
		return nil, fmt.Errorf("%w: trace number must be at least 1", ErrInvalidArgument)
	}

	values, err := receive(ctx, s, filetransfer.KindTrace, filetransfer.TraceHandler(s.client.cfg.MaxTraceValues), func(port int) string {
		return protocol.GetTraceCommand(port, traceNumber)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("trace received", logging.KeyCount, len(values))
	return values, nil
}

// SetImageSize opens the system parameter page and sets the image width
// and height in pixels.
func (s *Session) SetImageSize(ctx context.Context, width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: image size %dx%d", ErrInvalidArgument, width, height)
	}

	for _, cmd := range []string{
		protocol.PressMenuCommand(protocol.MenuSystemParameter),
		protocol.SetParameterCommand(protocol.ParamPixelX, width),
		protocol.SetParameterCommand(protocol.ParamPixelY, height),
	} {
		if _, err := s.Command(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// receive binds a side channel, issues the command built for its port and
// waits for the payload.
func receive[T any](ctx context.Context, s *Session, kind string, handle filetransfer.Handler[T], command func(port int) string) (T, error) {
	var zero T

	if !s.State().CanCommand() {
		return zero, ErrNotEstablished
	}

	pending, err := filetransfer.Listen(ctx, kind, s.client.cfg.Transfer, handle)
	if err != nil {
		return zero, err
	}
	defer pending.Close()

	if _, err := s.Command(ctx, command(pending.Port())); err != nil {
		return zero, err
	}
	return pending.Wait(ctx)
}
