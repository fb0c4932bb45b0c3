package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Command texts understood by the remote-control peer.
const (
	CmdVersion      = "Version:number"
	cmdGetData      = "get_data"
	cmdSetParameter = "setparameter"
	cmdPressMenu    = "pressmenu"

	// MenuSystemParameter opens the system parameter page.
	MenuSystemParameter = "systemparameter"

	// ParamPixelX and ParamPixelY set the image size.
	ParamPixelX = "pixelx"
	ParamPixelY = "pixely"

	// FormatTIFF is the only image format the peer pushes.
	FormatTIFF = "tiff"

	// TraceSourceImageDecay selects decay traces of the current image.
	TraceSourceImageDecay = "imagedecay"

	dataKindTrace = "trace"
)

// ImageKind selects which image the peer renders for a get_data request.
type ImageKind string

const (
	// ImageFirstMoment is the first-moment (mean lifetime) image.
	ImageFirstMoment ImageKind = "1stMoment"

	// ImageFit is the fit parameter image.
	ImageFit ImageKind = "Fit"

	// ImageFitted is the fitted image.
	ImageFitted ImageKind = "Fitted"
)

// ParseImageKind parses a user supplied kind. Matching is case-insensitive
// and the empty string selects ImageFirstMoment.
func ParseImageKind(s string) (ImageKind, error) {
	switch strings.ToLower(s) {
	case "", "1stmoment", "image":
		return ImageFirstMoment, nil
	case "fit", "fitimage":
		return ImageFit, nil
	case "fitted", "fittedimage":
		return ImageFitted, nil
	default:
		return "", fmt.Errorf("unknown image kind %q", s)
	}
}

// DataKind returns the get_data selector for the kind.
func (k ImageKind) DataKind() string {
	switch k {
	case ImageFit:
		return "fitimage"
	case ImageFitted:
		return "fittedimage"
	default:
		return "image"
	}
}

// GetImageCommand asks the peer to push an image to port.
func GetImageCommand(kind ImageKind, port, window, cycle int) string {
	return fmt.Sprintf("%s:%s,%d,%s,%d,%d", cmdGetData, kind.DataKind(), port, FormatTIFF, window, cycle)
}

// GetTraceCommand asks the peer to push a trace to port. traceNumber is
// 1-based; the peer expects a 0-based index.
func GetTraceCommand(port, traceNumber int) string {
	return fmt.Sprintf("%s:%s,%d,%s,%d", cmdGetData, dataKindTrace, port, TraceSourceImageDecay, traceNumber-1)
}

// SetParameterCommand sets a named parameter.
func SetParameterCommand(name string, value any) string {
	return fmt.Sprintf("%s:%s,%v", cmdSetParameter, name, value)
}

// PressMenuCommand activates a menu entry.
func PressMenuCommand(menu string) string {
	return cmdPressMenu + ":" + menu
}

// Request is a command text split into verb and arguments.
type Request struct {
	Verb string
	Args []string
}

// ParseRequest splits "verb:arg1,arg2" into its parts. The verb of a
// command without arguments is the whole text.
func ParseRequest(text string) Request {
	verb, rest, found := strings.Cut(text, ":")
	req := Request{Verb: verb}
	if found && rest != "" {
		req.Args = strings.Split(rest, ",")
	}
	return req
}

// IntArg returns argument i as an integer.
func (r Request) IntArg(i int) (int, error) {
	if i >= len(r.Args) {
		return 0, fmt.Errorf("%s: missing argument %d", r.Verb, i)
	}
	v, err := strconv.Atoi(strings.TrimSpace(r.Args[i]))
	if err != nil {
		return 0, fmt.Errorf("%s: argument %d: %w", r.Verb, i, err)
	}
	return v, nil
}
