package filetransfer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/spcmremote/spcmremote/internal/transport"
)

// KindImage labels image side channels.
const KindImage = "image"

// copyBufferSize matches the read size used by the peer.
const copyBufferSize = 4096

// Image describes a received image file.
type Image struct {
	// Name is the file name announced by the peer
	Name string

	// Path is where the file was written
	Path string

	// Size is the number of payload bytes written
	Size int64
}

// ImageHandler returns a Handler that stores the image under dir.
func ImageHandler(dir string) Handler[Image] {
	return func(r io.Reader) (Image, error) {
		return ReceiveImage(r, dir)
	}
}

// ReceiveImage decodes an image record: one length byte, the file name and
// the raw file bytes until the peer closes the connection. A connection
// reset ends the file like a regular close.
func ReceiveImage(r io.Reader, dir string) (Image, error) {
	var lenBuf [1]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Image{}, shortRead("image name length", err)
	}

	rawName := make([]byte, lenBuf[0])
	if _, err := io.ReadFull(r, rawName); err != nil {
		return Image{}, shortRead("image name", err)
	}

	name, err := sanitizeName(rawName)
	if err != nil {
		return Image{}, err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return Image{}, fmt.Errorf("failed to create image directory: %w", err)
	}

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return Image{}, fmt.Errorf("failed to create image file: %w", err)
	}

	n, copyErr := io.CopyBuffer(f, resetAsEOF{r}, make([]byte, copyBufferSize))
	closeErr := f.Close()

	img := Image{Name: name, Path: path, Size: n}
	if copyErr != nil {
		return img, fmt.Errorf("failed to receive image: %w", copyErr)
	}
	if closeErr != nil {
		return img, fmt.Errorf("failed to write image file: %w", closeErr)
	}
	return img, nil
}

// sanitizeName reduces a peer supplied file name to a safe base name.
func sanitizeName(raw []byte) (string, error) {
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%w: image name is not valid UTF-8", ErrFormat)
	}

	name := norm.NFC.String(string(raw))
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: image name contains NUL", ErrFormat)
	}

	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "" || name == "." || name == ".." || name == "/" || name == string(filepath.Separator) {
		return "", fmt.Errorf("%w: empty image name", ErrFormat)
	}
	return name, nil
}

// resetAsEOF turns a peer reset into end of stream.
type resetAsEOF struct {
	r io.Reader
}

func (r resetAsEOF) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil && err != io.EOF && transport.IsClosed(err) {
		err = io.EOF
	}
	return n, err
}

func shortRead(what string, err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF || transport.IsClosed(err) {
		return fmt.Errorf("%w: connection closed before %s", ErrFormat, what)
	}
	return err
}
