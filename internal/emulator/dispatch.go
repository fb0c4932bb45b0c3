package emulator

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spcmremote/spcmremote/internal/logging"
	"github.com/spcmremote/spcmremote/internal/protocol"
	"github.com/spcmremote/spcmremote/internal/transport"
)

const (
	replyOK  = "OK"
	replyErr = "ERR:"
)

// dispatch executes one decrypted payload and returns the reply text. stop
// is set for the shutdown instruction, which gets no reply.
func (s *Server) dispatch(payload []byte, clientIP string) (reply string, stop bool) {
	if protocol.IsShutdown(payload) {
		return "", true
	}

	text, ok := protocol.Unframe(payload)
	if !ok {
		return replyErr + "malformed command", false
	}

	req := protocol.ParseRequest(text)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordServerCommand(req.Verb)
	}
	s.logger.Debug("command", logging.KeyCommand, text)

	switch req.Verb {
	case "Version":
		return replyOK + ":" + strconv.FormatFloat(s.cfg.Version, 'g', -1, 64), false
	case "pressmenu":
		if len(req.Args) != 1 {
			return replyErr + "pressmenu expects one menu", false
		}
		s.mu.Lock()
		s.menu = req.Args[0]
		s.mu.Unlock()
		return replyOK, false
	case "setparameter":
		if len(req.Args) != 2 {
			return replyErr + "setparameter expects name,value", false
		}
		s.params.Store(req.Args[0], req.Args[1])
		return replyOK, false
	case "getparameter":
		if len(req.Args) != 1 {
			return replyErr + "getparameter expects a name", false
		}
		v, ok := s.Parameter(req.Args[0])
		if !ok {
			return replyErr + "unknown parameter " + req.Args[0], false
		}
		return replyOK + ":" + v, false
	case "get_data":
		if err := s.getData(req, clientIP); err != nil {
			return replyErr + err.Error(), false
		}
		return replyOK, false
	default:
		return replyErr + "unknown command " + req.Verb, false
	}
}

// getData pushes the requested data before the reply is sent, the way the
// instrument does.
func (s *Server) getData(req protocol.Request, clientIP string) error {
	if len(req.Args) < 2 {
		return fmt.Errorf("get_data expects a kind and a port")
	}
	port, err := req.IntArg(1)
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(clientIP, strconv.Itoa(port))

	switch req.Args[0] {
	case "image", "fitimage", "fittedimage":
		if len(req.Args) != 5 {
			return fmt.Errorf("get_data:%s expects port,format,window,cycle", req.Args[0])
		}
		window, err := req.IntArg(3)
		if err != nil {
			return err
		}
		cycle, err := req.IntArg(4)
		if err != nil {
			return err
		}
		name := fmt.Sprintf("%s_w%d_c%d.%s", req.Args[0], window, cycle, req.Args[2])
		return s.push(addr, encodeImage(name, s.imageData()))
	case "trace":
		if len(req.Args) != 4 {
			return fmt.Errorf("get_data:trace expects port,source,index")
		}
		index, err := req.IntArg(3)
		if err != nil {
			return err
		}
		return s.push(addr, encodeTrace(s.traceData(index)))
	default:
		return fmt.Errorf("unknown data kind %s", req.Args[0])
	}
}

func (s *Server) push(addr string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), pushDialTimeout)
	defer cancel()

	conn, err := transport.Dial(ctx, addr, pushDialTimeout)
	if err != nil {
		return fmt.Errorf("push to %s: %w", addr, err)
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(pushDialTimeout))
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("push to %s: %w", addr, err)
	}
	s.logger.Debug("pushed data", logging.KeyRemoteAddr, addr, logging.KeyBytes, len(data))
	return nil
}

func (s *Server) imageData() []byte {
	if s.cfg.ImageData != nil {
		return s.cfg.ImageData
	}
	// Little-endian TIFF header followed by a ramp.
	data := []byte{'I', 'I', 42, 0, 8, 0, 0, 0}
	for i := 0; i < 1024; i++ {
		data = append(data, byte(i))
	}
	return data
}

func (s *Server) traceData(index int) []uint32 {
	if s.cfg.Trace != nil {
		return s.cfg.Trace
	}
	return decayCurve(DefaultTraceLength, index)
}

// encodeImage writes a one byte name length, the name and the content.
func encodeImage(name string, content []byte) []byte {
	if len(name) > 255 {
		name = name[:255]
	}
	var buf bytes.Buffer
	buf.WriteByte(byte(len(name)))
	buf.WriteString(name)
	buf.Write(content)
	return buf.Bytes()
}

// encodeTrace writes a little-endian uint32 count followed by the values.
func encodeTrace(values []uint32) []byte {
	out := make([]byte, 4+4*len(values))
	binary.LittleEndian.PutUint32(out, uint32(len(values)))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[4+4*i:], v)
	}
	return out
}
