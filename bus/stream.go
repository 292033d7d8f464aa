package bus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/mdlayher/vsock"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/bootguard/packet"
)

// StreamConfig selects the stream transport. Each bus address maps to its
// own port: BasePort + addr.
type StreamConfig struct {
	DevMode  bool   `yaml:"dev_mode"`
	Host     string `yaml:"host"`      // TCP host in dev mode
	CID      uint32 `yaml:"cid"`       // vsock context ID of the Component host
	BasePort uint32 `yaml:"base_port"` // port of address 0
}

// Port returns the port serving addr
func (c StreamConfig) Port(addr uint8) uint32 {
	return c.BasePort + uint32(addr)
}

// StreamController reaches peripherals over vsock (or TCP in dev mode)
type StreamController struct {
	cfg   StreamConfig
	mu    sync.Mutex
	conns map[uint8]net.Conn
}

// NewStreamController creates a controller; connections are dialed on first use
func NewStreamController(cfg StreamConfig) *StreamController {
	return &StreamController{
		cfg:   cfg,
		conns: make(map[uint8]net.Conn),
	}
}

// SendTransaction implements Controller
func (c *StreamController) SendTransaction(ctx context.Context, addr uint8, req []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.conn(ctx, addr)
	if err != nil {
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		c.drop(addr)
		return nil, transportErr("0x%02x: failed to set deadline: %v", addr, err)
	}

	if err := writeFrame(conn, req); err != nil {
		c.drop(addr)
		return nil, transportErr("0x%02x: failed to send: %v", addr, err)
	}
	resp, err := readFrame(conn)
	if err != nil {
		c.drop(addr)
		return nil, transportErr("0x%02x: failed to read response: %v", addr, err)
	}
	return resp, nil
}

// Close implements Controller
func (c *StreamController) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr := range c.conns {
		c.drop(addr)
	}
	return nil
}

func (c *StreamController) conn(ctx context.Context, addr uint8) (net.Conn, error) {
	if conn, ok := c.conns[addr]; ok {
		return conn, nil
	}

	port := c.cfg.Port(addr)
	var conn net.Conn
	var err error
	if c.cfg.DevMode {
		// Development mode: use TCP
		var d net.Dialer
		target := fmt.Sprintf("%s:%d", c.cfg.Host, port)
		conn, err = d.DialContext(ctx, "tcp", target)
		if err != nil {
			return nil, transportErr("failed to connect to %s: %v", target, err)
		}
	} else {
		conn, err = vsock.Dial(c.cfg.CID, port, nil)
		if err != nil {
			return nil, transportErr("failed to connect to CID %d port %d: %v", c.cfg.CID, port, err)
		}
	}
	c.conns[addr] = conn
	return conn, nil
}

func (c *StreamController) drop(addr uint8) {
	if conn, ok := c.conns[addr]; ok {
		conn.Close()
		delete(c.conns, addr)
	}
}

// StreamPeripheral accepts AP connections on the port of its address
type StreamPeripheral struct {
	cfg  StreamConfig
	addr uint8

	mu      sync.Mutex
	handler Handler
}

// NewStreamPeripheral creates a peripheral listening for addr
func NewStreamPeripheral(cfg StreamConfig, addr uint8) *StreamPeripheral {
	return &StreamPeripheral{cfg: cfg, addr: addr}
}

// RegisterReceiveHandler implements Peripheral
func (p *StreamPeripheral) RegisterReceiveHandler(h Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// Serve accepts connections until ctx is cancelled
func (p *StreamPeripheral) Serve(ctx context.Context) error {
	l, err := p.listen()
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("Failed to accept connection")
			continue
		}
		go p.serveConn(ctx, conn)
	}
}

func (p *StreamPeripheral) listen() (net.Listener, error) {
	port := p.cfg.Port(p.addr)
	if p.cfg.DevMode {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return nil, fmt.Errorf("failed to create TCP listener: %w", err)
		}
		log.Info().Uint32("port", port).Uint8("addr", p.addr).Msg("Listening on TCP (dev mode)")
		return l, nil
	}
	l, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create vsock listener: %w", err)
	}
	log.Info().Uint32("port", port).Uint8("addr", p.addr).Msg("Listening on vsock")
	return l, nil
}

func (p *StreamPeripheral) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		req, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Debug().Err(err).Msg("Connection closed")
			}
			return
		}

		reqCtx, cancel := context.WithTimeout(ctx, DefaultTimeout)
		p.mu.Lock()
		resp := serve(reqCtx, p.handler, req)
		p.mu.Unlock()
		cancel()

		if err := writeFrame(conn, resp); err != nil {
			log.Debug().Err(err).Msg("Failed to write response")
			return
		}
	}
}

// writeFrame writes a length-prefixed frame
func writeFrame(w io.Writer, b []byte) error {
	// Write 4-byte length prefix (big-endian)
	if err := binary.Write(w, binary.BigEndian, uint32(len(b))); err != nil {
		return fmt.Errorf("failed to write length: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// readFrame reads a length-prefixed frame
func readFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length > packet.FrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", length)
	}
	b := make([]byte, length)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}
	return b, nil
}
