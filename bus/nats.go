package bus

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSConfig selects the NATS request/reply transport
type NATSConfig struct {
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	Prefix          string `yaml:"prefix"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
}

// Subject returns the subject a peripheral at addr listens on
func (c NATSConfig) Subject(addr uint8) string {
	return fmt.Sprintf("%s.%02x", c.Prefix, addr)
}

// ConnectNATS opens a NATS connection with the given client name
func ConnectNATS(cfg NATSConfig, name string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	// Add credentials if provided
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		}
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// NATSController sends transactions as NATS requests
type NATSController struct {
	conn *nats.Conn
	cfg  NATSConfig
}

// NewNATSController wraps an open connection
func NewNATSController(conn *nats.Conn, cfg NATSConfig) *NATSController {
	return &NATSController{conn: conn, cfg: cfg}
}

// SendTransaction implements Controller
func (c *NATSController) SendTransaction(ctx context.Context, addr uint8, req []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}
	msg, err := c.conn.RequestWithContext(ctx, c.cfg.Subject(addr), req)
	if err != nil {
		return nil, transportErr("0x%02x: %v", addr, err)
	}
	return msg.Data, nil
}

// Close implements Controller
func (c *NATSController) Close() error {
	c.conn.Close()
	return nil
}

// NATSPeripheral answers requests on the subject of its address
type NATSPeripheral struct {
	conn *nats.Conn
	cfg  NATSConfig
	addr uint8

	mu      sync.Mutex
	handler Handler
}

// NewNATSPeripheral wraps an open connection for addr
func NewNATSPeripheral(conn *nats.Conn, cfg NATSConfig, addr uint8) *NATSPeripheral {
	return &NATSPeripheral{conn: conn, cfg: cfg, addr: addr}
}

// RegisterReceiveHandler implements Peripheral
func (p *NATSPeripheral) RegisterReceiveHandler(h Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// Serve subscribes and answers requests until ctx is cancelled.
// The subscription callback runs one message at a time.
func (p *NATSPeripheral) Serve(ctx context.Context) error {
	subject := p.cfg.Subject(p.addr)
	sub, err := p.conn.Subscribe(subject, func(msg *nats.Msg) {
		hctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()

		p.mu.Lock()
		resp := serve(hctx, p.handler, msg.Data)
		p.mu.Unlock()

		if err := msg.Respond(resp); err != nil {
			log.Debug().Err(err).Str("subject", msg.Subject).Msg("Failed to respond")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	log.Info().Str("subject", subject).Msg("Subscribed to NATS")

	<-ctx.Done()
	return sub.Unsubscribe()
}
