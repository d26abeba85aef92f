package modbus

import (
	"net"
	"sync"
	"time"

	"codeberg.org/mutker/modmon/internal/device"
	"codeberg.org/mutker/modmon/internal/errors"
	gomodbus "github.com/goburrow/modbus"
)

const (
	// Read timeouts stay well below the sampling interval so a stalled read
	// cannot run into the next cycle.
	timeoutFraction = 0.3
	minReadTimeout  = 500 * time.Millisecond
	maxReadTimeout  = 10 * time.Second
)

// ReadTimeout derives the per-read timeout from a device's sampling interval
func ReadTimeout(interval time.Duration) time.Duration {
	timeout := time.Duration(float64(interval) * timeoutFraction)

	if timeout < minReadTimeout {
		return minReadTimeout
	}
	if timeout > maxReadTimeout {
		return maxReadTimeout
	}

	return timeout
}

// Client reads one value per call from a single Modbus TCP device. The
// connection is reused between calls and redialed after a failure.
type Client struct {
	cfg       device.Config
	handler   *gomodbus.TCPClientHandler
	client    gomodbus.Client
	mu        sync.Mutex
	connected bool
}

func NewClient(cfg device.Config, timeout time.Duration) *Client {
	handler := gomodbus.NewTCPClientHandler(cfg.Target())
	handler.Timeout = timeout
	handler.SlaveId = byte(cfg.SlaveID)

	return &Client{
		cfg:     cfg,
		handler: handler,
		client:  gomodbus.NewClient(handler),
	}
}

// Read performs a single holding-register read and decodes it according to
// the device's data type and word order
func (c *Client) Read() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		if err := c.handler.Connect(); err != nil {
			return 0, classify(err)
		}
		c.connected = true
	}

	raw, err := c.client.ReadHoldingRegisters(uint16(c.cfg.Register), c.cfg.DataType.RegisterCount())
	if err != nil {
		// Drop the socket so the next cycle redials from a clean state.
		c.dropConnection()
		return 0, classify(err)
	}

	return Decode(raw, c.cfg.DataType, c.cfg.WordOrder)
}

// Close releases the device connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dropConnection()

	return nil
}

func (c *Client) dropConnection() {
	if c.connected {
		c.handler.Close()
		c.connected = false
	}
}

// classify separates network loss from protocol-level failures. Both are
// retried identically; only the logged detail differs.
func classify(err error) error {
	errFactory := errors.New()

	var modbusErr *gomodbus.ModbusError
	if errors.As(err, &modbusErr) {
		return errFactory.Wrap(ErrProtocolFailure, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return errFactory.Wrap(ErrConnectionFailed, err)
	}

	// Short reads and unexpected frames surface as plain errors from the
	// transport; anything that is not an exception response counts as a
	// connection problem for retry purposes.
	return errFactory.Wrap(ErrConnectionFailed, err)
}
