// Package client implements the recording protocol from the client side.
// The server's end-to-end tests are its main consumer.
package client

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/exprec-hq/exprec/internal/wire"
)

// Protocol version announced by Handshake.
const (
	VersionMajor = 1
	VersionMinor = 0
)

// ErrRejected occurs when the server answers a request with an error status.
var ErrRejected = errors.New("request rejected by server")

// Client is a single recording connection. It is not safe for concurrent
// use; the protocol itself is strictly request/response.
type Client struct {
	nc  net.Conn
	dec wire.Decoder
	buf []byte

	// InstanceID is set by Handshake from the server's welcome.
	InstanceID uuid.UUID
}

// Dial connects to a recording server without performing the handshake.
func Dial(network, address string) (*Client, error) {
	nc, err := net.Dial(network, address)
	if err != nil {
		return nil, err
	}
	return &Client{nc: nc, buf: make([]byte, 4096)}, nil
}

// Handshake announces the protocol version and waits for the welcome. The
// returned id identifies the experiment instance the server created.
func (c *Client) Handshake() (uuid.UUID, error) {
	err := c.Send(wire.Message{
		Type:    wire.TypeVersion,
		Payload: wire.VersionPayload{Major: VersionMajor, Minor: VersionMinor},
	})
	if err != nil {
		return uuid.Nil, err
	}

	msg, err := c.ReadMessage()
	if err != nil {
		return uuid.Nil, err
	}
	if msg.Type != wire.TypeWelcome {
		return uuid.Nil, fmt.Errorf("expected welcome, got %q", msg.Type)
	}

	c.InstanceID = msg.Payload.(wire.WelcomePayload).InstanceID
	return c.InstanceID, nil
}

// SendMetadata stores the given pairs on the instance and waits for the ack.
func (c *Client) SendMetadata(pairs map[string]string) error {
	err := c.Send(wire.Message{
		Type:    wire.TypeMetadata,
		Payload: wire.MetadataPayload(pairs),
	})
	if err != nil {
		return err
	}
	return c.awaitStatus()
}

// SendRecord submits one sample set. Values must be ints, floats or bools.
func (c *Client) SendRecord(timestamp time.Time, values map[string]any) error {
	vars := make(map[string]wire.Scalar, len(values))
	for name, v := range values {
		s, ok := wire.ScalarOf(v)
		if !ok {
			return fmt.Errorf("variable %q: unsupported value %T", name, v)
		}
		vars[name] = s
	}

	err := c.Send(wire.Message{
		Type:    wire.TypeRecord,
		Payload: wire.RecordPayload{Timestamp: timestamp, Variables: vars},
	})
	if err != nil {
		return err
	}
	return c.awaitStatus()
}

// Finish ends the experiment cleanly, waits for the ack, and closes the
// connection.
func (c *Client) Finish() error {
	err := c.Send(wire.Message{Type: wire.TypeFinish})
	if err != nil {
		c.nc.Close()
		return err
	}
	if err := c.awaitStatus(); err != nil {
		c.nc.Close()
		return err
	}
	return c.nc.Close()
}

// Close drops the connection without a finish message.
func (c *Client) Close() error {
	return c.nc.Close()
}

// Send encodes and writes one message without waiting for a reply. Tests
// use it directly to exercise protocol violations.
func (c *Client) Send(msg wire.Message) error {
	data, err := msg.MarshalWire()
	if err != nil {
		return err
	}
	_, err = c.nc.Write(data)
	return err
}

// SendRaw writes pre-encoded bytes, bypassing the message layer.
func (c *Client) SendRaw(p []byte) error {
	_, err := c.nc.Write(p)
	return err
}

// ReadMessage blocks until one complete, valid message arrives.
func (c *Client) ReadMessage() (wire.Message, error) {
	for {
		v, err := c.dec.Next()
		if err == nil {
			return wire.ValidateMessage(v)
		}
		if !errors.Is(err, wire.ErrIncomplete) {
			return wire.Message{}, err
		}

		n, err := c.nc.Read(c.buf)
		if n > 0 {
			c.dec.Push(c.buf[:n])
		}
		if err != nil {
			return wire.Message{}, err
		}
	}
}

func (c *Client) awaitStatus() error {
	msg, err := c.ReadMessage()
	if err != nil {
		return err
	}
	if msg.Type != wire.TypeStatus {
		return fmt.Errorf("expected status, got %q", msg.Type)
	}
	st := msg.Payload.(wire.StatusPayload)
	if !st.Success {
		return fmt.Errorf("%w: %v", ErrRejected, st.Error)
	}
	return nil
}
