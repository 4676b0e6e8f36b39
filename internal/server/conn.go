package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/exprec-hq/exprec/internal/experiment"
	"github.com/exprec-hq/exprec/internal/logger"
	"github.com/exprec-hq/exprec/internal/wire"
)

// Protocol version. The server rejects any other major.
const (
	VersionMajor = 1
	VersionMinor = 0
)

// ErrIncompatibleVersion occurs when the handshake carries a different
// major version.
var ErrIncompatibleVersion = errors.New("incompatible protocol version")

// IncompatibleVersionError carries both sides' versions.
type IncompatibleVersionError struct {
	ClientMajor, ClientMinor int
	ServerMajor, ServerMinor int
}

func (e *IncompatibleVersionError) Error() string {
	return fmt.Sprintf("incompatible protocol versions: server v%d.%d, client v%d.%d",
		e.ServerMajor, e.ServerMinor, e.ClientMajor, e.ClientMinor)
}

func (e *IncompatibleVersionError) Is(target error) bool {
	return target == ErrIncompatibleVersion
}

type connState int

const (
	stateAwaitVersion connState = iota
	stateRecording
	stateClosed
)

// errConnDone stops the read loop after the state machine decided to close.
var errConnDone = errors.New("connection done")

// conn drives one client: handshake, recording, finish. All messages of a
// connection are processed strictly in arrival order by its single serve
// goroutine.
type conn struct {
	nc    net.Conn
	iface *experiment.Interface
	dec   wire.Decoder

	state        connState
	experimentID uuid.UUID
	log          zerolog.Logger
}

func newConn(nc net.Conn, iface *experiment.Interface) *conn {
	return &conn{
		nc:    nc,
		iface: iface,
		state: stateAwaitVersion,
		log:   logger.ForConn(nc.RemoteAddr().String()),
	}
}

func (c *conn) serve(ctx context.Context) {
	defer c.shutdown(ctx)

	buf := make([]byte, 4096)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			if herr := c.handleChunk(ctx, buf[:n]); herr != nil {
				return
			}
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				c.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
	}
}

// shutdown finalizes the experiment on any exit of the read loop. A clean
// connection close during recording counts as a finish.
func (c *conn) shutdown(ctx context.Context) {
	if c.state == stateRecording {
		if err := c.iface.FinishInstance(ctx, c.experimentID); err != nil {
			c.log.Error().Err(err).Msg("failed to finish experiment")
		}
	}
	c.state = stateClosed
	c.nc.Close()
}

// handleChunk pushes received bytes into the unpacker and processes every
// complete message it yields, in order.
func (c *conn) handleChunk(ctx context.Context, p []byte) error {
	c.dec.Push(p)
	for {
		v, err := c.dec.Next()
		if errors.Is(err, wire.ErrIncomplete) {
			return nil
		}
		if err != nil {
			c.log.Warn().Err(err).Msg("undecodable frame")
			return c.invalid(ctx)
		}

		msg, err := wire.ValidateMessage(v)
		if err != nil {
			c.log.Warn().Err(err).Msg("message failed validation")
			return c.invalid(ctx)
		}

		if err := c.handleMessage(ctx, msg); err != nil {
			return err
		}
	}
}

func (c *conn) handleMessage(ctx context.Context, msg wire.Message) error {
	switch c.state {
	case stateAwaitVersion:
		if msg.Type != wire.TypeVersion {
			return c.invalid(ctx)
		}
		return c.handleVersion(ctx, msg.Payload.(wire.VersionPayload))

	case stateRecording:
		switch msg.Type {
		case wire.TypeRecord:
			return c.handleRecord(ctx, msg.Payload.(wire.RecordPayload))
		case wire.TypeMetadata:
			return c.handleMetadata(ctx, msg.Payload.(wire.MetadataPayload))
		case wire.TypeFinish:
			return c.handleFinish(ctx)
		default:
			return c.invalid(ctx)
		}

	default:
		return c.invalid(ctx)
	}
}

func (c *conn) handleVersion(ctx context.Context, p wire.VersionPayload) error {
	if p.Major != VersionMajor {
		err := &IncompatibleVersionError{
			ClientMajor: p.Major, ClientMinor: p.Minor,
			ServerMajor: VersionMajor, ServerMinor: VersionMinor,
		}
		// No welcome, no experiment row; just drop the connection.
		c.log.Error().Err(err).Msg("rejecting client")
		return errConnDone
	}

	id, err := c.iface.NewInstance(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to create experiment instance")
		return errConnDone
	}
	c.experimentID = id
	c.log = c.log.With().Stringer("experiment", id).Logger()

	addr := peerAddress(c.nc.RemoteAddr(), &c.log)
	if err := c.iface.AddMetadata(ctx, id, map[string]string{"address": addr}); err != nil {
		c.log.Error().Err(err).Msg("failed to store peer address")
		return errConnDone
	}

	c.state = stateRecording
	c.send(wire.Message{
		Type:    wire.TypeWelcome,
		Payload: wire.WelcomePayload{InstanceID: id},
	})
	c.log.Info().Msg("handshake complete")
	return nil
}

func (c *conn) handleRecord(ctx context.Context, p wire.RecordPayload) error {
	if err := c.iface.RecordVariables(c.experimentID, p.Timestamp, p.Variables); err != nil {
		// Writer shut down or failed; fatal for this connection.
		c.log.Error().Err(err).Msg("failed to record variables")
		c.send(statusError("Internal error."))
		c.finishAndClose(ctx)
		return errConnDone
	}

	c.send(wire.Message{
		Type: wire.TypeStatus,
		Payload: wire.StatusPayload{
			Success: true,
			Info:    map[string]any{"recorded": int64(len(p.Variables))},
		},
	})
	return nil
}

func (c *conn) handleMetadata(ctx context.Context, p wire.MetadataPayload) error {
	if err := c.iface.AddMetadata(ctx, c.experimentID, p); err != nil {
		c.log.Error().Err(err).Msg("failed to store metadata")
		c.send(statusError("Internal error."))
		c.finishAndClose(ctx)
		return errConnDone
	}

	c.send(wire.Message{
		Type:    wire.TypeStatus,
		Payload: wire.StatusPayload{Success: true},
	})
	return nil
}

func (c *conn) handleFinish(ctx context.Context) error {
	c.send(wire.Message{
		Type:    wire.TypeStatus,
		Payload: wire.StatusPayload{Success: true},
	})
	c.finishAndClose(ctx)
	c.log.Info().Msg("experiment finished")
	return errConnDone
}

// invalid replies with the protocol's error status, stamps the experiment
// end if one was started, and closes the connection.
func (c *conn) invalid(ctx context.Context) error {
	c.send(statusError("Invalid message."))
	c.finishAndClose(ctx)
	return errConnDone
}

func (c *conn) finishAndClose(ctx context.Context) {
	if c.state == stateRecording {
		if err := c.iface.FinishInstance(ctx, c.experimentID); err != nil {
			c.log.Error().Err(err).Msg("failed to finish experiment")
		}
	}
	c.state = stateClosed
}

// send is best-effort: if the reply cannot be written the connection is
// simply going away.
func (c *conn) send(msg wire.Message) {
	data, err := msg.MarshalWire()
	if err != nil {
		c.log.Error().Err(err).Str("type", msg.Type).Msg("failed to encode reply")
		return
	}
	if _, err := c.nc.Write(data); err != nil {
		c.log.Debug().Err(err).Str("type", msg.Type).Msg("failed to write reply")
	}
}

func statusError(reason string) wire.Message {
	return wire.Message{
		Type:    wire.TypeStatus,
		Payload: wire.StatusPayload{Success: false, Error: reason},
	}
}

// peerAddress renders the peer for the address metadata entry: the socket
// path for UNIX peers, lowercased host:port for TCP peers, and the empty
// string (with a warning) for anything else.
func peerAddress(addr net.Addr, log *zerolog.Logger) string {
	switch a := addr.(type) {
	case *net.UnixAddr:
		return a.Name
	case *net.TCPAddr:
		return strings.ToLower(a.String())
	default:
		log.Warn().Str("addr", addr.String()).Msg("unrecognized peer address kind")
		return ""
	}
}
