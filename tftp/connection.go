package tftp

import (
	"fmt"
	"strings"
	"time"
)

// Tuning constants for the read flow.
const (
	DefaultBlockSize   = 512
	MinBlockSize       = 8
	MaxBlockSizeRFC    = 65464 // RFC 2348 ceiling
	MaxRetransmissions = 5
	DefaultTimeout     = 1 * time.Second
)

// connState is the sum type backing Connection's current state. Each
// variant is a distinct, unexported struct rather than a single struct with
// nullable fields: this keeps the transition table exhaustiveness-checkable
// and avoids a discriminator falling out of sync with its payload.
type connState interface {
	isConnState()
}

type stateWaitingForInitial struct {
	fs Filesystem
}

type stateAcknowledgingOptions struct {
	file         File
	optionsToAck []RequestOption
	blockSize    uint16
	timeouts     uint32
}

type stateReadingFile struct {
	file           File
	lastAckedBlock uint64
	timeouts       uint32
	lastWasFinal   bool
	blockSize      uint16
}

type stateDead struct{}

func (stateWaitingForInitial) isConnState()    {}
func (stateAcknowledgingOptions) isConnState() {}
func (stateReadingFile) isConnState()          {}
func (stateDead) isConnState()                 {}

// Connection is a per-client TFTP transfer state machine. It holds no
// sockets and measures no time; HandleEvent is a pure decision function
// given the events the driver feeds it.
type Connection struct {
	state        connState
	maxBlockSize uint16
}

// NewConnection returns a fresh connection in its initial state, serving
// files from fs, accepting the RFC 2348 blksize range up to the RFC
// ceiling of 65464.
func NewConnection(fs Filesystem) *Connection {
	return NewConnectionWithBlockSizeCeiling(fs, MaxBlockSizeRFC)
}

// NewConnectionWithBlockSizeCeiling is like NewConnection but lets the
// caller lower (never raise) the accepted blksize ceiling, e.g. via the
// --blksize-max operator flag.
func NewConnectionWithBlockSizeCeiling(fs Filesystem, ceiling uint16) *Connection {
	if ceiling > MaxBlockSizeRFC {
		ceiling = MaxBlockSizeRFC
	}
	return &Connection{state: stateWaitingForInitial{fs: fs}, maxBlockSize: ceiling}
}

func errorResponse(code ErrorCode, message string) Response {
	p := NewERROR(code, message)
	return Response{Packet: &p, NextStatus: Terminated}
}

func silentClose() Response {
	return Response{NextStatus: Terminated}
}

func dataResponse(block uint16, payload []byte) Response {
	p := NewDATA(block, payload)
	return Response{Packet: &p, NextStatus: WaitingForPacket(DefaultTimeout)}
}

// readBlock reads the blockNum'th 1-indexed block (size blockSize) from
// file, returning the payload and whether this was the final (short) block.
func readBlock(file File, blockNum uint64, blockSize uint16) ([]byte, bool, error) {
	buf := make([]byte, blockSize)
	offset := (blockNum - 1) * uint64(blockSize)
	n, err := file.Read(offset, buf)
	if err != nil {
		return nil, false, err
	}
	payload := buf[:n]
	return payload, uint16(n) < blockSize, nil
}

// acceptOptions filters opts down to the options this server understands
// and can honor, preserving wire order. Only blksize is recognized;
// malformed values and values outside [MinBlockSize, maxBlockSize] are
// silently dropped rather than rejected.
func acceptOptions(opts []RequestOption, maxBlockSize uint16) (accepted []RequestOption, blockSize uint16) {
	blockSize = DefaultBlockSize
	for _, o := range opts {
		if !strings.EqualFold(o.Name, "blksize") {
			continue
		}
		n, ok := parseUintOption(o.Value)
		if !ok || n < MinBlockSize || n > int(maxBlockSize) {
			continue
		}
		accepted = append(accepted, o)
		blockSize = uint16(n)
	}
	return accepted, blockSize
}

// HandleEvent advances the connection state machine by one event,
// returning the response the driver should send (if any) and what the
// driver should wait for next.
//
// An error is returned only for a fatal mid-transfer filesystem error: the
// connection has already moved to Dead, and the driver should log the error
// and close the socket without sending anything further.
//
// Feeding EventTimeout while in the initial state, or any event to a Dead
// connection, is a driver contract violation and panics.
func (c *Connection) HandleEvent(e Event) (Response, error) {
	switch s := c.state.(type) {
	case stateWaitingForInitial:
		return c.handleInitial(s, e)
	case stateAcknowledgingOptions:
		return c.handleAcknowledgingOptions(s, e)
	case stateReadingFile:
		return c.handleReadingFile(s, e)
	case stateDead:
		panic("tftp: event delivered to a dead connection")
	default:
		panic(fmt.Sprintf("tftp: unreachable connection state %T", s))
	}
}

func (c *Connection) handleInitial(s stateWaitingForInitial, e Event) (Response, error) {
	if e.Kind == EventTimeout {
		panic("tftp: timeout delivered to WaitingForInitial")
	}

	p := e.Packet
	switch p.Kind {
	case KindRRQ:
		accepted, blockSize := acceptOptions(p.Options, c.maxBlockSize)

		normalized, ok := NormalizePath(string(p.Filename))
		if !ok {
			c.state = stateDead{}
			return errorResponse(ErrUndefined, fmt.Sprintf("illegal file name: %q", p.Filename)), nil
		}

		file, err := s.fs.Open(normalized)
		if err != nil {
			c.state = stateDead{}
			return errorResponse(ErrUndefined, fmt.Sprintf("failed to open file: %v", err)), nil
		}

		if len(accepted) == 0 {
			payload, isFinal, err := readBlock(file, 1, DefaultBlockSize)
			if err != nil {
				c.state = stateDead{}
				return Response{NextStatus: Terminated}, fmt.Errorf("tftp: initial read failed: %w", err)
			}
			c.state = stateReadingFile{
				file:           file,
				lastAckedBlock: 0,
				lastWasFinal:   isFinal,
				blockSize:      DefaultBlockSize,
			}
			return dataResponse(1, payload), nil
		}

		c.state = stateAcknowledgingOptions{file: file, optionsToAck: accepted, blockSize: blockSize}
		oack := NewOACK(accepted)
		return Response{Packet: &oack, NextStatus: WaitingForPacket(DefaultTimeout)}, nil

	case KindWRQ:
		c.state = stateDead{}
		return errorResponse(ErrAccessViolation, "This server only supports reading files"), nil

	default:
		c.state = stateDead{}
		return errorResponse(ErrIllegalOperation, fmt.Sprintf("unexpected initial packet kind %d", p.Kind)), nil
	}
}

func (c *Connection) handleAcknowledgingOptions(s stateAcknowledgingOptions, e Event) (Response, error) {
	if e.Kind == EventTimeout {
		if s.timeouts >= MaxRetransmissions {
			c.state = stateDead{}
			return silentClose(), nil
		}
		c.state = stateAcknowledgingOptions{
			file:         s.file,
			optionsToAck: s.optionsToAck,
			blockSize:    s.blockSize,
			timeouts:     s.timeouts + 1,
		}
		oack := NewOACK(s.optionsToAck)
		return Response{Packet: &oack, NextStatus: WaitingForPacket(DefaultTimeout)}, nil
	}

	p := e.Packet
	if p.Kind != KindACK || p.Block != 0 {
		c.state = stateDead{}
		return errorResponse(ErrIllegalOperation, "expected ACK(0) after OACK"), nil
	}

	payload, isFinal, err := readBlock(s.file, 1, s.blockSize)
	if err != nil {
		c.state = stateDead{}
		return Response{NextStatus: Terminated}, fmt.Errorf("tftp: read after option negotiation failed: %w", err)
	}
	c.state = stateReadingFile{
		file:           s.file,
		lastAckedBlock: 0,
		lastWasFinal:   isFinal,
		blockSize:      s.blockSize,
	}
	return dataResponse(1, payload), nil
}

func (c *Connection) handleReadingFile(s stateReadingFile, e Event) (Response, error) {
	if e.Kind == EventTimeout {
		timeouts := s.timeouts + 1
		if timeouts > MaxRetransmissions {
			c.state = stateDead{}
			return silentClose(), nil
		}
		payload, isFinal, err := readBlock(s.file, s.lastAckedBlock+1, s.blockSize)
		if err != nil {
			c.state = stateDead{}
			return Response{NextStatus: Terminated}, fmt.Errorf("tftp: retransmit read failed: %w", err)
		}
		c.state = stateReadingFile{
			file:           s.file,
			lastAckedBlock: s.lastAckedBlock,
			timeouts:       timeouts,
			lastWasFinal:   isFinal,
			blockSize:      s.blockSize,
		}
		return dataResponse(uint16(s.lastAckedBlock+1), payload), nil
	}

	p := e.Packet
	switch p.Kind {
	case KindACK:
		expected := uint16(s.lastAckedBlock + 1)
		if p.Block != expected {
			// Stale or duplicate ACK: ignore and keep waiting.
			return Response{NextStatus: WaitingForPacket(DefaultTimeout)}, nil
		}
		if s.lastWasFinal {
			c.state = stateDead{}
			return silentClose(), nil
		}
		newAcked := s.lastAckedBlock + 1
		payload, isFinal, err := readBlock(s.file, newAcked+1, s.blockSize)
		if err != nil {
			c.state = stateDead{}
			return Response{NextStatus: Terminated}, fmt.Errorf("tftp: read failed: %w", err)
		}
		c.state = stateReadingFile{
			file:           s.file,
			lastAckedBlock: newAcked,
			timeouts:       0,
			lastWasFinal:   isFinal,
			blockSize:      s.blockSize,
		}
		return dataResponse(uint16(newAcked+1), payload), nil

	case KindERROR:
		c.state = stateDead{}
		return silentClose(), nil

	default:
		c.state = stateDead{}
		return errorResponse(ErrIllegalOperation, fmt.Sprintf("unexpected packet kind %d while reading", p.Kind)), nil
	}
}
