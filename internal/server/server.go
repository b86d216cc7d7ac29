// Package server implements the UDP driver loop around the pure tftp
// protocol engine: the listener socket, per-connection ephemeral sockets,
// and the timer-driven event pump. None of the protocol decision logic
// lives here; this package only owns sockets, clocks and logging.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/blitz/obiwan/internal/metrics"
	"github.com/blitz/obiwan/tftp"
)

// maxDatagramSize is the largest UDP payload this server will ever
// receive or send.
const maxDatagramSize = 65507

// Config configures a Listener.
type Config struct {
	// ListenAddr is the host:port the listener socket binds, e.g. ":69".
	ListenAddr string
	// Filesystem serves file contents for accepted RRQs.
	Filesystem tftp.Filesystem
	// MaxBlockSize caps the blksize option this server will negotiate.
	MaxBlockSize uint16
	// Logger receives structured lifecycle logs. If nil, logrus.StandardLogger() is used.
	Logger *logrus.Logger
}

// Listener owns the TFTP listener socket and spawns one goroutine per
// accepted connection.
type Listener struct {
	conn *net.UDPConn
	cfg  Config
	log  *logrus.Logger
}

// Listen binds the listener socket described by cfg.ListenAddr.
func Listen(cfg Config) (*Listener, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("server: resolving listen address %q: %w", cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: binding %q: %w", cfg.ListenAddr, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Listener{conn: conn, cfg: cfg, log: logger}, nil
}

// Addr returns the bound listener address.
func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Close closes the listener socket. In-flight connections are unaffected;
// they own independent ephemeral sockets.
func (l *Listener) Close() error {
	return l.conn.Close()
}

// Serve runs the receive loop until ctx is canceled or the listener socket
// is closed. Each accepted initial RRQ/WRQ is dispatched to its own
// goroutine.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, clientAddr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("server: listener receive failed: %w", err)
		}

		pkt, err := tftp.Decode(buf[:n])
		if err != nil {
			l.log.WithError(err).Debug("discarding malformed initial datagram")
			continue
		}
		if pkt.Kind != tftp.KindRRQ && pkt.Kind != tftp.KindWRQ {
			l.log.WithField("client", clientAddr.String()).Debug("discarding non-initial packet on listener socket")
			continue
		}

		go l.serveConnection(pkt, clientAddr)
	}
}

// serveConnection runs the full lifecycle of one transfer: allocate the
// per-connection ephemeral socket (fixing the client's TID), build a fresh
// state machine, and pump events until it reaches Dead.
func (l *Listener) serveConnection(initial tftp.Packet, clientAddr *net.UDPAddr) {
	id := xid.New().String()
	logger := l.log.WithFields(logrus.Fields{"conn": id, "client": clientAddr.String()})

	localAddr, _ := l.conn.LocalAddr().(*net.UDPAddr)
	sock, err := net.DialUDP("udp", &net.UDPAddr{IP: localAddr.IP}, clientAddr)
	if err != nil {
		logger.WithError(err).Error("failed to allocate ephemeral socket")
		metrics.RequestsTotal.WithLabelValues(metrics.ResultRejectedOther).Inc()
		return
	}
	defer sock.Close()

	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()

	conn := tftp.NewConnectionWithBlockSizeCeiling(l.cfg.Filesystem, l.cfg.MaxBlockSize)

	event := tftp.PacketReceived(initial)
	buf := make([]byte, maxDatagramSize)
	firstResponse := true
	completed := false

	for {
		resp, err := conn.HandleEvent(event)
		if err != nil {
			logger.WithError(err).Error("connection aborted by filesystem error")
			break
		}

		if event.Kind == tftp.EventTimeout && resp.Packet != nil {
			metrics.RetransmissionsTotal.Inc()
		}

		if firstResponse {
			recordRequestOutcome(resp, logger)
			firstResponse = false
		}

		if resp.Packet != nil {
			if resp.Packet.Kind == tftp.KindDATA {
				metrics.BytesServedTotal.Add(float64(len(resp.Packet.Payload)))
			}
			if _, err := sock.Write(resp.Packet.Encode()); err != nil {
				logger.WithError(err).Warn("failed to send packet")
				break
			}
		}

		if resp.NextStatus.Kind == tftp.StatusTerminated {
			// A silent close in response to an ACK means the final block
			// was acknowledged; a client ERROR or an exhausted
			// retransmission budget also closes silently but is an abort.
			completed = resp.Packet == nil && event.Kind == tftp.EventPacketReceived && event.Packet.Kind == tftp.KindACK
			logger.WithField("completed", completed).Debug("connection terminated")
			break
		}

		sock.SetReadDeadline(time.Now().Add(resp.NextStatus.Timeout))

		var nextEvent tftp.Event
		for {
			n, err := sock.Read(buf)
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					nextEvent = tftp.TimeoutEvent
					break
				}
				logger.WithError(err).Debug("ephemeral socket read failed")
				metrics.TransfersAbortedTotal.Inc()
				return
			}
			pkt, err := tftp.Decode(buf[:n])
			if err != nil {
				// Malformed mid-stream packets do not tear down the
				// transfer; keep waiting on the same deadline.
				logger.WithError(err).Debug("ignoring malformed mid-transfer packet")
				continue
			}
			nextEvent = tftp.PacketReceived(pkt)
			break
		}
		event = nextEvent
	}

	if completed {
		metrics.TransfersCompletedTotal.Inc()
	} else {
		metrics.TransfersAbortedTotal.Inc()
	}
}

// recordRequestOutcome classifies the response to the very first event fed
// into a connection for the obiwan_requests_total metric.
func recordRequestOutcome(resp tftp.Response, logger *logrus.Entry) {
	if resp.Packet == nil || resp.Packet.Kind != tftp.KindERROR {
		metrics.RequestsTotal.WithLabelValues(metrics.ResultAccepted).Inc()
		return
	}
	switch {
	case resp.Packet.Code == tftp.ErrAccessViolation:
		metrics.RequestsTotal.WithLabelValues(metrics.ResultRejectedWrite).Inc()
	case strings.HasPrefix(resp.Packet.Message, "illegal file name"):
		metrics.RequestsTotal.WithLabelValues(metrics.ResultRejectedBadPath).Inc()
		logger.WithField("reason", resp.Packet.Message).Info("rejected request: illegal path")
	case strings.HasPrefix(resp.Packet.Message, "failed to open file"):
		metrics.RequestsTotal.WithLabelValues(metrics.ResultRejectedOpenFailed).Inc()
		logger.WithField("reason", resp.Packet.Message).Info("rejected request: open failed")
	default:
		metrics.RequestsTotal.WithLabelValues(metrics.ResultRejectedOther).Inc()
	}
}
