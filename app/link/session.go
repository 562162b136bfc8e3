// Package link owns the physical serial connection to the master hub: a
// read loop that survives any link fault by reconnecting forever, and the
// write path used to forward operator commands down the mesh.
package link

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.bug.st/serial"

	"github.com/selvabharathi807/Neon-Mindz/app/models"
	"github.com/selvabharathi807/Neon-Mindz/app/protocol"
)

// RetryInterval is the fixed pause between reconnect attempts. There is no
// backoff ceiling and no retry budget: the link comes back whenever the
// device does.
const RetryInterval = 3 * time.Second

// Sink consumes what the session produces: decoded envelopes and link
// status transitions.
type Sink interface {
	Apply(env *protocol.Envelope)
	SetLinkStatus(connected bool, lastError string)
}

// OpenFunc opens the underlying port. Tests substitute an in-memory pipe.
type OpenFunc func() (io.ReadWriteCloser, error)

type sessionMetrics struct {
	connects        prometheus.Counter
	linesRead       prometheus.Counter
	framesDropped   prometheus.Counter
	commandsSent    prometheus.Counter
	commandsDropped prometheus.Counter
}

// Session maintains the serial link. Run owns the read side; SendCommand is
// the write side, serialized by its own mutex and never blocked by reads.
type Session struct {
	open          OpenFunc
	sink          Sink
	logger        *slog.Logger
	retryInterval time.Duration
	metrics       *sessionMetrics

	// writeMu serializes command writes; portMu only guards the port
	// pointer swap on (re)connect.
	writeMu sync.Mutex
	portMu  sync.Mutex
	port    io.ReadWriteCloser

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Session for the named serial device. promRegistry may be
// nil to disable metrics.
func New(
	portName string,
	baud int,
	sink Sink,
	promRegistry prometheus.Registerer,
	logger *slog.Logger,
) *Session {
	open := func() (io.ReadWriteCloser, error) {
		return serial.Open(portName, &serial.Mode{BaudRate: baud})
	}
	s := NewWithOpener(open, sink, promRegistry, logger)
	s.logger = s.logger.With("port", portName)
	return s
}

// NewWithOpener creates a Session with a custom port opener.
func NewWithOpener(
	open OpenFunc,
	sink Sink,
	promRegistry prometheus.Registerer,
	logger *slog.Logger,
) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		open:          open,
		sink:          sink,
		logger:        logger.With("component", "link"),
		retryInterval: RetryInterval,
		stopCh:        make(chan struct{}),
	}
	if promRegistry != nil {
		s.initMetrics(promRegistry)
	}
	return s
}

func (s *Session) initMetrics(registry prometheus.Registerer) {
	factory := promauto.With(registry)
	s.metrics = &sessionMetrics{
		connects: factory.NewCounter(prometheus.CounterOpts{
			Name: "reliefnet_link_connects_total",
			Help: "Successful serial connections, including reconnects",
		}),
		linesRead: factory.NewCounter(prometheus.CounterOpts{
			Name: "reliefnet_link_lines_total",
			Help: "Non-empty lines read from the serial link",
		}),
		framesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "reliefnet_link_frames_dropped_total",
			Help: "Lines discarded because they were not valid JSON objects",
		}),
		commandsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "reliefnet_link_commands_sent_total",
			Help: "Commands written to the serial link",
		}),
		commandsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "reliefnet_link_commands_dropped_total",
			Help: "Commands dropped because the link was down",
		}),
	}
}

// Run is the session's read loop: connect, read lines until an I/O error,
// mark the link down, wait the fixed interval, reconnect. It returns only
// via Close; in production it runs as a daemon until process exit.
func (s *Session) Run() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		port, err := s.open()
		if err != nil {
			s.sink.SetLinkStatus(false, err.Error())
			s.logger.Warn("serial connect failed", "error", err)
			if !s.sleep() {
				return
			}
			continue
		}

		s.setPort(port)
		s.sink.SetLinkStatus(true, "")
		if s.metrics != nil {
			s.metrics.connects.Inc()
		}
		s.logger.Info("serial connected")

		readErr := s.readLines(port)
		s.setPort(nil)
		_ = port.Close()

		select {
		case <-s.stopCh:
			return
		default:
		}

		s.sink.SetLinkStatus(false, readErr.Error())
		s.logger.Warn("serial read failed, reconnecting", "error", readErr)
		if !s.sleep() {
			return
		}
	}
}

// Close tears down the session. Production never calls this; the loop is
// daemonic and dies with the process.
func (s *Session) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.portMu.Lock()
	port := s.port
	s.port = nil
	s.portMu.Unlock()
	if port != nil {
		_ = port.Close()
	}
}

func (s *Session) sleep() bool {
	select {
	case <-time.After(s.retryInterval):
		return true
	case <-s.stopCh:
		return false
	}
}

// readLines consumes the port until a read error. Bad byte sequences are
// replaced rather than failing the stream; empty lines are filtered; each
// surviving line is decoded and applied in arrival order.
func (s *Session) readLines(port io.Reader) error {
	r := bufio.NewReader(port)
	for {
		raw, err := r.ReadString('\n')
		line := strings.TrimSpace(strings.ToValidUTF8(raw, "�"))
		if line != "" {
			if s.metrics != nil {
				s.metrics.linesRead.Inc()
			}
			s.handleLine(line)
		}
		if err != nil {
			return err
		}
	}
}

func (s *Session) handleLine(line string) {
	env, ok := protocol.Decode(line)
	if !ok {
		// Malformed frames are expected noise, dropped without logging.
		if s.metrics != nil {
			s.metrics.framesDropped.Inc()
		}
		return
	}
	s.sink.Apply(env)
}

func (s *Session) setPort(port io.ReadWriteCloser) {
	s.portMu.Lock()
	s.port = port
	s.portMu.Unlock()
}

func (s *Session) currentPort() io.ReadWriteCloser {
	s.portMu.Lock()
	defer s.portMu.Unlock()
	return s.port
}

// SendCommand forwards an operator command to one drone, or to all drones
// when to is empty or the broadcast sentinel. Fire-and-forget: if the link
// is down the command is dropped silently, visible to the operator only via
// the link status indicator.
func (s *Session) SendCommand(to, userID, text string) {
	if to == "" {
		to = models.Broadcast
	}
	cmd := protocol.Command{
		Type:    models.MsgCommand,
		To:      to,
		UserID:  userID,
		Payload: text,
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		s.logger.Warn("failed to marshal command", "error", err)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	port := s.currentPort()
	if port == nil {
		if s.metrics != nil {
			s.metrics.commandsDropped.Inc()
		}
		return
	}
	if _, err := port.Write(append(data, '\n')); err != nil {
		if s.metrics != nil {
			s.metrics.commandsDropped.Inc()
		}
		s.logger.Warn("command write failed", "to", to, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.commandsSent.Inc()
	}
}
