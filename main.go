package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/selvabharathi807/Neon-Mindz/app/auditlog"
	"github.com/selvabharathi807/Neon-Mindz/app/bus"
	"github.com/selvabharathi807/Neon-Mindz/app/config"
	"github.com/selvabharathi807/Neon-Mindz/app/link"
	"github.com/selvabharathi807/Neon-Mindz/app/models"
	"github.com/selvabharathi807/Neon-Mindz/app/state"
)

const programName = "reliefnet-server"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Dashboard is served from the same host; adjust for stricter
		// origin checks in production.
		return true
	},
}

// Client is one connected dashboard browser.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub fans serialized events out to all connected dashboard clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	logger     *slog.Logger
	connected  prometheus.Gauge
}

func NewHub(promRegistry prometheus.Registerer, logger *slog.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
	if promRegistry != nil {
		h.connected = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reliefnet_ws_clients_connected",
			Help: "Currently connected dashboard WebSocket clients",
		})
		promRegistry.MustRegister(h.connected)
	}
	return h
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			if h.connected != nil {
				h.connected.Inc()
			}
			h.logger.Info("dashboard client connected", "client", client.id)
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				if h.connected != nil {
					h.connected.Dec()
				}
				h.logger.Info("dashboard client disconnected", "client", client.id)
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
					if h.connected != nil {
						h.connected.Dec()
					}
				}
			}
		}
	}
}

// forwardEvents pumps bus events into the hub as wire messages, preserving
// publish order.
func (h *Hub) forwardEvents(events <-chan bus.Event) {
	for evt := range events {
		h.broadcastJSON(OutgoingMessage{
			Type:    string(evt.Type),
			Payload: evt.Data,
		})
	}
}

func (h *Hub) broadcastJSON(msg OutgoingMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("marshal error", "error", err)
		return
	}
	h.broadcast <- data
}

// WebSocket message protocol

type IncomingMessage struct {
	Type    string `json:"type"`
	To      string `json:"to,omitempty"`
	UserID  string `json:"userId,omitempty"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
}

type OutgoingMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

func (c *Client) readPump(srv *server) {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(5120)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var msg IncomingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			srv.logger.Debug("invalid ws message", "client", c.id, "error", err)
			continue
		}
		srv.handleIncoming(msg)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
}

func (c *Client) sendJSON(msg OutgoingMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

type server struct {
	cfg    *config.Config
	store  *state.Store
	link   *link.Session
	hub    *Hub
	logger *slog.Logger
}

func (s *server) handleIncoming(msg IncomingMessage) {
	switch msg.Type {
	case "send_cmd":
		s.link.SendCommand(msg.To, msg.UserID, msg.Text)
	case "set_ticker":
		s.store.SetTicker(strings.TrimSpace(msg.Message))
	}
}

func (s *server) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade error", "error", err)
		return
	}
	client := &Client{
		id:   uuid.NewString(),
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	s.hub.register <- client
	go client.writePump()

	// Bootstrap the new subscriber: current link status, then the full
	// state so the dashboard renders immediately.
	client.sendJSON(OutgoingMessage{
		Type:    models.EventSerialStatus,
		Payload: s.store.LinkStatus(),
	})
	client.sendJSON(OutgoingMessage{
		Type:    models.EventInit,
		Payload: s.store.InitState(),
	})
	client.readPump(s)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) routes(promRegistry *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.store.Snapshot())
	})

	mux.HandleFunc("/api/chats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.store.Chats(r.URL.Query().Get("uid")))
	})

	mux.HandleFunc("/api/events", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.store.Events())
	})

	mux.HandleFunc("/api/send", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			To     string `json:"to"`
			UserID string `json:"userId"`
			Text   string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(w, map[string]any{"ok": false, "error": "invalid request"})
			return
		}
		// Fire-and-forget: the command is acknowledged regardless of
		// link state.
		s.link.SendCommand(req.To, req.UserID, req.Text)
		writeJSON(w, map[string]any{"ok": true})
	})

	mux.HandleFunc("/api/ticker", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(w, map[string]any{"ok": false, "error": "invalid request"})
			return
		}
		s.store.SetTicker(strings.TrimSpace(req.Message))
		writeJSON(w, map[string]any{"ok": true})
	})

	mux.HandleFunc("/api/gps", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			UID   string   `json:"uid"`
			Lat   *float64 `json:"lat"`
			Lng   *float64 `json:"lng"`
			Drone string   `json:"drone"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(w, map[string]any{"ok": false, "error": "invalid request"})
			return
		}
		if req.UID != "" && req.Lat != nil && req.Lng != nil {
			drone := req.Drone
			if drone == "" {
				drone = "?"
			}
			s.store.RecordFix(req.UID, drone, *req.Lat, *req.Lng)
		}
		writeJSON(w, map[string]any{"ok": true})
	})

	mux.HandleFunc("/ws", s.serveWs)

	if promRegistry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(
			promRegistry,
			promhttp.HandlerOpts{},
		))
	}

	fs := http.FileServer(http.Dir(s.cfg.StaticDir))
	mux.Handle("/static/", http.StripPrefix("/static/", fs))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, s.cfg.StaticDir+"/index.html")
	})

	return mux
}

var rootFlags = struct {
	configFile string
	serialPort string
	serialBaud int
	listenAddr string
	auditLog   string
	debug      bool
}{}

func newLogger(debug bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		}),
	)
	slog.SetDefault(logger)
	return logger
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(rootFlags.configFile)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("serial-port") {
		cfg.SerialPort = rootFlags.serialPort
	}
	if cmd.Flags().Changed("baud") {
		cfg.SerialBaud = rootFlags.serialBaud
	}
	if cmd.Flags().Changed("listen") {
		cfg.ListenAddr = rootFlags.listenAddr
	}
	if cmd.Flags().Changed("audit-log") {
		cfg.AuditLog = rootFlags.auditLog
	}
	if rootFlags.debug {
		cfg.Debug = true
	}

	logger := newLogger(cfg.Debug)
	promRegistry := prometheus.NewRegistry()

	audit, err := auditlog.New(cfg.AuditLog)
	if err != nil {
		return err
	}
	defer audit.Close()

	eventBus := bus.New(promRegistry, logger)
	store := state.New(eventBus, audit, promRegistry, logger)
	session := link.New(cfg.SerialPort, cfg.SerialBaud, store, promRegistry, logger)

	hub := NewHub(promRegistry, logger)
	go hub.Run()
	_, events := eventBus.Subscribe()
	go hub.forwardEvents(events)

	// Serial reader is daemonic: it reconnects forever and dies with the
	// process.
	go session.Run()

	srv := &server{
		cfg:    cfg,
		store:  store,
		link:   session,
		hub:    hub,
		logger: logger,
	}

	logger.Info(
		"reliefnet master server listening",
		"component", programName,
		"addr", cfg.ListenAddr,
		"serial", cfg.SerialPort,
	)
	if err := http.ListenAndServe(cfg.ListenAddr, srv.routes(promRegistry)); err != nil {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:          programName,
		Short:        "Bridges the ReliefNet master hub serial link to the control dashboard",
		SilenceUsage: true,
		RunE:         run,
	}
	rootCmd.Flags().StringVarP(&rootFlags.configFile, "config", "c", "", "path to YAML config file")
	rootCmd.Flags().StringVarP(&rootFlags.serialPort, "serial-port", "p", "/dev/ttyUSB0", "serial port of the master hub")
	rootCmd.Flags().IntVar(&rootFlags.serialBaud, "baud", 115200, "serial baud rate")
	rootCmd.Flags().StringVar(&rootFlags.listenAddr, "listen", ":5000", "HTTP listen address")
	rootCmd.Flags().StringVar(&rootFlags.auditLog, "audit-log", "reliefnet_log.jsonl", "append-only audit log path")
	rootCmd.Flags().BoolVarP(&rootFlags.debug, "debug", "D", false, "enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
