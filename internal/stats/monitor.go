package stats

import (
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// snapshotInterval matches the 50ms cadence in §6.
const snapshotInterval = 50 * time.Millisecond

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Monitor serves the registry's protobuf snapshot over a single WebSocket
// connection at a fixed period, generalizing the teacher's SnmpLogger
// (std/snmp.go) from a periodic CSV-to-file flush to a periodic
// push-to-observer flush. Read-only from the observer's perspective: it
// never parses inbound frames as anything but a liveness signal.
type Monitor struct {
	reg *Registry

	mu     sync.Mutex
	client *websocket.Conn
}

// NewMonitor wires a Monitor to reg. Nothing is started until Serve runs.
func NewMonitor(reg *Registry) *Monitor {
	return &Monitor{reg: reg}
}

// Serve starts an HTTP server on wsPort upgrading connections to WebSocket
// and launches the periodic snapshot push loop. It blocks until the server
// fails or the process exits; callers run it in its own goroutine.
func (m *Monitor) Serve(wsPort int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", m.handleWS)

	go m.pushLoop()

	addr := ":" + strconv.Itoa(wsPort)
	log.Printf("monitor: websocket server listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}

func (m *Monitor) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("monitor: upgrade failed: %v", err)
		return
	}
	m.mu.Lock()
	if m.client != nil {
		m.client.Close()
	}
	m.client = conn
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			if m.client == conn {
				m.client = nil
			}
			m.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (m *Monitor) pushLoop() {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for range ticker.C {
		m.mu.Lock()
		client := m.client
		m.mu.Unlock()
		if client == nil {
			continue
		}
		if err := client.WriteMessage(websocket.BinaryMessage, m.reg.Snapshot()); err != nil {
			m.mu.Lock()
			if m.client == client {
				m.client = nil
			}
			m.mu.Unlock()
		}
	}
}
