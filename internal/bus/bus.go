// Package bus provides the local event side-channel between the engine and
// its sub-agent processes.
//
// The chat sub-agent is invoked with a coordinator tool that itself spawns
// further sub-agents (memory search). Those grandchildren have no pipe back
// to the end-user's stream, so the parent listens on a Unix domain socket and
// children push newline-delimited JSON records {"event": …, "data": …} into
// it. Malformed lines are dropped silently.
package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/gong8/willow/internal/event"
)

// EnvSocket names the environment variable through which children learn the
// socket path.
const EnvSocket = "WILLOW_EVENT_SOCKET"

// maxLine bounds a single bus record.
const maxLine = 4 * 1024 * 1024

// Server is the parent-owned end of the side-channel.
//
// One handler is active at a time; [Server.OnEvent] replaces it. Events
// received while no handler is registered are dropped.
type Server struct {
	path string
	ln   net.Listener

	mu      sync.Mutex
	handler func(event.Event)

	wg sync.WaitGroup
}

// NewServer creates the socket under the system temp directory and starts
// accepting connections.
func NewServer() (*Server, error) {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("willow-evt-%s.sock", uuid.NewString()[:8]))
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("bus: listen on %s: %w", path, err)
	}
	s := &Server{path: path, ln: ln}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Path returns the socket path, handed to children via [EnvSocket].
func (s *Server) Path() string { return s.path }

// OnEvent registers fn as the current listener, replacing any previous one.
func (s *Server) OnEvent(fn func(event.Event)) {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
}

// Close stops accepting, waits for in-flight readers, and removes the
// socket file.
func (s *Server) Close() error {
	err := s.ln.Close()
	s.wg.Wait()
	if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			// Listener closed.
			return
		}
		s.wg.Add(1)
		go s.readConn(conn)
	}
}

func (s *Server) readConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev event.Event
		if err := json.Unmarshal(line, &ev); err != nil || ev.Name == "" {
			slog.Debug("bus: dropping malformed record", "len", len(line))
			continue
		}
		s.mu.Lock()
		handler := s.handler
		s.mu.Unlock()
		if handler != nil {
			handler(ev)
		}
	}
}

// Client is the child-side end of the side-channel.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to the server socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("bus: dial %s: %w", path, err)
	}
	return &Client{conn: conn}, nil
}

// DialFromEnv connects using the path in [EnvSocket]. Returns (nil, nil)
// when the variable is unset — callers treat a missing bus as "no streaming"
// rather than an error.
func DialFromEnv() (*Client, error) {
	path := os.Getenv(EnvSocket)
	if path == "" {
		return nil, nil
	}
	return Dial(path)
}

// Send writes one record. Safe for concurrent use.
func (c *Client) Send(ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bus: encode event: %w", err)
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("bus: send %s: %w", ev.Name, err)
	}
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
