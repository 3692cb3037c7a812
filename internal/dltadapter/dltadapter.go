// Package dltadapter wraps the DataLinkTarget's JSON-over-socket dialect
// behind an exec(cmd) -> json|nil contract. It never launches DLT itself;
// it only connects to an already-running local instance, the same
// "connect, don't supervise" stance n-backup's control channel takes
// toward its own server.
package dltadapter

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DltError is raised when a DLT reply object carries a non-null
// error.description.
type DltError struct {
	Description string
}

func (e *DltError) Error() string { return fmt.Sprintf("dltadapter: %s", e.Description) }

type errorEnvelope struct {
	Error *struct {
		Description string `json:"description"`
	} `json:"error"`
}

// Adapter holds a single connection to a local DLT instance.
type Adapter struct {
	timeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// Dial connects to a DLT instance at address (host:port, conventionally
// port 6060). A dial failure is returned to the caller to decide whether to
// fall back to direct TC polling (§4.6.4); the adapter never retries on its
// own.
func Dial(address string, timeout time.Duration) (*Adapter, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("dltadapter: connecting to %s: %w", address, err)
	}
	return &Adapter{
		timeout: timeout,
		conn:    conn,
		reader:  bufio.NewReader(conn),
	}, nil
}

// Close closes the underlying connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}

// Exec sends a one-line JSON command and returns the decoded reply. A
// reply object containing a non-null error.description raises *DltError.
// A reply of JSON null returns a nil map; a reply that is not a JSON object
// or null (e.g. a bare "ok") fails to decode and returns an error.
func (a *Adapter) Exec(cmd any) (map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		return nil, fmt.Errorf("dltadapter: adapter closed")
	}

	line, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("dltadapter: encoding command: %w", err)
	}

	if err := a.conn.SetDeadline(time.Now().Add(a.timeout)); err != nil {
		return nil, fmt.Errorf("dltadapter: setting deadline: %w", err)
	}
	if _, err := a.conn.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("dltadapter: writing command: %w", err)
	}

	replyLine, err := a.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("dltadapter: reading reply: %w", err)
	}

	var env errorEnvelope
	if err := json.Unmarshal(replyLine, &env); err == nil && env.Error != nil {
		return nil, &DltError{Description: env.Error.Description}
	}

	var reply map[string]any
	if err := json.Unmarshal(replyLine, &reply); err != nil {
		return nil, fmt.Errorf("dltadapter: decoding reply: %w", err)
	}
	if len(reply) == 0 {
		return nil, nil
	}
	return reply, nil
}

// List returns the ids of all currently active acquisitions.
func (a *Adapter) List() ([]string, error) {
	reply, err := a.Exec(map[string]string{"command": "list"})
	if err != nil {
		return nil, err
	}
	raw, _ := reply["ids"].([]any)
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids, nil
}

// Stop stops the acquisition identified by id.
func (a *Adapter) Stop(id string) (map[string]any, error) {
	return a.Exec(map[string]string{"command": "stop", "id": id})
}

// StartStream asks DLT to start forwarding channel's raw bytes from the TC
// at tcAddress onto local streamPort, returning the acquisition id it
// assigns.
func (a *Adapter) StartStream(tcAddress string, channel int, streamPort int) (string, error) {
	reply, err := a.Exec(map[string]any{
		"command":     "start-stream",
		"address":     tcAddress,
		"channel":     channel,
		"stream_port": streamPort,
	})
	if err != nil {
		return "", err
	}
	id, _ := reply["id"].(string)
	if id == "" {
		return "", fmt.Errorf("dltadapter: start-stream reply missing id: %v", reply)
	}
	return id, nil
}

// Status is the decoded form of a DLT `status --id` reply.
type Status struct {
	AcquisitionsCount int64
	InactivitySeconds float64
	Error             string
	Errors            []string
}

// Status queries the acquisition identified by id.
func (a *Adapter) Status(id string) (*Status, error) {
	reply, err := a.Exec(map[string]string{"command": "status", "id": id})
	if err != nil {
		return nil, err
	}
	st := &Status{}
	if v, ok := reply["acquisitions_count"].(float64); ok {
		st.AcquisitionsCount = int64(v)
	}
	if v, ok := reply["inactivity"].(float64); ok {
		st.InactivitySeconds = v
	}
	if v, ok := reply["error"].(string); ok {
		st.Error = v
	}
	if raw, ok := reply["errors"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				st.Errors = append(st.Errors, s)
			}
		}
	}
	return st, nil
}
