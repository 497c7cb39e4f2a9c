package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

const (
	// DefaultPort is the default TCP port for the embedded NATS server.
	DefaultPort = 4222

	// DefaultMaxMem is the default JetStream memory limit (256 MiB).
	DefaultMaxMem = 256 << 20

	// DefaultMaxStore is the default JetStream file storage limit (1 GiB).
	DefaultMaxStore = 1 << 30

	bucketName = "worker_messages"
)

// Config configures the embedded NATS server backing the queue.
type Config struct {
	Port     int
	StoreDir string
	Token    string
}

// NATSQueue is a MessageQueue backed by an embedded NATS JetStream server.
// Durable state for "is this message still locked" lives in a JetStream
// KeyValue bucket rather than in process memory, so the Locked/Unlocked
// split (spec §9's "two sequential atomic writes") survives a server
// restart between "enqueued" and "row updated".
//
// Adapted from the teacher's embedded-server lifecycle (StartNATSServer /
// Shutdown / Health), generalised from its hook-event JetStream stream to
// this scheduler's worker-message KeyValue bucket.
type NATSQueue struct {
	server *server.Server
	conn   *nats.Conn
	js     nats.JetStreamContext
	kv     nats.KeyValue

	storeDir string
	port     int
}

// Start launches an embedded NATS JetStream server and opens an in-process
// connection plus the worker-message KeyValue bucket.
func Start(cfg Config) (*NATSQueue, error) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if err := os.MkdirAll(cfg.StoreDir, 0700); err != nil {
		return nil, fmt.Errorf("queue: create NATS store dir: %w", err)
	}

	opts := &server.Options{
		ServerName:         "tdserver",
		Host:               "127.0.0.1",
		Port:               cfg.Port,
		JetStream:          true,
		JetStreamMaxMemory: DefaultMaxMem,
		JetStreamMaxStore:  DefaultMaxStore,
		StoreDir:           cfg.StoreDir,
		NoLog:              true,
		NoSigs:             true,
	}
	if cfg.Token != "" {
		opts.Authorization = cfg.Token
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("queue: create NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("queue: NATS server failed to become ready within 10s")
	}

	connOpts := []nats.Option{nats.Name("tdserver-internal")}
	if cfg.Token != "" {
		connOpts = append(connOpts, nats.Token(cfg.Token))
	}
	nc, err := nats.Connect(fmt.Sprintf("nats://127.0.0.1:%d", cfg.Port), connOpts...)
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("queue: in-process NATS connection: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("queue: jetstream context: %w", err)
	}

	kv, err := js.KeyValue(bucketName)
	if err != nil {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucketName})
		if err != nil {
			nc.Close()
			ns.Shutdown()
			return nil, fmt.Errorf("queue: create key-value bucket: %w", err)
		}
	}

	return &NATSQueue{server: ns, conn: nc, js: js, kv: kv, storeDir: cfg.StoreDir, port: cfg.Port}, nil
}

// Shutdown drains the connection and stops the embedded server.
func (q *NATSQueue) Shutdown() {
	if q.conn != nil {
		_ = q.conn.Drain()
		q.conn.Close()
	}
	if q.server != nil {
		q.server.Shutdown()
		q.server.WaitForShutdown()
	}
}

// Port returns the TCP port the embedded server is listening on.
func (q *NATSQueue) Port() int { return q.port }

type messageRecord struct {
	Payload FunctionInput `json:"payload"`
	Locked  bool          `json:"locked"`
}

// Put validates and persists payload under messageID in the Locked state.
func (q *NATSQueue) Put(_ context.Context, messageID string, payload FunctionInput) error {
	if err := payload.Validate(); err != nil {
		return err
	}
	rec := messageRecord{Payload: payload, Locked: true}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("queue: marshal message %s: %w", messageID, err)
	}
	if _, err := q.kv.Put(messageID, data); err != nil {
		return fmt.Errorf("queue: put message %s: %w", messageID, err)
	}
	subject := fmt.Sprintf("worker.messages.%s", messageID)
	if _, err := q.js.Publish(subject, data); err != nil {
		return fmt.Errorf("queue: publish message %s: %w", messageID, err)
	}
	return nil
}

// LockedMessages returns the ids of every message still in the Locked state.
func (q *NATSQueue) LockedMessages(_ context.Context) ([]string, error) {
	keys, err := q.kv.Keys()
	if err != nil {
		if err == nats.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: list keys: %w", err)
	}
	var locked []string
	for _, k := range keys {
		entry, err := q.kv.Get(k)
		if err != nil {
			continue
		}
		var rec messageRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			continue
		}
		if rec.Locked {
			locked = append(locked, k)
		}
	}
	return locked, nil
}

// Commit flips messageID to Unlocked.
func (q *NATSQueue) Commit(_ context.Context, messageID string) error {
	entry, err := q.kv.Get(messageID)
	if err != nil {
		return fmt.Errorf("queue: commit: get %s: %w", messageID, err)
	}
	var rec messageRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return fmt.Errorf("queue: commit: unmarshal %s: %w", messageID, err)
	}
	rec.Locked = false
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("queue: commit: marshal %s: %w", messageID, err)
	}
	if _, err := q.kv.Put(messageID, data); err != nil {
		return fmt.Errorf("queue: commit: put %s: %w", messageID, err)
	}
	return nil
}

// Rollback removes messageID entirely: the corresponding FunctionRun is
// reset to Scheduled by the caller.
func (q *NATSQueue) Rollback(_ context.Context, messageID string) error {
	if err := q.kv.Delete(messageID); err != nil && err != nats.ErrKeyNotFound {
		return fmt.Errorf("queue: rollback %s: %w", messageID, err)
	}
	return nil
}

// ConnectionInfo is written to disk so a sidecar process can discover the
// embedded broker, following the teacher's nats-info.json convention.
type ConnectionInfo struct {
	URL   string `json:"url"`
	Port  int    `json:"port"`
	Token string `json:"token,omitempty"`
}

// WriteConnectionInfo writes connection details next to the store directory.
func (q *NATSQueue) WriteConnectionInfo(token string) error {
	info := ConnectionInfo{URL: fmt.Sprintf("nats://127.0.0.1:%d", q.port), Port: q.port, Token: token}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("queue: marshal connection info: %w", err)
	}
	path := filepath.Join(q.storeDir, "..", "nats-info.json")
	return os.WriteFile(path, data, 0600)
}
