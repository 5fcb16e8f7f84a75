package ctfeed

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"

	consul "github.com/hashicorp/consul/api"
)

// Config is the supervisor's operational configuration. It is loaded from
// environment variables rather than a config file; the database connection
// details and optional overrides are the only required inputs.
type Config struct {
	PostgresDSN string

	ConsulAddress string
	ConsulKVPath  string

	QueueCapacity          int
	WorkerCount            int
	BatchSize              int
	MaxBlockSize           int64
	PollInterval           int // seconds
	MaxConcurrentFollowers int

	DebugMemory bool

	// DenylistOverrides adds extra host substrings to BAD_CT_SERVERS.
	DenylistOverrides []string

	SentryDSN string
}

// LoadConfig reads configuration from the environment, falling back to
// sane production defaults when a variable is unset.
func LoadConfig() (Config, error) {
	cfg := Config{
		PostgresDSN:            os.Getenv("DATABASE_URL"),
		ConsulAddress:          getenvDefault("CONSUL_ADDRESS", "127.0.0.1:8500"),
		ConsulKVPath:           getenvDefault("CONSUL_KV_PATH", "ctwatch"),
		QueueCapacity:          getenvInt("QUEUE_CAPACITY", 100000),
		WorkerCount:            getenvInt("WORKER_COUNT", 15),
		BatchSize:              getenvInt("BATCH_SIZE", 500),
		MaxBlockSize:           int64(getenvInt("MAX_BLOCK_SIZE", 64)),
		PollInterval:           getenvInt("POLL_INTERVAL_SECONDS", 30),
		MaxConcurrentFollowers: getenvInt("MAX_CONCURRENT_FOLLOWERS", 20),
		DebugMemory:            os.Getenv("DEBUG_MEMORY") == "true",
		SentryDSN:              os.Getenv("SENTRY_DSN"),
	}

	if cfg.PostgresDSN == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must be set")
	}

	if raw := os.Getenv("CT_LOG_DENYLIST_EXTRA"); raw != "" {
		cfg.DenylistOverrides = strings.Split(raw, ",")
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("Warning: invalid integer for %s (%q), using default %d", key, v, def)
		return def
	}
	return n
}

// acquireSingletonLock ensures only one ctwatch process ingests against a
// given Consul KV tree at a time. Losing the lock after acquisition is
// fatal: without it we are not allowed to mutate cursor state or run
// followers, so we fail fast.
func acquireSingletonLock(address, kvPath string) (*consul.Lock, error) {
	config := consul.DefaultConfig()
	config.Address = address
	client, err := consul.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}

	lock, err := client.LockKey(kvPath + "/lock")
	if err != nil {
		return nil, fmt.Errorf("consul lock key: %w", err)
	}

	lostChan, err := lock.Lock(nil)
	if err != nil {
		return nil, fmt.Errorf("acquire consul lock: %w", err)
	}

	go func(lostChan <-chan struct{}) {
		<-lostChan
		reportFatal(fmt.Errorf("consul singleton lock lost for %s", kvPath))
		log.Fatal("Consul lock lost, exiting now!")
	}(lostChan)

	interruptChan := make(chan os.Signal, 1)
	signal.Notify(interruptChan, os.Interrupt)
	go func() {
		<-interruptChan
		log.Println("Interrupted, releasing Consul lock")
		lock.Unlock()
	}()

	return lock, nil
}

// cursorStore persists the last tree size seen per log URL in Consul KV so
// that a restarted supervisor resumes where the last one left off instead
// of re-pinning to the current STH.
type cursorStore struct {
	kv     *consul.KV
	prefix string
}

func newCursorStore(address, kvPath string) (*cursorStore, error) {
	config := consul.DefaultConfig()
	config.Address = address
	client, err := consul.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &cursorStore{kv: client.KV(), prefix: kvPath + "/cursors/"}, nil
}

func (c *cursorStore) load(logURL string) (int64, bool, error) {
	pair, _, err := c.kv.Get(c.prefix+logURL, nil)
	if err != nil {
		return 0, false, err
	}
	if pair == nil {
		return 0, false, nil
	}
	var saved struct {
		TreeSize int64 `json:"tree_size"`
	}
	if err := json.Unmarshal(pair.Value, &saved); err != nil {
		return 0, false, err
	}
	return saved.TreeSize, true, nil
}

func (c *cursorStore) save(logURL string, treeSize int64) error {
	body, err := json.Marshal(struct {
		TreeSize int64 `json:"tree_size"`
	}{TreeSize: treeSize})
	if err != nil {
		return err
	}
	_, err = c.kv.Put(&consul.KVPair{Key: c.prefix + logURL, Value: body}, nil)
	return err
}
