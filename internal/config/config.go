package config

import (
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} tokens in raw YAML bytes so secrets
// (passwords, hosts) can be kept out of the config file on disk.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// rawEndpoint and rawStorage mirror the on-disk YAML shape before they are
// resolved into the strongly typed config structs.
type rawEndpoint struct {
	Name     string            `yaml:"name"`
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	Database string            `yaml:"database"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	FilePath string            `yaml:"file_path"`
	SslMode  string            `yaml:"ssl_mode"`
	Options  map[string]string `yaml:"options"`
}

type rawPool struct {
	MinConnections          int           `yaml:"min_connections"`
	MaxConnections          int           `yaml:"max_connections"`
	PingServerInterval      time.Duration `yaml:"ping_server_interval"`
	CleanupInterval         time.Duration `yaml:"cleanup_interval"`
	MaxWaitingForConnection time.Duration `yaml:"max_waiting_for_connection"`
	ConnectionIdleTimeout   time.Duration `yaml:"connection_idle_timeout"`
	ConnectTimeout          time.Duration `yaml:"connect_timeout"`
}

type rawStorage struct {
	Type           string        `yaml:"type"`
	Mode           string        `yaml:"mode"`
	Endpoints      []rawEndpoint `yaml:"endpoints"`
	Pool           *rawPool      `yaml:"pool"`
	SupportedModes []string      `yaml:"supported_modes"`
	DefaultMode    string        `yaml:"default_mode"`
}

type rawFile struct {
	Defaults *rawPool              `yaml:"defaults"`
	Servers  map[string]rawStorage `yaml:"servers"`
}

// File is the fully resolved configuration loaded from a YAML document:
// one StorageConfig per named server.
type File struct {
	Servers map[string]StorageConfig
}

// Load reads and parses the YAML file at path, substituting ${VAR} tokens
// from the process environment and applying pool defaults.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("nvstorage: config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse is Load's testable core: it accepts raw YAML bytes directly.
func Parse(data []byte) (*File, error) {
	substituted := substituteEnvVars(data)

	var raw rawFile
	if err := yaml.Unmarshal(substituted, &raw); err != nil {
		return nil, fmt.Errorf("nvstorage: config: parse: %w", err)
	}

	defaults := resolvePool(raw.Defaults)

	servers := make(map[string]StorageConfig, len(raw.Servers))
	for name, rs := range raw.Servers {
		sc, err := resolveStorage(name, rs, defaults)
		if err != nil {
			return nil, err
		}
		if err := sc.Validate(); err != nil {
			return nil, err
		}
		servers[name] = sc
	}

	return &File{Servers: servers}, nil
}

func resolvePool(r *rawPool) ConnectionPoolConfig {
	if r == nil {
		return ConnectionPoolConfig{}.ApplyDefaults()
	}
	return ConnectionPoolConfig{
		MinConnections:          r.MinConnections,
		MaxConnections:          r.MaxConnections,
		PingServerInterval:      r.PingServerInterval * time.Second,
		CleanupInterval:         r.CleanupInterval * time.Second,
		MaxWaitingForConnection: r.MaxWaitingForConnection * time.Second,
		ConnectionIdleTimeout:   r.ConnectionIdleTimeout * time.Second,
		ConnectTimeout:          r.ConnectTimeout * time.Second,
	}.ApplyDefaults()
}

func resolveStorage(name string, rs rawStorage, defaults ConnectionPoolConfig) (StorageConfig, error) {
	storageType := ParseStorageType(rs.Type)
	if storageType == StorageTypeUnknown {
		return StorageConfig{}, fmt.Errorf("nvstorage: config: server %s has unknown type %q", name, rs.Type)
	}

	endpoints := make([]ClusterEndpoint, 0, len(rs.Endpoints))
	for _, re := range rs.Endpoints {
		endpoints = append(endpoints, ClusterEndpoint{
			Name:     re.Name,
			Type:     storageType,
			Host:     re.Host,
			Port:     re.Port,
			Database: re.Database,
			Username: re.Username,
			Password: re.Password,
			FilePath: re.FilePath,
			SslMode:  re.SslMode,
			Options:  re.Options,
		})
	}
	endpointList, err := NewClusterEndpointList(storageType, endpoints)
	if err != nil {
		return StorageConfig{}, fmt.Errorf("nvstorage: config: server %s: %w", name, err)
	}

	pool := defaults
	if rs.Pool != nil {
		pool = resolvePool(rs.Pool)
	}

	var supported TransactionMode
	for _, m := range rs.SupportedModes {
		mode := ParseTransactionMode(m)
		if mode == TransactionModeUnknown {
			return StorageConfig{}, fmt.Errorf("nvstorage: config: server %s has unknown transaction mode %q", name, m)
		}
		supported |= mode
	}
	if supported == TransactionModeUnknown {
		supported = TransactionModeReadWrite | TransactionModeReadOnly | TransactionModeNonTransaction
	}

	defaultMode := ParseTransactionMode(rs.DefaultMode)
	if defaultMode == TransactionModeUnknown {
		defaultMode = TransactionModeReadWrite
	}

	return StorageConfig{
		Name:              name,
		Type:              storageType,
		Mode:              ParseConnectionMode(rs.Mode),
		Endpoints:         endpointList,
		Pool:              pool,
		SupportedModes:    supported,
		DefaultModeOnOpen: defaultMode,
	}, nil
}

// substituteEnvVars replaces ${VAR} tokens with the matching environment
// variable's value, leaving the token untouched if the variable is unset.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		if v, ok := os.LookupEnv(string(name)); ok {
			return []byte(v)
		}
		return match
	})
}

// Watcher reloads a File from disk whenever its backing path changes,
// debouncing rapid successive writes (editors commonly emit several).
type Watcher struct {
	path     string
	debounce time.Duration

	mu      sync.RWMutex
	current *File
	onError func(error)
	onLoad  func(*File)

	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
}

// NewWatcher loads path immediately and begins watching it for changes.
// onLoad is invoked (if non-nil) after every successful reload; onError
// is invoked (if non-nil) when a reload fails, leaving the prior File in
// place.
func NewWatcher(path string, onLoad func(*File), onError func(error)) (*Watcher, error) {
	initial, err := Load(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("nvstorage: config: watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("nvstorage: config: watch %s: %w", path, err)
	}

	w := &Watcher{
		path:     path,
		debounce: 500 * time.Millisecond,
		current:  initial,
		onLoad:   onLoad,
		onError:  onError,
		watcher:  fsw,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *File {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) run() {
	defer close(w.done)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case <-timerC:
			w.reload()
			timerC = nil
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(fmt.Errorf("nvstorage: config: watcher: %w", err))
			}
		}
	}
}

func (w *Watcher) reload() {
	f, err := Load(w.path)
	if err != nil {
		if w.onError != nil {
			w.onError(err)
		}
		return
	}
	w.mu.Lock()
	w.current = f
	w.mu.Unlock()
	if w.onLoad != nil {
		w.onLoad(f)
	}
}

// Close stops the watcher goroutine and releases the underlying fsnotify
// handle.
func (w *Watcher) Close() error {
	close(w.stop)
	<-w.done
	return w.watcher.Close()
}
