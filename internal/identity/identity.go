// Package identity resolves a stable per-host identifier.
//
// Resolution order: OS-provided machine id files, then the agent's own
// persisted id file, then a freshly generated UUID which is written to that
// file. If the filesystem misbehaves the identifier is derived from a network
// interface hardware address so Resolve always returns something.
package identity

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/NilsIgris/sylon/internal/events"
)

// DefaultSystemPaths are the OS machine id locations, checked in order.
var DefaultSystemPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// Source records where an identifier came from.
type Source string

const (
	SourceSystem    Source = "system"
	SourcePersisted Source = "persisted"
	SourceGenerated Source = "generated"
	SourceHardware  Source = "hardware"
)

// Resolver resolves the machine identifier once and caches it for the process.
type Resolver struct {
	systemPaths []string
	idFile      string
	logger      *events.EventLogger

	generate func() string
	hardware func() string

	once   sync.Once
	id     string
	source Source
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithSystemPaths overrides the OS machine id locations.
func WithSystemPaths(paths ...string) Option {
	return func(r *Resolver) { r.systemPaths = paths }
}

// WithLogger sets the event logger.
func WithLogger(l *events.EventLogger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithGenerator overrides the random id generator.
func WithGenerator(fn func() string) Option {
	return func(r *Resolver) { r.generate = fn }
}

// WithHardwareID overrides the hardware-derived fallback.
func WithHardwareID(fn func() string) Option {
	return func(r *Resolver) { r.hardware = fn }
}

// NewResolver returns a Resolver persisting generated ids to idFile.
func NewResolver(idFile string, opts ...Option) *Resolver {
	r := &Resolver{
		systemPaths: DefaultSystemPaths,
		idFile:      idFile,
		logger:      events.GetGlobalEventLogger(),
		generate:    uuid.NewString,
		hardware:    HardwareID,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the machine identifier. It never fails and returns the same
// value for the lifetime of the Resolver.
func (r *Resolver) Resolve() string {
	r.once.Do(func() {
		r.id, r.source = r.resolve()
		r.logger.LogIdentityResolved(r.id, string(r.source))
	})
	return r.id
}

// Source reports where the resolved identifier came from. It resolves first if needed.
func (r *Resolver) Source() Source {
	r.Resolve()
	return r.source
}

func (r *Resolver) resolve() (string, Source) {
	if id, ok := r.fromSystem(); ok {
		return id, SourceSystem
	}

	id, source, err := r.fromFile()
	if err != nil {
		r.logger.LogIdentityFallback(err)
		return r.hardware(), SourceHardware
	}
	return id, source
}

// fromSystem returns the first readable, non-empty OS machine id.
func (r *Resolver) fromSystem() (string, bool) {
	for _, p := range r.systemPaths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, true
		}
	}
	return "", false
}

// fromFile reads the persisted id, generating and writing one when absent.
func (r *Resolver) fromFile() (string, Source, error) {
	if r.idFile == "" {
		return "", "", errors.New("no identity file configured")
	}

	data, err := os.ReadFile(r.idFile)
	switch {
	case err == nil:
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, SourcePersisted, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return "", "", fmt.Errorf("failed to read identity file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.idFile), 0755); err != nil {
		return "", "", fmt.Errorf("failed to create identity directory: %w", err)
	}

	id := r.generate()
	if err := os.WriteFile(r.idFile, []byte(id), 0644); err != nil {
		return "", "", fmt.Errorf("failed to persist identity: %w", err)
	}
	return id, SourceGenerated, nil
}

// HardwareID returns the 48-bit node id of a network interface as a decimal
// string. When no interface has a usable address uuid picks a random node id,
// which is still stable for the life of the process.
func HardwareID() string {
	node := uuid.NodeID()
	var n uint64
	for _, b := range node {
		n = n<<8 | uint64(b)
	}
	return strconv.FormatUint(n, 10)
}
