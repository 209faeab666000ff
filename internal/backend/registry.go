package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"difflsp/internal/diff"
	"difflsp/internal/metrics"

	protocol "github.com/tliron/glsp/protocol_3_16"
	"golang.org/x/sync/errgroup"
)

// maxParallelStarts bounds how many backends are spawned at once.
const maxParallelStarts = 4

// Registry owns at most one Client per language. Backends are started
// lazily, the first time a diff names a file of their language. A
// language whose backend failed to start is not retried.
type Registry struct {
	commands map[diff.FileType]Command
	opts     Options

	ensureMu sync.Mutex

	mu      sync.RWMutex
	clients map[diff.FileType]*Client
	failed  map[diff.FileType]error

	start StartFunc
}

// StartFunc brings a new client up to the Initialized state.
type StartFunc func(ctx context.Context, c *Client, params *protocol.InitializeParams) error

func NewRegistry(commands map[diff.FileType]Command, opts Options) *Registry {
	return &Registry{
		commands: commands,
		opts:     opts,
		clients:  make(map[diff.FileType]*Client),
		failed:   make(map[diff.FileType]error),
		start:    startClient,
	}
}

// SetStartFunc replaces how new clients are started. By default the
// configured command is spawned and initialized.
func (r *Registry) SetStartFunc(start StartFunc) {
	r.ensureMu.Lock()
	defer r.ensureMu.Unlock()
	r.start = start
}

// startClient spawns the backend and initializes it. A command without a
// working directory runs in the project root announced in params.
func startClient(ctx context.Context, c *Client, params *protocol.InitializeParams) error {
	if c.command.Dir == "" && params != nil && params.RootPath != nil {
		c.command.Dir = *params.RootPath
	}
	if err := c.Start(); err != nil {
		return err
	}
	if err := c.Initialize(ctx, params); err != nil {
		c.Close()
		return err
	}
	return nil
}

// Ensure starts and initializes backends for every language in types that
// has none yet. It returns the languages that came up. Failures are
// isolated: one backend failing does not stop the others, and all
// failures are returned joined.
func (r *Registry) Ensure(ctx context.Context, types []diff.FileType, params *protocol.InitializeParams) ([]diff.FileType, error) {
	r.ensureMu.Lock()
	defer r.ensureMu.Unlock()

	var pending []diff.FileType
	var errs []error
	r.mu.RLock()
	for _, ft := range types {
		if _, ok := r.clients[ft]; ok {
			continue
		}
		if _, ok := r.failed[ft]; ok {
			continue
		}
		if _, ok := r.commands[ft]; !ok {
			errs = append(errs, fmt.Errorf("%s: no backend command configured", ft))
			continue
		}
		pending = append(pending, ft)
	}
	r.mu.RUnlock()

	var (
		g       errgroup.Group
		mu      sync.Mutex
		started []diff.FileType
	)
	g.SetLimit(maxParallelStarts)
	for _, ft := range pending {
		g.Go(func() error {
			client := NewClient(ft.String(), r.commands[ft], r.opts)
			err := r.start(ctx, client, params)

			mu.Lock()
			defer mu.Unlock()
			r.mu.Lock()
			defer r.mu.Unlock()
			if err != nil {
				metrics.BackendStarts.WithLabelValues(ft.String(), "failed").Inc()
				log.Errorf("%s: backend unavailable: %v", ft, err)
				r.failed[ft] = err
				errs = append(errs, err)
				return err
			}
			metrics.BackendStarts.WithLabelValues(ft.String(), "ok").Inc()
			r.clients[ft] = client
			started = append(started, ft)
			return nil
		})
	}
	// errors are collected per language above
	_ = g.Wait()

	sort.Slice(started, func(i, j int) bool { return started[i] < started[j] })
	return started, errors.Join(errs...)
}

// Initialized sends the initialized notification to the given backends.
func (r *Registry) Initialized(ctx context.Context, types []diff.FileType) error {
	var errs []error
	for _, ft := range types {
		client, ok := r.Get(ft)
		if !ok {
			continue
		}
		if err := client.Initialized(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Get returns the live client for a language.
func (r *Registry) Get(ft diff.FileType) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[ft]
	if !ok || client.State() == Closed {
		return nil, false
	}
	return client, true
}

// Failed returns why a language's backend is unavailable, if it is.
func (r *Registry) Failed(ft diff.FileType) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failed[ft]
}

// Languages lists languages with a registered client, live or not.
func (r *Registry) Languages() []diff.FileType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]diff.FileType, 0, len(r.clients))
	for ft := range r.clients {
		types = append(types, ft)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// BackendStatus is a snapshot of one backend for status reports.
type BackendStatus struct {
	Language string `json:"language"`
	Command  string `json:"command"`
	State    string `json:"state"`
	Server   string `json:"server,omitempty"`
	Error    string `json:"error,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

func (r *Registry) Status() []BackendStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var statuses []BackendStatus
	for _, ft := range diff.FileTypes() {
		command := r.commands[ft].Name
		if client, ok := r.clients[ft]; ok {
			statuses = append(statuses, BackendStatus{
				Language: ft.String(),
				Command:  command,
				State:    client.State().String(),
				Server:   client.ServerName(),
				Stderr:   client.Stderr(),
			})
		} else if err, ok := r.failed[ft]; ok {
			statuses = append(statuses, BackendStatus{
				Language: ft.String(),
				Command:  command,
				State:    "failed",
				Error:    err.Error(),
			})
		}
	}
	return statuses
}

// CloseAll shuts every backend down.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[diff.FileType]*Client)
	r.mu.Unlock()

	var g errgroup.Group
	for _, client := range clients {
		g.Go(client.Close)
	}
	return g.Wait()
}
