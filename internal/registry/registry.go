// Package registry implements the NodeRegistry (§4.1): node discovery by
// merging a directory of per-machine YAML descriptors with an explicit
// config map, a live per-node client handle, and the liveness bookkeeping
// the NodeInspector mutates.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/curious-containers/ccserver/internal/ccmodel"
	"github.com/curious-containers/ccserver/internal/docker"
	"github.com/curious-containers/ccserver/internal/logging"
	"github.com/curious-containers/ccserver/internal/store"
)

// Descriptor is a single node's static configuration: its engine endpoint,
// advertised capacity, and optional mTLS bundle.
type Descriptor struct {
	Name       string `yaml:"name"`
	BaseURL    string `yaml:"base_url"`
	TotalRAM   int64  `yaml:"total_ram"`
	TotalCPUs  int    `yaml:"total_cpus"`
	CACert     string `yaml:"ca_cert,omitempty"`
	ClientCert string `yaml:"client_cert,omitempty"`
	ClientKey  string `yaml:"client_key,omitempty"`
}

func (d Descriptor) tlsConfig() *docker.TLSConfig {
	if d.CACert == "" && d.ClientCert == "" && d.ClientKey == "" {
		return nil
	}
	return &docker.TLSConfig{CACert: d.CACert, ClientCert: d.ClientCert, ClientKey: d.ClientKey}
}

// Dialer constructs a docker.API for one node descriptor. Swappable so
// tests never open a real socket.
type Dialer func(d Descriptor) (docker.API, error)

func defaultDialer(d Descriptor) (docker.API, error) {
	return docker.NewClient(d.BaseURL, d.tlsConfig())
}

type entry struct {
	node   ccmodel.Node
	client docker.API
}

// Registry is the NodeRegistry. Safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	nodes       map[string]*entry
	descriptors map[string]Descriptor
	store       *store.Store
	log         *logging.Logger
	dialer      Dialer
}

// New creates an empty Registry backed by st.
func New(st *store.Store, log *logging.Logger) *Registry {
	return &Registry{
		nodes:       make(map[string]*entry),
		descriptors: make(map[string]Descriptor),
		store:       st,
		log:         log,
		dialer:      defaultDialer,
	}
}

// SetDialer overrides how node clients are constructed. Intended for tests.
func (r *Registry) SetDialer(d Dialer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialer = d
}

// Discover merges the machine-descriptor directory with an explicit
// name→Descriptor map (explicit entries win on a name collision), dials
// every resulting node, and registers it online. A node that fails to
// dial is logged and skipped rather than aborting discovery of the rest.
func (r *Registry) Discover(machineDir string, explicit map[string]Descriptor) error {
	descriptors, err := loadMachineDir(machineDir)
	if err != nil {
		return err
	}
	for name, d := range explicit {
		d.Name = name
		descriptors[name] = d
	}

	for name, d := range descriptors {
		if err := r.Register(d); err != nil {
			r.log.Error("register node", "name", name, "error", err)
		}
	}
	return nil
}

func loadMachineDir(dir string) (map[string]Descriptor, error) {
	out := make(map[string]Descriptor)
	if dir == "" {
		return out, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("read machine dir %s: %w", dir, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read descriptor %s: %w", path, err)
		}
		var d Descriptor
		if err := yaml.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("parse descriptor %s: %w", path, err)
		}
		if d.Name == "" {
			d.Name = strings.TrimSuffix(e.Name(), ext)
		}
		out[d.Name] = d
	}
	return out, nil
}

// Register dials d's node, persists its metadata and adds it to the live
// set. Calling it again for an already-known name redials and replaces
// the client handle (used by the NodeInspector on a dead→alive revival).
func (r *Registry) Register(d Descriptor) error {
	r.mu.RLock()
	dialer := r.dialer
	r.mu.RUnlock()

	client, err := dialer(d)
	if err != nil {
		return fmt.Errorf("dial node %s: %w", d.Name, err)
	}

	node := ccmodel.Node{
		Name:      d.Name,
		TotalRAM:  d.TotalRAM,
		TotalCPUs: d.TotalCPUs,
		IsOnline:  true,
	}
	if err := r.store.UpsertNode(node); err != nil {
		_ = client.Close()
		return fmt.Errorf("persist node %s: %w", d.Name, err)
	}

	r.mu.Lock()
	if old, ok := r.nodes[d.Name]; ok {
		_ = old.client.Close()
	}
	r.nodes[d.Name] = &entry{node: node, client: client}
	r.descriptors[d.Name] = d
	r.mu.Unlock()

	r.log.Info("node registered", "name", d.Name, "total_ram", d.TotalRAM)
	return nil
}

// Client returns the live docker.API handle for name, if the node is
// currently online.
func (r *Registry) Client(name string) (docker.API, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.nodes[name]
	if !ok {
		return nil, false
	}
	return e.client, true
}

// Online returns a snapshot of every currently-live node.
func (r *Registry) Online() []ccmodel.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ccmodel.Node, 0, len(r.nodes))
	for _, e := range r.nodes {
		out = append(out, e.node)
	}
	return out
}

// IsOnline reports whether name currently has a live client handle.
func (r *Registry) IsOnline(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[name]
	return ok
}

// Known returns every discovered node descriptor, online or not, so the
// NodeInspector can probe for revival of a previously dead node.
func (r *Registry) Known() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	return out
}

// MarkDead removes name's client handle from the live set, closes it, and
// records the node as dead in the store. Only the NodeInspector should
// call this.
func (r *Registry) MarkDead(name, description string) error {
	r.mu.Lock()
	e, ok := r.nodes[name]
	if ok {
		delete(r.nodes, name)
	}
	r.mu.Unlock()
	if ok {
		_ = e.client.Close()
	}

	node, found, err := r.store.GetNode(name)
	if err != nil {
		return fmt.Errorf("get node %s: %w", name, err)
	}
	if found {
		node.IsOnline = false
		node.DebugInfo = description
		if err := r.store.UpsertNode(node); err != nil {
			return fmt.Errorf("persist node %s: %w", name, err)
		}
	}
	return r.store.UpsertDeadNode(ccmodel.DeadNode{Name: name, Description: description})
}

// MarkAlive re-dials name (a dead→alive revival) and clears its DeadNode
// record. Only the NodeInspector should call this.
func (r *Registry) MarkAlive(d Descriptor) error {
	if err := r.Register(d); err != nil {
		return err
	}
	return r.store.DeleteDeadNode(d.Name)
}
