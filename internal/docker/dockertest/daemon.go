// Package dockertest provides an in-memory Docker daemon implementing
// docker.SwarmAPI for tests.
//
// The fake models the parts of swarmkit behaviour the rollout logic depends
// on: secret and config names are unique, objects referenced by a service
// cannot be removed, service updates are versioned and rejected with
// "update out of sequence" when stale, and tasks are replaced immediately
// after an update (unless a test holds convergence back).
//
// Errors are built from github.com/containerd/errdefs sentinels, which is
// what the real SDK client returns for HTTP error statuses.
package dockertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/api/types/system"
)

// Operation names passed to Inject hooks and recorded in Calls.
const (
	OpSecretCreate  = "SecretCreate"
	OpSecretRemove  = "SecretRemove"
	OpConfigCreate  = "ConfigCreate"
	OpConfigRemove  = "ConfigRemove"
	OpServiceUpdate = "ServiceUpdate"
	OpServiceList   = "ServiceList"
	OpTaskList      = "TaskList"
	OpPing          = "Ping"
)

// Hook is consulted before an operation runs. arg is the object or service
// name (or ID for removals). A non-nil error aborts the operation.
type Hook func(arg string) error

// Daemon is a fake swarm manager. The zero value is not usable; call New.
type Daemon struct {
	mu sync.Mutex

	index    uint64
	secrets  map[string]*swarm.Secret
	configs  map[string]*swarm.Config
	services map[string]*swarm.Service
	tasks    map[string][]swarm.Task
	nodes    []swarm.Node

	state     swarm.LocalNodeState
	control   bool
	clusterID string

	hooks       map[string]Hook
	held        map[string]bool
	updateState map[string]swarm.UpdateState
	calls       []string
	closed      bool
}

// New returns a single-node swarm manager with no objects.
func New() *Daemon {
	d := &Daemon{
		secrets:     map[string]*swarm.Secret{},
		configs:     map[string]*swarm.Config{},
		services:    map[string]*swarm.Service{},
		tasks:       map[string][]swarm.Task{},
		state:       swarm.LocalNodeStateActive,
		control:     true,
		clusterID:   "cluster0000000000000000000",
		hooks:       map[string]Hook{},
		held:        map[string]bool{},
		updateState: map[string]swarm.UpdateState{},
	}
	d.nodes = []swarm.Node{{
		ID:            "node00000000000000000000a",
		Description:   swarm.NodeDescription{Hostname: "manager-1"},
		Spec:          swarm.NodeSpec{Role: swarm.NodeRoleManager, Availability: swarm.NodeAvailabilityActive},
		Status:        swarm.NodeStatus{State: swarm.NodeStateReady, Addr: "10.0.0.1"},
		ManagerStatus: &swarm.ManagerStatus{Leader: true, Reachability: swarm.ReachabilityReachable, Addr: "10.0.0.1:2377"},
	}}
	return d
}

// ---------------------------------------------------------------------------
// Test controls
// ---------------------------------------------------------------------------

// Inject installs a hook for op, replacing any previous one. Passing nil
// removes it.
func (d *Daemon) Inject(op string, h Hook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h == nil {
		delete(d.hooks, op)
		return
	}
	d.hooks[op] = h
}

// FailOnce makes the next call of op whose argument equals arg fail with
// err. An empty arg matches any argument.
func (d *Daemon) FailOnce(op, arg string, err error) {
	var fired bool
	d.Inject(op, func(a string) error {
		if fired || (arg != "" && a != arg) {
			return nil
		}
		fired = true
		return err
	})
}

// HoldConvergence stops the named service's tasks from being replaced
// after an update, so convergence never completes.
func (d *Daemon) HoldConvergence(service string, hold bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.held[service] = hold
}

// SetUpdateState forces the update status reported for the named service
// after its next update, e.g. swarm.UpdateStatePaused.
func (d *Daemon) SetUpdateState(service string, state swarm.UpdateState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updateState[service] = state
}

// SetNodeState changes the local node's swarm membership as reported by
// Info.
func (d *Daemon) SetNodeState(state swarm.LocalNodeState, control bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = state
	d.control = control
}

// Calls returns the mutating calls made so far as "Op arg" strings.
func (d *Daemon) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// Closed reports whether Close was called.
func (d *Daemon) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// AddSecret seeds a secret and returns its ID. Seeding is not recorded in
// Calls and bypasses hooks.
func (d *Daemon) AddSecret(name string, data []byte, labels map[string]string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, err := d.createSecret(swarm.SecretSpec{
		Annotations: swarm.Annotations{Name: name, Labels: labels},
		Data:        data,
	})
	if err != nil {
		panic(err)
	}
	return id
}

// AddConfig seeds a config and returns its ID. Seeding is not recorded in
// Calls and bypasses hooks.
func (d *Daemon) AddConfig(name string, data []byte, labels map[string]string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, err := d.createConfig(swarm.ConfigSpec{
		Annotations: swarm.Annotations{Name: name, Labels: labels},
		Data:        data,
	})
	if err != nil {
		panic(err)
	}
	return id
}

// ServiceOption customizes AddService.
type ServiceOption func(*swarm.ServiceSpec)

// WithSecret mounts the named secret at target.
func WithSecret(name, target string) ServiceOption {
	return func(s *swarm.ServiceSpec) {
		cs := s.TaskTemplate.ContainerSpec
		cs.Secrets = append(cs.Secrets, &swarm.SecretReference{
			SecretName: name,
			File:       &swarm.SecretReferenceFileTarget{Name: target, UID: "0", GID: "0", Mode: 0o444},
		})
	}
}

// WithConfig mounts the named config at target.
func WithConfig(name, target string) ServiceOption {
	return func(s *swarm.ServiceSpec) {
		cs := s.TaskTemplate.ContainerSpec
		cs.Configs = append(cs.Configs, &swarm.ConfigReference{
			ConfigName: name,
			File:       &swarm.ConfigReferenceFileTarget{Name: target, UID: "0", GID: "0", Mode: 0o444},
		})
	}
}

// WithReplicas sets the replica count (default 1).
func WithReplicas(n uint64) ServiceOption {
	return func(s *swarm.ServiceSpec) {
		s.Mode = swarm.ServiceMode{Replicated: &swarm.ReplicatedService{Replicas: &n}}
	}
}

// AddService creates a service whose references are resolved by name and
// returns its ID. It panics if a referenced object does not exist.
func (d *Daemon) AddService(name string, opts ...ServiceOption) string {
	one := uint64(1)
	spec := swarm.ServiceSpec{
		Annotations:  swarm.Annotations{Name: name},
		TaskTemplate: swarm.TaskSpec{ContainerSpec: &swarm.ContainerSpec{Image: "nginx:alpine"}},
		Mode:         swarm.ServiceMode{Replicated: &swarm.ReplicatedService{Replicas: &one}},
	}
	for _, opt := range opts {
		opt(&spec)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.resolveRefs(&spec); err != nil {
		panic(err)
	}
	d.index++
	now := time.Now().UTC()
	svc := &swarm.Service{
		ID:   d.newID("svc"),
		Meta: swarm.Meta{Version: swarm.Version{Index: d.index}, CreatedAt: now, UpdatedAt: now},
		Spec: spec,
	}
	d.services[svc.ID] = svc
	d.rollTasks(svc)
	return svc.ID
}

// ServiceSpec returns a copy of the named service's current spec.
func (d *Daemon) ServiceSpec(name string) (swarm.ServiceSpec, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	svc := d.serviceByName(name)
	if svc == nil {
		return swarm.ServiceSpec{}, false
	}
	var out swarm.ServiceSpec
	deepCopy(&out, svc.Spec)
	return out, true
}

// SecretNames returns the names of all secrets, sorted.
func (d *Daemon) SecretNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.secrets))
	for _, s := range d.secrets {
		names = append(names, s.Spec.Name)
	}
	sort.Strings(names)
	return names
}

// ConfigNames returns the names of all configs, sorted.
func (d *Daemon) ConfigNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.configs))
	for _, c := range d.configs {
		names = append(names, c.Spec.Name)
	}
	sort.Strings(names)
	return names
}

// SecretData returns the stored payload of the named secret. The real
// daemon never exposes this; tests use it to check what was written.
func (d *Daemon) SecretData(name string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.secrets {
		if s.Spec.Name == name {
			return append([]byte(nil), s.Spec.Data...), true
		}
	}
	return nil, false
}

// ---------------------------------------------------------------------------
// docker.SwarmAPI
// ---------------------------------------------------------------------------

func (d *Daemon) Ping(ctx context.Context) (types.Ping, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.hook(OpPing, ""); err != nil {
		return types.Ping{}, err
	}
	return types.Ping{APIVersion: "1.51", OSType: "linux"}, nil
}

func (d *Daemon) Info(ctx context.Context) (system.Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	managers := 0
	for _, n := range d.nodes {
		if n.Spec.Role == swarm.NodeRoleManager {
			managers++
		}
	}
	info := system.Info{
		Name: "manager-1",
		Swarm: swarm.Info{
			NodeID:           d.nodes[0].ID,
			NodeAddr:         "10.0.0.1",
			LocalNodeState:   d.state,
			ControlAvailable: d.control,
		},
	}
	if d.state == swarm.LocalNodeStateActive {
		info.Swarm.Nodes = len(d.nodes)
		info.Swarm.Managers = managers
		info.Swarm.Cluster = &swarm.ClusterInfo{ID: d.clusterID}
	}
	return info, nil
}

func (d *Daemon) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *Daemon) SecretList(ctx context.Context, options swarm.SecretListOptions) ([]swarm.Secret, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireManager(); err != nil {
		return nil, err
	}
	var out []swarm.Secret
	for _, s := range d.secrets {
		if matchFilters(options.Filters, s.ID, s.Spec.Name, s.Spec.Labels) {
			c := *s
			c.Spec.Data = nil
			out = append(out, c)
		}
	}
	return out, nil
}

func (d *Daemon) SecretCreate(ctx context.Context, spec swarm.SecretSpec) (swarm.SecretCreateResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireManager(); err != nil {
		return swarm.SecretCreateResponse{}, err
	}
	if err := d.hook(OpSecretCreate, spec.Name); err != nil {
		return swarm.SecretCreateResponse{}, err
	}
	id, err := d.createSecret(spec)
	if err != nil {
		return swarm.SecretCreateResponse{}, err
	}
	d.record(OpSecretCreate, spec.Name)
	return swarm.SecretCreateResponse{ID: id}, nil
}

func (d *Daemon) createSecret(spec swarm.SecretSpec) (string, error) {
	for _, s := range d.secrets {
		if s.Spec.Name == spec.Name {
			return "", cerrdefs.ErrConflict.WithMessage(
				fmt.Sprintf("rpc error: code = AlreadyExists desc = secret %s already exists", spec.Name))
		}
	}
	if len(spec.Data) == 0 {
		return "", cerrdefs.ErrInvalidArgument.WithMessage("secret data must not be empty")
	}

	d.index++
	now := time.Now().UTC()
	s := &swarm.Secret{
		ID:   d.newID("sec"),
		Meta: swarm.Meta{Version: swarm.Version{Index: d.index}, CreatedAt: now, UpdatedAt: now},
		Spec: spec,
	}
	s.Spec.Data = append([]byte(nil), spec.Data...)
	s.Spec.Labels = copyLabels(spec.Labels)
	d.secrets[s.ID] = s
	return s.ID, nil
}

func (d *Daemon) SecretRemove(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireManager(); err != nil {
		return err
	}
	s, err := d.findSecret(id)
	if err != nil {
		return err
	}
	if err := d.hook(OpSecretRemove, s.Spec.Name); err != nil {
		return err
	}
	if users := d.usersOf(func(cs *swarm.ContainerSpec) bool {
		for _, r := range cs.Secrets {
			if r.SecretID == s.ID {
				return true
			}
		}
		return false
	}); len(users) > 0 {
		return cerrdefs.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"rpc error: code = InvalidArgument desc = secret '%s' is in use by the following service: %s",
			s.Spec.Name, strings.Join(users, ", ")))
	}
	delete(d.secrets, s.ID)
	d.record(OpSecretRemove, s.Spec.Name)
	return nil
}

func (d *Daemon) SecretInspectWithRaw(ctx context.Context, name string) (swarm.Secret, []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireManager(); err != nil {
		return swarm.Secret{}, nil, err
	}
	s, err := d.findSecret(name)
	if err != nil {
		return swarm.Secret{}, nil, err
	}
	c := *s
	c.Spec.Data = nil
	raw, _ := json.Marshal(c)
	return c, raw, nil
}

func (d *Daemon) ConfigList(ctx context.Context, options swarm.ConfigListOptions) ([]swarm.Config, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireManager(); err != nil {
		return nil, err
	}
	var out []swarm.Config
	for _, c := range d.configs {
		if matchFilters(options.Filters, c.ID, c.Spec.Name, c.Spec.Labels) {
			cp := *c
			cp.Spec.Data = append([]byte(nil), c.Spec.Data...)
			out = append(out, cp)
		}
	}
	return out, nil
}

func (d *Daemon) ConfigCreate(ctx context.Context, spec swarm.ConfigSpec) (swarm.ConfigCreateResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireManager(); err != nil {
		return swarm.ConfigCreateResponse{}, err
	}
	if err := d.hook(OpConfigCreate, spec.Name); err != nil {
		return swarm.ConfigCreateResponse{}, err
	}
	id, err := d.createConfig(spec)
	if err != nil {
		return swarm.ConfigCreateResponse{}, err
	}
	d.record(OpConfigCreate, spec.Name)
	return swarm.ConfigCreateResponse{ID: id}, nil
}

func (d *Daemon) createConfig(spec swarm.ConfigSpec) (string, error) {
	for _, c := range d.configs {
		if c.Spec.Name == spec.Name {
			return "", cerrdefs.ErrConflict.WithMessage(
				fmt.Sprintf("rpc error: code = AlreadyExists desc = config %s already exists", spec.Name))
		}
	}

	d.index++
	now := time.Now().UTC()
	c := &swarm.Config{
		ID:   d.newID("cfg"),
		Meta: swarm.Meta{Version: swarm.Version{Index: d.index}, CreatedAt: now, UpdatedAt: now},
		Spec: spec,
	}
	c.Spec.Data = append([]byte(nil), spec.Data...)
	c.Spec.Labels = copyLabels(spec.Labels)
	d.configs[c.ID] = c
	return c.ID, nil
}

func (d *Daemon) ConfigRemove(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireManager(); err != nil {
		return err
	}
	c, err := d.findConfig(id)
	if err != nil {
		return err
	}
	if err := d.hook(OpConfigRemove, c.Spec.Name); err != nil {
		return err
	}
	if users := d.usersOf(func(cs *swarm.ContainerSpec) bool {
		for _, r := range cs.Configs {
			if r.ConfigID == c.ID {
				return true
			}
		}
		return false
	}); len(users) > 0 {
		return cerrdefs.ErrInvalidArgument.WithMessage(fmt.Sprintf(
			"rpc error: code = InvalidArgument desc = config '%s' is in use by the following service: %s",
			c.Spec.Name, strings.Join(users, ", ")))
	}
	delete(d.configs, c.ID)
	d.record(OpConfigRemove, c.Spec.Name)
	return nil
}

func (d *Daemon) ConfigInspectWithRaw(ctx context.Context, name string) (swarm.Config, []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireManager(); err != nil {
		return swarm.Config{}, nil, err
	}
	c, err := d.findConfig(name)
	if err != nil {
		return swarm.Config{}, nil, err
	}
	cp := *c
	cp.Spec.Data = append([]byte(nil), c.Spec.Data...)
	raw, _ := json.Marshal(cp)
	return cp, raw, nil
}

func (d *Daemon) ServiceList(ctx context.Context, options swarm.ServiceListOptions) ([]swarm.Service, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.hook(OpServiceList, ""); err != nil {
		return nil, err
	}
	out := make([]swarm.Service, 0, len(d.services))
	for _, svc := range d.services {
		var cp swarm.Service
		deepCopy(&cp, *svc)
		out = append(out, cp)
	}
	return out, nil
}

func (d *Daemon) ServiceInspectWithRaw(ctx context.Context, serviceID string, options swarm.ServiceInspectOptions) (swarm.Service, []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	svc := d.services[serviceID]
	if svc == nil {
		svc = d.serviceByName(serviceID)
	}
	if svc == nil {
		return swarm.Service{}, nil, cerrdefs.ErrNotFound.WithMessage(fmt.Sprintf("service %s not found", serviceID))
	}
	var cp swarm.Service
	deepCopy(&cp, *svc)
	raw, _ := json.Marshal(cp)
	return cp, raw, nil
}

func (d *Daemon) ServiceUpdate(ctx context.Context, serviceID string, version swarm.Version, spec swarm.ServiceSpec, options swarm.ServiceUpdateOptions) (swarm.ServiceUpdateResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	svc := d.services[serviceID]
	if svc == nil {
		return swarm.ServiceUpdateResponse{}, cerrdefs.ErrNotFound.WithMessage(fmt.Sprintf("service %s not found", serviceID))
	}
	if err := d.hook(OpServiceUpdate, svc.Spec.Name); err != nil {
		return swarm.ServiceUpdateResponse{}, err
	}
	if version.Index != svc.Version.Index {
		return swarm.ServiceUpdateResponse{}, errors.New("rpc error: code = Unknown desc = update out of sequence")
	}

	var next swarm.ServiceSpec
	deepCopy(&next, spec)
	if err := d.checkRefs(&next); err != nil {
		return swarm.ServiceUpdateResponse{}, err
	}

	prev := svc.Spec
	d.index++
	svc.PreviousSpec = &prev
	svc.Spec = next
	svc.Version.Index = d.index
	svc.UpdatedAt = time.Now().UTC()

	name := svc.Spec.Name
	state := swarm.UpdateStateCompleted
	if forced, ok := d.updateState[name]; ok {
		state = forced
	} else if d.held[name] {
		state = swarm.UpdateStateUpdating
	}
	svc.UpdateStatus = &swarm.UpdateStatus{State: state, Message: "update " + string(state)}
	if !d.held[name] && state == swarm.UpdateStateCompleted {
		d.rollTasks(svc)
	}
	d.record(OpServiceUpdate, name)
	return swarm.ServiceUpdateResponse{}, nil
}

func (d *Daemon) TaskList(ctx context.Context, options swarm.TaskListOptions) ([]swarm.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.hook(OpTaskList, ""); err != nil {
		return nil, err
	}
	var out []swarm.Task
	for sid, tasks := range d.tasks {
		if !options.Filters.ExactMatch("service", sid) {
			continue
		}
		for _, t := range tasks {
			if !options.Filters.ExactMatch("desired-state", string(t.DesiredState)) {
				continue
			}
			var cp swarm.Task
			deepCopy(&cp, t)
			out = append(out, cp)
		}
	}
	return out, nil
}

func (d *Daemon) SwarmInit(ctx context.Context, req swarm.InitRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == swarm.LocalNodeStateActive {
		return "", cerrdefs.ErrUnavailable.WithMessage("This node is already part of a swarm.")
	}
	d.state = swarm.LocalNodeStateActive
	d.control = true
	d.record("SwarmInit", req.ListenAddr)
	return d.nodes[0].ID, nil
}

func (d *Daemon) SwarmJoin(ctx context.Context, req swarm.JoinRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == swarm.LocalNodeStateActive {
		return cerrdefs.ErrUnavailable.WithMessage("This node is already part of a swarm.")
	}
	d.state = swarm.LocalNodeStateActive
	d.control = strings.HasPrefix(req.JoinToken, "SWMTKN-1-manager")
	d.record("SwarmJoin", strings.Join(req.RemoteAddrs, ","))
	return nil
}

func (d *Daemon) SwarmLeave(ctx context.Context, force bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != swarm.LocalNodeStateActive {
		return cerrdefs.ErrUnavailable.WithMessage("This node is not part of a swarm")
	}
	if d.control && !force {
		return cerrdefs.ErrUnavailable.WithMessage(
			"You are attempting to leave the swarm on a node that is participating as a manager. Use `--force` to suppress this message.")
	}
	d.state = swarm.LocalNodeStateInactive
	d.control = false
	d.record("SwarmLeave", fmt.Sprint(force))
	return nil
}

func (d *Daemon) SwarmInspect(ctx context.Context) (swarm.Swarm, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireManager(); err != nil {
		return swarm.Swarm{}, err
	}
	return swarm.Swarm{
		ClusterInfo: swarm.ClusterInfo{ID: d.clusterID},
		JoinTokens: swarm.JoinTokens{
			Worker:  "SWMTKN-1-worker-token",
			Manager: "SWMTKN-1-manager-token",
		},
	}, nil
}

func (d *Daemon) NodeList(ctx context.Context, options swarm.NodeListOptions) ([]swarm.Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireManager(); err != nil {
		return nil, err
	}
	return append([]swarm.Node(nil), d.nodes...), nil
}

// ---------------------------------------------------------------------------
// internals (callers hold d.mu)
// ---------------------------------------------------------------------------

func (d *Daemon) hook(op, arg string) error {
	if h := d.hooks[op]; h != nil {
		return h(arg)
	}
	return nil
}

func (d *Daemon) record(op, arg string) {
	d.calls = append(d.calls, op+" "+arg)
}

func (d *Daemon) requireManager() error {
	if d.state != swarm.LocalNodeStateActive || !d.control {
		return cerrdefs.ErrUnavailable.WithMessage(
			"This node is not a swarm manager. Use \"docker swarm init\" or \"docker swarm join\" to connect this node to swarm and try again.")
	}
	return nil
}

func (d *Daemon) newID(prefix string) string {
	// 25 characters like swarmkit IDs; the counter keeps them unique and
	// the prefix keeps prefix lookups unambiguous across kinds.
	return fmt.Sprintf("%s%022d", prefix, d.index)
}

// findSecret resolves a full ID, exact name or unique ID prefix.
func (d *Daemon) findSecret(ref string) (*swarm.Secret, error) {
	if s, ok := d.secrets[ref]; ok {
		return s, nil
	}
	var byPrefix []*swarm.Secret
	for _, s := range d.secrets {
		if s.Spec.Name == ref {
			return s, nil
		}
		if ref != "" && strings.HasPrefix(s.ID, ref) {
			byPrefix = append(byPrefix, s)
		}
	}
	switch len(byPrefix) {
	case 1:
		return byPrefix[0], nil
	case 0:
		return nil, cerrdefs.ErrNotFound.WithMessage(fmt.Sprintf("secret %s not found", ref))
	default:
		return nil, cerrdefs.ErrInvalidArgument.WithMessage(fmt.Sprintf("secret %s is ambiguous (%d matches found)", ref, len(byPrefix)))
	}
}

func (d *Daemon) findConfig(ref string) (*swarm.Config, error) {
	if c, ok := d.configs[ref]; ok {
		return c, nil
	}
	var byPrefix []*swarm.Config
	for _, c := range d.configs {
		if c.Spec.Name == ref {
			return c, nil
		}
		if ref != "" && strings.HasPrefix(c.ID, ref) {
			byPrefix = append(byPrefix, c)
		}
	}
	switch len(byPrefix) {
	case 1:
		return byPrefix[0], nil
	case 0:
		return nil, cerrdefs.ErrNotFound.WithMessage(fmt.Sprintf("config %s not found", ref))
	default:
		return nil, cerrdefs.ErrInvalidArgument.WithMessage(fmt.Sprintf("config %s is ambiguous (%d matches found)", ref, len(byPrefix)))
	}
}

func (d *Daemon) serviceByName(name string) *swarm.Service {
	for _, svc := range d.services {
		if svc.Spec.Name == name {
			return svc
		}
	}
	return nil
}

// usersOf returns the sorted names of services whose spec satisfies uses.
func (d *Daemon) usersOf(uses func(*swarm.ContainerSpec) bool) []string {
	var names []string
	for _, svc := range d.services {
		if cs := svc.Spec.TaskTemplate.ContainerSpec; cs != nil && uses(cs) {
			names = append(names, svc.Spec.Name)
		}
	}
	sort.Strings(names)
	return names
}

// resolveRefs fills in missing object IDs from names, as the docker CLI
// does before submitting a service spec.
func (d *Daemon) resolveRefs(spec *swarm.ServiceSpec) error {
	cs := spec.TaskTemplate.ContainerSpec
	if cs == nil {
		return nil
	}
	for _, r := range cs.Secrets {
		if r.SecretID == "" {
			s, err := d.findSecret(r.SecretName)
			if err != nil {
				return err
			}
			r.SecretID = s.ID
		}
	}
	for _, r := range cs.Configs {
		if r.ConfigID == "" {
			c, err := d.findConfig(r.ConfigName)
			if err != nil {
				return err
			}
			r.ConfigID = c.ID
		}
	}
	return nil
}

// checkRefs rejects specs referencing objects that do not exist, as
// swarmkit's controlapi does.
func (d *Daemon) checkRefs(spec *swarm.ServiceSpec) error {
	cs := spec.TaskTemplate.ContainerSpec
	if cs == nil {
		return nil
	}
	for _, r := range cs.Secrets {
		if _, ok := d.secrets[r.SecretID]; !ok {
			return cerrdefs.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("rpc error: code = InvalidArgument desc = secret not found: %s", r.SecretID))
		}
	}
	for _, r := range cs.Configs {
		if _, ok := d.configs[r.ConfigID]; !ok {
			return cerrdefs.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("rpc error: code = InvalidArgument desc = config not found: %s", r.ConfigID))
		}
	}
	return nil
}

// rollTasks replaces the service's tasks with running tasks built from the
// current spec, the end state of a successful rolling update.
func (d *Daemon) rollTasks(svc *swarm.Service) {
	replicas := uint64(1)
	if r := svc.Spec.Mode.Replicated; r != nil && r.Replicas != nil {
		replicas = *r.Replicas
	}
	old := d.tasks[svc.ID]
	for i := range old {
		old[i].DesiredState = swarm.TaskStateShutdown
		old[i].Status.State = swarm.TaskStateShutdown
	}
	tasks := old
	for slot := 1; uint64(slot) <= replicas; slot++ {
		var spec swarm.TaskSpec
		deepCopy(&spec, svc.Spec.TaskTemplate)
		tasks = append(tasks, swarm.Task{
			ID:           fmt.Sprintf("task%s-%d-%d", svc.ID, svc.Version.Index, slot),
			Spec:         spec,
			ServiceID:    svc.ID,
			Slot:         slot,
			NodeID:       d.nodes[0].ID,
			Status:       swarm.TaskStatus{State: swarm.TaskStateRunning, Timestamp: time.Now().UTC()},
			DesiredState: swarm.TaskStateRunning,
		})
	}
	d.tasks[svc.ID] = tasks
}

func matchFilters(args filters.Args, id, name string, labels map[string]string) bool {
	if args.Len() == 0 {
		return true
	}
	if args.Contains("names") && !args.ExactMatch("names", name) {
		return false
	}
	if args.Contains("name") && !args.Match("name", name) {
		return false
	}
	if args.Contains("id") && !args.Match("id", id) {
		return false
	}
	return args.MatchKVList("label", labels)
}

func copyLabels(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// deepCopy copies src into dst through JSON so that nested pointers are
// never shared between the fake's state and its callers.
func deepCopy(dst, src any) {
	raw, err := json.Marshal(src)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		panic(err)
	}
}
