package registry

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// ServiceDefinition describes one deployable backend service. It is
// replaced wholesale on every registry push.
type ServiceDefinition struct {
	UniqueID    string `json:"uniqueId" yaml:"uniqueId"`
	ServiceID   string `json:"serviceId" yaml:"serviceId"`
	Version     string `json:"version" yaml:"version"`
	Protocol    string `json:"protocol" yaml:"protocol"`
	PatternPath string `json:"patternPath" yaml:"patternPath"`
	Enable      *bool  `json:"enable,omitempty" yaml:"enable"`
}

// Enabled reports whether the definition routes traffic. An omitted enable
// flag means enabled.
func (d *ServiceDefinition) Enabled() bool {
	return d.Enable == nil || *d.Enable
}

// ServiceInstance is one reachable process of a ServiceDefinition.
type ServiceInstance struct {
	InstanceID   string `json:"instanceId" yaml:"instanceId"`
	UniqueID     string `json:"uniqueId" yaml:"uniqueId"`
	IP           string `json:"ip" yaml:"ip"`
	Port         int    `json:"port" yaml:"port"`
	Weight       int    `json:"weight" yaml:"weight"`
	RegisterTime int64  `json:"registerTime" yaml:"registerTime"`
	Version      string `json:"version,omitempty" yaml:"version"`
	Gray         bool   `json:"gray" yaml:"gray"`
	Enable       *bool  `json:"enable,omitempty" yaml:"enable"`
}

// Enabled reports whether the instance may be selected. An omitted enable
// flag means enabled.
func (i *ServiceInstance) Enabled() bool {
	return i.Enable == nil || *i.Enable
}

// Flag returns a pointer to b, for setting Enable explicitly.
func Flag(b bool) *bool {
	return &b
}

// Address returns host:port for dialing the instance.
func (i *ServiceInstance) Address() string {
	return net.JoinHostPort(i.IP, strconv.Itoa(i.Port))
}

// URL returns the base URL of the instance
func (i *ServiceInstance) URL() string {
	return "http://" + i.Address()
}

// UniqueID joins a service id and version into the definition key.
func UniqueID(serviceID, version string) string {
	return serviceID + ":" + version
}

// InstanceID builds the ip:port instance key.
func InstanceID(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}

// Normalize fills derived fields left empty by the publisher.
func Normalize(def *ServiceDefinition, inst *ServiceInstance) {
	if def != nil && def.UniqueID == "" {
		def.UniqueID = UniqueID(def.ServiceID, def.Version)
	}
	if def != nil && def.Enable == nil {
		def.Enable = Flag(true)
	}
	if inst == nil {
		return
	}
	if inst.Enable == nil {
		inst.Enable = Flag(true)
	}
	if inst.InstanceID == "" {
		inst.InstanceID = InstanceID(inst.IP, inst.Port)
	}
	if inst.UniqueID == "" && def != nil {
		inst.UniqueID = def.UniqueID
	}
	if inst.Version == "" && def != nil {
		inst.Version = def.Version
	}
	if inst.RegisterTime == 0 {
		inst.RegisterTime = time.Now().UnixMilli()
	}
	if inst.Weight == 0 {
		inst.Weight = 100
	}
}

// Listener receives full snapshots of one service: its definition and the
// complete instance set.
type Listener interface {
	OnServiceChange(def *ServiceDefinition, instances []*ServiceInstance)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(def *ServiceDefinition, instances []*ServiceInstance)

// OnServiceChange calls f.
func (f ListenerFunc) OnServiceChange(def *ServiceDefinition, instances []*ServiceInstance) {
	f(def, instances)
}

// Registry is the service discovery collaborator. Implementations are
// constructed against an address and an environment namespace.
type Registry interface {
	// Register publishes an instance of def.
	Register(ctx context.Context, def *ServiceDefinition, inst *ServiceInstance) error

	// Deregister withdraws an instance of def.
	Deregister(ctx context.Context, def *ServiceDefinition, inst *ServiceInstance) error

	// SubscribeAllServices pushes a snapshot for every known service now
	// and again whenever one changes, until ctx is cancelled.
	SubscribeAllServices(ctx context.Context, l Listener) error

	// Close closes the registry connection
	Close() error
}

// RegistryType represents the type of registry
type RegistryType string

const (
	TypeConsul RegistryType = "consul"
	TypeEtcd   RegistryType = "etcd"
	TypeMemory RegistryType = "memory"
)

// DefaultEnv is the namespace used when none is configured.
const DefaultEnv = "dev"

// ErrServiceNotFound is returned when a service is not found
var ErrServiceNotFound = fmt.Errorf("service not found")

// ErrRegistryUnavailable is returned when the registry is not available
var ErrRegistryUnavailable = fmt.Errorf("registry unavailable")
