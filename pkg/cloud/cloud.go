// Package cloud defines the compute, network and volume verbs the
// provisioning flows call, and the provider error codes they map from.
package cloud

import (
	"context"
	"errors"
	"fmt"
)

// VM status values reported by GetVM.
const (
	VMBuild  = "BUILD"
	VMActive = "ACTIVE"
	VMError  = "ERROR"
)

// Port is a network port attached to a VM.
type Port struct {
	ID        string `json:"id"`
	NetworkID string `json:"network_id"`
	Name      string `json:"name"`
	Address   string `json:"address"`
}

// Volume is a block device attached to a VM.
type Volume struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	SizeGB int    `json:"size_gb"`
}

// VM is a compute instance.
type VM struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Status    string   `json:"status"`
	Addresses []string `json:"addresses"`
}

// CreateVMRequest describes a VM to boot.
type CreateVMRequest struct {
	Name     string
	Flavor   string
	Image    string
	PortIDs  []string
	VolumeID string
	GroupID  string
	UserData string
}

// Kind names a resource type for FindByName.
type Kind string

const (
	KindPort    Kind = "port"
	KindVolume  Kind = "volume"
	KindVM      Kind = "vm"
	KindVMGroup Kind = "vm_group"
)

// Provider is the cloud API the flows drive. Every verb is synchronous.
type Provider interface {
	CreatePort(ctx context.Context, networkID, name string) (*Port, error)
	DeletePort(ctx context.Context, id string) error
	DeletePorts(ctx context.Context, ids []string) error
	CreateVolume(ctx context.Context, name string, sizeGB int) (*Volume, error)
	DeleteVolume(ctx context.Context, id string) error
	CreateVM(ctx context.Context, req CreateVMRequest) (*VM, error)
	GetVM(ctx context.Context, id string) (*VM, error)
	DeleteVM(ctx context.Context, id string) error
	ListVMInterfaces(ctx context.Context, vmID string) ([]string, error)
	CreateVMGroup(ctx context.Context, name, policy string) (string, error)
	DeleteVMGroup(ctx context.Context, id string) error

	// FindByName returns the IDs of every resource of kind named name. It
	// locates resources whose create call never reported back.
	FindByName(ctx context.Context, kind Kind, name string) ([]string, error)
}

// Code classifies provider errors.
type Code string

const (
	CodeNotFound    Code = "not_found"
	CodeOverLimit   Code = "over_limit"
	CodeBadRequest  Code = "bad_request"
	CodeConflict    Code = "conflict"
	CodeUnavailable Code = "unavailable"
)

// Error is returned by providers for API failures.
type Error struct {
	Code    Code
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a provider error.
func NewError(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the provider code carried by err, or "" if none.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsNotFound reports whether err is a provider not-found error.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}
