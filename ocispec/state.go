package ocispec

import (
	"encoding/json"
	"os"
	"time"

	cerrors "github.com/tetrate-labs/containervm-toolkit/errors"
)

// ContainerStatus is the running status of a container, per the OCI
// "state" operation.
type ContainerStatus string

const (
	StatusCreating ContainerStatus = "creating"
	StatusCreated  ContainerStatus = "created"
	StatusRunning  ContainerStatus = "running"
	StatusStopped  ContainerStatus = "stopped"
)

// State is the OCI-compliant container state document.
type State struct {
	Version     string            `json:"ociVersion"`
	ID          string            `json:"id"`
	Status      ContainerStatus   `json:"status"`
	Pid         int               `json:"pid,omitempty"`
	Bundle      string            `json:"bundle"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// ContainerState extends State with the bookkeeping the toolkit keeps
// in its own state directory, beyond what the OCI "state" command
// reports.
type ContainerState struct {
	State

	Created time.Time `json:"created"`
	Rootfs  string    `json:"rootfs"`
	Owner   string    `json:"owner,omitempty"`
	Config  *Spec     `json:"config,omitempty"`
}

// LoadState reads a ContainerState from a JSON file.
func LoadState(path string) (*ContainerState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrState, "load_state", path)
	}
	var s ContainerState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrParse, "load_state", path)
	}
	return &s, nil
}

// Save atomically persists the container state to path (temp file in
// the same directory, fsync, then rename).
func (s *ContainerState) Save(path string) error {
	return atomicWriteJSON(s, path)
}

// ToOCIState returns just the OCI-compliant state portion.
func (s *ContainerState) ToOCIState() *State {
	return &s.State
}
