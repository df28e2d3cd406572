package storage

import (
	"github.com/KohakuBlueleaf/kohakuriver/pkg/types"
)

// Store is the host's authoritative catalogue. Implemented by BoltStore.
type Store interface {
	// Nodes
	CreateNode(node *types.Node) error
	GetNode(hostname string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	UpdateNode(node *types.Node) error

	// Tasks. Rows are keyed by task id and never deleted; UpdateTask is a
	// whole-row put keyed by primary key, which is what serialises writers.
	CreateTask(task *types.Task) error
	GetTask(id int64) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	ListTasksByNode(hostname string) ([]*types.Task, error)
	UpdateTask(task *types.Task) error

	// Users
	CreateUser(user *types.User) error
	GetUser(name string) (*types.User, error)
	ListUsers() ([]*types.User, error)

	// VPS assignments
	CreateVPSAssignment(a *types.VPSAssignment) error
	GetVPSAssignment(taskID int64) (*types.VPSAssignment, error)
	ListVPSAssignments() ([]*types.VPSAssignment, error)
	DeleteVPSAssignment(taskID int64) error

	// Utility
	Close() error
}
