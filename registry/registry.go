// Package registry tracks which live connections are subscribed to which course.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/alwitt/classrelay/common"
	"github.com/apex/log"
)

// ErrNotRegistered the connection is not (or no longer) registered
var ErrNotRegistered = errors.New("connection not registered")

// Connection is one live client transport session as seen by the registry
type Connection interface {
	// ID is the unique connection identifier assigned at accept time
	ID() string
	// Push best-effort, non-blocking delivery of one notification to the client
	Push(notification common.Notification) error
}

// Stats point in time registry size
type Stats struct {
	// Connections is the number of registered connections
	Connections int `json:"connections"`
	// Courses is the number of courses with at least one subscriber
	Courses int `json:"courses"`
	// Subscriptions is the total number of connection / course pairs
	Subscriptions int `json:"subscriptions"`
}

// Registry in-memory store of all current subscriptions
type Registry interface {
	// Register insert a new connection with no subscriptions. Registering an
	// already known connection is a no-op.
	Register(conn Connection)
	// Unregister remove a connection and all of its subscriptions. Unknown
	// connections are ignored.
	Unregister(connID string)
	// Subscribe add a course to a connection's subscriptions
	Subscribe(connID string, courseID uint64) error
	// Unsubscribe remove a course from a connection's subscriptions
	Unsubscribe(connID string, courseID uint64) error
	// MembersOf IDs of the connections currently subscribed to a course
	MembersOf(courseID uint64) []string
	// Subscribers the connections currently subscribed to a course
	Subscribers(courseID uint64) []Connection
	// SubscriptionsOf the courses a connection is subscribed to
	SubscriptionsOf(connID string) ([]uint64, error)
	// Stats current registry size
	Stats() Stats
}

// connectionEntry one registered connection and its course set
type connectionEntry struct {
	conn    Connection
	courses map[uint64]bool
}

// registryImpl implements Registry
type registryImpl struct {
	common.Component
	lock        sync.RWMutex
	connections map[string]*connectionEntry
	// courses is the reverse index course -> connection ID set
	courses map[uint64]map[string]bool
}

// NewRegistry define a new empty registry
func NewRegistry(instance string) Registry {
	logTags := log.Fields{
		"module": "registry", "component": "subscription-registry", "instance": instance,
	}
	return &registryImpl{
		Component:   common.Component{LogTags: logTags},
		connections: make(map[string]*connectionEntry),
		courses:     make(map[uint64]map[string]bool),
	}
}

// Register insert a new connection with no subscriptions
func (r *registryImpl) Register(conn Connection) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.connections[conn.ID()]; ok {
		log.WithFields(r.LogTags).Debugf("Connection %s already registered", conn.ID())
		return
	}
	r.connections[conn.ID()] = &connectionEntry{conn: conn, courses: make(map[uint64]bool)}
	log.WithFields(r.LogTags).Debugf("Registered connection %s", conn.ID())
}

// Unregister remove a connection and all of its subscriptions
func (r *registryImpl) Unregister(connID string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.connections[connID]
	if !ok {
		return
	}
	for courseID := range entry.courses {
		r.dropFromCourse(connID, courseID)
	}
	delete(r.connections, connID)
	log.WithFields(r.LogTags).Debugf(
		"Unregistered connection %s with %d subscriptions", connID, len(entry.courses),
	)
}

// dropFromCourse remove a connection from the reverse index. Caller holds the lock.
func (r *registryImpl) dropFromCourse(connID string, courseID uint64) {
	members, ok := r.courses[courseID]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.courses, courseID)
	}
}

// Subscribe add a course to a connection's subscriptions
func (r *registryImpl) Subscribe(connID string, courseID uint64) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.connections[connID]
	if !ok {
		return fmt.Errorf("subscribe %s to course %d: %w", connID, courseID, ErrNotRegistered)
	}
	entry.courses[courseID] = true
	members, ok := r.courses[courseID]
	if !ok {
		members = make(map[string]bool)
		r.courses[courseID] = members
	}
	members[connID] = true
	return nil
}

// Unsubscribe remove a course from a connection's subscriptions
func (r *registryImpl) Unsubscribe(connID string, courseID uint64) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.connections[connID]
	if !ok {
		return fmt.Errorf("unsubscribe %s from course %d: %w", connID, courseID, ErrNotRegistered)
	}
	delete(entry.courses, courseID)
	r.dropFromCourse(connID, courseID)
	return nil
}

// MembersOf IDs of the connections currently subscribed to a course
func (r *registryImpl) MembersOf(courseID uint64) []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	members := r.courses[courseID]
	result := make([]string, 0, len(members))
	for connID := range members {
		result = append(result, connID)
	}
	sort.Strings(result)
	return result
}

// Subscribers the connections currently subscribed to a course
func (r *registryImpl) Subscribers(courseID uint64) []Connection {
	r.lock.RLock()
	defer r.lock.RUnlock()
	members := r.courses[courseID]
	result := make([]Connection, 0, len(members))
	for connID := range members {
		result = append(result, r.connections[connID].conn)
	}
	return result
}

// SubscriptionsOf the courses a connection is subscribed to
func (r *registryImpl) SubscriptionsOf(connID string) ([]uint64, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	entry, ok := r.connections[connID]
	if !ok {
		return nil, fmt.Errorf("read subscriptions of %s: %w", connID, ErrNotRegistered)
	}
	result := make([]uint64, 0, len(entry.courses))
	for courseID := range entry.courses {
		result = append(result, courseID)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

// Stats current registry size
func (r *registryImpl) Stats() Stats {
	r.lock.RLock()
	defer r.lock.RUnlock()
	stats := Stats{Connections: len(r.connections), Courses: len(r.courses)}
	for _, members := range r.courses {
		stats.Subscriptions += len(members)
	}
	return stats
}
