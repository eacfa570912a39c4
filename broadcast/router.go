// Package broadcast delivers notifications to the connections subscribed to their course.
package broadcast

import (
	"context"
	"fmt"

	"github.com/alwitt/classrelay/common"
	"github.com/alwitt/classrelay/registry"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classrelay_broadcast_notifications_total",
		Help: "Total number of notifications published by kind",
	}, []string{"kind"})

	attemptedPushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classrelay_broadcast_push_attempts_total",
		Help: "Total number of per-connection notification pushes attempted",
	})

	failedPushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classrelay_broadcast_push_failures_total",
		Help: "Total number of per-connection notification pushes which failed",
	})
)

// Router fans out a notification to the subscribers of its course
type Router interface {
	// Publish push a notification to every connection subscribed to its course.
	//
	// Returns the number of connections a push was attempted on. Delivery is fire-and-forget.
	Publish(ctxt context.Context, notification common.Notification) (int, error)
}

// routerImpl implements Router
type routerImpl struct {
	common.Component
	registry registry.Registry
	validate *validator.Validate
}

// NewRouter define a new broadcast router on top of a subscription registry
func NewRouter(subscriptions registry.Registry, instance string) Router {
	logTags := log.Fields{
		"module": "broadcast", "component": "router", "instance": instance,
	}
	return &routerImpl{
		Component: common.Component{LogTags: logTags},
		registry:  subscriptions,
		validate:  validator.New(),
	}
}

// Publish push a notification to every connection subscribed to its course
func (r *routerImpl) Publish(ctxt context.Context, notification common.Notification) (int, error) {
	if err := r.validate.Struct(&notification); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Invalid notification %s", notification)
		return 0, fmt.Errorf("invalid notification: %w", err)
	}
	publishedNotifications.WithLabelValues(string(notification.Kind)).Inc()

	// Snapshot is taken under the registry lock, pushes happen outside of it
	targets := r.registry.Subscribers(notification.CourseID)
	if len(targets) == 0 {
		log.WithFields(r.LogTags).Debugf("No subscribers for %s", notification)
		return 0, nil
	}

	attempted := 0
	for _, conn := range targets {
		if ctxt.Err() != nil {
			log.WithError(ctxt.Err()).WithFields(r.LogTags).Warnf(
				"Broadcast of %s stopped after %d of %d pushes", notification, attempted, len(targets),
			)
			break
		}
		attempted++
		attemptedPushes.Inc()
		if err := r.push(conn, notification); err != nil {
			failedPushes.Inc()
			log.WithError(err).WithFields(r.LogTags).Warnf(
				"Failed to push %s to connection %s", notification, conn.ID(),
			)
		}
	}
	log.WithFields(r.LogTags).Debugf("Pushed %s to %d connections", notification, attempted)
	return attempted, nil
}

// push deliver to one connection, turning a panic in Push into an error
func (r *routerImpl) push(conn registry.Connection, notification common.Notification) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("push panicked: %v", recovered)
		}
	}()
	return conn.Push(notification)
}
