package common

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// NotificationKind category of a course notification
type NotificationKind string

const (
	// KindAssignment a new or updated assignment
	KindAssignment NotificationKind = "assignment"
	// KindAnnouncement a course announcement
	KindAnnouncement NotificationKind = "announcement"
	// KindGrade a grade was posted
	KindGrade NotificationKind = "grade"
	// KindInfo general information
	KindInfo NotificationKind = "info"
)

// Notification one "something happened" event targeting a course.
//
// A notification is created once by a producer and never mutated.
type Notification struct {
	// Kind is the notification category
	Kind NotificationKind `json:"kind" validate:"required,oneof=assignment announcement grade info"`
	// Title is the short headline
	Title string `json:"title" validate:"required"`
	// Message is the notification body
	Message string `json:"message"`
	// CourseID is the target course
	CourseID uint64 `json:"courseId" validate:"required,gt=0"`
	// Timestamp is when the producer created the notification
	Timestamp time.Time `json:"timestamp"`
}

// NewNotification define a new notification, stamped with the current time
func NewNotification(
	courseID uint64, kind NotificationKind, title, message string,
) Notification {
	return Notification{
		Kind:      kind,
		Title:     title,
		Message:   message,
		CourseID:  courseID,
		Timestamp: time.Now().UTC(),
	}
}

// String toString function
func (n Notification) String() string {
	return fmt.Sprintf("COURSE[%d]:%s:'%s'", n.CourseID, n.Kind, n.Title)
}

// ===============================================================================
// Socket wire messages

// Socket envelope event names
const (
	EventSubscribe    = "subscribe"
	EventUnsubscribe  = "unsubscribe"
	EventNotify       = "notify"
	EventNotification = "notification"
	EventSubscribed   = "subscribed"
	EventError        = "error"
)

// Envelope is the framing of every socket message in either direction
type Envelope struct {
	// Event is the message type
	Event string `json:"event" validate:"required"`
	// Data is the event specific payload
	Data json.RawMessage `json:"data,omitempty"`
}

// SubscribeRequest client request to receive notifications of a course
type SubscribeRequest struct {
	CourseID uint64 `json:"courseId" validate:"required,gt=0"`
}

// NotifyRequest trusted client request to emit a notification to a course
type NotifyRequest struct {
	CourseID uint64           `json:"courseId" validate:"required,gt=0"`
	Kind     NotificationKind `json:"kind" validate:"required,oneof=assignment announcement grade info"`
	Title    string           `json:"title" validate:"required"`
	Message  string           `json:"message"`
}

// SubscribedResponse server acknowledgment of a subscribe request
type SubscribedResponse struct {
	CourseID uint64 `json:"courseId"`
	Message  string `json:"message"`
}

// ErrorResponse server rejection of one inbound message
type ErrorResponse struct {
	Message string `json:"message"`
}

// EncodeEnvelope serialize an event with its payload
func EncodeEnvelope(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Envelope{Event: event, Data: data})
}

// DecodeEnvelopeData parse and validate an envelope payload
func DecodeEnvelopeData(env Envelope, target interface{}, validate *validator.Validate) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("event '%s' is missing its payload", env.Event)
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		return err
	}
	return validate.Struct(target)
}
