package common

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

func TestEnvelopeDecoding(t *testing.T) {
	assert := assert.New(t)
	validate := validator.New()

	// Case 0: subscribe round trip
	{
		raw, err := EncodeEnvelope(EventSubscribe, SubscribeRequest{CourseID: 7})
		assert.Nil(err)
		var env Envelope
		assert.Nil(json.Unmarshal(raw, &env))
		assert.Equal(EventSubscribe, env.Event)
		var req SubscribeRequest
		assert.Nil(DecodeEnvelopeData(env, &req, validate))
		assert.Equal(uint64(7), req.CourseID)
	}

	// Case 1: missing payload
	{
		var req SubscribeRequest
		assert.NotNil(DecodeEnvelopeData(Envelope{Event: EventSubscribe}, &req, validate))
	}

	// Case 2: wrong payload shape
	{
		env := Envelope{Event: EventSubscribe, Data: []byte(`{"courseId":"seven"}`)}
		var req SubscribeRequest
		assert.NotNil(DecodeEnvelopeData(env, &req, validate))
	}

	// Case 3: course ID must be positive
	{
		env := Envelope{Event: EventSubscribe, Data: []byte(`{"courseId":0}`)}
		var req SubscribeRequest
		assert.NotNil(DecodeEnvelopeData(env, &req, validate))
	}

	// Case 4: notify with unknown kind
	{
		env := Envelope{
			Event: EventNotify,
			Data:  []byte(`{"courseId":3,"kind":"gossip","title":"x","message":"y"}`),
		}
		var req NotifyRequest
		assert.NotNil(DecodeEnvelopeData(env, &req, validate))
	}

	// Case 5: notify with empty title
	{
		env := Envelope{
			Event: EventNotify,
			Data:  []byte(`{"courseId":3,"kind":"grade","title":"","message":"y"}`),
		}
		var req NotifyRequest
		assert.NotNil(DecodeEnvelopeData(env, &req, validate))
	}

	// Case 6: valid notify
	{
		env := Envelope{
			Event: EventNotify,
			Data:  []byte(`{"courseId":3,"kind":"grade","title":"Posted","message":"y"}`),
		}
		var req NotifyRequest
		assert.Nil(DecodeEnvelopeData(env, &req, validate))
		assert.Equal(KindGrade, req.Kind)
	}
}

func TestNotificationValidation(t *testing.T) {
	assert := assert.New(t)
	validate := validator.New()

	n := NewNotification(9, KindAnnouncement, "Welcome", "hello class")
	assert.Nil(validate.Struct(&n))
	assert.False(n.Timestamp.IsZero())

	n = NewNotification(0, KindAnnouncement, "Welcome", "hello class")
	assert.NotNil(validate.Struct(&n))

	n = NewNotification(9, KindInfo, "", "hello class")
	assert.NotNil(validate.Struct(&n))
}
