// Copyright 2026 The classrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/alwitt/classrelay/common"
	"github.com/alwitt/classrelay/producer"
	"github.com/alwitt/classrelay/registry"
	"github.com/alwitt/classrelay/session"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// APIRestRelayHandler REST and socket handler for the notification relay
type APIRestRelayHandler struct {
	goutils.RestAPIHandler
	subscriptions   registry.Registry
	emitter         producer.Emitter
	sessions        session.Manager
	upgrader        websocket.Upgrader
	transportParams session.TransportParams
	identityHeader  string
	readiness       ReadinessCheck
	validate        *validator.Validate
	baseContext     context.Context
}

// GetAPIRestRelayHandler define APIRestRelayHandler
func GetAPIRestRelayHandler(
	baseContext context.Context,
	subscriptions registry.Registry,
	emitter producer.Emitter,
	sessions session.Manager,
	httpConfig *common.HTTPConfig,
	wsConfig common.WebSocketConfig,
	readiness ReadinessCheck,
) (APIRestRelayHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "relay",
	}
	if readiness == nil {
		readiness = func() error { return nil }
	}
	params := session.ParamsFromConfig(wsConfig)
	return APIRestRelayHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		subscriptions: subscriptions,
		emitter:       emitter,
		sessions:      sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Origin policy is enforced by the session layer in front of the relay
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		transportParams: params.Transport,
		identityHeader:  wsConfig.IdentityHeader,
		readiness:       readiness,
		validate:        validator.New(),
		baseContext:     baseContext,
	}, nil
}

// =======================================================================
// Client socket

// ConnectSocket upgrade the request to a relay socket and serve it until it closes
func (h APIRestRelayHandler) ConnectSocket(w http.ResponseWriter, r *http.Request) {
	logTags := h.GetLogTagsForContext(r.Context())
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied with an HTTP error
		log.WithError(err).WithFields(logTags).Error("Socket upgrade failed")
		return
	}
	identity := ""
	if h.identityHeader != "" {
		identity = r.Header.Get(h.identityHeader)
	}
	transport := session.NewWebSocketTransport(conn, h.transportParams)
	client, err := h.sessions.Accept(h.baseContext, transport, identity)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to accept socket session")
		return
	}
	client.Serve(h.baseContext)
}

// ConnectSocketHandler Wrapper around ConnectSocket
func (h APIRestRelayHandler) ConnectSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ConnectSocket(w, r)
	}
}

// =======================================================================
// Course notifications

// readCourseID parse the course ID path parameter
func readCourseID(r *http.Request) (uint64, error) {
	vars := mux.Vars(r)
	raw, ok := vars["courseID"]
	if !ok {
		return 0, fmt.Errorf("no course ID provided")
	}
	courseID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("course ID '%s' is not a number", raw)
	}
	if courseID == 0 {
		return 0, fmt.Errorf("course ID must be positive")
	}
	return courseID, nil
}

// APIRestReqNotification notification emit request
type APIRestReqNotification struct {
	Kind    common.NotificationKind `json:"kind" validate:"required,oneof=assignment announcement grade info"`
	Title   string                  `json:"title" validate:"required"`
	Message string                  `json:"message"`
}

// PublishNotification godoc
// @Summary Emit a notification to a course
// @Description Deliver a notification to every connection currently following the course
// @tags Relay
// @Accept json
// @Produce json
// @Param Classrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param courseID path string true "Course ID"
// @Param notification body APIRestReqNotification true "Notification to emit"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Classrelay-Request-ID "Request ID to match against logs"
// @Router /v1/course/{courseID}/notification [post]
func (h APIRestRelayHandler) PublishNotification(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	courseID, err := readCourseID(r)
	if err != nil {
		msg := "Invalid course ID"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	var params APIRestReqNotification
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Invalid notification"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	h.emitter.Emit(courseID, params.Kind, params.Title, params.Message)

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// PublishNotificationHandler Wrapper around PublishNotification
func (h APIRestRelayHandler) PublishNotificationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.PublishNotification(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespCourseSubscribers response for listing the subscribers of a course
type APIRestRespCourseSubscribers struct {
	goutils.RestAPIBaseResponse
	// CourseID the course
	CourseID uint64 `json:"courseId"`
	// Connections IDs of the connections subscribed to the course
	Connections []string `json:"connections"`
}

// GetCourseSubscribers godoc
// @Summary List the subscribers of a course
// @Description List the IDs of connections currently subscribed to a course on this relay
// @tags Relay
// @Produce json
// @Param Classrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param courseID path string true "Course ID"
// @Success 200 {object} APIRestRespCourseSubscribers "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Classrelay-Request-ID "Request ID to match against logs"
// @Router /v1/course/{courseID}/subscriber [get]
func (h APIRestRelayHandler) GetCourseSubscribers(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	courseID, err := readCourseID(r)
	if err != nil {
		msg := "Invalid course ID"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespCourseSubscribers{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		CourseID:    courseID,
		Connections: h.subscriptions.MembersOf(courseID),
	}
}

// GetCourseSubscribersHandler Wrapper around GetCourseSubscribers
func (h APIRestRelayHandler) GetCourseSubscribersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetCourseSubscribers(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespRelayStats response for the relay stats query
type APIRestRespRelayStats struct {
	goutils.RestAPIBaseResponse
	// Registry the subscription registry size
	Registry registry.Stats `json:"registry"`
	// Sessions number of live socket sessions
	Sessions int `json:"sessions"`
}

// GetStats godoc
// @Summary Relay stats
// @Description Report the number of live sessions and subscriptions on this relay
// @tags Relay
// @Produce json
// @Param Classrelay-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespRelayStats "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/stats [get]
func (h APIRestRelayHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespRelayStats{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Registry: h.subscriptions.Stats(),
		Sessions: h.sessions.ActiveSessions(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetStatsHandler Wrapper around GetStats
func (h APIRestRelayHandler) GetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetStats(w, r)
	}
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For relay liveness check
// @Description Will return success to indicate the relay is live
// @tags Relay
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/alive [get]
func (h APIRestRelayHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestRelayHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For relay readiness check
// @Description Will return success if the relay is ready for use
// @tags Relay
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestRelayHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()
	if err := h.readiness(); err != nil {
		msg := "Relay not ready"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestRelayHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
