// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package call_api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/careline/api/careline-api/config"
	internal_session "github.com/rapidaai/careline/api/careline-api/internal/session"
	internal_telephony "github.com/rapidaai/careline/api/careline-api/internal/telephony"
	internal_transcript "github.com/rapidaai/careline/api/careline-api/internal/transcript"
	"github.com/rapidaai/careline/pkg/commons"
)

func newTestLogger(t *testing.T) commons.Logger {
	t.Helper()
	logger, err := commons.NewApplicationLogger(
		commons.Name("test-call-api"),
		commons.Path(t.TempDir()),
		commons.Level("debug"),
		commons.Console(false),
	)
	if err != nil {
		t.Fatalf("failed to create test logger: %v", err)
	}
	return logger
}

type fakeEngine struct {
	placed []internal_session.CallRequest
	ended  []string
	active []internal_session.Snapshot
	err    error
}

func (f *fakeEngine) PlaceCall(_ context.Context, req internal_session.CallRequest) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.placed = append(f.placed, req)
	return "conv-1", nil
}

func (f *fakeEngine) EndCall(sessionID string) error {
	for _, snap := range f.active {
		if snap.SessionID == sessionID {
			f.ended = append(f.ended, sessionID)
			return nil
		}
	}
	return fmt.Errorf("no active call session %s", sessionID)
}

func (f *fakeEngine) Active() []internal_session.Snapshot { return f.active }

type fakeReader struct {
	conv     *internal_transcript.Conversation
	messages []internal_transcript.ConversationMessage
}

func (f *fakeReader) GetConversation(_ context.Context, id string) (*internal_transcript.Conversation, error) {
	if f.conv == nil || f.conv.ID != id {
		return nil, fmt.Errorf("conversation %s not found", id)
	}
	return f.conv, nil
}

func (f *fakeReader) GetTranscript(context.Context, string) ([]internal_transcript.ConversationMessage, error) {
	return f.messages, nil
}

func newTestRouter(t *testing.T, engine *fakeEngine, reader *fakeReader) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	api := New(&config.CarelineConfig{Name: "careline-api"}, newTestLogger(t), engine, reader, nil)
	r.POST("/v1/call/create-phone-call", api.CreatePhoneCall)
	r.GET("/v1/call/active", api.ActiveCalls)
	r.DELETE("/v1/call/:conversationId", api.EndPhoneCall)
	r.GET("/v1/call/conversation/:conversationId", api.GetConversation)
	return r
}

func TestCreatePhoneCall(t *testing.T) {
	engine := &fakeEngine{}
	router := newTestRouter(t, engine, &fakeReader{})

	body := `{"patient_name":"Dorothy","to_number":"PJSIP/+15550001111"}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/call/create-phone-call",
		strings.NewReader(body)))

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "conv-1", resp["conversation_id"])
	require.Len(t, engine.placed, 1)
	assert.Equal(t, "Dorothy", engine.placed[0].PatientName)
}

func TestCreatePhoneCallRequiresNumber(t *testing.T) {
	router := newTestRouter(t, &fakeEngine{}, &fakeReader{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/call/create-phone-call",
		strings.NewReader(`{"patient_name":"Dorothy"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestActiveAndEndCall(t *testing.T) {
	engine := &fakeEngine{active: []internal_session.Snapshot{{
		SessionID: "conv-1", PatientName: "Dorothy",
		State: internal_session.StateBridged, StartedAt: time.Now(),
	}}}
	router := newTestRouter(t, engine, &fakeReader{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/call/active", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "bridged")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/call/conv-1", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"conv-1"}, engine.ended)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/call/conv-9", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type fakeDialer struct {
	dialed    []string
	cancelled []string
}

func (f *fakeDialer) Name() string { return "twilio" }

func (f *fakeDialer) Dial(_ context.Context, toNumber, _ string) (internal_telephony.ChannelRef, error) {
	f.dialed = append(f.dialed, toNumber)
	return "CA123", nil
}

func (f *fakeDialer) CancelDial(_ context.Context, ref internal_telephony.ChannelRef) error {
	f.cancelled = append(f.cancelled, string(ref))
	return nil
}

func TestTrunkDialAndCancel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dialer := &fakeDialer{}
	r := gin.New()
	api := New(&config.CarelineConfig{Name: "careline-api"}, newTestLogger(t), &fakeEngine{}, &fakeReader{}, dialer)
	r.POST("/v1/call/trunk/dial", api.TrunkDial)
	r.DELETE("/v1/call/trunk/:ref", api.TrunkCancel)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/call/trunk/dial",
		strings.NewReader(`{"to_number":"+15550001111"}`)))
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), "CA123")
	assert.Equal(t, []string{"+15550001111"}, dialer.dialed)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/call/trunk/CA123", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"CA123"}, dialer.cancelled)
}

func TestTrunkDialWithoutDialerConfigured(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	api := New(&config.CarelineConfig{Name: "careline-api"}, newTestLogger(t), &fakeEngine{}, &fakeReader{}, nil)
	r.POST("/v1/call/trunk/dial", api.TrunkDial)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/call/trunk/dial",
		strings.NewReader(`{"to_number":"+15550001111"}`)))
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestGetConversationWithTranscript(t *testing.T) {
	reader := &fakeReader{
		conv: &internal_transcript.Conversation{
			ID: "conv-1", PatientName: "Dorothy",
			Status: internal_transcript.ConversationCompleted,
			Summary: "Patient doing well.",
		},
		messages: []internal_transcript.ConversationMessage{
			{Role: "patient", Text: "Hello?"},
			{Role: "assistant", Text: "How are you feeling today?"},
		},
	}
	router := newTestRouter(t, &fakeEngine{}, reader)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/call/conversation/conv-1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Patient doing well.")
	assert.Contains(t, w.Body.String(), "How are you feeling today?")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/call/conversation/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
