// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package call_api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rapidaai/careline/api/careline-api/config"
	internal_session "github.com/rapidaai/careline/api/careline-api/internal/session"
	internal_telephony "github.com/rapidaai/careline/api/careline-api/internal/telephony"
	internal_transcript "github.com/rapidaai/careline/api/careline-api/internal/transcript"
	"github.com/rapidaai/careline/pkg/commons"
)

// CallEngine is the orchestrator surface the HTTP layer drives.
type CallEngine interface {
	PlaceCall(ctx context.Context, req internal_session.CallRequest) (string, error)
	EndCall(sessionID string) error
	Active() []internal_session.Snapshot
}

// TranscriptReader serves finished conversations.
type TranscriptReader interface {
	GetConversation(ctx context.Context, conversationID string) (*internal_transcript.Conversation, error)
	GetTranscript(ctx context.Context, conversationID string) ([]internal_transcript.ConversationMessage, error)
}

type CallApi struct {
	cfg    *config.CarelineConfig
	logger commons.Logger
	engine CallEngine
	reader TranscriptReader
	// dialer is the alternate outbound trunk (Twilio). Optional; nil when
	// not configured.
	dialer internal_telephony.Dialer
}

func New(
	cfg *config.CarelineConfig,
	logger commons.Logger,
	engine CallEngine,
	reader TranscriptReader,
	dialer internal_telephony.Dialer,
) *CallApi {
	return &CallApi{
		cfg:    cfg,
		logger: logger,
		engine: engine,
		reader: reader,
		dialer: dialer,
	}
}

type createCallRequest struct {
	PatientName string `json:"patient_name"`
	ToNumber    string `json:"to_number" binding:"required"`
	CallerID    string `json:"caller_id"`
}

// CreatePhoneCall starts an outbound patient call.
func (ca *CallApi) CreatePhoneCall(c *gin.Context) {
	var req createCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sessionID, err := ca.engine.PlaceCall(c.Request.Context(), internal_session.CallRequest{
		PatientName: req.PatientName,
		ToNumber:    req.ToNumber,
		CallerID:    req.CallerID,
	})
	if err != nil {
		ca.logger.Error("Failed to place call", "to", req.ToNumber, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"conversation_id": sessionID})
}

// ActiveCalls lists in-flight calls.
func (ca *CallApi) ActiveCalls(c *gin.Context) {
	snapshots := ca.engine.Active()
	calls := make([]gin.H, 0, len(snapshots))
	for _, snap := range snapshots {
		calls = append(calls, gin.H{
			"conversation_id": snap.SessionID,
			"direction":       snap.Direction,
			"patient_name":    snap.PatientName,
			"to_number":       snap.ToNumber,
			"state":           string(snap.State),
			"started_at":      snap.StartedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"calls": calls})
}

// EndPhoneCall tears an active call down.
func (ca *CallApi) EndPhoneCall(c *gin.Context) {
	if err := ca.engine.EndCall(c.Param("conversationId")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "ending"})
}

type trunkDialRequest struct {
	ToNumber   string `json:"to_number" binding:"required"`
	FromNumber string `json:"from_number"`
}

// TrunkDial places a bare call over the alternate trunk, landing it on the
// PBX via SIP. Used to verify PSTN connectivity on the Twilio path without
// running a full AI session.
func (ca *CallApi) TrunkDial(c *gin.Context) {
	if ca.dialer == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no alternate trunk configured"})
		return
	}

	var req trunkDialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ref, err := ca.dialer.Dial(c.Request.Context(), req.ToNumber, req.FromNumber)
	if err != nil {
		ca.logger.Error("Trunk dial failed",
			"trunk", ca.dialer.Name(),
			"to", req.ToNumber,
			"error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"trunk": ca.dialer.Name(), "ref": string(ref)})
}

// TrunkCancel completes an in-flight trunk call.
func (ca *CallApi) TrunkCancel(c *gin.Context) {
	if ca.dialer == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no alternate trunk configured"})
		return
	}
	ref := internal_telephony.ChannelRef(c.Param("ref"))
	if err := ca.dialer.CancelDial(c.Request.Context(), ref); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelled"})
}

// GetConversation returns one conversation with its ordered transcript.
func (ca *CallApi) GetConversation(c *gin.Context) {
	conversationID := c.Param("conversationId")

	conv, err := ca.reader.GetConversation(c.Request.Context(), conversationID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	messages, err := ca.reader.GetTranscript(c.Request.Context(), conversationID)
	if err != nil {
		ca.logger.Error("Failed to load transcript", "conversation", conversationID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	transcript := make([]gin.H, 0, len(messages))
	for _, msg := range messages {
		transcript = append(transcript, gin.H{
			"role":       msg.Role,
			"text":       msg.Text,
			"created_at": msg.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation_id": conv.ID,
		"direction":       conv.Direction,
		"patient_name":    conv.PatientName,
		"to_number":       conv.ToNumber,
		"status":          conv.Status,
		"failure_reason":  conv.FailureReason,
		"summary":         conv.Summary,
		"started_at":      conv.StartedAt,
		"ended_at":        conv.EndedAt,
		"transcript":      transcript,
	})
}
