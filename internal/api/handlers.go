/**
 * @description
 * This file contains the HTTP handlers for the settlement-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * Amounts cross this boundary as decimal strings ("50000.00"); everything past
 * the handlers works in integer minor units.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/rules, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stablerail/settlement-service/internal/app"
	"github.com/stablerail/settlement-service/internal/domain"
	"github.com/stablerail/settlement-service/internal/rules"
	"github.com/stablerail/settlement-service/internal/store"
)

// TransferHandlers holds the application service that handlers will use.
type TransferHandlers struct {
	service *app.Service
}

// NewTransferHandlers creates a new instance of TransferHandlers.
func NewTransferHandlers(service *app.Service) *TransferHandlers {
	return &TransferHandlers{service: service}
}

// transferResponse is the wire representation of a transfer. Amounts are
// rendered back as decimal strings.
type transferResponse struct {
	TransferID       string               `json:"transfer_id"`
	BankID           string               `json:"bank_id"`
	SourceWalletID   string               `json:"source_wallet_id"`
	DestWalletID     string               `json:"destination_wallet_id"`
	Amount           string               `json:"amount"`
	Currency         string               `json:"currency"`
	State            string               `json:"state"`
	Rule             *domain.RuleSnapshot `json:"rule,omitempty"`
	ApprovalsGiven   int                  `json:"approvals_given"`
	ApprovalDeadline *time.Time           `json:"approval_deadline,omitempty"`
	ComplianceFlag   *bool                `json:"compliance_flag,omitempty"`
	FailureReason    *string              `json:"failure_reason,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

func buildTransferResponse(t *domain.TransferRequest) transferResponse {
	return transferResponse{
		TransferID:       t.ID.String(),
		BankID:           t.BankID.String(),
		SourceWalletID:   t.SourceWalletID.String(),
		DestWalletID:     t.DestWalletID.String(),
		Amount:           domain.FormatAmount(t.Amount),
		Currency:         t.Currency,
		State:            string(t.State),
		Rule:             t.Rule,
		ApprovalsGiven:   len(t.ApproverIDs),
		ApprovalDeadline: t.ApprovalDeadline,
		ComplianceFlag:   t.ComplianceFlag,
		FailureReason:    t.FailureReason,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

// authenticatedUserUUID resolves the JWT subject into a user UUID, writing the
// error response itself when that fails.
func (h *TransferHandlers) authenticatedUserUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userIDStr, ok := GetAuthenticatedUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		log.Printf("level=warn component=api outcome=reject reason=invalid_user_id subject=%s", userIDStr)
		h.writeError(w, http.StatusUnauthorized, "Invalid user ID in token")
		return uuid.Nil, false
	}
	return userID, true
}

// transferIDFromURL parses the {transferID} path parameter.
func (h *TransferHandlers) transferIDFromURL(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idStr := chi.URLParam(r, "transferID")
	transferID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transfer ID format")
		return uuid.Nil, false
	}
	return transferID, true
}

// InitiateTransferHandler handles requests to create a new transfer.
func (h *TransferHandlers) InitiateTransferHandler(w http.ResponseWriter, r *http.Request) {
	initiatorID, ok := h.authenticatedUserUUID(w, r)
	if !ok {
		return
	}

	var req domain.InitiateTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=initiate_transfer outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	bankID, err := uuid.Parse(req.BankID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid bank_id format")
		return
	}
	sourceWalletID, err := uuid.Parse(req.SourceWalletID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid source_wallet_id format")
		return
	}
	destWalletID, err := uuid.Parse(req.DestWalletID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid destination_wallet_id format")
		return
	}
	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid amount: %v", err))
		return
	}

	log.Printf("level=info component=api endpoint=initiate_transfer outcome=accepted initiator_id=%s bank_id=%s amount=%d currency=%s", initiatorID, bankID, amount, req.Currency)

	transfer, err := h.service.InitiateTransfer(r.Context(), domain.InitiateTransferParams{
		BankID:         bankID,
		SourceWalletID: sourceWalletID,
		DestWalletID:   destWalletID,
		Amount:         amount,
		Currency:       req.Currency,
		InitiatorID:    initiatorID,
	})
	if err != nil {
		log.Printf("level=warn component=api endpoint=initiate_transfer outcome=failed initiator_id=%s err=%v", initiatorID, err)
		h.writeInitiationError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, buildTransferResponse(transfer))
}

func (h *TransferHandlers) writeInitiationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrBankNotFound),
		errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, store.ErrWalletNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrBankSuspended):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrInsufficientFunds):
		h.writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, rules.ErrNoMatchingRule),
		errors.Is(err, rules.ErrNoRulesForBank),
		errors.Is(err, store.ErrWalletInactive):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, app.ErrSameWallet),
		errors.Is(err, app.ErrWalletWrongBank),
		errors.Is(err, app.ErrCurrencyMismatch),
		errors.Is(err, app.ErrInitiatorWrongBank),
		errors.Is(err, domain.ErrInvalidAmount):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, "Failed to initiate transfer")
	}
}

// SubmitApprovalHandler handles approval submissions for a pending transfer.
func (h *TransferHandlers) SubmitApprovalHandler(w http.ResponseWriter, r *http.Request) {
	approverID, ok := h.authenticatedUserUUID(w, r)
	if !ok {
		return
	}
	transferID, ok := h.transferIDFromURL(w, r)
	if !ok {
		return
	}

	outcome, err := h.service.SubmitApproval(r.Context(), transferID, approverID)
	if err != nil {
		log.Printf("level=warn component=api endpoint=submit_approval outcome=failed transfer_id=%s approver_id=%s err=%v", transferID, approverID, err)
		switch {
		case errors.Is(err, store.ErrTransferNotFound), errors.Is(err, store.ErrUserNotFound):
			h.writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, app.ErrRateLimited):
			h.writeError(w, http.StatusTooManyRequests, err.Error())
		case errors.Is(err, app.ErrTransferExpired):
			h.writeError(w, http.StatusGone, err.Error())
		case errors.Is(err, app.ErrTransferNotPending), errors.Is(err, store.ErrStateConflict):
			h.writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, app.ErrSelfApproval),
			errors.Is(err, app.ErrApproverWrongBank),
			errors.Is(err, app.ErrApproverNotPermitted),
			errors.Is(err, app.ErrRoleLevelTooLow),
			errors.Is(err, app.ErrRoleCeilingExceeded):
			h.writeError(w, http.StatusForbidden, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, "Failed to record approval")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, outcome)
}

// RejectTransferHandler handles rejections of a pending transfer.
func (h *TransferHandlers) RejectTransferHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUserUUID(w, r)
	if !ok {
		return
	}
	transferID, ok := h.transferIDFromURL(w, r)
	if !ok {
		return
	}

	transfer, err := h.service.RejectTransfer(r.Context(), transferID, userID)
	if err != nil {
		log.Printf("level=warn component=api endpoint=reject_transfer outcome=failed transfer_id=%s user_id=%s err=%v", transferID, userID, err)
		switch {
		case errors.Is(err, store.ErrTransferNotFound), errors.Is(err, store.ErrUserNotFound):
			h.writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, app.ErrTransferExpired):
			h.writeError(w, http.StatusGone, err.Error())
		case errors.Is(err, app.ErrTransferNotPending), errors.Is(err, store.ErrStateConflict):
			h.writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, app.ErrApproverWrongBank), errors.Is(err, app.ErrApproverNotPermitted), errors.Is(err, app.ErrRoleLevelTooLow):
			h.writeError(w, http.StatusForbidden, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, "Failed to reject transfer")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, buildTransferResponse(transfer))
}

// GetTransferHandler returns the current state of a transfer.
func (h *TransferHandlers) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	transferID, ok := h.transferIDFromURL(w, r)
	if !ok {
		return
	}

	transfer, err := h.service.GetTransferStatus(r.Context(), transferID)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			h.writeError(w, http.StatusNotFound, "Transfer not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_transfer msg=\"lookup failed\" transfer_id=%s err=%v", transferID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to fetch transfer")
		return
	}

	h.writeJSON(w, http.StatusOK, buildTransferResponse(transfer))
}

// ListTransferEventsHandler returns the audit trail for a transfer.
func (h *TransferHandlers) ListTransferEventsHandler(w http.ResponseWriter, r *http.Request) {
	transferID, ok := h.transferIDFromURL(w, r)
	if !ok {
		return
	}

	events, err := h.service.GetTransferEvents(r.Context(), transferID)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			h.writeError(w, http.StatusNotFound, "Transfer not found")
			return
		}
		log.Printf("level=error component=api endpoint=list_transfer_events msg=\"lookup failed\" transfer_id=%s err=%v", transferID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to fetch transfer events")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"transfer_id": transferID.String(),
		"events":      events,
	})
}

// ReloadRulesHandler re-reads the approval rule sets from storage and swaps the
// in-memory catalog. Guarded by the internal API key.
func (h *TransferHandlers) ReloadRulesHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ReloadRules(r.Context()); err != nil {
		log.Printf("level=error component=api endpoint=reload_rules outcome=failed err=%v", err)
		switch {
		case errors.Is(err, rules.ErrGapInRuleRanges),
			errors.Is(err, rules.ErrOverlappingRuleRanges):
			h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, "Failed to reload approval rules")
		}
		return
	}

	log.Printf("level=info component=api endpoint=reload_rules outcome=success")
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// writeJSON is a helper for writing JSON responses.
func (h *TransferHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *TransferHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
