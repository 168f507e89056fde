package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/stablerail/settlement-service/internal/domain"
	"github.com/stablerail/settlement-service/internal/store"
)

// ComplianceConsumer records compliance-check results delivered over the
// message broker. The engine never decides compliance itself; it only stores
// the flag and rejects still-pending transfers that failed the check.
type ComplianceConsumer struct {
	service *Service
}

func NewComplianceConsumer(service *Service) *ComplianceConsumer {
	return &ComplianceConsumer{service: service}
}

// HandleMessage processes one compliance result. Returning true acknowledges
// the delivery; false re-queues it.
func (c *ComplianceConsumer) HandleMessage(body []byte) bool {
	var event domain.ComplianceResultEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=compliance_consumer msg=\"unmarshal failed; dropping\" err=%v", err)
		return true
	}
	if event.TransferID == uuid.Nil {
		log.Printf("level=warn component=compliance_consumer msg=\"missing transfer id; dropping\" payload=%s", string(body))
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.service.RecordComplianceResult(ctx, event); err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			log.Printf("level=warn component=compliance_consumer msg=\"unknown transfer; dropping\" transfer_id=%s", event.TransferID)
			return true
		}
		log.Printf("level=error component=compliance_consumer msg=\"processing failed; re-queuing\" transfer_id=%s err=%v", event.TransferID, err)
		return false
	}
	return true
}
