package app

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stablerail/settlement-service/internal/domain"
)

func TestComplianceConsumer_MalformedPayloadIsDropped(t *testing.T) {
	f := newEngineFixture(t)
	consumer := NewComplianceConsumer(f.service)

	if !consumer.HandleMessage([]byte("{not json")) {
		t.Fatal("malformed payload must be acknowledged, not re-queued")
	}
}

func TestComplianceConsumer_UnknownTransferIsDropped(t *testing.T) {
	f := newEngineFixture(t)
	consumer := NewComplianceConsumer(f.service)

	body, _ := json.Marshal(domain.ComplianceResultEvent{TransferID: f.initiator.ID, Cleared: false})
	if !consumer.HandleMessage(body) {
		t.Fatal("unknown transfer must be acknowledged, not re-queued")
	}
}

func TestComplianceConsumer_UnclearedResultRejectsTransfer(t *testing.T) {
	f := newEngineFixture(t)
	consumer := NewComplianceConsumer(f.service)
	transfer := f.initiate(t, 50000)

	body, _ := json.Marshal(domain.ComplianceResultEvent{
		TransferID: transfer.ID,
		Cleared:    false,
		Reason:     "sanctions screening hit",
	})
	if !consumer.HandleMessage(body) {
		t.Fatal("valid compliance result must be acknowledged")
	}

	stored, err := f.repo.FindTransferByID(context.Background(), transfer.ID)
	if err != nil {
		t.Fatalf("transfer lookup failed: %v", err)
	}
	if stored.State != domain.StateRejected {
		t.Fatalf("expected transfer rejected after failed compliance check, got %s", stored.State)
	}
}
