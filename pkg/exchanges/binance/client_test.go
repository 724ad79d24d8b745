package binance

import "testing"

func TestOCOListIDWithinLimit(t *testing.T) {
	clientID := "9b2f5f7e-0c39-5a0f-8f83-2a1c9f0d6b11"
	id := ocoListID(clientID)
	// listClientOrderId is capped at 36 characters
	if len(id) > 36 {
		t.Errorf("list id is %d chars, limit is 36", len(id))
	}
	if id == clientID {
		t.Error("list id must differ from the order's client id")
	}
	if id != ocoListID(clientID) {
		t.Error("list id must be deterministic across retries")
	}
}
