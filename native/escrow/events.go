package escrow

import (
	"encoding/hex"
	"strconv"

	"safeswap/core/types"
)

const (
	EventTypeEscrowCreated   = "escrow.created"
	EventTypeEscrowFunded    = "escrow.funded"
	EventTypeEscrowCompleted = "escrow.completed"
	EventTypeEscrowCancelled = "escrow.cancelled"
	EventTypeEscrowRefunded  = "escrow.refunded"
)

// NewCreatedEvent returns the canonical event payload for a newly created
// escrow.
func NewCreatedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowCreated, e) }

// NewFundedEvent returns the canonical event payload emitted when an escrow is
// funded by the buyer.
func NewFundedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowFunded, e) }

// NewCompletedEvent returns the canonical event payload for a release of
// escrowed funds to the seller.
func NewCompletedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowCompleted, e) }

// NewCancelledEvent returns the canonical event payload emitted when a seller
// cancels an unfunded trade.
func NewCancelledEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowCancelled, e) }

// NewRefundedEvent returns the canonical event payload for an escrow refund to
// the buyer.
func NewRefundedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowRefunded, e) }

func newEscrowEvent(eventType string, e *Escrow) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeEscrow(e)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(sanitized.ID[:])
	attrs["seller"] = hex.EncodeToString(sanitized.Seller[:])
	attrs["listingId"] = sanitized.ListingID
	attrs["amount"] = sanitized.Amount.String()
	attrs["status"] = sanitized.Status.String()
	attrs["createdAt"] = strconv.FormatInt(sanitized.CreatedAt, 10)
	if sanitized.ExpireAt != 0 {
		attrs["expireAt"] = strconv.FormatInt(sanitized.ExpireAt, 10)
	}
	if sanitized.HasBuyer() {
		attrs["buyer"] = hex.EncodeToString(sanitized.Buyer[:])
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
