package escrow

import (
	"time"

	"github.com/mbd888/stakehold/internal/pda"
)

// EventType names a committed lifecycle transition.
type EventType string

const (
	EventInitialized EventType = "escrow.initialized"
	EventDeposited   EventType = "escrow.deposited"
	EventCancelled   EventType = "escrow.cancelled"
	EventSettled     EventType = "escrow.settled"
)

// Event is published once per committed transition.
type Event struct {
	Type          EventType   `json:"type"`
	Identifier    string      `json:"identifier"`
	RecordAddress pda.Address `json:"recordAddress"`
	Party         pda.Address `json:"party"`
	Account       pda.Address `json:"account"`
	Amount        uint64      `json:"amount"`
	Timestamp     time.Time   `json:"timestamp"`
}
