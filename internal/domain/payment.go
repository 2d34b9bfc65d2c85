package domain

import "time"

type PaymentState string

const (
	PaymentPending   PaymentState = "PENDING"
	PaymentSubmitted PaymentState = "SUBMITTED"
	PaymentConfirmed PaymentState = "CONFIRMED"
	PaymentFailed    PaymentState = "FAILED"
)

// Payment is created exactly once per job on the RUNNING→COMPLETED
// transition (§3.4) and is retried by the maintenance loop's settlement
// sweep until CONFIRMED or parked for manual review.
type Payment struct {
	ID         string `json:"payment_id" gorm:"primaryKey"`
	JobID      string `json:"job_id" gorm:"uniqueIndex"`
	FromWallet string `json:"from_wallet"`
	ToWallet   string `json:"to_wallet"`
	Amount     float64 `json:"amount"`
	Signature  string  `json:"signature,omitempty"`
	State      PaymentState `json:"state"`

	Attempts    int        `json:"attempts"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	ParkedAt    *time.Time `json:"parked_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}
