package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/civicbounty/service_layer/internal/authz"
	"github.com/civicbounty/service_layer/internal/database"
	svcerrors "github.com/civicbounty/service_layer/internal/errors"
)

var locationTypes = map[string]bool{
	"city":    true,
	"state":   true,
	"country": true,
}

// Donation is the result of Donate.
type Donation struct {
	Result
	Pool *database.DonationPool `json:"pool"`
}

// Donate moves amount from the actor's balance into the pool for a location, creating the
// pool on first use.
func (s *Service) Donate(ctx context.Context, actor authz.Actor, locationType, locationName string, amount int64) (*Donation, error) {
	if !actor.IsAuthenticated() {
		return nil, svcerrors.Unauthenticated("")
	}
	locationType = strings.ToLower(strings.TrimSpace(locationType))
	locationName = strings.TrimSpace(locationName)
	if !locationTypes[locationType] {
		return nil, svcerrors.Validation("location_type must be city, state or country")
	}
	if locationName == "" || len(locationName) > 200 {
		return nil, svcerrors.Validation("location_name is required")
	}
	if amount <= 0 {
		return nil, svcerrors.Validation("Amount must be positive")
	}

	debit, err := s.Apply(ctx, actor, Entry{
		Account: RegisteredUser(actor.UserID),
		Amount:  -amount,
		Type:    database.TxTypeInternal,
		Memo:    fmt.Sprintf("Donation to %s pool: %s", locationType, locationName),
	})
	if err != nil {
		return nil, err
	}

	pool, err := s.repo.AddToDonationPool(ctx, locationType, locationName, amount)
	if err != nil {
		s.flag(ctx, "donation_pool", actor.UserID, debit.TransactionID, "", amount, err)
		s.logger.LogCritical(ctx, "donation_pool_update_failed", map[string]interface{}{
			"user_id":        actor.UserID,
			"transaction_id": debit.TransactionID,
			"amount":         amount,
			"location":       locationType + "/" + locationName,
			"error":          err.Error(),
		})
		return nil, svcerrors.InconsistentState(err)
	}
	return &Donation{Result: *debit, Pool: pool}, nil
}
