package credits

import (
	"context"
	"errors"
)

// Settle converts a completed checkout session into exactly one credit
// grant. The preliminary lookup is a fast path only; the uniqueness
// constraint on the session id, hit by InsertSettlement before any balance
// mutation, is the authoritative guard against duplicate settlement. Two
// calls racing past the lookup both attempt the insert, exactly one
// commits, and the loser rolls back without having granted.
func (service *Service) Settle(ctx context.Context, identity Identity, sessionID SessionID, amount PositiveCreditAmount, metadata MetadataJSON) (SettlementOutcome, error) {
	var outcome SettlementOutcome
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		_, found, err := transactionStore.FindSettlement(ctx, sessionID)
		if err != nil {
			return err
		}
		if found {
			return ErrSessionAlreadySettled
		}
		if _, err := transactionStore.GetOrCreateAccount(ctx, identity); err != nil {
			return err
		}
		record := SettlementRecord{
			SessionID:        sessionID,
			Identity:         identity,
			MetadataJSON:     metadata,
			SettledAtUnixUTC: service.nowFn(),
		}
		if err := transactionStore.InsertSettlement(ctx, record); err != nil {
			return err
		}
		if err := transactionStore.AddBalance(ctx, identity, amount, service.nowFn()); err != nil {
			return err
		}
		refreshed, err := transactionStore.GetOrCreateAccount(ctx, identity)
		if err != nil {
			return err
		}
		outcome = SettlementOutcome{Settled: true, Balance: refreshed.BalanceCredits}
		return nil
	})

	logStatus := ""
	if errors.Is(operationError, ErrSessionAlreadySettled) {
		outcome = SettlementOutcome{Settled: false, Reason: ReasonAlreadyProcessed}
		operationError = nil
		logStatus = operationStatusDuplicate
	}
	sessionRef := sessionID
	service.logOperation(ctx, OperationLog{
		Operation: operationSettle,
		Identity:  identity,
		SessionID: &sessionRef,
		Amount:    amount.ToCreditAmount(),
		Metadata:  metadata,
		Status:    logStatus,
		Error:     operationError,
	})
	return outcome, operationError
}
