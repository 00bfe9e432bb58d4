package credits

import (
	"context"
	"fmt"
)

// Service contains the domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the current credit balance, lazily materializing a
// zero-balance account for a never-seen identity.
func (service *Service) Balance(ctx context.Context, identity Identity) (CreditAmount, error) {
	account, err := service.store.GetOrCreateAccount(ctx, identity)
	if err != nil {
		return 0, err
	}
	return account.BalanceCredits, nil
}

// Deduct removes amount from the identity's balance if and only if the
// balance covers it. The check and the write are a single compare-and-set
// inside the store transaction: two concurrent deducts against a balance
// equal to amount cannot both succeed. On ErrInsufficientCredits the
// returned balance is the unchanged current balance.
func (service *Service) Deduct(ctx context.Context, identity Identity, amount PositiveCreditAmount, metadata MetadataJSON) (CreditAmount, error) {
	var remaining CreditAmount
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetOrCreateAccount(ctx, identity)
		if err != nil {
			return err
		}
		deducted, err := transactionStore.DeductBalance(ctx, identity, amount)
		if err != nil {
			return err
		}
		if !deducted {
			remaining = account.BalanceCredits
			return ErrInsufficientCredits
		}
		refreshed, err := transactionStore.GetOrCreateAccount(ctx, identity)
		if err != nil {
			return err
		}
		remaining = refreshed.BalanceCredits
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationDeduct,
		Identity:  identity,
		Amount:    amount.ToCreditAmount(),
		Metadata:  metadata,
		Error:     operationError,
	})
	return remaining, operationError
}

// Grant adds amount to the identity's balance and returns the new balance.
// Used by the settlement path only.
func (service *Service) Grant(ctx context.Context, identity Identity, amount PositiveCreditAmount, metadata MetadataJSON) (CreditAmount, error) {
	var newBalance CreditAmount
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetOrCreateAccount(ctx, identity); err != nil {
			return err
		}
		if err := transactionStore.AddBalance(ctx, identity, amount, service.nowFn()); err != nil {
			return err
		}
		refreshed, err := transactionStore.GetOrCreateAccount(ctx, identity)
		if err != nil {
			return err
		}
		newBalance = refreshed.BalanceCredits
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationGrant,
		Identity:  identity,
		Amount:    amount.ToCreditAmount(),
		Metadata:  metadata,
		Error:     operationError,
	})
	return newBalance, operationError
}

// ListSettlements returns the most recent settlement records for an identity.
func (service *Service) ListSettlements(ctx context.Context, identity Identity, limit int) ([]SettlementRecord, error) {
	return service.store.ListSettlements(ctx, identity, limit)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
