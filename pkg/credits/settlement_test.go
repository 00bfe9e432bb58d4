package credits

import (
	"context"
	"testing"
)

func TestSettleGrantsPackageExactlyOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	identity := mustIdentity(test, "buyer")
	sessionID := mustSessionID(test, "cs_test_abc")
	metadata := mustMetadata(test, `{"source":"redirect"}`)
	amount := mustPositiveAmount(test, 100)

	outcome, err := service.Settle(context.Background(), identity, sessionID, amount, metadata)
	if err != nil {
		test.Fatalf("settle: %v", err)
	}
	if !outcome.Settled {
		test.Fatalf("expected first settle to credit, got %+v", outcome)
	}
	if outcome.Balance != 100 {
		test.Fatalf("expected balance 100, got %d", outcome.Balance)
	}

	repeat, err := service.Settle(context.Background(), identity, sessionID, amount, metadata)
	if err != nil {
		test.Fatalf("repeat settle: %v", err)
	}
	if repeat.Settled {
		test.Fatalf("expected duplicate settle to be skipped, got %+v", repeat)
	}
	if repeat.Reason != ReasonAlreadyProcessed {
		test.Fatalf("expected reason %q, got %q", ReasonAlreadyProcessed, repeat.Reason)
	}
	if store.accounts[identity.String()].BalanceCredits != 100 {
		test.Fatalf("expected balance to stay 100, got %d", store.accounts[identity.String()].BalanceCredits)
	}
	if len(store.settlements) != 1 {
		test.Fatalf("expected exactly one settlement record, got %d", len(store.settlements))
	}
}

func TestSettleLostInsertRaceDoesNotGrant(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.insertConflict = true
	service := mustNewService(test, store)
	identity := mustIdentity(test, "racer")
	sessionID := mustSessionID(test, "cs_test_race")
	metadata := mustMetadata(test, "{}")

	outcome, err := service.Settle(context.Background(), identity, sessionID, mustPositiveAmount(test, 100), metadata)
	if err != nil {
		test.Fatalf("settle: %v", err)
	}
	if outcome.Settled {
		test.Fatalf("expected lost race to report already processed, got %+v", outcome)
	}
	if store.accounts[identity.String()].BalanceCredits != 0 {
		test.Fatalf("expected no grant after lost race, got %d", store.accounts[identity.String()].BalanceCredits)
	}
}

func TestSettleRecordsMetadataAndTimestamp(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service, err := NewService(store, func() int64 { return 777 })
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	identity := mustIdentity(test, "buyer-meta")
	sessionID := mustSessionID(test, "cs_test_meta")
	metadata := mustMetadata(test, `{"source":"webhook"}`)

	if _, err := service.Settle(context.Background(), identity, sessionID, mustPositiveAmount(test, 100), metadata); err != nil {
		test.Fatalf("settle: %v", err)
	}
	record := store.settlements[sessionID.String()]
	if record.Identity != identity {
		test.Fatalf("expected record for %s, got %s", identity.String(), record.Identity.String())
	}
	if record.SettledAtUnixUTC != 777 {
		test.Fatalf("expected settled at 777, got %d", record.SettledAtUnixUTC)
	}
	if record.MetadataJSON.String() != `{"source":"webhook"}` {
		test.Fatalf("unexpected metadata: %s", record.MetadataJSON.String())
	}
}
