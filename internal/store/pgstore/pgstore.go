package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quizforge/quizforge/pkg/credits"
)

const (
	constraintSettlementPrimary = "settlements_pkey"
	pgUniqueViolationCode       = "23505"
	errorOperationStore         = "store"
	errorSubjectAccount         = "account"
	errorSubjectBalance         = "balance"
	errorSubjectSettlement      = "settlement"
	errorSubjectTransaction     = "transaction"
	errorCodeBegin              = "begin"
	errorCodeCommit             = "commit"
	errorCodeDeduct             = "deduct"
	errorCodeDuplicate          = "duplicate"
	errorCodeGrant              = "grant"
	errorCodeInsert             = "insert"
	errorCodeInvalid            = "invalid"
	errorCodeList               = "list"
	errorCodeLookup             = "lookup"
	errorCodeMissing            = "missing"

	sqlInsertOrGetAccount = `
		insert into accounts(account_id, identity, balance_credits, created_at, updated_at)
		values (gen_random_uuid(), $1, 0, now(), now())
		on conflict (identity) do update set identity = excluded.identity
		returning identity, balance_credits, coalesce(extract(epoch from last_grant_at)::bigint, 0)
	`

	sqlDeductBalance = `
		update accounts
		set balance_credits = balance_credits - $2, updated_at = now()
		where identity = $1 and balance_credits >= $2
	`

	sqlAddBalance = `
		update accounts
		set balance_credits = balance_credits + $2,
			last_grant_at = to_timestamp($3),
			updated_at = now()
		where identity = $1
	`

	sqlSelectSettlement = `
		select session_id, identity, coalesce(metadata::text, '{}'),
			extract(epoch from settled_at)::bigint
		from settlements
		where session_id = $1
	`

	sqlInsertSettlement = `
		insert into settlements(session_id, identity, metadata, settled_at)
		values ($1, $2, coalesce(nullif($3,''),'{}')::jsonb, to_timestamp($4))
	`

	sqlListSettlements = `
		select session_id, identity, coalesce(metadata::text, '{}'),
			extract(epoch from settled_at)::bigint
		from settlements
		where identity = $1
		order by settled_at desc
		limit $2
	`
)

// querier is the subset of pgx shared by a pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credits.Store directly on a pgx connection pool,
// bypassing the ORM for deployments that manage the postgres schema
// themselves.
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements credits.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateAccount(ctx context.Context, identity credits.Identity) (credits.Account, error) {
	return getOrCreateAccount(ctx, store.pool, identity)
}

func (store *Store) DeductBalance(ctx context.Context, identity credits.Identity, amount credits.PositiveCreditAmount) (bool, error) {
	return deductBalance(ctx, store.pool, identity, amount)
}

func (store *Store) AddBalance(ctx context.Context, identity credits.Identity, amount credits.PositiveCreditAmount, grantedAtUnixUTC int64) error {
	return addBalance(ctx, store.pool, identity, amount, grantedAtUnixUTC)
}

func (store *Store) FindSettlement(ctx context.Context, sessionID credits.SessionID) (credits.SettlementRecord, bool, error) {
	return findSettlement(ctx, store.pool, sessionID)
}

func (store *Store) InsertSettlement(ctx context.Context, record credits.SettlementRecord) error {
	return insertSettlement(ctx, store.pool, record)
}

func (store *Store) ListSettlements(ctx context.Context, identity credits.Identity, limit int) ([]credits.SettlementRecord, error) {
	return listSettlements(ctx, store.pool, identity, limit)
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) GetOrCreateAccount(ctx context.Context, identity credits.Identity) (credits.Account, error) {
	return getOrCreateAccount(ctx, store.tx, identity)
}

func (store *TxStore) DeductBalance(ctx context.Context, identity credits.Identity, amount credits.PositiveCreditAmount) (bool, error) {
	return deductBalance(ctx, store.tx, identity, amount)
}

func (store *TxStore) AddBalance(ctx context.Context, identity credits.Identity, amount credits.PositiveCreditAmount, grantedAtUnixUTC int64) error {
	return addBalance(ctx, store.tx, identity, amount, grantedAtUnixUTC)
}

func (store *TxStore) FindSettlement(ctx context.Context, sessionID credits.SessionID) (credits.SettlementRecord, bool, error) {
	return findSettlement(ctx, store.tx, sessionID)
}

func (store *TxStore) InsertSettlement(ctx context.Context, record credits.SettlementRecord) error {
	return insertSettlement(ctx, store.tx, record)
}

func (store *TxStore) ListSettlements(ctx context.Context, identity credits.Identity, limit int) ([]credits.SettlementRecord, error) {
	return listSettlements(ctx, store.tx, identity, limit)
}

func getOrCreateAccount(ctx context.Context, q querier, identity credits.Identity) (credits.Account, error) {
	var (
		identityValue    string
		balanceValue     int64
		lastGrantUnixUTC int64
	)
	err := q.QueryRow(ctx, sqlInsertOrGetAccount, identity.String()).Scan(&identityValue, &balanceValue, &lastGrantUnixUTC)
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	parsedIdentity, err := credits.NewIdentity(identityValue)
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	balance, err := credits.NewCreditAmount(balanceValue)
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return credits.Account{
		Identity:         parsedIdentity,
		BalanceCredits:   balance,
		LastGrantUnixUTC: lastGrantUnixUTC,
	}, nil
}

func deductBalance(ctx context.Context, q querier, identity credits.Identity, amount credits.PositiveCreditAmount) (bool, error) {
	tag, err := q.Exec(ctx, sqlDeductBalance, identity.String(), amount.Int64())
	if err != nil {
		return false, wrapStoreError(errorSubjectBalance, errorCodeDeduct, err)
	}
	return tag.RowsAffected() > 0, nil
}

func addBalance(ctx context.Context, q querier, identity credits.Identity, amount credits.PositiveCreditAmount, grantedAtUnixUTC int64) error {
	tag, err := q.Exec(ctx, sqlAddBalance, identity.String(), amount.Int64(), grantedAtUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeGrant, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeMissing, errors.New("account does not exist"))
	}
	return nil
}

func findSettlement(ctx context.Context, q querier, sessionID credits.SessionID) (credits.SettlementRecord, bool, error) {
	var (
		sessionValue     string
		identityValue    string
		metadataValue    string
		settledAtUnixUTC int64
	)
	err := q.QueryRow(ctx, sqlSelectSettlement, sessionID.String()).Scan(
		&sessionValue,
		&identityValue,
		&metadataValue,
		&settledAtUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credits.SettlementRecord{}, false, nil
		}
		return credits.SettlementRecord{}, false, wrapStoreError(errorSubjectSettlement, errorCodeLookup, err)
	}
	record, err := buildSettlementRecord(sessionValue, identityValue, metadataValue, settledAtUnixUTC)
	if err != nil {
		return credits.SettlementRecord{}, false, wrapStoreError(errorSubjectSettlement, errorCodeInvalid, err)
	}
	return record, true, nil
}

func insertSettlement(ctx context.Context, q querier, record credits.SettlementRecord) error {
	_, err := q.Exec(ctx, sqlInsertSettlement,
		record.SessionID.String(),
		record.Identity.String(),
		record.MetadataJSON.String(),
		record.SettledAtUnixUTC,
	)
	if isSettlementConflict(err) {
		return wrapStoreError(errorSubjectSettlement, errorCodeDuplicate, credits.ErrSessionAlreadySettled)
	}
	if err != nil {
		return wrapStoreError(errorSubjectSettlement, errorCodeInsert, err)
	}
	return nil
}

func listSettlements(ctx context.Context, q querier, identity credits.Identity, limit int) ([]credits.SettlementRecord, error) {
	rows, err := q.Query(ctx, sqlListSettlements, identity.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectSettlement, errorCodeList, err)
	}
	defer rows.Close()
	records, err := scanSettlements(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectSettlement, errorCodeInvalid, err)
	}
	return records, nil
}

func scanSettlements(rows pgx.Rows) ([]credits.SettlementRecord, error) {
	records := make([]credits.SettlementRecord, 0, 16)
	for rows.Next() {
		var (
			sessionValue     string
			identityValue    string
			metadataValue    string
			settledAtUnixUTC int64
		)
		if err := rows.Scan(&sessionValue, &identityValue, &metadataValue, &settledAtUnixUTC); err != nil {
			return nil, err
		}
		record, err := buildSettlementRecord(sessionValue, identityValue, metadataValue, settledAtUnixUTC)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func buildSettlementRecord(sessionValue string, identityValue string, metadataValue string, settledAtUnixUTC int64) (credits.SettlementRecord, error) {
	sessionID, err := credits.NewSessionID(sessionValue)
	if err != nil {
		return credits.SettlementRecord{}, err
	}
	identity, err := credits.NewIdentity(identityValue)
	if err != nil {
		return credits.SettlementRecord{}, err
	}
	metadata, err := credits.NewMetadataJSON(metadataValue)
	if err != nil {
		return credits.SettlementRecord{}, err
	}
	return credits.SettlementRecord{
		SessionID:        sessionID,
		Identity:         identity,
		MetadataJSON:     metadata,
		SettledAtUnixUTC: settledAtUnixUTC,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func isSettlementConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintSettlementPrimary
	}
	return false
}
