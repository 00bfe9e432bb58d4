package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/quizforge/quizforge/pkg/credits"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintSettlementPrimary = "settlements_pkey"
	defaultMetadataJSON         = "{}"
	pgUniqueViolationCode       = "23505"
	sqliteConstraintCode        = 19
	errorOperationStore         = "store"
	errorSubjectAccount         = "account"
	errorSubjectSettlement      = "settlement"
	errorCodeDeduct             = "deduct"
	errorCodeDuplicate          = "duplicate"
	errorCodeGrant              = "grant"
	errorCodeInsert             = "insert"
	errorCodeInvalid            = "invalid"
	errorCodeList               = "list"
	errorCodeLookup             = "lookup"
	errorCodeMissing            = "missing"
)

// Store implements credits.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema on drivers without external migrations.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(&Account{}, &Settlement{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateAccount(ctx context.Context, identity credits.Identity) (credits.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "identity"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"identity": clause.Expr{SQL: "excluded.identity"},
			}),
		}).
		FirstOrCreate(&account, Account{Identity: identity.String()}).Error
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(account)
}

// DeductBalance is the compare-and-set at the heart of the ledger: the
// balance guard sits in the UPDATE itself, so concurrent deducts against the
// same row serialize in the store and at most one can consume the last
// credits. Zero rows affected means insufficient balance and no mutation.
func (store *Store) DeductBalance(ctx context.Context, identity credits.Identity, amount credits.PositiveCreditAmount) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("identity = ? AND balance_credits >= ?", identity.String(), amount.Int64()).
		Updates(map[string]interface{}{
			"balance_credits": gorm.Expr("balance_credits - ?", amount.Int64()),
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectAccount, errorCodeDeduct, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) AddBalance(ctx context.Context, identity credits.Identity, amount credits.PositiveCreditAmount, grantedAtUnixUTC int64) error {
	grantedAt := time.Unix(grantedAtUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("identity = ?", identity.String()).
		Updates(map[string]interface{}{
			"balance_credits": gorm.Expr("balance_credits + ?", amount.Int64()),
			"last_grant_at":   grantedAt,
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeGrant, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeMissing, gorm.ErrRecordNotFound)
	}
	return nil
}

func (store *Store) FindSettlement(ctx context.Context, sessionID credits.SessionID) (credits.SettlementRecord, bool, error) {
	var model Settlement
	err := store.db.WithContext(ctx).
		Where("session_id = ?", sessionID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.SettlementRecord{}, false, nil
	}
	if err != nil {
		return credits.SettlementRecord{}, false, wrapStoreError(errorSubjectSettlement, errorCodeLookup, err)
	}
	record, mapErr := mapSettlement(model)
	if mapErr != nil {
		return credits.SettlementRecord{}, false, mapErr
	}
	return record, true, nil
}

func (store *Store) InsertSettlement(ctx context.Context, record credits.SettlementRecord) error {
	model := Settlement{
		SessionID: record.SessionID.String(),
		Identity:  record.Identity.String(),
		Metadata:  datatypesJSON(record.MetadataJSON.String()),
		SettledAt: time.Unix(record.SettledAtUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isSettlementConflict(err) {
		return wrapStoreError(errorSubjectSettlement, errorCodeDuplicate, credits.ErrSessionAlreadySettled)
	}
	if err != nil {
		return wrapStoreError(errorSubjectSettlement, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListSettlements(ctx context.Context, identity credits.Identity, limit int) ([]credits.SettlementRecord, error) {
	var rows []Settlement
	err := store.db.WithContext(ctx).
		Where("identity = ?", identity.String()).
		Order("settled_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectSettlement, errorCodeList, err)
	}
	records := make([]credits.SettlementRecord, 0, len(rows))
	for _, row := range rows {
		record, mapErr := mapSettlement(row)
		if mapErr != nil {
			return nil, mapErr
		}
		records = append(records, record)
	}
	return records, nil
}

func mapAccount(row Account) (credits.Account, error) {
	identity, err := credits.NewIdentity(row.Identity)
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	balance, err := credits.NewCreditAmount(row.BalanceCredits)
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return credits.Account{
		Identity:         identity,
		BalanceCredits:   balance,
		LastGrantUnixUTC: timeOrZero(row.LastGrantAt),
	}, nil
}

func mapSettlement(row Settlement) (credits.SettlementRecord, error) {
	sessionID, err := credits.NewSessionID(row.SessionID)
	if err != nil {
		return credits.SettlementRecord{}, wrapStoreError(errorSubjectSettlement, errorCodeInvalid, err)
	}
	identity, err := credits.NewIdentity(row.Identity)
	if err != nil {
		return credits.SettlementRecord{}, wrapStoreError(errorSubjectSettlement, errorCodeInvalid, err)
	}
	metadata, err := credits.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return credits.SettlementRecord{}, wrapStoreError(errorSubjectSettlement, errorCodeInvalid, err)
	}
	return credits.SettlementRecord{
		SessionID:        sessionID,
		Identity:         identity,
		MetadataJSON:     metadata,
		SettledAtUnixUTC: row.SettledAt.Unix(),
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isSettlementConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintSettlementPrimary
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
