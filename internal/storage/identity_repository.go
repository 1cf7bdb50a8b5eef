package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/token-gate/internal/models"
)

// MongoIdentityRepository appends identity claims to a MongoDB collection.
// Documents keep the field names {walletAddress, telegramUsername, telegramUserId, timestamp}.
type MongoIdentityRepository struct {
	coll *mongo.Collection
}

// NewMongoIdentityRepository creates a repository over coll
func NewMongoIdentityRepository(coll *mongo.Collection) *MongoIdentityRepository {
	return &MongoIdentityRepository{coll: coll}
}

// SaveClaim inserts one claim. Repeated submissions produce repeated documents.
func (r *MongoIdentityRepository) SaveClaim(ctx context.Context, claim *models.IdentityClaim) error {
	if _, err := r.coll.InsertOne(ctx, claim); err != nil {
		return fmt.Errorf("failed to insert identity claim: %w", err)
	}
	return nil
}

// PostgresIdentityRepository appends identity claims to the identity_claims table
type PostgresIdentityRepository struct {
	db *PostgresDB
}

// NewPostgresIdentityRepository creates a repository over db
func NewPostgresIdentityRepository(db *PostgresDB) *PostgresIdentityRepository {
	return &PostgresIdentityRepository{db: db}
}

// SaveClaim inserts one claim
func (r *PostgresIdentityRepository) SaveClaim(ctx context.Context, claim *models.IdentityClaim) error {
	if claim.ID == "" {
		claim.ID = uuid.New().String()
	}

	query := `
		INSERT INTO identity_claims (id, gate, wallet_address, telegram_username, telegram_user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		claim.ID,
		claim.Gate,
		strings.ToLower(claim.WalletAddress),
		claim.TelegramUsername,
		claim.TelegramUserID,
		claim.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert identity claim: %w", err)
	}

	return nil
}

// CountByWallet returns how many claims were recorded for a wallet
func (r *PostgresIdentityRepository) CountByWallet(ctx context.Context, wallet string) (int, error) {
	var count int
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM identity_claims WHERE wallet_address = $1`,
		strings.ToLower(wallet),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count identity claims: %w", err)
	}
	return count, nil
}
