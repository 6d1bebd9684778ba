package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yourusername/cryptobazaar/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// UserDirectory manages the profile fields users fill in themselves.
type UserDirectory struct {
	db       *gorm.DB
	executor *SettlementExecutor
}

func NewUserDirectory(db *gorm.DB, executor *SettlementExecutor) *UserDirectory {
	return &UserDirectory{db: db, executor: executor}
}

type OnboardingParams struct {
	UserID        string
	Name          string
	Phone         string
	WalletAddress string
	// DateOfBirth is a calendar date, YYYY-MM-DD.
	DateOfBirth string
}

// CompleteOnboarding stores the user's profile and settlement wallet and
// marks onboarding complete. Empty optional fields are left unchanged. The
// wallet must be a valid address on the settlement network.
func (d *UserDirectory) CompleteOnboarding(ctx context.Context, params OnboardingParams) (*models.User, error) {
	if params.UserID == "" {
		return nil, validationError("userId is required")
	}
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return nil, validationError("name is required")
	}

	updates := map[string]interface{}{
		"name":                name,
		"onboarding_complete": true,
	}
	if phone := strings.TrimSpace(params.Phone); phone != "" {
		if len(phone) > models.PhoneMaxLen {
			return nil, validationError("phone must be at most %d characters", models.PhoneMaxLen)
		}
		updates["phone"] = phone
	}
	if wallet := strings.TrimSpace(params.WalletAddress); wallet != "" {
		if err := d.executor.ValidateReceiver(wallet); err != nil {
			return nil, err
		}
		updates["wallet_address"] = wallet
	}
	if params.DateOfBirth != "" {
		dob, err := time.Parse(time.DateOnly, params.DateOfBirth)
		if err != nil {
			return nil, validationError("dateOfBirth must be YYYY-MM-DD")
		}
		updates["date_of_birth"] = dob
	}

	db := d.db.WithContext(ctx)
	res := db.Model(&models.User{}).Where("id = ?", params.UserID).Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update user: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, notFound("user", params.UserID)
	}

	var user models.User
	if err := db.First(&user, "id = ?", params.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("user", params.UserID)
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	zap.L().Info("Onboarding complete",
		zap.String("user_id", user.ID),
		zap.Bool("wallet_set", user.WalletAddress != ""))
	return &user, nil
}
