package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/yourusername/cryptobazaar/config"
	"github.com/yourusername/cryptobazaar/middleware"
	"github.com/yourusername/cryptobazaar/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	accessTokenTTL  = 15 * time.Minute
	refreshTokenTTL = 7 * 24 * time.Hour
)

type AuthHandler struct {
	DB  *gorm.DB
	Cfg *config.Config
}

func NewAuthHandler(db *gorm.DB, cfg *config.Config) *AuthHandler {
	return &AuthHandler{
		DB:  db,
		Cfg: cfg,
	}
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// Refresh exchanges a refresh token for a new token pair. The role claim is
// taken from the stored user, so a promotion or demotion applies on the next
// refresh rather than when the old token expires.
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "refresh_token is required", "code": "ValidationError"})
		return
	}
	if h.Cfg.JWTSecret == "" || h.Cfg.JWTRefreshSecret == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Token refresh is not configured", "code": "ConfigurationError"})
		return
	}

	claims := &middleware.Claims{}
	token, err := jwt.ParseWithClaims(req.RefreshToken, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(h.Cfg.JWTRefreshSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		zap.L().Debug("Rejected refresh token", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Invalid or expired refresh token", "code": "InvalidToken"})
		return
	}

	var user models.User
	if err := h.DB.WithContext(c.Request.Context()).First(&user, "id = ?", claims.UserID).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "User not found", "code": "InvalidToken"})
		return
	}
	if !user.IsActive {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "User account is inactive", "code": "Forbidden"})
		return
	}

	role := user.Role
	if role == "" {
		role = "user"
	}
	if role != claims.Role {
		zap.L().Info("Role changed since token was issued",
			zap.String("user_id", user.ID),
			zap.String("token_role", claims.Role),
			zap.String("role", role))
	}

	pair, err := h.issueTokens(user.ID, role)
	if err != nil {
		zap.L().Error("Failed to issue tokens", zap.String("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to generate tokens", "code": "InternalError"})
		return
	}

	zap.L().Info("Tokens refreshed", zap.String("user_id", user.ID), zap.String("role", role))
	c.JSON(http.StatusOK, pair)
}

func (h *AuthHandler) issueTokens(userID, role string) (gin.H, error) {
	accessToken, err := middleware.GenerateToken(userID, role, h.Cfg.JWTSecret, accessTokenTTL)
	if err != nil {
		return nil, err
	}
	refreshToken, err := middleware.GenerateToken(userID, role, h.Cfg.JWTRefreshSecret, refreshTokenTTL)
	if err != nil {
		return nil, err
	}
	return gin.H{
		"success":       true,
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"token_type":    "Bearer",
		"expires_in":    int(accessTokenTTL.Seconds()),
		"role":          role,
	}, nil
}
