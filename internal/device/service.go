// Package device はプッシュ通知の送信先端末の登録管理を提供する。
package device

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/vitalog/internal/model"
	"github.com/hitoshi/vitalog/internal/repository"
)

// maxTokenLength は受け付ける端末トークンの最大長。
const maxTokenLength = 4096

// Service は端末トークン管理のサービス層。
type Service struct {
	repo repository.DeviceTokenRepository
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(repo repository.DeviceTokenRepository) *Service {
	return &Service{repo: repo}
}

// Register はユーザーの端末トークンを登録する。既に登録済みの場合は所有者を付け替える。
func (s *Service) Register(ctx context.Context, userID, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return model.NewValidationError("token", "端末トークンを指定してください")
	}
	if len(token) > maxTokenLength {
		return model.NewValidationError("token", "端末トークンが長すぎます")
	}

	if err := s.repo.Register(ctx, &model.DeviceToken{
		Token:     token,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("端末トークンの登録に失敗しました: %w", err)
	}
	return nil
}

// Unregister はユーザーの端末トークンを削除する。
// 登録されていない場合は DEVICE_TOKEN_NOT_FOUND を返す。
func (s *Service) Unregister(ctx context.Context, userID, token string) error {
	deleted, err := s.repo.Delete(ctx, userID, strings.TrimSpace(token))
	if err != nil {
		return fmt.Errorf("端末トークンの削除に失敗しました: %w", err)
	}
	if !deleted {
		return model.NewDeviceTokenNotFoundError()
	}
	return nil
}
