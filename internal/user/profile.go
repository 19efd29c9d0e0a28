package user

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/ryoa/internal/model"
	"github.com/hitoshi/ryoa/internal/repository"
)

const (
	// MaxFullNameLength はプロフィールの氏名の最大文字数。
	MaxFullNameLength = 100
	// MaxBioLength は自己紹介文の最大文字数。
	MaxBioLength = 500
)

// URLValidator は保存前に外部URLを検証する。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// TextSanitizer はユーザー入力の文字列を平文として保存できる形に整える。
type TextSanitizer interface {
	SanitizeName(name string) string
	SanitizeBio(bio string) string
}

// ProfileUpdate はプロフィールの部分更新。nilのフィールドは変更しない。
// 空文字を指定するとその項目を消去する。
type ProfileUpdate struct {
	FullName  *string
	Bio       *string
	AvatarURL *string
}

// ProfileService はユーザープロフィールの参照と更新を行う。
type ProfileService struct {
	users     repository.UserRepository
	profiles  repository.ProfileRepository
	urls      URLValidator
	sanitizer TextSanitizer
	now       func() time.Time
}

// NewProfileService はProfileServiceの新しいインスタンスを生成する。
func NewProfileService(
	users repository.UserRepository,
	profiles repository.ProfileRepository,
	urls URLValidator,
	sanitizer TextSanitizer,
) *ProfileService {
	return &ProfileService{
		users:     users,
		profiles:  profiles,
		urls:      urls,
		sanitizer: sanitizer,
		now:       time.Now,
	}
}

// GetProfile はユーザーのプロフィールを返す。
// プロフィールが未作成の場合は空のプロフィールを返す。
func (s *ProfileService) GetProfile(ctx context.Context, userID string) (*model.UserProfile, error) {
	if _, err := s.requireUser(ctx, userID); err != nil {
		return nil, err
	}

	profile, err := s.profiles.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}
	if profile == nil {
		return &model.UserProfile{UserID: userID}, nil
	}
	return profile, nil
}

// UpdateProfile はプロフィールを部分更新し、更新後の内容を返す。
// 未作成の場合は作成する。
func (s *ProfileService) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (*model.UserProfile, error) {
	if _, err := s.requireUser(ctx, userID); err != nil {
		return nil, err
	}

	current, err := s.profiles.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}

	now := s.now().UTC()
	profile := current
	if profile == nil {
		profile = &model.UserProfile{
			ID:        uuid.New().String(),
			UserID:    userID,
			CreatedAt: now,
		}
	}

	if update.FullName != nil {
		if utf8.RuneCountInString(*update.FullName) > MaxFullNameLength {
			return nil, fmt.Errorf("%w: fullName must be at most %d characters", ErrInvalidInput, MaxFullNameLength)
		}
		profile.FullName = s.sanitizer.SanitizeName(*update.FullName)
	}
	if update.Bio != nil {
		if utf8.RuneCountInString(*update.Bio) > MaxBioLength {
			return nil, fmt.Errorf("%w: bio must be at most %d characters", ErrInvalidInput, MaxBioLength)
		}
		profile.Bio = s.sanitizer.SanitizeBio(*update.Bio)
	}
	if update.AvatarURL != nil {
		if *update.AvatarURL != "" {
			if err := s.urls.ValidateURL(*update.AvatarURL); err != nil {
				return nil, fmt.Errorf("%w: avatarUrl must be a public https URL", ErrInvalidInput)
			}
		}
		profile.AvatarURL = *update.AvatarURL
	}
	profile.UpdatedAt = now

	if err := s.profiles.Upsert(ctx, profile); err != nil {
		return nil, fmt.Errorf("プロフィールの更新に失敗しました: %w", err)
	}

	slog.Info("プロフィールを更新しました", slog.String("user_id", userID))

	updated, err := s.profiles.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}
	return updated, nil
}

// ListUsers は全ユーザーを作成日時順に返す。
// 管理者かどうかの判定は呼び出し側で行う。
func (s *ProfileService) ListUsers(ctx context.Context) ([]*model.User, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("ユーザー一覧の取得に失敗しました: %w", err)
	}
	return users, nil
}

func (s *ProfileService) requireUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}
