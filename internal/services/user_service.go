package services

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"dream_analyzer_go_backend/internal/database"
	customerrors "dream_analyzer_go_backend/internal/errors"
	"dream_analyzer_go_backend/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// RegisterInput carries the fields accepted at registration.
type RegisterInput struct {
	Email       string `validate:"required,email,max=255"`
	Username    string `validate:"required,min=3,max=50,username"`
	Password    string `validate:"required,min=6"`
	FirstName   string
	LastName    string
	PhoneNumber string
	Gender      string
	DateOfBirth *time.Time
}

// ProfileUpdate holds optional profile changes; nil fields are left alone.
type ProfileUpdate struct {
	FirstName *string
	LastName  *string
	Email     *string
}

type UserStats struct {
	TotalDreams  int64   `json:"total_dreams"`
	RecentDreams int64   `json:"recent_dreams"`
	MemberSince  string  `json:"member_since"`
	LastLogin    *string `json:"last_login"`
}

type UserService struct {
	db         *gorm.DB
	validate   *validator.Validate
	bcryptCost int
	now        func() time.Time
}

func NewUserService(db *gorm.DB, bcryptCost int) *UserService {
	v := validator.New()
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})
	return &UserService{
		db:         db,
		validate:   v,
		bcryptCost: bcryptCost,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *UserService) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	log := zerolog.Ctx(ctx)

	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Username = strings.TrimSpace(in.Username)
	if err := s.validateRegistration(in); err != nil {
		return nil, err
	}

	if exists, err := s.exists(ctx, "email = ?", in.Email); err != nil {
		return nil, err
	} else if exists {
		return nil, customerrors.New409Error("Email already registered")
	}
	if exists, err := s.exists(ctx, "username = ?", in.Username); err != nil {
		return nil, err
	} else if exists {
		return nil, customerrors.New409Error("Username already taken")
	}
	phone := optional(in.PhoneNumber)
	if phone != nil {
		if exists, err := s.exists(ctx, "phone_number = ?", *phone); err != nil {
			return nil, err
		} else if exists {
			return nil, customerrors.New409Error("Phone number already registered")
		}
	}

	user := &models.User{
		Email:              in.Email,
		Username:           in.Username,
		FirstName:          optional(in.FirstName),
		LastName:           optional(in.LastName),
		PhoneNumber:        phone,
		Gender:             optional(in.Gender),
		DateOfBirth:        in.DateOfBirth,
		IsActive:           true,
		SubscriptionStatus: models.SubscriptionNone,
	}
	if err := user.SetPassword(in.Password, s.bcryptCost); err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return nil, customerrors.New409Error("Email or username already exists")
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}

	log.Info().Str("userID", user.ID.String()).Msg("User registered")
	return user, nil
}

func (s *UserService) validateRegistration(in RegisterInput) error {
	if in.Email == "" || in.Username == "" || in.Password == "" {
		return customerrors.New400Error("Email, username, and password are required")
	}
	err := s.validate.Struct(in)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return customerrors.New400Error("Invalid registration data")
	}
	fe := verrs[0]
	switch fe.Field() {
	case "Email":
		return customerrors.New400Error("Invalid email format")
	case "Username":
		if fe.Tag() == "username" {
			return customerrors.New400Error("Username can only contain letters, numbers, and underscores")
		}
		return customerrors.New400Error("Username must be between 3 and 50 characters")
	case "Password":
		return customerrors.New400Error(passwordPolicyMessage)
	}
	return customerrors.New400Error("Invalid registration data")
}

const passwordPolicyMessage = "Password must be at least 6 characters long"

func (s *UserService) validatePassword(password string) error {
	if err := s.validate.Var(password, "required,min=6"); err != nil {
		return customerrors.New400Error(passwordPolicyMessage)
	}
	return nil
}

// Authenticate resolves identifier as an email when it contains "@",
// otherwise as a username, and checks the password.
func (s *UserService) Authenticate(ctx context.Context, identifier, password string) (*models.User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return nil, customerrors.New400Error("Email/username and password are required")
	}

	q := s.db.WithContext(ctx)
	if strings.Contains(identifier, "@") {
		q = q.Where("email = ?", strings.ToLower(identifier))
	} else {
		q = q.Where("username = ?", identifier)
	}

	var user models.User
	if err := q.First(&user).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, customerrors.New404Error("User not found")
		}
		return nil, fmt.Errorf("loading user: %w", err)
	}
	if !user.CheckPassword(password) {
		return nil, customerrors.New401Error("Incorrect password")
	}
	if !user.IsActive {
		return nil, customerrors.New401Error("Account is deactivated")
	}

	now := s.now()
	if err := s.db.WithContext(ctx).Model(&user).UpdateColumn("last_login", now).Error; err != nil {
		return nil, fmt.Errorf("updating last login: %w", err)
	}
	user.LastLogin = &now
	return &user, nil
}

func (s *UserService) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if database.IsNotFound(err) {
			return nil, customerrors.New404Error("User not found")
		}
		return nil, fmt.Errorf("loading user: %w", err)
	}
	return &user, nil
}

// GetActiveByID is GetByID that also treats a deactivated account as missing.
func (s *UserService) GetActiveByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	user, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, customerrors.New404Error("User not found or inactive")
	}
	return user, nil
}

func (s *UserService) UpdateProfile(ctx context.Context, user *models.User, upd ProfileUpdate) (*models.User, error) {
	updates := map[string]interface{}{}
	if upd.FirstName != nil {
		user.FirstName = optional(*upd.FirstName)
		updates["first_name"] = user.FirstName
	}
	if upd.LastName != nil {
		user.LastName = optional(*upd.LastName)
		updates["last_name"] = user.LastName
	}
	if upd.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*upd.Email))
		if err := s.validate.Var(email, "required,email,max=255"); err != nil {
			return nil, customerrors.New400Error("Invalid email address")
		}
		if email != user.Email {
			taken, err := s.exists(ctx, "email = ? AND id <> ?", email, user.ID)
			if err != nil {
				return nil, err
			}
			if taken {
				return nil, customerrors.New409Error("Email already taken")
			}
		}
		user.Email = email
		user.EmailVerified = false
		updates["email"] = email
		updates["email_verified"] = false
	}
	if len(updates) == 0 {
		return user, nil
	}

	if err := s.db.WithContext(ctx).Model(user).Updates(updates).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return nil, customerrors.New409Error("Email already taken")
		}
		return nil, fmt.Errorf("updating profile: %w", err)
	}
	return user, nil
}

func (s *UserService) ChangePassword(ctx context.Context, user *models.User, current, next string) error {
	if current == "" || next == "" {
		return customerrors.New400Error("Current and new passwords are required")
	}
	if !user.CheckPassword(current) {
		return customerrors.New401Error("Current password is incorrect")
	}
	if err := s.validatePassword(next); err != nil {
		return err
	}
	if err := user.SetPassword(next, s.bcryptCost); err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(user).Update("password_hash", user.PasswordHash).Error; err != nil {
		return fmt.Errorf("saving password: %w", err)
	}
	return nil
}

func (s *UserService) DreamCount(ctx context.Context, userID uuid.UUID) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.DreamAnalysis{}).Where("user_id = ?", userID).Count(&n).Error
	return n, err
}

// View renders the public user shape including the dream count.
func (s *UserService) View(ctx context.Context, user *models.User) (models.UserView, error) {
	n, err := s.DreamCount(ctx, user.ID)
	if err != nil {
		return models.UserView{}, fmt.Errorf("counting dreams: %w", err)
	}
	return user.View(n), nil
}

func (s *UserService) Stats(ctx context.Context, user *models.User) (*UserStats, error) {
	total, err := s.DreamCount(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	var recent int64
	since := s.now().AddDate(0, 0, -30)
	if err := s.db.WithContext(ctx).Model(&models.DreamAnalysis{}).
		Where("user_id = ? AND created_at >= ?", user.ID, since).
		Count(&recent).Error; err != nil {
		return nil, err
	}
	return &UserStats{
		TotalDreams:  total,
		RecentDreams: recent,
		MemberSince:  models.FormatTime(user.CreatedAt),
		LastLogin:    models.FormatTimePtr(user.LastLogin),
	}, nil
}

func (s *UserService) exists(ctx context.Context, query string, args ...interface{}) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where(query, args...).Count(&n).Error; err != nil {
		return false, fmt.Errorf("checking user: %w", err)
	}
	return n > 0, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
