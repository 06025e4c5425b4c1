package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/choir/types"
)

// PersonaStore 提供按 username 隔离的 Persona / APIProfile 持久化。
type PersonaStore struct {
	db     *gorm.DB
	cipher *Cipher
	logger *zap.Logger
}

// NewPersonaStore 创建 PersonaStore。
func NewPersonaStore(db *gorm.DB, cipher *Cipher, logger *zap.Logger) *PersonaStore {
	return &PersonaStore{
		db:     db,
		cipher: cipher,
		logger: logger.With(zap.String("component", "persona_store")),
	}
}

// =============================================================================
// API Profile CRUD
// =============================================================================

// CreateAPIProfile 加密 apiKey 并保存档案。
func (s *PersonaStore) CreateAPIProfile(ctx context.Context, profile *APIProfile, apiKey string) error {
	if profile.Username == "" || profile.Name == "" || profile.BaseURL == "" || profile.Model == "" {
		return types.NewError(types.ErrValidation, "username, name, base_url and model are required")
	}
	if len(apiKey) < 8 {
		return types.NewError(types.ErrValidation, "api_key must be at least 8 characters")
	}

	encrypted, err := s.cipher.Encrypt(apiKey)
	if err != nil {
		return types.NewError(types.ErrConfig, "failed to encrypt api key").WithCause(err)
	}
	profile.EncryptedAPIKey = encrypted
	profile.APIKeyPreview = KeyPreview(apiKey)

	if err := s.db.WithContext(ctx).Create(profile).Error; err != nil {
		return types.NewError(types.ErrInternal, "failed to create api profile").WithCause(err)
	}

	s.logger.Info("api profile created",
		zap.String("username", profile.Username),
		zap.Uint("profile_id", profile.ID),
		zap.String("model", profile.Model))
	return nil
}

// APIProfilePatch 档案的可更新字段；nil 表示保持不变。
type APIProfilePatch struct {
	Name             *string
	BaseURL          *string
	Model            *string
	APIKey           *string
	Temperature      *float64
	IsEmbeddingModel *bool
	EmbeddingDim     *int
}

// UpdateAPIProfile 更新 owner 名下的档案。
func (s *PersonaStore) UpdateAPIProfile(ctx context.Context, username string, id uint, patch APIProfilePatch) (*APIProfile, error) {
	profile, err := s.GetAPIProfile(ctx, username, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if patch.Name != nil {
		updates["name"] = *patch.Name
	}
	if patch.BaseURL != nil {
		updates["base_url"] = *patch.BaseURL
	}
	if patch.Model != nil {
		updates["model"] = *patch.Model
	}
	if patch.Temperature != nil {
		updates["temperature"] = *patch.Temperature
	}
	if patch.IsEmbeddingModel != nil {
		updates["is_embedding_model"] = *patch.IsEmbeddingModel
	}
	if patch.EmbeddingDim != nil {
		updates["embedding_dim"] = *patch.EmbeddingDim
	}
	if patch.APIKey != nil {
		if len(*patch.APIKey) < 8 {
			return nil, types.NewError(types.ErrValidation, "api_key must be at least 8 characters")
		}
		encrypted, encErr := s.cipher.Encrypt(*patch.APIKey)
		if encErr != nil {
			return nil, types.NewError(types.ErrConfig, "failed to encrypt api key").WithCause(encErr)
		}
		updates["encrypted_api_key"] = encrypted
		updates["api_key_preview"] = KeyPreview(*patch.APIKey)
	}
	if len(updates) == 0 {
		return nil, types.NewError(types.ErrValidation, "no fields provided")
	}

	if err := s.db.WithContext(ctx).Model(profile).Updates(updates).Error; err != nil {
		return nil, types.NewError(types.ErrInternal, "failed to update api profile").WithCause(err)
	}
	return s.GetAPIProfile(ctx, username, id)
}

// GetAPIProfile 返回 owner 名下的档案。
func (s *PersonaStore) GetAPIProfile(ctx context.Context, username string, id uint) (*APIProfile, error) {
	var profile APIProfile
	err := s.db.WithContext(ctx).
		Where("username = ? AND id = ?", username, id).
		First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound, "api profile not found")
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "failed to load api profile").WithCause(err)
	}
	return &profile, nil
}

// ListAPIProfiles 列出 owner 的全部档案。
func (s *PersonaStore) ListAPIProfiles(ctx context.Context, username string) ([]APIProfile, error) {
	var profiles []APIProfile
	err := s.db.WithContext(ctx).
		Where("username = ?", username).
		Order("id ASC").
		Find(&profiles).Error
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "failed to list api profiles").WithCause(err)
	}
	return profiles, nil
}

// DeleteAPIProfile 删除档案并级联删除依赖它的 Persona。
// 返回被级联删除的 persona ID，供调用方清理各自的知识库集合。
func (s *PersonaStore) DeleteAPIProfile(ctx context.Context, username string, id uint) ([]uint, error) {
	if _, err := s.GetAPIProfile(ctx, username, id); err != nil {
		return nil, err
	}

	var dependents []Persona
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("username = ? AND (api_profile_id = ? OR embedding_profile_id = ?)", username, id, id).
			Find(&dependents).Error; err != nil {
			return err
		}
		if len(dependents) > 0 {
			depIDs := make([]uint, 0, len(dependents))
			for _, p := range dependents {
				depIDs = append(depIDs, p.ID)
			}
			if err := tx.Where("id IN ?", depIDs).Delete(&Persona{}).Error; err != nil {
				return err
			}
		}
		return tx.Where("username = ? AND id = ?", username, id).Delete(&APIProfile{}).Error
	})
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "failed to delete api profile").WithCause(err)
	}

	ids := make([]uint, 0, len(dependents))
	for _, p := range dependents {
		ids = append(ids, p.ID)
	}
	s.logger.Info("api profile deleted",
		zap.String("username", username),
		zap.Uint("profile_id", id),
		zap.Int("cascaded_personas", len(ids)))
	return ids, nil
}

// =============================================================================
// Persona CRUD
// =============================================================================

// CreatePersona 保存 persona；引用的 API 档案必须属于同一 owner。
func (s *PersonaStore) CreatePersona(ctx context.Context, p *Persona) error {
	if p.Username == "" || p.DisplayName == "" || p.SystemPrompt == "" {
		return types.NewError(types.ErrValidation, "username, display_name and system_prompt are required")
	}
	if p.Proactivity < 0 || p.Proactivity > 1 {
		return types.NewError(types.ErrValidation, "proactivity must be in [0, 1]")
	}
	if p.MemoryWindow < 1 {
		return types.NewError(types.ErrValidation, "memory_window must be >= 1")
	}
	if p.MaxAgentsPerTurn < 1 {
		return types.NewError(types.ErrValidation, "max_agents_per_turn must be >= 1")
	}
	if p.Handle == "" {
		p.Handle = Slugify(p.DisplayName)
	}
	if err := s.checkProfileOwnership(ctx, p.Username, p.APIProfileID); err != nil {
		return err
	}
	if p.EmbeddingProfileID != 0 {
		if err := s.checkProfileOwnership(ctx, p.Username, p.EmbeddingProfileID); err != nil {
			return err
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if p.IsDefault {
			if err := tx.Model(&Persona{}).
				Where("username = ? AND is_default = ?", p.Username, true).
				Update("is_default", false).Error; err != nil {
				return err
			}
		}
		return tx.Create(p).Error
	})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") || strings.Contains(strings.ToLower(err.Error()), "duplicate") {
			return types.NewError(types.ErrValidation, fmt.Sprintf("handle %q already exists", p.Handle))
		}
		return types.NewError(types.ErrInternal, "failed to create persona").WithCause(err)
	}

	s.logger.Info("persona created",
		zap.String("username", p.Username),
		zap.Uint("persona_id", p.ID),
		zap.String("handle", p.Handle))
	return nil
}

// PersonaPatch persona 的可更新字段；nil 表示保持不变。
type PersonaPatch struct {
	DisplayName        *string
	Handle             *string
	SystemPrompt       *string
	Tone               *string
	Proactivity        *float64
	MemoryWindow       *int
	MaxAgentsPerTurn   *int
	APIProfileID       *uint
	EmbeddingProfileID *uint
	IsDefault          *bool
	BackgroundText     *string
}

// UpdatePersona 更新 owner 名下的 persona。
func (s *PersonaStore) UpdatePersona(ctx context.Context, username string, id uint, patch PersonaPatch) (*Persona, error) {
	persona, err := s.GetPersona(ctx, username, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if patch.DisplayName != nil {
		updates["display_name"] = *patch.DisplayName
	}
	if patch.Handle != nil {
		updates["handle"] = *patch.Handle
	}
	if patch.SystemPrompt != nil {
		updates["system_prompt"] = *patch.SystemPrompt
	}
	if patch.Tone != nil {
		updates["tone"] = *patch.Tone
	}
	if patch.Proactivity != nil {
		if *patch.Proactivity < 0 || *patch.Proactivity > 1 {
			return nil, types.NewError(types.ErrValidation, "proactivity must be in [0, 1]")
		}
		updates["proactivity"] = *patch.Proactivity
	}
	if patch.MemoryWindow != nil {
		if *patch.MemoryWindow < 1 {
			return nil, types.NewError(types.ErrValidation, "memory_window must be >= 1")
		}
		updates["memory_window"] = *patch.MemoryWindow
	}
	if patch.MaxAgentsPerTurn != nil {
		if *patch.MaxAgentsPerTurn < 1 {
			return nil, types.NewError(types.ErrValidation, "max_agents_per_turn must be >= 1")
		}
		updates["max_agents_per_turn"] = *patch.MaxAgentsPerTurn
	}
	if patch.APIProfileID != nil {
		if err := s.checkProfileOwnership(ctx, username, *patch.APIProfileID); err != nil {
			return nil, err
		}
		updates["api_profile_id"] = *patch.APIProfileID
	}
	if patch.EmbeddingProfileID != nil {
		if *patch.EmbeddingProfileID != 0 {
			if err := s.checkProfileOwnership(ctx, username, *patch.EmbeddingProfileID); err != nil {
				return nil, err
			}
		}
		updates["embedding_profile_id"] = *patch.EmbeddingProfileID
	}
	if patch.IsDefault != nil {
		updates["is_default"] = *patch.IsDefault
	}
	if patch.BackgroundText != nil {
		updates["background_text"] = *patch.BackgroundText
	}
	if len(updates) == 0 {
		return nil, types.NewError(types.ErrValidation, "no fields provided")
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if patch.IsDefault != nil && *patch.IsDefault {
			if err := tx.Model(&Persona{}).
				Where("username = ? AND id <> ? AND is_default = ?", username, id, true).
				Update("is_default", false).Error; err != nil {
				return err
			}
		}
		return tx.Model(persona).Updates(updates).Error
	})
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "failed to update persona").WithCause(err)
	}
	return s.GetPersona(ctx, username, id)
}

// GetPersona 返回 owner 名下的 persona。
func (s *PersonaStore) GetPersona(ctx context.Context, username string, id uint) (*Persona, error) {
	var persona Persona
	err := s.db.WithContext(ctx).
		Where("username = ? AND id = ?", username, id).
		First(&persona).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound, "persona not found")
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "failed to load persona").WithCause(err)
	}
	return &persona, nil
}

// ListPersonas 列出 owner 的全部 persona。
func (s *PersonaStore) ListPersonas(ctx context.Context, username string) ([]Persona, error) {
	var personas []Persona
	err := s.db.WithContext(ctx).
		Where("username = ?", username).
		Order("id ASC").
		Find(&personas).Error
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "failed to list personas").WithCause(err)
	}
	return personas, nil
}

// DeletePersona 删除 owner 名下的 persona。
// 知识库集合的清理由调用方负责（集合名是 (owner, id) 的纯函数）。
func (s *PersonaStore) DeletePersona(ctx context.Context, username string, id uint) error {
	if _, err := s.GetPersona(ctx, username, id); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).
		Where("username = ? AND id = ?", username, id).
		Delete(&Persona{}).Error; err != nil {
		return types.NewError(types.ErrInternal, "failed to delete persona").WithCause(err)
	}
	s.logger.Info("persona deleted",
		zap.String("username", username),
		zap.Uint("persona_id", id))
	return nil
}

// =============================================================================
// 配置解析
// =============================================================================

// ResolveLLMConfig 解密 persona 的聊天调用配置。
// 明文 API 密钥只在本调用帧内出现，调用方用完即弃。
func (s *PersonaStore) ResolveLLMConfig(ctx context.Context, persona *Persona) (*LLMConfig, error) {
	profile, err := s.GetAPIProfile(ctx, persona.Username, persona.APIProfileID)
	if err != nil {
		return nil, err
	}
	apiKey, err := s.cipher.Decrypt(profile.EncryptedAPIKey)
	if err != nil {
		return nil, types.NewError(types.ErrConfig, "failed to decrypt api key").WithCause(err)
	}
	temperature := float32(0.7)
	if profile.Temperature != nil {
		temperature = float32(*profile.Temperature)
	}
	return &LLMConfig{
		BaseURL:     profile.BaseURL,
		Model:       profile.Model,
		APIKey:      apiKey,
		Temperature: temperature,
	}, nil
}

// ResolveEmbeddingConfig 解密 persona 知识库的 embedding 配置。
// persona 未配置 embedding 档案、或档案不是 embedding 模型时返回 CONFIG_ERROR。
func (s *PersonaStore) ResolveEmbeddingConfig(ctx context.Context, persona *Persona) (*EmbeddingConfig, error) {
	if persona.EmbeddingProfileID == 0 {
		return nil, types.NewError(types.ErrConfig, "persona has no embedding profile configured")
	}
	profile, err := s.GetAPIProfile(ctx, persona.Username, persona.EmbeddingProfileID)
	if err != nil {
		return nil, err
	}
	if !profile.IsEmbeddingModel {
		return nil, types.NewError(types.ErrConfig, "configured profile is not an embedding model")
	}
	apiKey, err := s.cipher.Decrypt(profile.EncryptedAPIKey)
	if err != nil {
		return nil, types.NewError(types.ErrConfig, "failed to decrypt api key").WithCause(err)
	}
	dims := 0
	if profile.EmbeddingDim != nil {
		dims = *profile.EmbeddingDim
	}
	return &EmbeddingConfig{
		BaseURL:    profile.BaseURL,
		Model:      profile.Model,
		APIKey:     apiKey,
		Dimensions: dims,
	}, nil
}

// ResolveProfileKey 解密任意档案的 API 密钥（健康探测用）。
// 返回的明文只应在调用帧内使用。
func (s *PersonaStore) ResolveProfileKey(ctx context.Context, username string, id uint) (*APIProfile, string, error) {
	profile, err := s.GetAPIProfile(ctx, username, id)
	if err != nil {
		return nil, "", err
	}
	apiKey, err := s.cipher.Decrypt(profile.EncryptedAPIKey)
	if err != nil {
		return nil, "", types.NewError(types.ErrConfig, "failed to decrypt api key").WithCause(err)
	}
	return profile, apiKey, nil
}

// checkProfileOwnership 校验档案归属：不存在 → NOT_FOUND；
// 属于他人 → PERMISSION_DENIED（不泄露存在性差异给响应正文以外的通道）。
func (s *PersonaStore) checkProfileOwnership(ctx context.Context, username string, profileID uint) error {
	if profileID == 0 {
		return types.NewError(types.ErrValidation, "api_profile_id is required")
	}
	var profile APIProfile
	err := s.db.WithContext(ctx).Where("id = ?", profileID).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.NewError(types.ErrNotFound, "api profile not found")
	}
	if err != nil {
		return types.NewError(types.ErrInternal, "failed to load api profile").WithCause(err)
	}
	if profile.Username != username {
		return types.NewError(types.ErrPermissionDenied, "api profile belongs to another user")
	}
	return nil
}

// Slugify 将显示名转换为 handle（小写，非字母数字折叠为下划线）。
func Slugify(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}
