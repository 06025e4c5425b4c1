package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/choir/types"
)

func createProfile(t *testing.T, ps *PersonaStore, username, name string, embedding bool) *APIProfile {
	t.Helper()
	profile := &APIProfile{
		Username:         username,
		Name:             name,
		BaseURL:          "https://api.example.com/v1",
		Model:            "gpt-4o-mini",
		IsEmbeddingModel: embedding,
	}
	if embedding {
		dim := 1536
		profile.Model = "text-embedding-3-small"
		profile.EmbeddingDim = &dim
	}
	require.NoError(t, ps.CreateAPIProfile(context.Background(), profile, "sk-test-key-12345678"))
	return profile
}

func createPersona(t *testing.T, ps *PersonaStore, username string, profileID uint, handle string) *Persona {
	t.Helper()
	persona := &Persona{
		Username:         username,
		Handle:           handle,
		DisplayName:      handle,
		SystemPrompt:     "You are " + handle + ".",
		Proactivity:      0.5,
		MemoryWindow:     8,
		MaxAgentsPerTurn: 2,
		APIProfileID:     profileID,
	}
	require.NoError(t, ps.CreatePersona(context.Background(), persona))
	return persona
}

func TestCreateAPIProfile_EncryptsKey(t *testing.T) {
	t.Parallel()
	ps, _ := newTestStores(t)
	ctx := context.Background()

	profile := createProfile(t, ps, "alice", "main", false)
	assert.Equal(t, "****5678", profile.APIKeyPreview)
	assert.NotContains(t, profile.EncryptedAPIKey, "sk-test")

	loaded, err := ps.GetAPIProfile(ctx, "alice", profile.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "sk-test-key-12345678", loaded.EncryptedAPIKey)
}

func TestResolveLLMConfig_DecryptsInFrame(t *testing.T) {
	t.Parallel()
	ps, _ := newTestStores(t)
	ctx := context.Background()

	profile := createProfile(t, ps, "alice", "main", false)
	persona := createPersona(t, ps, "alice", profile.ID, "helper")

	cfg, err := ps.ResolveLLMConfig(ctx, persona)
	require.NoError(t, err)
	assert.Equal(t, "sk-test-key-12345678", cfg.APIKey)
	assert.Equal(t, "https://api.example.com/v1", cfg.BaseURL)
	assert.Equal(t, "gpt-4o-mini", cfg.Model)
}

func TestCreatePersona_ForeignProfileDenied(t *testing.T) {
	t.Parallel()
	ps, _ := newTestStores(t)

	bobProfile := createProfile(t, ps, "bob", "bobs", false)

	persona := &Persona{
		Username:         "alice",
		Handle:           "sneaky",
		DisplayName:      "Sneaky",
		SystemPrompt:     "prompt",
		MemoryWindow:     8,
		MaxAgentsPerTurn: 1,
		APIProfileID:     bobProfile.ID,
	}
	err := ps.CreatePersona(context.Background(), persona)
	assert.True(t, types.IsCode(err, types.ErrPermissionDenied))
}

func TestCreatePersona_Validation(t *testing.T) {
	t.Parallel()
	ps, _ := newTestStores(t)
	profile := createProfile(t, ps, "alice", "main", false)

	bad := &Persona{
		Username:         "alice",
		DisplayName:      "Bad",
		SystemPrompt:     "prompt",
		Proactivity:      1.5,
		MemoryWindow:     8,
		MaxAgentsPerTurn: 1,
		APIProfileID:     profile.ID,
	}
	err := ps.CreatePersona(context.Background(), bad)
	assert.True(t, types.IsCode(err, types.ErrValidation))

	bad.Proactivity = 0.5
	bad.MemoryWindow = 0
	err = ps.CreatePersona(context.Background(), bad)
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestCreatePersona_SlugifiesHandle(t *testing.T) {
	t.Parallel()
	ps, _ := newTestStores(t)
	profile := createProfile(t, ps, "alice", "main", false)

	persona := &Persona{
		Username:         "alice",
		DisplayName:      "Dr. Strange Love",
		SystemPrompt:     "prompt",
		Proactivity:      0.5,
		MemoryWindow:     8,
		MaxAgentsPerTurn: 1,
		APIProfileID:     profile.ID,
	}
	require.NoError(t, ps.CreatePersona(context.Background(), persona))
	assert.Equal(t, "dr_strange_love", persona.Handle)
}

func TestCreatePersona_SingleDefault(t *testing.T) {
	t.Parallel()
	ps, _ := newTestStores(t)
	ctx := context.Background()
	profile := createProfile(t, ps, "alice", "main", false)

	first := createPersona(t, ps, "alice", profile.ID, "first")
	patchTrue := true
	_, err := ps.UpdatePersona(ctx, "alice", first.ID, PersonaPatch{IsDefault: &patchTrue})
	require.NoError(t, err)

	second := &Persona{
		Username: "alice", Handle: "second", DisplayName: "Second",
		SystemPrompt: "p", Proactivity: 0.5, MemoryWindow: 8,
		MaxAgentsPerTurn: 1, APIProfileID: profile.ID, IsDefault: true,
	}
	require.NoError(t, ps.CreatePersona(ctx, second))

	personas, err := ps.ListPersonas(ctx, "alice")
	require.NoError(t, err)
	defaults := 0
	for _, p := range personas {
		if p.IsDefault {
			defaults++
		}
	}
	assert.Equal(t, 1, defaults)
}

func TestResolveEmbeddingConfig(t *testing.T) {
	t.Parallel()
	ps, _ := newTestStores(t)
	ctx := context.Background()

	chat := createProfile(t, ps, "alice", "chat", false)
	embed := createProfile(t, ps, "alice", "embed", true)

	persona := createPersona(t, ps, "alice", chat.ID, "knower")

	// 未配置 embedding 档案
	_, err := ps.ResolveEmbeddingConfig(ctx, persona)
	assert.True(t, types.IsCode(err, types.ErrConfig))

	// 配置后解析成功
	id := embed.ID
	persona, err = ps.UpdatePersona(ctx, "alice", persona.ID, PersonaPatch{EmbeddingProfileID: &id})
	require.NoError(t, err)

	cfg, err := ps.ResolveEmbeddingConfig(ctx, persona)
	require.NoError(t, err)
	assert.Equal(t, 1536, cfg.Dimensions)
	assert.Equal(t, "text-embedding-3-small", cfg.Model)

	// 非 embedding 档案被拒绝
	chatID := chat.ID
	persona, err = ps.UpdatePersona(ctx, "alice", persona.ID, PersonaPatch{EmbeddingProfileID: &chatID})
	require.NoError(t, err)
	_, err = ps.ResolveEmbeddingConfig(ctx, persona)
	assert.True(t, types.IsCode(err, types.ErrConfig))
}

func TestDeleteAPIProfile_CascadesPersonas(t *testing.T) {
	t.Parallel()
	ps, _ := newTestStores(t)
	ctx := context.Background()

	profile := createProfile(t, ps, "alice", "main", false)
	persona := createPersona(t, ps, "alice", profile.ID, "dependent")

	cascaded, err := ps.DeleteAPIProfile(ctx, "alice", profile.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{persona.ID}, cascaded)

	_, err = ps.GetPersona(ctx, "alice", persona.ID)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestGetAPIProfile_ScopedByOwner(t *testing.T) {
	t.Parallel()
	ps, _ := newTestStores(t)

	profile := createProfile(t, ps, "alice", "main", false)
	_, err := ps.GetAPIProfile(context.Background(), "bob", profile.ID)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}
