package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/policyrag/internal/scoring"
)

// isolate points user config lookups at an empty temp dir and clears
// environment variables that would leak into Load.
func isolate(t *testing.T) string {
	t.Helper()
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	for _, k := range []string{
		"OPENAI_API_KEY", "QDRANT_URL", "QDRANT_API_KEY",
		"POLICYRAG_LLM_PROVIDER", "POLICYRAG_EMBEDDINGS_PROVIDER", "POLICYRAG_INDEX_BACKEND",
		"POLICYRAG_EXPANSION_TERMS", "POLICYRAG_SIMILARITY_WEIGHT", "POLICYRAG_PRIORITY_WEIGHT",
		"POLICYRAG_RECENCY_WEIGHT", "POLICYRAG_TERM_TIMEOUT", "POLICYRAG_LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
	return xdg
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestNewConfig_ReturnsDefaults(t *testing.T) {
	// Given: no configuration file exists
	cfg := NewConfig()

	// Then: retrieval defaults match the pipeline constants
	assert.Equal(t, 3, cfg.Retrieval.ExpansionTerms)
	assert.Equal(t, 10, cfg.Retrieval.TopN)
	assert.Equal(t, 5*time.Second, cfg.Retrieval.TermTimeout)
	assert.Equal(t, 60, cfg.Index.RRFK)
	assert.Equal(t, "nhs_expert_policy", cfg.Index.Collection)
	assert.Equal(t, 1536, cfg.Embeddings.Dimensions)
	assert.Equal(t, 0.3, cfg.LLM.Temperature)
	assert.Equal(t, 200, cfg.LLM.ExpansionMaxTokens)
	assert.Equal(t, 1500, cfg.LLM.AnswerMaxTokens)
	assert.Equal(t, scoring.DefaultWeights(), cfg.Scoring.Weights)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_ProjectConfigOverridesDefaults(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	// Given: a project config that changes the backend and K
	writeFile(t, filepath.Join(dir, ".policyrag.yaml"), `
index:
  backend: qdrant
  qdrant_url: http://qdrant:6334
retrieval:
  expansion_terms: 5
  term_timeout: 2s
embeddings:
  provider: static
  dimensions: 256
`)

	// When: loading
	cfg, err := Load(dir)
	require.NoError(t, err)

	// Then: overridden values win, untouched values keep defaults
	assert.Equal(t, BackendQdrant, cfg.Index.Backend)
	assert.Equal(t, "http://qdrant:6334", cfg.Index.QdrantURL)
	assert.Equal(t, 5, cfg.Retrieval.ExpansionTerms)
	assert.Equal(t, 2*time.Second, cfg.Retrieval.TermTimeout)
	assert.Equal(t, ProviderStatic, cfg.Embeddings.Provider)
	assert.Equal(t, 256, cfg.Embeddings.Dimensions)
	assert.Equal(t, 10, cfg.Retrieval.TopN)
}

func TestLoad_PrecedenceUserProjectEnv(t *testing.T) {
	xdg := isolate(t)
	dir := t.TempDir()

	// Given: user, project and env all set top_n / model
	writeFile(t, filepath.Join(xdg, AppName, "config.yaml"), `
retrieval:
  top_n: 7
llm:
  model: user-model
`)
	writeFile(t, filepath.Join(dir, ".policyrag.yml"), `
llm:
  model: project-model
`)
	t.Setenv("POLICYRAG_LLM_MODEL", "env-model")

	// When: loading
	cfg, err := Load(dir)
	require.NoError(t, err)

	// Then: env > project > user > defaults
	assert.Equal(t, "env-model", cfg.LLM.Model)
	assert.Equal(t, 7, cfg.Retrieval.TopN)
}

func TestLoad_InvalidValuesRejected(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown backend", "index:\n  backend: elastic\n"},
		{"unknown llm provider", "llm:\n  provider: cohere\n"},
		{"weights not summing to one", "scoring:\n  weights:\n    similarity: 0.5\n    priority: 0.1\n    recency: 0.1\n"},
		{"unknown priority tier", "scoring:\n  priorities:\n    Regional: 0.9\n"},
		{"bad analyzer", "embeddings:\n  analyzer: klingon\n"},
		{"malformed yaml", "retrieval: [unclosed\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, ".policyrag.yaml"), tt.yaml)

			_, err := Load(dir)
			assert.Error(t, err)
		})
	}
}

func TestLoad_ApiKeyFallsBackToOpenAIEnv(t *testing.T) {
	isolate(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, "sk-test", cfg.Embeddings.APIKey)
}

func TestConfig_Policy_CustomPriorities(t *testing.T) {
	// Given: a config that downgrades governance documents
	cfg := NewConfig()
	cfg.Scoring.Priorities = map[string]float64{
		"local": 1.0, "national": 0.8, "legal": 0.5, "governance": 0.3,
	}

	// When: building the policy
	p, err := cfg.Policy()
	require.NoError(t, err)

	// Then: the override is visible and names are normalized
	got, err := p.Priority(scoring.Governance)
	require.NoError(t, err)
	assert.Equal(t, 0.3, got)
}

func TestWriteYAML_RedactsKeysAndRoundTrips(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	// Given: a config holding an API key
	cfg := NewConfig()
	cfg.LLM.APIKey = "sk-secret"
	cfg.Retrieval.TopN = 12
	path := filepath.Join(dir, ".policyrag.yaml")

	// When: writing and reloading
	require.NoError(t, cfg.WriteYAML(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	loaded, err := Load(dir)
	require.NoError(t, err)

	// Then: secrets are absent and values survive
	assert.NotContains(t, string(data), "sk-secret")
	assert.Equal(t, 12, loaded.Retrieval.TopN)
	assert.Equal(t, cfg.Retrieval.TermTimeout, loaded.Retrieval.TermTimeout)
}

func TestBackupUserConfig_KeepsNewest(t *testing.T) {
	xdg := isolate(t)
	writeFile(t, filepath.Join(xdg, AppName, "config.yaml"), "version: 1\n")

	// When: backing up more than MaxBackups times
	for i := 0; i < MaxBackups+2; i++ {
		_, err := BackupUserConfig()
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	// Then: only MaxBackups remain
	backups, err := ListUserConfigBackups()
	require.NoError(t, err)
	assert.Len(t, backups, MaxBackups)
}

func TestBackupUserConfig_NoConfig(t *testing.T) {
	isolate(t)

	path, err := BackupUserConfig()

	assert.NoError(t, err)
	assert.Empty(t, path)
}

func TestFindProjectRoot_FindsConfigDir(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".policyrag.yaml"), "version: 1\n")
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))

	got, err := FindProjectRoot(nested)
	require.NoError(t, err)

	want, _ := filepath.EvalSymlinks(root)
	gotResolved, _ := filepath.EvalSymlinks(got)
	assert.Equal(t, want, gotResolved)
}

func TestLoadFile_IgnoresUserAndProjectConfig(t *testing.T) {
	// Given a user config and an explicit file that disagree
	xdg := isolate(t)
	writeFile(t, filepath.Join(xdg, AppName, "config.yaml"), "retrieval:\n  top_n: 7\n")
	explicit := filepath.Join(t.TempDir(), "custom.yaml")
	writeFile(t, explicit, "retrieval:\n  top_n: 4\n  term_timeout: 2s\n")

	// When loading the explicit file
	cfg, err := LoadFile(explicit)

	// Then only the explicit file is applied over defaults
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Retrieval.TopN)
	assert.Equal(t, 2*time.Second, cfg.Retrieval.TermTimeout)
	assert.Equal(t, 3, cfg.Retrieval.ExpansionTerms)
}

func TestLoadFile_Missing(t *testing.T) {
	isolate(t)

	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))

	assert.Error(t, err)
}
