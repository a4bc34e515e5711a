package storage

import (
	"path/filepath"
	"testing"

	"warden/internal/models"
)

func TestFactory(t *testing.T) {
	factory := NewFactory()

	t.Run("GetSupportedProviders", func(t *testing.T) {
		providers := factory.GetSupportedProviders()
		expected := []string{"memory", "postgres", "sqlite"}

		if len(providers) != len(expected) {
			t.Errorf("Expected %d providers, got %d", len(expected), len(providers))
		}

		for i, provider := range expected {
			if i >= len(providers) || providers[i] != provider {
				t.Errorf("Expected provider %s at index %d, got %v", provider, i, providers)
			}
		}
	})

	t.Run("ValidateConfig", func(t *testing.T) {
		tests := []struct {
			name      string
			config    models.StorageConfig
			expectErr bool
		}{
			{
				name:   "valid memory config",
				config: models.StorageConfig{Type: "memory"},
			},
			{
				name: "valid sqlite config",
				config: models.StorageConfig{
					Type:     "sqlite",
					Database: models.DatabaseConfig{DSN: "./test.db"},
				},
			},
			{
				name:      "sqlite without dsn",
				config:    models.StorageConfig{Type: "sqlite"},
				expectErr: true,
			},
			{
				name:      "postgres without dsn",
				config:    models.StorageConfig{Type: "postgres"},
				expectErr: true,
			},
			{
				name:      "invalid storage type",
				config:    models.StorageConfig{Type: "json"},
				expectErr: true,
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := factory.ValidateConfig(tt.config)
				if tt.expectErr && err == nil {
					t.Error("Expected error but got none")
				}
				if !tt.expectErr && err != nil {
					t.Errorf("Expected no error but got: %v", err)
				}
			})
		}
	})

	t.Run("Create memory storage", func(t *testing.T) {
		s, err := factory.Create(models.StorageConfig{Type: "memory"})
		if err != nil {
			t.Fatalf("Failed to create memory storage: %v", err)
		}
		defer s.Close()

		if _, ok := s.(*MemoryStorage); !ok {
			t.Errorf("Expected *MemoryStorage, got %T", s)
		}
	})

	t.Run("Create sqlite storage", func(t *testing.T) {
		s, err := factory.Create(models.StorageConfig{
			Type:     "sqlite",
			Database: models.DatabaseConfig{DSN: filepath.Join(t.TempDir(), "factory.db")},
		})
		if err != nil {
			t.Fatalf("Failed to create sqlite storage: %v", err)
		}
		defer s.Close()

		if _, ok := s.(*SQLiteStorage); !ok {
			t.Errorf("Expected *SQLiteStorage, got %T", s)
		}
	})

	t.Run("Create unsupported storage", func(t *testing.T) {
		if _, err := factory.Create(models.StorageConfig{Type: "unsupported"}); err == nil {
			t.Error("Expected error for unsupported storage type")
		}
	})
}
