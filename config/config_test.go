package config_test

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dunlinkv/dunlin/config"
)

func TestParse(t *testing.T) {
	data := `
storage:
  driver: bbolt
  path: /var/lib/dunlin/data.db
scaling:
  capacity_threshold: 64
registry:
  max_name_length: 128
logging:
  level: debug
`

	parsed, err := config.Parse([]byte(data))

	if err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}

	expected := config.Config{
		Storage:  config.StorageConfig{Driver: "bbolt", Path: "/var/lib/dunlin/data.db"},
		Scaling:  config.ScalingConfig{CapacityThreshold: 64},
		Registry: config.RegistryConfig{MaxNameLength: 128},
		Logging:  config.LoggingConfig{Level: "debug"},
	}

	if diff := cmp.Diff(expected, parsed); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestParseDefaults(t *testing.T) {
	// only what the defaults cannot supply
	data := `
storage:
  path: /var/lib/dunlin/data.db
`

	parsed, err := config.Parse([]byte(data))

	if err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}

	expected := config.Config{
		Storage:  config.StorageConfig{Driver: "bbolt", Path: "/var/lib/dunlin/data.db"},
		Scaling:  config.ScalingConfig{CapacityThreshold: 128},
		Registry: config.RegistryConfig{MaxNameLength: 256},
		Logging:  config.LoggingConfig{Level: "info"},
	}

	if diff := cmp.Diff(expected, parsed); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRejects(t *testing.T) {
	testCases := map[string]struct {
		data string
		want string
	}{
		"unknown-driver": {
			data: "storage:\n  driver: etcd\n",
			want: "unknown storage driver",
		},
		"bbolt-without-path": {
			data: "storage:\n  driver: bbolt\n",
			want: "requires a path",
		},
		"threshold-too-low": {
			data: "storage:\n  driver: memory\nscaling:\n  capacity_threshold: 1\n",
			want: "capacity threshold",
		},
		"unknown-level": {
			data: "storage:\n  driver: memory\nlogging:\n  level: loud\n",
			want: "unknown log level",
		},
		"unknown-field": {
			data: "storage:\n  driver: memory\nreplication:\n  factor: 3\n",
			want: "could not parse config",
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Parse([]byte(testCase.data))

			if err == nil {
				t.Fatalf("expected parse to fail")
			}

			if !strings.Contains(err.Error(), testCase.want) {
				t.Fatalf("expected error to mention %q, got %q", testCase.want, err.Error())
			}
		})
	}
}

func TestOpenKV(t *testing.T) {
	parsed, err := config.Parse([]byte("storage:\n  driver: memory\n"))

	if err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}

	kvStore, err := parsed.OpenKV()

	if err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}

	defer kvStore.Close()

	transaction, err := kvStore.Begin(false)

	if err != nil {
		t.Fatalf("expected err to be nil, got %s", err)
	}

	transaction.Rollback()
}
