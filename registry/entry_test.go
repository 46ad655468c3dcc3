package registry_test

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dunlinkv/dunlin/registry"
)

func TestEntryCodec(t *testing.T) {
	registeredAt := time.Date(2021, 3, 14, 15, 9, 26, 535897932, time.UTC)

	testCases := map[string]registry.Entry{
		"bare": {
			Principal:    makePrincipal(7),
			RegisteredAt: registeredAt,
		},
		"with-details": {
			Principal:    makePrincipal(42),
			RegisteredAt: registeredAt,
			Details: map[string]string{
				"description": "payment actor",
				"frontend":    "https://example.com",
			},
		},
	}

	for name, entry := range testCases {
		t.Run(name, func(t *testing.T) {
			decoded, err := registry.DecodeEntry(registry.EncodeEntry(entry))

			if err != nil {
				t.Fatalf("expected err to be nil, got %s", err)
			}

			if diff := cmp.Diff(entry, decoded); diff != "" {
				t.Fatalf("entry mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// The codec length-prefixes details with uint16, so details the
// prefix cannot represent must be rejected up front instead of
// encoding a value that no longer decodes.
func TestValidateDetails(t *testing.T) {
	testCases := map[string]struct {
		details map[string]string
		valid   bool
	}{
		"nil": {
			details: nil,
			valid:   true,
		},
		"within-bounds": {
			details: map[string]string{"description": strings.Repeat("x", 65535)},
			valid:   true,
		},
		"oversized-value": {
			details: map[string]string{"description": strings.Repeat("x", 70000)},
			valid:   false,
		},
		"oversized-key": {
			details: map[string]string{strings.Repeat("k", 70000): "v"},
			valid:   false,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			err := registry.ValidateDetails(testCase.details)

			if testCase.valid && err != nil {
				t.Fatalf("expected err to be nil, got %s", err)
			}

			if !testCase.valid {
				if err == nil {
					t.Fatalf("expected validation to fail")
				}

				return
			}

			// valid details must survive a round trip intact
			entry := registry.Entry{
				Principal:    makePrincipal(3),
				RegisteredAt: time.Date(2021, 3, 14, 15, 9, 26, 0, time.UTC),
				Details:      testCase.details,
			}

			decoded, err := registry.DecodeEntry(registry.EncodeEntry(entry))

			if err != nil {
				t.Fatalf("expected err to be nil, got %s", err)
			}

			if diff := cmp.Diff(entry, decoded); diff != "" {
				t.Fatalf("entry mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeEntryRejectsGarbage(t *testing.T) {
	testCases := map[string][]byte{
		"empty":           {},
		"unknown-version": {0xff},
		"truncated":       {1, 2, 3},
	}

	for name, data := range testCases {
		t.Run(name, func(t *testing.T) {
			if _, err := registry.DecodeEntry(data); err == nil {
				t.Fatalf("expected decode to fail")
			}
		})
	}
}
