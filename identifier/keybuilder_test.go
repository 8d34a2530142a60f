package identifier_test

import (
	"reflect"
	"testing"

	"github.com/gbif/keygen/identifier"
)

func TestBuildKeys(t *testing.T) {
	tests := []struct {
		name          string
		uniqueStrings []string
		scope         string
		want          []string
	}{
		{
			name:          "SortsAndPrefixes",
			uniqueStrings: []string{"occ-42", "ic|cc|cat1"},
			scope:         "ds1",
			want:          []string{"ds1|ic|cc|cat1", "ds1|occ-42"},
		},
		{
			name:          "DropsEmptyFragments",
			uniqueStrings: []string{"", "occ-1", ""},
			scope:         "ds1",
			want:          []string{"ds1|occ-1"},
		},
		{
			name:          "DeduplicatesFragments",
			uniqueStrings: []string{"occ-1", "occ-1"},
			scope:         "ds1",
			want:          []string{"ds1|occ-1"},
		},
		{
			name:          "Empty",
			uniqueStrings: nil,
			scope:         "ds1",
			want:          []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := identifier.BuildKeys(tt.uniqueStrings, tt.scope)
			if len(got) == 0 {
				got = []string{}
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("BuildKeys() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildKeyPrefix(t *testing.T) {
	if got, want := identifier.BuildKeyPrefix("ds1"), "ds1|"; got != want {
		t.Fatalf("BuildKeyPrefix() = %q, want %q", got, want)
	}
}
