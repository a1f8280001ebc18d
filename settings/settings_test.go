package settings

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kvore/dbcore/dberr"
)

func TestResolveAppliesHardDefaultsWhenNoValuesGiven(t *testing.T) {
	s, err := Resolve(nil)
	require.NoError(t, err)

	require.Equal(t, 2000, s.AnalyzeAuto)
	require.True(t, s.DatabaseToUpper)
	require.False(t, s.DatabaseToLower)
	require.Equal(t, 300000*time.Millisecond, s.LobTimeout)
	require.Equal(t, 8, s.QueryCacheSize)
}

func TestResolveOverridesDefaultsFromValues(t *testing.T) {
	s, err := Resolve(map[string]string{
		"ANALYZE_AUTO":    "50",
		"LOB_TIMEOUT":     "1000",
		"DATABASE_TO_UPPER": "false",
	})
	require.NoError(t, err)

	require.Equal(t, 50, s.AnalyzeAuto)
	require.Equal(t, time.Second, s.LobTimeout)
	require.False(t, s.DatabaseToUpper)
}

func TestResolveValuesKeysAreCaseInsensitive(t *testing.T) {
	s, err := Resolve(map[string]string{"analyze_auto": "7"})
	require.NoError(t, err)
	require.Equal(t, 7, s.AnalyzeAuto)
}

func TestResolveRejectsToUpperAndToLowerBothTrue(t *testing.T) {
	_, err := Resolve(map[string]string{
		"DATABASE_TO_LOWER": "true",
		"DATABASE_TO_UPPER": "true",
	})
	require.ErrorIs(t, err, dberr.ErrUnsupportedSettingCombination)
}

func TestResolveAllowsToUpperAndToLowerWhenOnlyOneTrue(t *testing.T) {
	s, err := Resolve(map[string]string{
		"DATABASE_TO_LOWER": "true",
		"DATABASE_TO_UPPER": "false",
	})
	require.NoError(t, err)
	require.True(t, s.DatabaseToLower)
	require.False(t, s.DatabaseToUpper)
}

func TestResolveFallsBackToEnvironmentPrefix(t *testing.T) {
	t.Setenv("DBCORE_ANALYZE_SAMPLE", "42")

	s, err := Resolve(nil)
	require.NoError(t, err)
	require.Equal(t, 42, s.AnalyzeSample)
}

func TestResolveValuesTakePriorityOverEnvironment(t *testing.T) {
	t.Setenv("DBCORE_ANALYZE_SAMPLE", "42")

	s, err := Resolve(map[string]string{"ANALYZE_SAMPLE": "99"})
	require.NoError(t, err)
	require.Equal(t, 99, s.AnalyzeSample)
}

func TestParseURLSplitsNameAndOptions(t *testing.T) {
	name, values, err := ParseURL("db-scheme:mydb;DATABASE_TO_UPPER=false;LOB_TIMEOUT=500")
	require.NoError(t, err)
	require.Equal(t, "mydb", name)
	require.Equal(t, map[string]string{
		"DATABASE_TO_UPPER": "false",
		"LOB_TIMEOUT":       "500",
	}, values)
}

func TestParseURLWithoutSchemePrefix(t *testing.T) {
	name, values, err := ParseURL("mydb")
	require.NoError(t, err)
	require.Equal(t, "mydb", name)
	require.Empty(t, values)
}

func TestParseURLRejectsMalformedOption(t *testing.T) {
	_, _, err := ParseURL("db-scheme:mydb;NOTKEYVALUE")
	require.Error(t, err)
}

func TestFoldIdentifierHonorsToUpperAndToLower(t *testing.T) {
	upper := &DbSettings{DatabaseToUpper: true}
	require.Equal(t, "FOO", upper.FoldIdentifier("foo"))

	lower := &DbSettings{DatabaseToLower: true}
	require.Equal(t, "foo", lower.FoldIdentifier("FOO"))

	neither := &DbSettings{}
	require.Equal(t, "Foo", neither.FoldIdentifier("Foo"))
}

func TestCompareNameHonorsCaseInsensitiveIdentifiers(t *testing.T) {
	sensitive := &DbSettings{}
	require.False(t, sensitive.CompareName("Foo", "foo"))

	insensitive := &DbSettings{CaseInsensitiveIdentifiers: true}
	require.True(t, insensitive.CompareName("Foo", "foo"))
}

func TestAsSQLOnlyRendersNonDefaultSettings(t *testing.T) {
	s, err := Resolve(map[string]string{"ANALYZE_AUTO": "50"})
	require.NoError(t, err)

	stmts := s.AsSQL()
	require.Contains(t, stmts, "SET ANALYZE_AUTO 50")
	for _, stmt := range stmts {
		require.NotContains(t, stmt, "QUERY_CACHE_SIZE")
	}
}

func TestAsSQLEmptyWhenEverythingIsDefault(t *testing.T) {
	s, err := Resolve(nil)
	require.NoError(t, err)
	require.Empty(t, s.AsSQL())
}
