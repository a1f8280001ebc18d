// Package settings resolves the immutable DbSettings value from a
// connection URL's key/value pairs, falling back to the process
// environment and finally to hard defaults, per spec §4.1 (C1).
package settings

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"github.com/kvore/dbcore/dberr"
)

// Recognized option keys.
const (
	KeyAnalyzeAuto               = "ANALYZE_AUTO"
	KeyAnalyzeSample             = "ANALYZE_SAMPLE"
	KeyAutoCompactFillRate       = "AUTO_COMPACT_FILL_RATE"
	KeyCaseInsensitiveIdentifiers = "CASE_INSENSITIVE_IDENTIFIERS"
	KeyDatabaseToUpper           = "DATABASE_TO_UPPER"
	KeyDatabaseToLower           = "DATABASE_TO_LOWER"
	KeyDefaultEscape             = "DEFAULT_ESCAPE"
	KeyDropRestrict              = "DROP_RESTRICT"
	KeyLobTimeout                = "LOB_TIMEOUT"
	KeyMaxCompactTime            = "MAX_COMPACT_TIME"
	KeyMaxQueryTimeout           = "MAX_QUERY_TIMEOUT"
	KeyMVStore                   = "MV_STORE"
	KeyCompress                  = "COMPRESS"
	KeyIgnoreCatalogs            = "IGNORE_CATALOGS"
	KeyReuseSpace                = "REUSE_SPACE"
	KeyZeroBasedEnums            = "ZERO_BASED_ENUMS"
	KeyQueryCacheSize            = "QUERY_CACHE_SIZE"
)

// envPrefix namespaces the process environment fallback, e.g.
// DBCORE_ANALYZE_AUTO overrides the ANALYZE_AUTO default.
const envPrefix = "DBCORE"

var defaults = map[string]interface{}{
	KeyAnalyzeAuto:                2000,
	KeyAnalyzeSample:              10000,
	KeyAutoCompactFillRate:        90,
	KeyCaseInsensitiveIdentifiers: false,
	KeyDatabaseToUpper:            true,
	KeyDatabaseToLower:            false,
	KeyDefaultEscape:              `\`,
	KeyDropRestrict:               true,
	KeyLobTimeout:                 300000,
	KeyMaxCompactTime:             200,
	KeyMaxQueryTimeout:            0,
	KeyMVStore:                    true,
	KeyCompress:                   false,
	KeyIgnoreCatalogs:             false,
	KeyReuseSpace:                 true,
	KeyZeroBasedEnums:             false,
	KeyQueryCacheSize:             8,
}

// DbSettings is the immutable, fully resolved set of options governing a
// Database instance. Once built by Resolve it is never mutated.
type DbSettings struct {
	AnalyzeAuto                int
	AnalyzeSample               int
	AutoCompactFillRate        int
	CaseInsensitiveIdentifiers bool
	DatabaseToUpper            bool
	DatabaseToLower            bool
	DefaultEscape              string
	DropRestrict               bool
	LobTimeout                 time.Duration
	MaxCompactTime             time.Duration
	MaxQueryTimeout            time.Duration
	MVStore                    bool
	Compress                   bool
	IgnoreCatalogs             bool
	ReuseSpace                 bool
	ZeroBasedEnums             bool
	QueryCacheSize             int
}

// Resolve materializes a DbSettings from the connection URL's key/value
// map. Keys absent from values fall back to the envPrefix_<KEY>
// environment variable, and finally to the hard default in this package.
//
// It fails with dberr.ErrUnsupportedSettingCombination if both
// DATABASE_TO_LOWER and DATABASE_TO_UPPER are explicitly set to true.
func Resolve(values map[string]string) (*DbSettings, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	for key, def := range defaults {
		v.SetDefault(key, def)
	}

	explicit := make(map[string]bool, len(values))
	for key, val := range values {
		key = strings.ToUpper(key)
		explicit[key] = true
		v.Set(key, val)
	}

	if explicit[KeyDatabaseToLower] && explicit[KeyDatabaseToUpper] && v.GetBool(KeyDatabaseToLower) && v.GetBool(KeyDatabaseToUpper) {
		return nil, errors.Wrap(dberr.ErrUnsupportedSettingCombination,
			"DATABASE_TO_LOWER and DATABASE_TO_UPPER cannot both be true")
	}

	return &DbSettings{
		AnalyzeAuto:                v.GetInt(KeyAnalyzeAuto),
		AnalyzeSample:              v.GetInt(KeyAnalyzeSample),
		AutoCompactFillRate:        v.GetInt(KeyAutoCompactFillRate),
		CaseInsensitiveIdentifiers: v.GetBool(KeyCaseInsensitiveIdentifiers),
		DatabaseToUpper:            v.GetBool(KeyDatabaseToUpper),
		DatabaseToLower:            v.GetBool(KeyDatabaseToLower),
		DefaultEscape:              v.GetString(KeyDefaultEscape),
		DropRestrict:               v.GetBool(KeyDropRestrict),
		LobTimeout:                 time.Duration(v.GetInt64(KeyLobTimeout)) * time.Millisecond,
		MaxCompactTime:             time.Duration(v.GetInt64(KeyMaxCompactTime)) * time.Millisecond,
		MaxQueryTimeout:            time.Duration(v.GetInt64(KeyMaxQueryTimeout)) * time.Millisecond,
		MVStore:                    v.GetBool(KeyMVStore),
		Compress:                   v.GetBool(KeyCompress),
		IgnoreCatalogs:             v.GetBool(KeyIgnoreCatalogs),
		ReuseSpace:                 v.GetBool(KeyReuseSpace),
		ZeroBasedEnums:             v.GetBool(KeyZeroBasedEnums),
		QueryCacheSize:             v.GetInt(KeyQueryCacheSize),
	}, nil
}

// ParseURL splits a `db-scheme:<name>[;KEY=VALUE]*` connection URL (§6)
// into the database name and its raw key/value option map.
func ParseURL(url string) (name string, values map[string]string, err error) {
	const scheme = "db-scheme:"
	rest := url
	if strings.HasPrefix(url, scheme) {
		rest = url[len(scheme):]
	}

	parts := strings.Split(rest, ";")
	name = parts[0]

	values = make(map[string]string, len(parts)-1)
	for _, kv := range parts[1:] {
		if kv == "" {
			continue
		}
		idx := strings.IndexByte(kv, '=')
		if idx < 0 {
			return "", nil, errors.Newf("malformed connection option %q", kv)
		}
		values[strings.ToUpper(kv[:idx])] = kv[idx+1:]
	}

	return name, values, nil
}

// FoldIdentifier applies the identifier case-folding rule selected by
// DATABASE_TO_UPPER / DATABASE_TO_LOWER to an unquoted identifier.
func (s *DbSettings) FoldIdentifier(id string) string {
	switch {
	case s.DatabaseToUpper:
		return strings.ToUpper(id)
	case s.DatabaseToLower:
		return strings.ToLower(id)
	default:
		return id
	}
}

// CompareName compares two identifiers honoring
// CASE_INSENSITIVE_IDENTIFIERS.
func (s *DbSettings) CompareName(a, b string) bool {
	if s.CaseInsensitiveIdentifiers {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// AsSQL renders every non-default boolean and integer setting as a
// `SET KEY value` statement. DEFAULT_ESCAPE, LOB_TIMEOUT,
// MAX_COMPACT_TIME and MAX_QUERY_TIMEOUT are not rendered.
func (s *DbSettings) AsSQL() []string {
	var stmts []string
	add := func(key string, cur, def interface{}) {
		if cur == def {
			return
		}
		stmts = append(stmts, "SET "+key+" "+settingValueString(cur))
	}

	add(KeyAnalyzeAuto, s.AnalyzeAuto, defaults[KeyAnalyzeAuto])
	add(KeyAnalyzeSample, s.AnalyzeSample, defaults[KeyAnalyzeSample])
	add(KeyAutoCompactFillRate, s.AutoCompactFillRate, defaults[KeyAutoCompactFillRate])
	add(KeyCaseInsensitiveIdentifiers, s.CaseInsensitiveIdentifiers, defaults[KeyCaseInsensitiveIdentifiers])
	add(KeyDatabaseToUpper, s.DatabaseToUpper, defaults[KeyDatabaseToUpper])
	add(KeyDatabaseToLower, s.DatabaseToLower, defaults[KeyDatabaseToLower])
	add(KeyDropRestrict, s.DropRestrict, defaults[KeyDropRestrict])
	add(KeyMVStore, s.MVStore, defaults[KeyMVStore])
	add(KeyCompress, s.Compress, defaults[KeyCompress])
	add(KeyIgnoreCatalogs, s.IgnoreCatalogs, defaults[KeyIgnoreCatalogs])
	add(KeyReuseSpace, s.ReuseSpace, defaults[KeyReuseSpace])
	add(KeyZeroBasedEnums, s.ZeroBasedEnums, defaults[KeyZeroBasedEnums])
	add(KeyQueryCacheSize, s.QueryCacheSize, defaults[KeyQueryCacheSize])

	return stmts
}

// settingValueString renders a setting's Go value the way a SET
// statement would spell it.
func settingValueString(v interface{}) string {
	switch t := v.(type) {
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	default:
		return ""
	}
}
