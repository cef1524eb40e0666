package trust

import (
	"fmt"
	"strings"

	"github.com/opennotes-ai/communitynotes/internal/apperr"
)

// Level is a user's standing tier.
type Level string

const (
	LevelNewcomer    Level = "newcomer"
	LevelContributor Level = "contributor"
	LevelTrusted     Level = "trusted"
	LevelModerator   Level = "moderator"
	LevelAdmin       Level = "admin"
)

// Scope is a named capability granted by a trust level.
type Scope string

const (
	ScopeNotesRead       Scope = "notes:read"
	ScopeNotesWrite      Scope = "notes:write"
	ScopeNotesDeleteOwn  Scope = "notes:delete_own"
	ScopeNotesDeleteAny  Scope = "notes:delete_any"
	ScopeRequestsWrite   Scope = "requests:write"
	ScopeRatingsWrite    Scope = "ratings:write"
	ScopeUsersRead       Scope = "users:read"
	ScopeUsersWriteSelf  Scope = "users:write_self"
	ScopeUsersWriteAny   Scope = "users:write_any"
	ScopeModerationRead  Scope = "moderation:read"
	ScopeModerationWrite Scope = "moderation:write"
	ScopeAnalyticsRead   Scope = "analytics:read"
	ScopeServerConfig    Scope = "server:config"
)

var allScopes = []Scope{
	ScopeNotesRead,
	ScopeNotesWrite,
	ScopeNotesDeleteOwn,
	ScopeNotesDeleteAny,
	ScopeRequestsWrite,
	ScopeRatingsWrite,
	ScopeUsersRead,
	ScopeUsersWriteSelf,
	ScopeUsersWriteAny,
	ScopeModerationRead,
	ScopeModerationWrite,
	ScopeAnalyticsRead,
	ScopeServerConfig,
}

var orderedLevels = []Level{
	LevelNewcomer,
	LevelContributor,
	LevelTrusted,
	LevelModerator,
	LevelAdmin,
}

var levelScopes = map[Level][]Scope{
	LevelNewcomer: {
		ScopeNotesRead,
		ScopeRequestsWrite,
		ScopeUsersRead,
		ScopeUsersWriteSelf,
	},
	LevelContributor: {
		ScopeNotesRead,
		ScopeNotesWrite,
		ScopeNotesDeleteOwn,
		ScopeRequestsWrite,
		ScopeRatingsWrite,
		ScopeUsersRead,
		ScopeUsersWriteSelf,
	},
	LevelTrusted: {
		ScopeNotesRead,
		ScopeNotesWrite,
		ScopeNotesDeleteOwn,
		ScopeRequestsWrite,
		ScopeRatingsWrite,
		ScopeUsersRead,
		ScopeUsersWriteSelf,
		ScopeAnalyticsRead,
	},
	LevelModerator: {
		ScopeNotesRead,
		ScopeNotesWrite,
		ScopeNotesDeleteOwn,
		ScopeNotesDeleteAny,
		ScopeRequestsWrite,
		ScopeRatingsWrite,
		ScopeUsersRead,
		ScopeUsersWriteSelf,
		ScopeModerationRead,
		ScopeModerationWrite,
		ScopeAnalyticsRead,
	},
	LevelAdmin: allScopes,
}

// Levels returns every known level ordered from least to most trusted.
func Levels() []Level {
	return append([]Level(nil), orderedLevels...)
}

// ParseLevel normalizes raw input into a known level.
func ParseLevel(raw string) (Level, error) {
	candidate := Level(strings.ToLower(strings.TrimSpace(raw)))
	if candidate.Known() {
		return candidate, nil
	}
	return "", fmt.Errorf("%w: unknown trust level %q", apperr.ErrInvalidInput, raw)
}

// Known reports whether the level is one of the five defined tiers.
func (l Level) Known() bool {
	_, ok := levelScopes[l]
	return ok
}

// Rank orders levels; unknown levels rank below newcomer.
func (l Level) Rank() int {
	for index, level := range orderedLevels {
		if level == l {
			return index
		}
	}
	return -1
}

func (l Level) String() string {
	return string(l)
}

// ScopeSet is an immutable-by-convention set of scopes.
type ScopeSet map[Scope]struct{}

// Has reports membership.
func (s ScopeSet) Has(scope Scope) bool {
	_, ok := s[scope]
	return ok
}

// ScopesFor maps a trust level to its scopes. Unknown levels get the empty set.
func ScopesFor(level Level) ScopeSet {
	scopes := levelScopes[level]
	set := make(ScopeSet, len(scopes))
	for _, scope := range scopes {
		set[scope] = struct{}{}
	}
	return set
}

// Authorize reports whether the level grants the scope.
func Authorize(level Level, required Scope) bool {
	for _, scope := range levelScopes[level] {
		if scope == required {
			return true
		}
	}
	return false
}

// Require returns an Unauthorized error when the level lacks the scope.
func Require(level Level, required Scope) error {
	if Authorize(level, required) {
		return nil
	}
	return apperr.Wrap(apperr.ErrUnauthorized, "trust level %q lacks scope %s", level, required)
}

// LevelsWithScope lists the levels granting the scope, least trusted first.
func LevelsWithScope(required Scope) []Level {
	levels := make([]Level, 0, len(orderedLevels))
	for _, level := range orderedLevels {
		if Authorize(level, required) {
			levels = append(levels, level)
		}
	}
	return levels
}
