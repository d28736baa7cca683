package recordstore

import (
	"regexp"
	"strings"

	"github.com/nexus-kernel/nexus/pkg/kernel"
)

// zoneScopedTables lists tables that carry a zone_id column and therefore
// must be filtered by it on every statement. Tables outside this set (e.g.
// the rebac namespace config, which is global) are exempt.
var zoneScopedTables = map[string]bool{
	"rebac_tuples":        true,
	"rebac_group_closure": true,
	"rebac_changelog":     true,
	"version_history":     true,
	"path_registry":       true,
	"operation_log":       true,
	"peer_enrollments":    true,
}

var fromTablePattern = regexp.MustCompile(`(?i)\b(?:from|into|update)\s+([a-zA-Z_][a-zA-Z0-9_]*)`)
var zoneIDPredicate = regexp.MustCompile(`(?i)zone_id\s*=\s*\?`)
var insertPattern = regexp.MustCompile(`(?i)^\s*insert\s+into\s+[a-zA-Z_][a-zA-Z0-9_]*\s*\(([^)]*)\)`)
var zoneIDColumn = regexp.MustCompile(`(?i)(^|[\s,])zone_id([\s,]|$)`)

// checkZoneScoped rejects statements against a zone-scoped table that lack
// a tenant predicate. This is a narrow lexical check, not a SQL parser: it
// is sufficient to catch the programmer error this guard exists for
// (forgetting the tenant predicate), not to validate arbitrary SQL.
//
// INSERT statements carry no WHERE clause, so they're checked differently:
// the zone-scoped column must appear in the column list instead.
func checkZoneScoped(stmt string) error {
	if m := insertPattern.FindStringSubmatch(stmt); m != nil {
		matches := fromTablePattern.FindAllStringSubmatch(stmt, -1)
		for _, fm := range matches {
			table := strings.ToLower(fm[1])
			if !zoneScopedTables[table] {
				continue
			}
			if !zoneIDColumn.MatchString(m[1]) {
				return kernel.Errorf(kernel.InvalidArgument, "recordstore.guard", nil).
					WithPath(table)
			}
		}
		return nil
	}

	matches := fromTablePattern.FindAllStringSubmatch(stmt, -1)
	for _, m := range matches {
		table := strings.ToLower(m[1])
		if !zoneScopedTables[table] {
			continue
		}
		if !zoneIDPredicate.MatchString(stmt) {
			return kernel.Errorf(kernel.InvalidArgument, "recordstore.guard", nil).
				WithPath(table)
		}
	}
	return nil
}
