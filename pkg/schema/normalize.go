// Package schema derives a stable, SQL-safe table schema from the
// vendor-specific column sets carried by billing manifests. Column sets vary
// between manifests of the same vendor over time, so the package normalizes
// raw column identifiers into collision-free names and computes the delta
// needed to evolve a live table without data loss.
package schema

import (
	"regexp"
	"strings"
)

// SourceColumn is one column as declared by a vendor manifest.
type SourceColumn struct {
	Category string `json:"category"`
	Name     string `json:"name"`
	Type     string `json:"type"`
}

// OriginalName returns the column identifier as it appears in the data file
// header, e.g. "identity/LineItemId". Vendors that declare bare column
// names carry no category.
func (c SourceColumn) OriginalName() string {
	if c.Category == "" {
		return c.Name
	}
	return c.Category + "/" + c.Name
}

// tagCategory is the manifest category holding user resource tags. Tag
// values are inconsistent across rows, so the declared vendor type is
// ignored and tags are always stored as strings.
const tagCategory = "resourceTags"

// typeMapping maps vendor type tags to storage types. Unknown tags fall
// back to VARCHAR.
var typeMapping = map[string]string{
	"String":             "VARCHAR",
	"OptionalString":     "VARCHAR",
	"BigDecimal":         "DECIMAL(18,2)",
	"OptionalBigDecimal": "DECIMAL(18,2)",
	"DateTime":           "TIMESTAMP",
	"Interval":           "VARCHAR",
}

// StorageType returns the storage type for a column.
func StorageType(category, vendorType string) string {
	if category == tagCategory {
		return "VARCHAR"
	}
	if t, ok := typeMapping[vendorType]; ok {
		return t
	}
	return "VARCHAR"
}

var (
	camelBoundary   = regexp.MustCompile(`([a-z0-9])([A-Z])`)
	nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)
)

// reservedWords is the set of SQL keywords that cannot be used as bare
// column names.
var reservedWords = map[string]struct{}{
	"group": {}, "order": {}, "select": {}, "from": {}, "where": {},
	"join": {}, "inner": {}, "outer": {}, "left": {}, "right": {},
	"on": {}, "as": {}, "and": {}, "or": {}, "not": {}, "in": {},
	"exists": {}, "between": {}, "like": {}, "is": {}, "null": {},
	"true": {}, "false": {}, "case": {}, "when": {}, "then": {},
	"else": {}, "end": {}, "union": {}, "intersect": {}, "except": {},
	"all": {}, "distinct": {}, "limit": {}, "offset": {}, "having": {},
	"by": {}, "asc": {}, "desc": {}, "create": {}, "table": {},
	"insert": {}, "update": {}, "delete": {}, "alter": {}, "drop": {},
	"index": {}, "view": {}, "database": {}, "schema": {}, "column": {},
	"primary": {}, "key": {}, "foreign": {}, "references": {},
	"constraint": {}, "unique": {}, "check": {}, "default": {},
	"grant": {}, "revoke": {}, "user": {}, "role": {}, "commit": {},
	"rollback": {}, "begin": {}, "transaction": {}, "start": {},
}

// Normalize converts a vendor column identifier into a lowercase,
// underscore-delimited, SQL-safe name. It is deterministic and total:
//
//	Normalize("aws:autoscaling:groupName") == "aws_autoscaling_group_name"
//	Normalize("group") == "group_col"
//	Normalize("1abc") == "col_1abc"
func Normalize(name string) string {
	// Split camelCase boundaries before lowercasing.
	n := camelBoundary.ReplaceAllString(name, "${1}_${2}")
	n = strings.ToLower(n)
	n = nonAlphanumeric.ReplaceAllString(n, "_")
	n = strings.Trim(n, "_")

	if n == "" {
		return "unknown_column"
	}
	if n[0] >= '0' && n[0] <= '9' {
		n = "col_" + n
	}
	if _, reserved := reservedWords[n]; reserved {
		n = n + "_col"
	}
	return n
}

// IsReservedWord reports whether a word is a SQL reserved word.
func IsReservedWord(word string) bool {
	_, ok := reservedWords[strings.ToLower(word)]
	return ok
}
