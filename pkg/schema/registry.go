package schema

import (
	"sort"
	"strconv"
	"strings"
)

// Column is one normalized column in the unified table schema.
type Column struct {
	OriginalName   string
	NormalizedName string
	Category       string
	VendorType     string
	StorageType    string
}

// nameResolver assigns collision-free normalized names. Collisions are
// resolved deterministically by appending an increasing numeric suffix in
// encounter order. Resolution is scoped to one resolver instance, which in
// turn is scoped to a single Unify or Diff call.
type nameResolver struct {
	seen map[string]int
}

func newNameResolver() *nameResolver {
	return &nameResolver{seen: make(map[string]int)}
}

func (r *nameResolver) resolve(base string) string {
	n, ok := r.seen[base]
	if !ok {
		r.seen[base] = 0
		return base
	}
	r.seen[base] = n + 1
	return base + "_" + strconv.Itoa(n+1)
}

// Unify merges the column lists of multiple manifests into one unified
// schema, deduplicating by original name with the first occurrence winning.
// The original name is the stable dedup key: a later manifest could
// introduce a column whose normalized form collides with an unrelated
// original identifier, so normalized names are never used for dedup.
// The result is sorted by category, then normalized name, so repeated calls
// over the same history produce identical CREATE TABLE statements.
func Unify(manifests ...[]SourceColumn) []Column {
	resolver := newNameResolver()
	byOriginal := make(map[string]Column)
	var unified []Column

	for _, columns := range manifests {
		for _, col := range columns {
			original := col.OriginalName()
			// A column repeated across manifests must not consume a
			// collision suffix, or the numbering of later genuine
			// collisions would shift with history length.
			if _, exists := byOriginal[original]; exists {
				continue
			}
			normalized := resolver.resolve(Normalize(original))

			c := Column{
				OriginalName:   original,
				NormalizedName: normalized,
				Category:       col.Category,
				VendorType:     col.Type,
				StorageType:    StorageType(col.Category, col.Type),
			}
			byOriginal[original] = c
			unified = append(unified, c)
		}
	}

	sort.Slice(unified, func(i, j int) bool {
		if unified[i].Category != unified[j].Category {
			return unified[i].Category < unified[j].Category
		}
		return unified[i].NormalizedName < unified[j].NormalizedName
	})

	return unified
}

// Diff returns the columns from one manifest that are not yet present in
// the live table, identified by normalized name. Collision resolution is
// applied over the manifest's full column list so suffix assignment matches
// what ColumnMapping produces for the same manifest.
func Diff(existing map[string]struct{}, columns []SourceColumn) []Column {
	resolver := newNameResolver()
	var missing []Column

	for _, col := range columns {
		original := col.OriginalName()
		normalized := resolver.resolve(Normalize(original))

		if _, present := existing[normalized]; present {
			continue
		}

		missing = append(missing, Column{
			OriginalName:   original,
			NormalizedName: normalized,
			Category:       col.Category,
			VendorType:     col.Type,
			StorageType:    StorageType(col.Category, col.Type),
		})
	}

	return missing
}

// ColumnMapping returns the original-name to normalized-name mapping for
// one manifest's column list, used to translate a data file's header into
// table column names at load time.
func ColumnMapping(columns []SourceColumn) map[string]string {
	resolver := newNameResolver()
	mapping := make(map[string]string, len(columns))

	for _, col := range columns {
		original := col.OriginalName()
		if _, exists := mapping[original]; exists {
			// Duplicate original names still consume a suffix slot so the
			// remaining assignments stay aligned with Diff.
			resolver.resolve(Normalize(original))
			continue
		}
		mapping[original] = resolver.resolve(Normalize(original))
	}

	return mapping
}

// CreateTableSQL renders the CREATE TABLE statement for a unified schema.
// Normalized names are produced by Normalize and are safe to interpolate.
func CreateTableSQL(table string, columns []Column) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(table)
	b.WriteString(" (\n")
	for i, col := range columns {
		if i > 0 {
			b.WriteString(",\n")
		}
		b.WriteString("    ")
		b.WriteString(col.NormalizedName)
		b.WriteString(" ")
		b.WriteString(col.StorageType)
	}
	b.WriteString("\n)")
	return b.String()
}

// AlterTableSQL renders one ALTER TABLE ADD COLUMN statement per new
// column. Additions are append-only: existing rows read the new columns as
// null.
func AlterTableSQL(table string, columns []Column) []string {
	statements := make([]string, 0, len(columns))
	for _, col := range columns {
		statements = append(statements,
			"ALTER TABLE "+table+" ADD COLUMN "+col.NormalizedName+" "+col.StorageType)
	}
	return statements
}
