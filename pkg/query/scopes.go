package query

import (
	"encoding/json"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Scope is a composable gorm query modifier.
type Scope = func(*gorm.DB) *gorm.DB

var resultSortColumns = map[string]string{
	SortStartTime: "start_time",
	SortDuration:  "duration",
	SortTitle:     "title",
	SortStatus:    "state",
}

var runSortColumns = map[string]string{
	SortStartTime: "start_time",
	SortDuration:  "duration",
	SortTotal:     "total",
	SortFailed:    "failed",
}

// likeEscape is the escape character used in every LIKE predicate.
const likeEscape = `\`

// ContainsPattern returns a lower-cased LIKE pattern matching s as a
// substring, with wildcard characters in s escaped.
func ContainsPattern(s string) string {
	return "%" + escapeLike(strings.ToLower(s)) + "%"
}

func escapeLike(s string) string {
	r := strings.NewReplacer(
		likeEscape, likeEscape+likeEscape,
		"%", likeEscape+"%",
		"_", likeEscape+"_",
	)

	return r.Replace(s)
}

// tagPattern matches a tag inside a JSON-encoded string array.
func tagPattern(tag string) string {
	encoded, _ := json.Marshal(tag)

	return "%" + escapeLike(string(encoded)) + "%"
}

// Where returns a scope applying every predicate of the filter to the
// test_results table.
func (f ResultFilter) Where() Scope {
	return func(db *gorm.DB) *gorm.DB {
		if f.RunID != "" {
			db = db.Where("test_results.run_id = ?", f.RunID)
		}

		if len(f.States) > 0 {
			db = db.Where("test_results.state IN ?", f.States)
		}

		if len(f.Files) > 0 {
			db = db.Where("test_results.file IN ?", f.Files)
		}

		if len(f.Browsers) > 0 {
			db = db.Where("test_results.browser IN ?", f.Browsers)
		}

		if f.From != nil {
			db = db.Where("test_results.start_time >= ?", *f.From)
		}

		if f.To != nil {
			db = db.Where("test_results.start_time <= ?", *f.To)
		}

		if f.MinDuration != nil {
			db = db.Where("test_results.duration >= ?", *f.MinDuration)
		}

		if f.MaxDuration != nil {
			db = db.Where("test_results.duration <= ?", *f.MaxDuration)
		}

		if f.Search != "" {
			pattern := ContainsPattern(f.Search)
			db = db.Where(
				"(LOWER(test_results.title) LIKE ? ESCAPE '\\' OR "+
					"LOWER(test_results.full_title) LIKE ? ESCAPE '\\' OR "+
					"LOWER(COALESCE(test_results.error_message, '')) LIKE ? ESCAPE '\\')",
				pattern, pattern, pattern,
			)
		}

		if len(f.Tags) > 0 {
			conds := make([]string, 0, len(f.Tags))
			args := make([]any, 0, len(f.Tags))

			for _, tag := range f.Tags {
				conds = append(conds, "test_results.tags LIKE ? ESCAPE '\\'")
				args = append(args, tagPattern(tag))
			}

			db = db.Where("("+strings.Join(conds, " OR ")+")", args...)
		}

		if f.HasRetries != nil {
			if *f.HasRetries {
				db = db.Where("test_results.retries > 0")
			} else {
				db = db.Where("test_results.retries = 0")
			}
		}

		if f.HasScreenshot != nil {
			const hasScreenshot = "(COALESCE(test_results.screenshot_path, '') <> '' OR " +
				"EXISTS (SELECT 1 FROM screenshots WHERE screenshots.test_result_id = test_results.id))"

			if *f.HasScreenshot {
				db = db.Where(hasScreenshot)
			} else {
				db = db.Where("NOT " + hasScreenshot)
			}
		}

		return db
	}
}

// OrderBy returns a scope ordering by the sort key with id as the
// tie-breaker in the same direction.
func (f ResultFilter) OrderBy() Scope {
	return orderBy("test_results", resultSortColumns, f.Sort)
}

// Paginate returns a scope applying limit and offset.
func (f ResultFilter) Paginate() Scope {
	return paginate(f.Page)
}

// Where returns a scope applying every predicate of the filter to the
// test_runs table.
func (f RunFilter) Where() Scope {
	return func(db *gorm.DB) *gorm.DB {
		if len(f.Statuses) > 0 {
			db = db.Where("test_runs.status IN ?", f.Statuses)
		}

		if len(f.Browsers) > 0 {
			db = db.Where("test_runs.browser IN ?", f.Browsers)
		}

		if f.From != nil {
			db = db.Where("test_runs.start_time >= ?", *f.From)
		}

		if f.To != nil {
			db = db.Where("test_runs.start_time <= ?", *f.To)
		}

		if f.Search != "" {
			pattern := ContainsPattern(f.Search)
			db = db.Where(
				"(LOWER(test_runs.runner) LIKE ? ESCAPE '\\' OR "+
					"LOWER(test_runs.browser) LIKE ? ESCAPE '\\' OR "+
					"LOWER(COALESCE(test_runs.spec_files, '')) LIKE ? ESCAPE '\\')",
				pattern, pattern, pattern,
			)
		}

		return db
	}
}

// OrderBy returns a scope ordering by the sort key with id as the
// tie-breaker in the same direction.
func (f RunFilter) OrderBy() Scope {
	return orderBy("test_runs", runSortColumns, f.Sort)
}

// Paginate returns a scope applying limit and offset.
func (f RunFilter) Paginate() Scope {
	return paginate(f.Page)
}

func orderBy(table string, columns map[string]string, s Sort) Scope {
	column, ok := columns[s.Key]
	if !ok {
		column = "start_time"
	}

	desc := s.Desc()

	return func(db *gorm.DB) *gorm.DB {
		return db.
			Order(clause.OrderByColumn{
				Column: clause.Column{Table: table, Name: column},
				Desc:   desc,
			}).
			Order(clause.OrderByColumn{
				Column: clause.Column{Table: table, Name: "id"},
				Desc:   desc,
			})
	}
}

func paginate(p Page) Scope {
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	if limit > MaxLimit {
		limit = MaxLimit
	}

	return func(db *gorm.DB) *gorm.DB {
		return db.Limit(limit).Offset(p.Offset)
	}
}
