package indexers

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/skoposlabs/skopos/pkg/apierror"
	"github.com/skoposlabs/skopos/pkg/store"
)

// SQLIndexer serves queries straight from the item store: pgvector distance
// operators for vector queries, pg_trgm similarity for text, JSONB
// operators for filters. There is no separate index state to maintain, so
// most of the contract is a no-op.
type SQLIndexer struct {
	db         *sql.DB
	collection *store.Collection
}

func (s *SQLIndexer) Recreate(context.Context) error                 { return nil }
func (s *SQLIndexer) IndexItems(context.Context, []store.Item) error { return nil }
func (s *SQLIndexer) DeleteItems(context.Context, []string) error    { return nil }
func (s *SQLIndexer) Cleanup(context.Context) error                  { return nil }
func (s *SQLIndexer) Drop(context.Context) error                     { return nil }

func (s *SQLIndexer) Search(ctx context.Context, q SearchQuery) ([]Result, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	b := &sqlBuilder{}
	where := []string{"item.collection_id = " + b.bind(s.collection.ID)}

	similarity, notNull, err := sqlSimilarity(b, q)
	if err != nil {
		return nil, err
	}
	if notNull != "" {
		where = append(where, notNull)
	}
	if q.Filters != nil {
		clause, err := sqlFilterClause(b, q.Filters)
		if err != nil {
			return nil, err
		}
		if clause != "" {
			where = append(where, clause)
		}
	}
	if len(q.ExcludeExternalIDs) > 0 {
		where = append(where, "not item.external_id = any("+b.bind(pq.Array(q.ExcludeExternalIDs))+")")
	}

	query := "select * from (" +
		"select item.id, item.external_id, item.description, item.fields, item.scores, " +
		similarity + " as similarity from items item where " + strings.Join(where, " and ") +
		") sim"
	if q.ScoreThreshold > 0 {
		query += " where sim.similarity > " + b.bind(q.ScoreThreshold)
	}
	query += " order by similarity desc limit " + b.bind(limit) + " offset " + b.bind(q.Offset)

	rows, err := s.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, apierror.Store(err, "searching collection %s", s.collection.Name)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			id          int64
			externalID  string
			description string
			fields      []byte
			scores      []byte
			score       float64
		)
		if err := rows.Scan(&id, &externalID, &description, &fields, &scores, &score); err != nil {
			return nil, apierror.Store(err, "scanning search hit")
		}
		results = append(results, Result{ExternalID: externalID, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.Store(err, "searching collection %s", s.collection.Name)
	}
	return results, nil
}

// sqlSimilarity picks the similarity expression: a pgvector distance when a
// vector is given, pg_trgm similarity for text queries, constant 1
// otherwise. Vector queries also restrict to rows whose vector column is
// populated so NULL distances never sort first.
func sqlSimilarity(b *sqlBuilder, q SearchQuery) (string, string, error) {
	if len(q.Vector) > 0 {
		column, err := store.VectorColumn(len(q.Vector))
		if err != nil {
			return "", "", err
		}
		param := b.bind(store.FormatVector(q.Vector)) + "::vector"
		notNull := "item." + column + " is not null"
		switch q.Distance {
		case "", DistanceCosine:
			return "1 - (item." + column + " <=> " + param + ")", notNull, nil
		case DistanceInnerProduct:
			return "(item." + column + " <#> " + param + ") * -1", notNull, nil
		case DistanceL1:
			return "(item." + column + " <+> " + param + ")", notNull, nil
		case DistanceL2:
			return "1 - (item." + column + " <-> " + param + ")", notNull, nil
		}
		return "", "", apierror.Config("unknown distance function %s (supported: cosine, inner_product, l1, l2)", q.Distance)
	}
	if q.Text != "" {
		return "similarity(description, " + b.bind(q.Text) + ")", "", nil
	}
	return "1", "", nil
}

func sqlFilterClause(b *sqlBuilder, f *Filter) (string, error) {
	switch {
	case f == nil:
		return "", nil
	case len(f.And) > 0:
		parts, err := sqlFilterClauses(b, f.And)
		if err != nil {
			return "", err
		}
		return "(" + strings.Join(parts, " and ") + ")", nil
	case len(f.Or) > 0:
		parts, err := sqlFilterClauses(b, f.Or)
		if err != nil {
			return "", err
		}
		return "(" + strings.Join(parts, " or ") + ")", nil
	case f.Not != nil:
		inner, err := sqlFilterClause(b, f.Not)
		if err != nil {
			return "", err
		}
		return "not (" + inner + ")", nil
	case f.Cond != nil:
		return sqlCondition(b, f.Cond)
	}
	return "", nil
}

func sqlFilterClauses(b *sqlBuilder, filters []*Filter) ([]string, error) {
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		clause, err := sqlFilterClause(b, f)
		if err != nil {
			return nil, err
		}
		if clause != "" {
			parts = append(parts, clause)
		}
	}
	return parts, nil
}

// sqlCondition renders one field's operators against the JSONB fields
// column. Numbers compare through a double precision cast; contains and
// overlaps match list values, with a type guard on overlaps so a scalar
// field value means no match instead of a query error.
func sqlCondition(b *sqlBuilder, c *Condition) (string, error) {
	key := strings.ReplaceAll(c.Field, "'", "''")
	var clauses []string
	for _, op := range sortedKeys(c.Ops) {
		value := c.Ops[op]
		switch op {
		case "eq":
			if isNumeric(value) {
				clauses = append(clauses, "CAST(fields->>'"+key+"' AS double precision) = "+b.bind(value))
			} else {
				clauses = append(clauses, "fields->>'"+key+"' = "+b.bind(textValue(value)))
			}
		case "gte":
			clauses = append(clauses, "CAST(fields->>'"+key+"' AS double precision) >= "+b.bind(value))
		case "lte":
			clauses = append(clauses, "CAST(fields->>'"+key+"' AS double precision) <= "+b.bind(value))
		case "contains":
			payload, _ := json.Marshal(textValues(value))
			clauses = append(clauses, "fields->'"+key+"' @> "+b.bind(string(payload))+"::jsonb")
		case "in":
			clauses = append(clauses, "(fields->>'"+key+"') = any("+b.bind(pq.Array(textValues(value)))+")")
		case "overlaps":
			clauses = append(clauses,
				"ARRAY(SELECT jsonb_array_elements_text(CASE WHEN jsonb_typeof(fields->'"+key+"') = 'array' THEN fields->'"+key+"' ELSE '[]'::jsonb END)) && "+
					b.bind(pq.Array(textValues(value))))
		default:
			return "", apierror.Config("unknown filter operator %q on field %q", op, c.Field)
		}
	}
	if len(clauses) == 1 {
		return clauses[0], nil
	}
	return "(" + strings.Join(clauses, " and ") + ")", nil
}

// sqlBuilder numbers bind parameters as clauses accumulate.
type sqlBuilder struct {
	args []any
}

func (b *sqlBuilder) bind(value any) string {
	b.args = append(b.args, value)
	return "$" + strconv.Itoa(len(b.args))
}
